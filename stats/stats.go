// Package stats keeps the shared request counters exposed by the stats API.
package stats

import (
	"context"
)

// Counter names a shared counter. The string value is the field name used in
// storage and in the JSON snapshot.
type Counter string

const (
	TotalRequests Counter = "totalRequests"
	CacheHits     Counter = "cacheHits"
	GitRequests   Counter = "gitRequests"
	ProxiedBytes  Counter = "proxiedBytes"
)

// All lists every counter in snapshot order.
var All = []Counter{TotalRequests, CacheHits, GitRequests, ProxiedBytes}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	TotalRequests int64 `json:"totalRequests"`
	CacheHits     int64 `json:"cacheHits"`
	GitRequests   int64 `json:"gitRequests"`
	ProxiedBytes  int64 `json:"proxiedBytes"`
}

// Get returns the value of c, or 0 for an unknown counter.
func (s Snapshot) Get(c Counter) int64 {
	switch c {
	case TotalRequests:
		return s.TotalRequests
	case CacheHits:
		return s.CacheHits
	case GitRequests:
		return s.GitRequests
	case ProxiedBytes:
		return s.ProxiedBytes
	}
	return 0
}

func (s *Snapshot) set(c Counter, v int64) {
	switch c {
	case TotalRequests:
		s.TotalRequests = v
	case CacheHits:
		s.CacheHits = v
	case GitRequests:
		s.GitRequests = v
	case ProxiedBytes:
		s.ProxiedBytes = v
	}
}

// Counters is shared storage for the request counters. Implementations must
// be safe for concurrent use; increments from concurrent requests must not
// be lost.
type Counters interface {
	// Increment adds n to counter c.
	Increment(ctx context.Context, c Counter, n int64) error

	// Read returns the current value of every counter. Missing counters
	// read as zero.
	Read(ctx context.Context) (Snapshot, error)

	// Reset sets every counter to zero.
	Reset(ctx context.Context) error
}
