// Package cache stores serialized origin responses keyed by target URL.
//
// A Store is a shared, possibly remote key-value store with per-entry expiry.
// Expiry is owned by the store: Get never returns an entry whose TTL elapsed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/shuakami/proxy"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted is returned when a stored body does not match its digest.
	ErrCorrupted = errors.New("cache entry digest mismatch")
)

// Store maps a target URL to a response snapshot with a time-to-live.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry and its remaining TTL.
	// Returns ErrNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) (*Entry, time.Duration, error)

	// Put stores the entry, overwriting any existing entry and resetting the TTL.
	Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// TTL returns the remaining lifetime of key.
	// Returns ErrNotFound if the key is absent or expired.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// DropAll removes every entry owned by the store.
	DropAll(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Header is a single response header field. Entries keep one value per name.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Entry is a cached origin response. Entries are replaced wholesale, never patched.
type Entry struct {
	Status  int        `json:"status"`
	Headers []Header   `json:"headers"`
	Body    []byte     `json:"body"`
	Digest  proxy.Hash `json:"digest"`
}

// NewEntry snapshots a response. Header names are sorted so the encoded form
// is stable; only the first value of each header is kept.
func NewEntry(status int, header http.Header, body []byte) *Entry {
	return NewEntryWithDigest(status, header, body, proxy.HashBytes(body))
}

// NewEntryWithDigest is NewEntry for a body whose digest was computed while
// it was read.
func NewEntryWithDigest(status int, header http.Header, body []byte, digest proxy.Hash) *Entry {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]Header, 0, len(names))
	for _, name := range names {
		headers = append(headers, Header{Name: name, Value: header.Get(name)})
	}

	return &Entry{
		Status:  status,
		Headers: headers,
		Body:    body,
		Digest:  digest,
	}
}

// Header returns the entry headers as an http.Header.
func (e *Entry) Header() http.Header {
	h := make(http.Header, len(e.Headers))
	for _, f := range e.Headers {
		h.Set(f.Name, f.Value)
	}
	return h
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := &Entry{
		Status:  e.Status,
		Headers: append([]Header(nil), e.Headers...),
		Body:    append([]byte(nil), e.Body...),
		Digest:  e.Digest,
	}
	return c
}

// Verify checks the body against the digest. Entries without a digest pass.
func (e *Entry) Verify() error {
	if e.Digest.IsZero() {
		return nil
	}
	if proxy.HashBytes(e.Body) != e.Digest {
		return ErrCorrupted
	}
	return nil
}

// remaining converts an absolute expiry into a non-negative remaining TTL.
func remaining(expires, now time.Time) time.Duration {
	d := expires.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func errNonPositiveTTL(ttl time.Duration) error {
	return fmt.Errorf("cache ttl must be positive, got %s", ttl)
}
