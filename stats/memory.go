package stats

import (
	"context"
	"sync/atomic"
)

// MemoryCounters keeps the counters in process memory. Totals are per
// instance and lost on restart.
type MemoryCounters struct {
	values [4]atomic.Int64
}

// NewMemoryCounters creates zeroed in-memory counters.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{}
}

func (m *MemoryCounters) slot(c Counter) *atomic.Int64 {
	for i, known := range All {
		if known == c {
			return &m.values[i]
		}
	}
	return nil
}

func (m *MemoryCounters) Increment(_ context.Context, c Counter, n int64) error {
	if v := m.slot(c); v != nil {
		v.Add(n)
	}
	return nil
}

func (m *MemoryCounters) Read(_ context.Context) (Snapshot, error) {
	var s Snapshot
	for i, c := range All {
		s.set(c, m.values[i].Load())
	}
	return s, nil
}

func (m *MemoryCounters) Reset(_ context.Context) error {
	for i := range m.values {
		m.values[i].Store(0)
	}
	return nil
}
