package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs single-instance deployments
// and tests; entries are not shared between processes.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	entry   *Entry
	expires time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time function used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.lookup(key)
	if !ok {
		return nil, 0, ErrNotFound
	}
	return item.entry.Clone(), remaining(item.expires, s.now()), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = memoryItem{entry: entry.Clone(), expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.lookup(key)
	if !ok {
		return 0, ErrNotFound
	}
	return remaining(item.expires, s.now()), nil
}

func (s *MemoryStore) DropAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]memoryItem)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.items {
		if _, ok := s.lookup(key); ok {
			n++
		}
	}
	return n
}

// lookup returns the live item for key, evicting it when expired.
// Callers must hold s.mu.
func (s *MemoryStore) lookup(key string) (memoryItem, bool) {
	item, ok := s.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !s.now().Before(item.expires) {
		delete(s.items, key)
		return memoryItem{}, false
	}
	return item, true
}

var _ Store = (*MemoryStore)(nil)
