package cache

import (
	"context"
	"errors"
	"time"

	"github.com/shuakami/proxy/telemetry"
)

// InstrumentedStore wraps a Store with metrics recording.
type InstrumentedStore struct {
	store Store
	name  string
}

// NewInstrumentedStore creates a new instrumented store wrapper.
func NewInstrumentedStore(s Store, name string) *InstrumentedStore {
	return &InstrumentedStore{store: s, name: name}
}

func (is *InstrumentedStore) Get(ctx context.Context, key string) (*Entry, time.Duration, error) {
	start := time.Now()
	entry, ttl, err := is.store.Get(ctx, key)
	var n int64
	if entry != nil {
		n = int64(len(entry.Body))
	}
	telemetry.RecordCacheOp(ctx, is.name, "get", outcomeFromError(err), time.Since(start), n)
	return entry, ttl, err
}

func (is *InstrumentedStore) Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	start := time.Now()
	err := is.store.Put(ctx, key, entry, ttl)
	telemetry.RecordCacheOp(ctx, is.name, "put", outcomeFromError(err), time.Since(start), int64(len(entry.Body)))
	return err
}

func (is *InstrumentedStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	start := time.Now()
	ttl, err := is.store.TTL(ctx, key)
	telemetry.RecordCacheOp(ctx, is.name, "ttl", outcomeFromError(err), time.Since(start), 0)
	return ttl, err
}

func (is *InstrumentedStore) DropAll(ctx context.Context) error {
	start := time.Now()
	err := is.store.DropAll(ctx)
	telemetry.RecordCacheOp(ctx, is.name, "drop_all", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) Close() error {
	return is.store.Close()
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCorrupted):
		return "corrupted"
	case errors.Is(err, ErrEntryTooLarge):
		return "too_large"
	default:
		return "error"
	}
}

var _ Store = (*InstrumentedStore)(nil)
