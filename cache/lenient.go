package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultWriteTimeout bounds a single best-effort cache write.
const DefaultWriteTimeout = 5 * time.Second

// Lenient is the best-effort view of a Store used on the request path.
// The cache is an optimization only: every failure is logged and reported
// as a miss (for reads) or silently dropped (for writes).
type Lenient struct {
	group        singleflight.Group
	store        Store
	logger       *slog.Logger
	writeTimeout time.Duration
}

// LenientOption configures a Lenient.
type LenientOption func(*Lenient)

// WithLenientLogger sets the logger used for swallowed failures.
func WithLenientLogger(logger *slog.Logger) LenientOption {
	return func(l *Lenient) {
		l.logger = logger
	}
}

// WithWriteTimeout bounds each Save call.
func WithWriteTimeout(d time.Duration) LenientOption {
	return func(l *Lenient) {
		l.writeTimeout = d
	}
}

// NewLenient wraps store.
func NewLenient(store Store, opts ...LenientOption) *Lenient {
	l := &Lenient{
		store:        store,
		logger:       slog.Default(),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lookup returns the cached entry for key and its remaining TTL.
// ok is false on a miss and on any store failure.
//
// Concurrent lookups of the same key share one store read, so the returned
// entry may be shared and must be treated as read-only.
func (l *Lenient) Lookup(ctx context.Context, key string) (entry *Entry, ttl time.Duration, ok bool) {
	ch := l.group.DoChan(key, func() (any, error) {
		entry, ttl, err := l.store.Get(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		return lookupResult{entry: entry, ttl: ttl}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if !errors.Is(res.Err, ErrNotFound) {
				l.logger.Warn("cache unavailable, treating as miss", "key", key, "error", res.Err)
			}
			return nil, 0, false
		}
		r := res.Val.(lookupResult)
		return r.entry, r.ttl, true
	case <-ctx.Done():
		return nil, 0, false
	}
}

type lookupResult struct {
	entry *Entry
	ttl   time.Duration
}

// Save stores entry under key. The write is detached from ctx cancellation so
// a client hanging up after delivery does not abort it.
func (l *Lenient) Save(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()

	if err := l.store.Put(ctx, key, entry, ttl); err != nil {
		if errors.Is(err, ErrEntryTooLarge) {
			l.logger.Debug("response too large to cache", "key", key, "size", len(entry.Body), "error", err)
			return
		}
		l.logger.Warn("cache write failed", "key", key, "error", err)
		return
	}
	l.logger.Debug("cached response", "key", key, "ttl", ttl, "size", len(entry.Body), "digest", entry.Digest.ShortString())
}
