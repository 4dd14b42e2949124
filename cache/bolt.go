package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var entriesBucket = []byte("entries")

// expiryPrefixSize is the width of the big-endian expiry stamp framing each value.
const expiryPrefixSize = 8

// BoltStore is a Store persisted in a local bbolt file. It suits single-node
// deployments without Redis. Expired entries are hidden from reads immediately
// and removed from disk by Reap.
type BoltStore struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithBoltLogger sets the logger for the store and its reaper.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(s *BoltStore) {
		s.logger = logger
	}
}

// WithBoltNow sets the time function for testing.
func WithBoltNow(now func() time.Time) BoltOption {
	return func(s *BoltStore) {
		s.now = now
	}
}

// WithBoltNoSync disables fsync per transaction.
// Use only for testing; a crash may lose recent writes.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(s *BoltStore) {
		s.noSync = noSync
	}
}

// OpenBolt opens (or creates) the store at path.
func OpenBolt(path string, opts ...BoltOption) (*BoltStore, error) {
	s := &BoltStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	s.codec = codec
	return s, nil
}

func (s *BoltStore) Get(_ context.Context, key string) (*Entry, time.Duration, error) {
	var (
		expires time.Time
		payload []byte
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		exp, data, err := splitFrame(v)
		if err != nil {
			return err
		}
		if !s.now().Before(exp) {
			return ErrNotFound
		}
		expires = exp
		// bbolt values are only valid for the life of the transaction.
		payload = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	entry, err := s.codec.Decode(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding %q: %w", key, err)
	}
	return entry, remaining(expires, s.now()), nil
}

func (s *BoltStore) Put(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL(ttl)
	}

	data, err := s.codec.Encode(entry)
	if err != nil {
		return err
	}

	frame := make([]byte, expiryPrefixSize+len(data))
	binary.BigEndian.PutUint64(frame[:expiryPrefixSize], uint64(s.now().Add(ttl).UnixNano()))
	copy(frame[expiryPrefixSize:], data)

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(key), frame)
	})
}

func (s *BoltStore) TTL(_ context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		exp, _, err := splitFrame(v)
		if err != nil {
			return err
		}
		now := s.now()
		if !now.Before(exp) {
			return ErrNotFound
		}
		ttl = remaining(exp, now)
		return nil
	})
	return ttl, err
}

func (s *BoltStore) DropAll(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(entriesBucket)
		return err
	})
}

func (s *BoltStore) Close() error {
	s.codec.Close()
	return s.db.Close()
}

// Reap deletes expired entries and returns how many were removed.
func (s *BoltStore) Reap(_ context.Context) (int, error) {
	now := s.now()
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)

		// Collect first: deleting under a live cursor skips the following key.
		var expired [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			exp, _, err := splitFrame(v)
			if err != nil || !now.Before(exp) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// StartReaper runs Reap every interval until ctx is cancelled.
func (s *BoltStore) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Debug("cache reaper started", "interval", interval)

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("cache reaper stopped")
				return
			case <-ticker.C:
				deleted, err := s.Reap(ctx)
				if err != nil {
					s.logger.Error("failed to reap expired entries", "error", err)
					continue
				}
				if deleted > 0 {
					s.logger.Info("expired entries reaped", "deleted", deleted)
				}
			}
		}
	}()
}

func splitFrame(v []byte) (time.Time, []byte, error) {
	if len(v) < expiryPrefixSize {
		return time.Time{}, nil, fmt.Errorf("%w: short frame", ErrCorrupted)
	}
	exp := time.Unix(0, int64(binary.BigEndian.Uint64(v[:expiryPrefixSize])))
	return exp, v[expiryPrefixSize:], nil
}

var _ Store = (*BoltStore)(nil)
