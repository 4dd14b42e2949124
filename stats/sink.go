package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/shuakami/proxy/telemetry"
)

// DefaultSinkTimeout bounds a single counter update.
const DefaultSinkTimeout = 2 * time.Second

// Sink applies counter increments on a best-effort basis. Failures are
// logged and never reach the request that caused them.
type Sink struct {
	counters Counters
	logger   *slog.Logger
	timeout  time.Duration
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithSinkLogger sets the logger used for failed updates.
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(s *Sink) {
		s.logger = logger
	}
}

// WithSinkTimeout sets the per-update timeout.
func WithSinkTimeout(d time.Duration) SinkOption {
	return func(s *Sink) {
		s.timeout = d
	}
}

// NewSink wraps counters.
func NewSink(counters Counters, opts ...SinkOption) *Sink {
	s := &Sink{
		counters: counters,
		logger:   slog.Default(),
		timeout:  DefaultSinkTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add increments counter c by n. Non-positive n is ignored. The update
// survives cancellation of ctx so a client disconnecting mid-response still
// gets counted.
func (s *Sink) Add(ctx context.Context, c Counter, n int64) {
	if n <= 0 {
		return
	}
	telemetry.RecordCounter(ctx, string(c), n)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.counters.Increment(ctx, c, n); err != nil {
		s.logger.Warn("metrics unavailable", "counter", string(c), "delta", n, "error", err)
	}
}
