// Package origin fetches target URLs on behalf of proxied requests.
package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shuakami/proxy/telemetry"
	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrOriginUnreachable is returned when the origin request could not be
	// dispatched or no response headers arrived.
	ErrOriginUnreachable = errors.New("origin unreachable")

	// ErrOriginTimeout is returned when response headers did not arrive in
	// time, and from body reads once the body has stalled.
	ErrOriginTimeout = errors.New("origin timed out")
)

const (
	// DefaultTimeout bounds the wait for response headers.
	DefaultTimeout = time.Minute

	// DefaultIdleTimeout bounds the gap between body reads that return data.
	// A body that keeps moving is never cut off.
	DefaultIdleTimeout = time.Minute
)

// ForwardHeaders lists the inbound request headers passed on to the origin.
// Everything else (cookies, authorization, hop-by-hop headers) is dropped.
// Content-Length is derived from the request body by net/http.
var ForwardHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"User-Agent",
	"Dnt",
	"Content-Type",
	"Content-Length",
	"Range",
}

// Request describes an origin request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body is sent for methods other than GET and HEAD.
	Body []byte
}

// Response is an origin response. Body must be closed by the caller; closing
// it releases the fetch slot and the request deadline.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Latency is the time from dispatch until response headers arrived.
	Latency time.Duration
	// URL is the final URL after redirects.
	URL string
}

// Fetcher performs origin requests with a header timeout, a body idle timeout
// and an optional bound on the number of fetches in flight.
type Fetcher struct {
	client      *http.Client
	timeout     time.Duration
	idleTimeout time.Duration
	sem         *semaphore.Weighted
	logger      *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithTimeout sets how long to wait for response headers. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// WithIdleTimeout sets how long a response body may go without delivering
// data before the fetch is abandoned. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.idleTimeout = d
	}
}

// WithMaxConcurrent bounds the number of fetches whose body is still open.
// Zero means unlimited.
func WithMaxConcurrent(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.sem = semaphore.NewWeighted(int64(n))
		} else {
			f.sem = nil
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a Fetcher. Without WithHTTPClient it uses a client built
// on NewTransport.
func NewFetcher(opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		timeout:     DefaultTimeout,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		transport, err := NewTransport()
		if err != nil {
			return nil, err
		}
		f.client = &http.Client{Transport: transport}
	}
	return f, nil
}

// NewTransport returns the origin transport: a clone of the default
// transport with HTTP/2 enabled and automatic decompression turned off so
// encoded bodies reach the client untouched, wrapped with fetch metrics.
func NewTransport() (http.RoundTripper, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DisableCompression = true
	base.MaxIdleConnsPerHost = 32
	if err := http2.ConfigureTransport(base); err != nil {
		return nil, fmt.Errorf("configuring http2: %w", err)
	}
	return telemetry.NewInstrumentedTransport(base, telemetry.ClassProxy), nil
}

// Fetch dispatches req and returns once response headers have arrived.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	release := func() {}
	if f.sem != nil {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: waiting for fetch slot: %w", ErrOriginUnreachable, err)
		}
		release = func() { f.sem.Release(1) }
	}

	ctx, cancel := context.WithCancelCause(ctx)
	done := func() {
		cancel(nil)
		release()
	}

	var reqBody io.Reader
	if req.Method != http.MethodGet && req.Method != http.MethodHead && len(req.Body) > 0 {
		reqBody = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reqBody)
	if err != nil {
		done()
		return nil, fmt.Errorf("%w: %w", ErrOriginUnreachable, err)
	}
	copyForwardHeaders(httpReq.Header, req.Header)

	var headerTimer *time.Timer
	if f.timeout > 0 {
		headerTimer = time.AfterFunc(f.timeout, func() { cancel(ErrOriginTimeout) })
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	latency := time.Since(start)
	if headerTimer != nil && !headerTimer.Stop() && err == nil {
		// Headers arrived as the timer fired; the context is already gone.
		_ = resp.Body.Close()
		done()
		return nil, fmt.Errorf("%w after %s", ErrOriginTimeout, latency.Round(time.Millisecond))
	}
	if err != nil {
		timedOut := errors.Is(context.Cause(ctx), ErrOriginTimeout)
		done()
		if timedOut {
			return nil, fmt.Errorf("%w after %s: %w", ErrOriginTimeout, latency.Round(time.Millisecond), err)
		}
		return nil, fmt.Errorf("%w: %w", ErrOriginUnreachable, err)
	}

	f.logger.Debug("origin responded",
		"url", req.URL,
		"status", resp.StatusCode,
		"latency", latency,
	)

	body := &releasingBody{ReadCloser: resp.Body, ctx: ctx, release: done}
	if f.idleTimeout > 0 {
		body.idle = f.idleTimeout
		body.timer = time.AfterFunc(f.idleTimeout, func() { cancel(ErrOriginTimeout) })
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Latency:    latency,
		URL:        resp.Request.URL.String(),
	}, nil
}

func copyForwardHeaders(dst, src http.Header) {
	for _, name := range ForwardHeaders {
		if name == "Content-Length" {
			continue
		}
		for _, v := range src.Values(name) {
			dst.Add(name, v)
		}
	}
}

// releasingBody runs release exactly once when closed. With an idle timer,
// every read that returns data pushes the deadline back.
type releasingBody struct {
	io.ReadCloser
	ctx     context.Context
	once    sync.Once
	release func()

	idle  time.Duration
	timer *time.Timer
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if b.timer != nil && n > 0 {
		b.timer.Reset(b.idle)
	}
	if err != nil && !errors.Is(err, io.EOF) && errors.Is(context.Cause(b.ctx), ErrOriginTimeout) {
		err = fmt.Errorf("%w: body idle for %s: %w", ErrOriginTimeout, b.idle, err)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
