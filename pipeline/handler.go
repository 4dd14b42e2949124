// Package pipeline implements the proxy request path: target resolution,
// cache lookup, origin dispatch, response rewriting and delivery.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shuakami/proxy/cache"
	"github.com/shuakami/proxy/origin"
	"github.com/shuakami/proxy/stats"
	"github.com/shuakami/proxy/target"
	"github.com/shuakami/proxy/telemetry"
)

const (
	// DefaultMaxCacheBodySize bounds the body copy kept for a cache write and
	// the stylesheet buffered for rewriting.
	DefaultMaxCacheBodySize = 10 << 20

	// DefaultMaxRequestBodySize bounds inbound request bodies relayed to origins.
	DefaultMaxRequestBodySize = 100 << 20

	// DefaultFallbackHost is used to build rewritten font URLs when the
	// request carries no host.
	DefaultFallbackHost = "localhost"

	invalidTargetMessage = "Bad Request: Please provide a valid URL to proxy."
	proxyErrorMessage    = "Proxy encountered an error."
)

var errStylesheetTooLarge = errors.New("stylesheet exceeds buffer limit")

// Fetcher dispatches origin requests.
type Fetcher interface {
	Fetch(ctx context.Context, req origin.Request) (*origin.Response, error)
}

// Handler serves proxied requests.
type Handler struct {
	cache   *cache.Lenient
	fetcher Fetcher
	sink    *stats.Sink
	logger  *slog.Logger

	maxCacheBodySize   int64
	maxRequestBodySize int64
	rewriteHeader      string
	fallbackHost       string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxCacheBodySize sets the largest body kept for a cache write.
// Larger responses are still streamed but not cached.
func WithMaxCacheBodySize(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxCacheBodySize = n
		}
	}
}

// WithMaxRequestBodySize sets the largest inbound body relayed to an origin.
func WithMaxRequestBodySize(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxRequestBodySize = n
		}
	}
}

// WithRewriteHeader names a request header that, when present, carries the
// original request path set by a rewriting layer in front of the proxy.
func WithRewriteHeader(name string) Option {
	return func(h *Handler) {
		h.rewriteHeader = name
	}
}

// WithFallbackHost sets the host used for rewritten font URLs when neither
// X-Forwarded-Host nor Host is available.
func WithFallbackHost(host string) Option {
	return func(h *Handler) {
		if host != "" {
			h.fallbackHost = host
		}
	}
}

// New creates a Handler.
func New(c *cache.Lenient, f Fetcher, sink *stats.Sink, opts ...Option) *Handler {
	h := &Handler{
		cache:              c,
		fetcher:            f,
		sink:               sink,
		logger:             slog.Default(),
		maxCacheBodySize:   DefaultMaxCacheBodySize,
		maxRequestBodySize: DefaultMaxRequestBodySize,
		fallbackHost:       DefaultFallbackHost,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.sink.Add(ctx, stats.TotalRequests, 1)

	targetURL, err := target.Resolve(h.rawPath(r))
	if err != nil {
		telemetry.SetClass(r, telemetry.ClassProxy)
		h.logger.Debug("rejected request", "path", h.rawPath(r), "error", err)
		SetCORSHeaders(w.Header(), r)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, invalidTargetMessage)
		return
	}
	telemetry.SetTarget(r, targetURL)

	class := target.Classify(r.Method, targetURL)
	if class.IsGit {
		telemetry.SetClass(r, telemetry.ClassGit)
		h.sink.Add(ctx, stats.GitRequests, 1)
	} else {
		telemetry.SetClass(r, telemetry.ClassProxy)
	}

	if class.Cacheable {
		if entry, ttl, ok := h.cache.Lookup(ctx, targetURL); ok {
			h.sink.Add(ctx, stats.CacheHits, 1)
			h.serveHit(w, r, targetURL, entry, ttl)
			return
		}
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	h.proxy(w, r, targetURL, class)
}

// rawPath returns the request path and query exactly as received.
func (h *Handler) rawPath(r *http.Request) string {
	if h.rewriteHeader != "" {
		if v := r.Header.Get(h.rewriteHeader); v != "" {
			return v
		}
	}
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

func (h *Handler) serveHit(w http.ResponseWriter, r *http.Request, targetURL string, entry *cache.Entry, ttl time.Duration) {
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	telemetry.SetEndpoint(r, "cache")

	seconds := int64(ttl / time.Second)
	hdr := w.Header()
	hdr.Set("X-Cache", "HIT")
	hdr.Set("X-Cache-Remaining", fmt.Sprintf("%ds", seconds))
	hdr.Set("X-Proxy-Response-Time", "0ms")
	if seconds > 0 {
		hdr.Set("Cache-Control", cacheControl(seconds))
	}
	for _, eh := range entry.Headers {
		hdr.Set(eh.Name, eh.Value)
	}
	SetCORSHeaders(hdr, r)

	h.logger.Info("cache hit", "target", targetURL, "remaining", ttl.Round(time.Second))

	stored := entry.Header()
	if h.rewritable(targetURL, entry.Status, stored) {
		h.writeFontCSS(w, r, targetURL, entry.Status, entry.Body)
		return
	}

	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, targetURL string, class target.Classification) {
	ctx := r.Context()

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				SetCORSHeaders(w.Header(), r)
				http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
				return
			}
			h.writeProxyError(w, r, targetURL, fmt.Errorf("reading request body: %w", err))
			return
		}
	}

	header := r.Header
	if target.IsFontStylesheet(targetURL) {
		// Ask for an unencoded stylesheet so it can be rewritten.
		header = r.Header.Clone()
		header.Del("Accept-Encoding")
	}

	resp, err := h.fetcher.Fetch(ctx, origin.Request{
		Method: r.Method,
		URL:    targetURL,
		Header: header,
		Body:   body,
	})
	if err != nil {
		h.writeProxyError(w, r, targetURL, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	responseTime := fmt.Sprintf("%dms", resp.Latency.Milliseconds())
	switch {
	case class.IsGit:
		h.logger.Info("git proxy", "method", r.Method, "target", targetURL, "status", resp.StatusCode, "response_time", responseTime)
	case class.Cacheable:
		h.logger.Info("cache miss", "method", r.Method, "target", targetURL, "status", resp.StatusCode, "response_time", responseTime)
	default:
		h.logger.Info("proxy", "method", r.Method, "target", targetURL, "status", resp.StatusCode, "response_time", responseTime)
	}

	hdr := w.Header()
	hdr.Set("X-Proxy-Response-Time", responseTime)
	if class.Cacheable {
		hdr.Set("X-Cache", "MISS")
	}
	copyResponseHeaders(hdr, resp.Header)

	if n := TransferredBytes(resp.StatusCode, resp.Header); n > 0 {
		h.sink.Add(ctx, stats.ProxiedBytes, n)
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	var ttl time.Duration
	if class.Cacheable && success {
		ttl = TTLForLatency(resp.Latency)
		h.logger.Debug("dynamic cache", "target", targetURL, "origin_latency", resp.Latency, "ttl", ttl)
		hdr.Set("Cache-Control", cacheControl(int64(ttl/time.Second)))
	}
	SetCORSHeaders(hdr, r)

	// Partial bodies are never stored: a later full GET would be served a fragment.
	storable := class.Cacheable && success && resp.StatusCode != http.StatusPartialContent

	var src io.Reader = resp.Body
	if r.Method != http.MethodHead && h.rewritable(targetURL, resp.StatusCode, resp.Header) {
		css, err := h.readStylesheet(resp.Body)
		if err == nil {
			h.writeFontCSS(w, r, targetURL, resp.StatusCode, css)
			if storable {
				h.cache.Save(ctx, targetURL, cache.NewEntry(resp.StatusCode, storedHeaders(resp.Header), css), ttl)
			}
			return
		}
		h.logger.Warn("font css rewrite failed, streaming original", "target", targetURL, "error", err)
		src = io.MultiReader(bytes.NewReader(css), resp.Body)
		if storable {
			telemetry.RecordCacheWriteSkipped(ctx, "rewrite_failed")
			storable = false
		}
	}

	h.deliver(w, r, targetURL, resp.StatusCode, resp.Header, src, storable, ttl)
}

// deliver streams the origin body to the client and, when storable, keeps a
// bounded copy for the cache.
func (h *Handler) deliver(w http.ResponseWriter, r *http.Request, targetURL string, status int, originHeader http.Header, body io.Reader, storable bool, ttl time.Duration) {
	ctx := r.Context()
	telemetry.SetEndpoint(r, "stream")

	var capture *cappedBuffer
	var tee io.Writer
	if storable {
		capture = newCappedBuffer(h.maxCacheBodySize)
		tee = capture
	}

	w.WriteHeader(status)
	n, err := streamThrough(w, r, body, tee)
	if err != nil {
		h.logger.Warn("stream interrupted", "target", targetURL, "bytes_written", n, "error", err)
		if storable {
			telemetry.RecordCacheWriteSkipped(ctx, "incomplete")
		}
		return
	}

	if !storable {
		return
	}
	if capture.Overflowed() {
		h.logger.Debug("response too large to cache", "target", targetURL, "bytes", n, "limit", h.maxCacheBodySize)
		telemetry.RecordCacheWriteSkipped(ctx, "too_large")
		return
	}
	entry := cache.NewEntryWithDigest(status, storedHeaders(originHeader), capture.Bytes(), capture.Digest())
	h.cache.Save(ctx, targetURL, entry, ttl)
}

// rewritable reports whether a response is a font stylesheet whose asset URLs
// should be re-pointed at the proxy.
func (h *Handler) rewritable(targetURL string, status int, header http.Header) bool {
	return status >= 200 && status < 300 &&
		target.IsFontStylesheet(targetURL) &&
		isCSS(header.Get("Content-Type")) &&
		isIdentity(header)
}

// readStylesheet buffers a stylesheet up to the cache body limit. On error the
// bytes read so far are returned so the caller can fall back to streaming.
func (h *Handler) readStylesheet(body io.Reader) ([]byte, error) {
	css, err := io.ReadAll(io.LimitReader(body, h.maxCacheBodySize+1))
	if err != nil {
		return css, err
	}
	if int64(len(css)) > h.maxCacheBodySize {
		return css, errStylesheetTooLarge
	}
	return css, nil
}

func (h *Handler) writeFontCSS(w http.ResponseWriter, r *http.Request, targetURL string, status int, css []byte) {
	telemetry.SetEndpoint(r, "font_css")

	rewritten, replaced := RewriteFontCSS(css, proxyBase(r, h.fallbackHost))
	hdr := w.Header()
	hdr.Set("Content-Type", "text/css; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(len(rewritten)))
	hdr.Del("Content-Encoding")

	h.logger.Info("font css rewritten", "target", targetURL, "replaced", replaced)

	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(rewritten)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func (h *Handler) writeProxyError(w http.ResponseWriter, r *http.Request, targetURL string, err error) {
	h.logger.Error("proxy error", "method", r.Method, "target", targetURL, "error", err)

	hdr := w.Header()
	SetCORSHeaders(hdr, r)
	hdr.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: proxyErrorMessage, Details: err.Error()})
}
