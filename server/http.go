// Package server provides the HTTP server for the proxy.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shuakami/proxy/cache"
	"github.com/shuakami/proxy/origin"
	"github.com/shuakami/proxy/pipeline"
	"github.com/shuakami/proxy/stats"
	"github.com/shuakami/proxy/telemetry"
)

// Cache backends.
const (
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8686")
	Address string

	// CacheBackend selects the response store: redis, bolt or memory.
	// Default: redis
	CacheBackend string

	// RedisClient backs the redis cache store and the shared counters.
	// Required when CacheBackend is redis and CacheStore or Counters is nil.
	RedisClient redis.UniversalClient

	// CacheKeyPrefix namespaces cache keys in Redis. Nil uses the store
	// default; an empty string keys entries by the bare target URL.
	CacheKeyPrefix *string

	// BoltPath is the database file for the bolt backend.
	BoltPath string

	// BoltReapInterval is how often expired bolt entries are removed.
	// Default: 1 minute
	BoltReapInterval time.Duration

	// CacheStore overrides the store built from CacheBackend.
	CacheStore cache.Store

	// Counters overrides the counters built from CacheBackend.
	Counters stats.Counters

	// Fetcher overrides the origin fetcher built from the origin settings.
	Fetcher pipeline.Fetcher

	// MaxCacheBodySize is the largest response body written to the cache.
	MaxCacheBodySize int64

	// MaxRequestBodySize is the largest inbound body relayed to an origin.
	MaxRequestBodySize int64

	// OriginTimeout bounds the wait for origin response headers.
	// Default: origin.DefaultTimeout
	OriginTimeout time.Duration

	// OriginIdleTimeout bounds the gap between origin body reads. Long
	// downloads run as long as data keeps arriving.
	// Default: origin.DefaultIdleTimeout
	OriginIdleTimeout time.Duration

	// MaxConcurrentFetches bounds origin fetches in flight. Zero is unlimited.
	MaxConcurrentFetches int

	// PublicHost is used for rewritten font URLs when a request has no host.
	PublicHost string

	// RewriteHeader names a header carrying the original path from a
	// rewriting layer in front of the proxy.
	RewriteHeader string

	// AuthToken protects administrative calls (stats reset, cache purge).
	// Empty leaves them open.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the proxy.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	store    cache.Store
	bolt     *cache.BoltStore
	counters stats.Counters
	proxy    *pipeline.Handler
	internal *http.ServeMux

	stopReaper context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8686"
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = BackendRedis
	}
	if cfg.BoltReapInterval == 0 {
		cfg.BoltReapInterval = time.Minute
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
	}

	store, err := s.openStore()
	if err != nil {
		return nil, err
	}
	s.store = cache.NewInstrumentedStore(store, cfg.CacheBackend)

	s.counters = cfg.Counters
	if s.counters == nil {
		if cfg.CacheBackend == BackendRedis {
			if cfg.RedisClient == nil {
				_ = s.store.Close()
				return nil, errors.New("redis counters require a redis client")
			}
			s.counters = stats.NewRedisCounters(cfg.RedisClient)
		} else {
			s.counters = stats.NewMemoryCounters()
		}
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		opts := []origin.Option{
			origin.WithMaxConcurrent(cfg.MaxConcurrentFetches),
			origin.WithLogger(cfg.Logger.With("component", "origin")),
		}
		if cfg.OriginTimeout > 0 {
			opts = append(opts, origin.WithTimeout(cfg.OriginTimeout))
		}
		if cfg.OriginIdleTimeout > 0 {
			opts = append(opts, origin.WithIdleTimeout(cfg.OriginIdleTimeout))
		}
		f, err := origin.NewFetcher(opts...)
		if err != nil {
			_ = s.store.Close()
			return nil, fmt.Errorf("creating origin fetcher: %w", err)
		}
		fetcher = f
	}

	s.proxy = pipeline.New(
		cache.NewLenient(s.store, cache.WithLenientLogger(cfg.Logger.With("component", "cache"))),
		fetcher,
		stats.NewSink(s.counters, stats.WithSinkLogger(cfg.Logger.With("component", "stats"))),
		pipeline.WithLogger(cfg.Logger.With("component", "proxy")),
		pipeline.WithMaxCacheBodySize(cfg.MaxCacheBodySize),
		pipeline.WithMaxRequestBodySize(cfg.MaxRequestBodySize),
		pipeline.WithRewriteHeader(cfg.RewriteHeader),
		pipeline.WithFallbackHost(cfg.PublicHost),
	)

	s.internal = http.NewServeMux()
	s.registerRoutes(s.internal)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.loggingMiddleware(http.HandlerFunc(s.route)),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: stalled streams end on the origin idle timeout.
	}

	return s, nil
}

func (s *Server) openStore() (cache.Store, error) {
	if s.config.CacheStore != nil {
		return s.config.CacheStore, nil
	}

	switch s.config.CacheBackend {
	case BackendRedis:
		if s.config.RedisClient == nil {
			return nil, errors.New("redis cache backend requires a redis client")
		}
		var opts []cache.RedisOption
		if s.config.CacheKeyPrefix != nil {
			opts = append(opts, cache.WithKeyPrefix(*s.config.CacheKeyPrefix))
		}
		store, err := cache.NewRedisStore(s.config.RedisClient, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating redis store: %w", err)
		}
		return store, nil
	case BackendBolt:
		path := s.config.BoltPath
		if path == "" {
			path = "./proxy-cache.db"
		}
		store, err := cache.OpenBolt(path, cache.WithBoltLogger(s.config.Logger.With("component", "bolt")))
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		s.bolt = store
		return store, nil
	case BackendMemory:
		return cache.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", s.config.CacheBackend)
	}
}

// registerRoutes sets up the fixed internal routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Cache administration
	mux.Handle("DELETE /api/cache", s.authMiddleware(http.HandlerFunc(s.handlePurge)))
}

// route dispatches a request. Proxy paths never pass through ServeMux,
// which would clean the "//" in an embedded target URL and redirect.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodOptions:
		s.handlePreflight(w, r)
	case strings.HasPrefix(path, "/api/stats"):
		s.handleStats(w, r)
	case path == "/health" || path == "/metrics" || path == "/api/cache":
		pipeline.SetCORSHeaders(w.Header(), r)
		s.internal.ServeHTTP(w, r)
	default:
		s.proxy.ServeHTTP(w, r)
	}
}

// handlePreflight answers CORS preflight requests for any path.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	telemetry.SetClass(r, telemetry.ClassInternal)
	telemetry.SetEndpoint(r, "preflight")
	pipeline.SetCORSHeaders(w.Header(), r)
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start starts the server.
func (s *Server) Start() error {
	if s.bolt != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopReaper = cancel
		s.logger.Info("starting bolt reaper", "interval", s.config.BoltReapInterval)
		s.bolt.StartReaper(ctx, s.config.BoltReapInterval)
	}

	s.logger.Info("starting server",
		"address", s.config.Address,
		"cache_backend", s.config.CacheBackend,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.stopReaper != nil {
		s.stopReaper()
	}

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing cache store: %w", cerr)
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set class, cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		if deriveInternal(r.URL.Path) {
			tags.Class = telemetry.ClassInternal
		}

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Request classification (for filtering/grouping)
			"class", tags.Class,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Target != "" {
			attrs = append(attrs, "target", tags.Target)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveInternal reports whether path addresses the proxy's own endpoints
// rather than a target URL.
func deriveInternal(path string) bool {
	switch {
	case path == "/health" || path == "/metrics" || path == "/api/cache":
		return true
	case strings.HasPrefix(path, "/api/stats"):
		return true
	default:
		return false
	}
}
