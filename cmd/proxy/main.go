// Command proxy is a caching reverse proxy that takes its target URL from the
// request path.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"github.com/shuakami/proxy/credentials"
	"github.com/shuakami/proxy/pipeline"
	"github.com/shuakami/proxy/server"
	"github.com/shuakami/proxy/telemetry"
)

var version = "dev"

// CLI is the command line of the proxy.
type CLI struct {
	Port                 int           `help:"Port to listen on." env:"PORT" default:"8686"`
	RedisURL             string        `name:"redis-url" help:"Redis connection URL." env:"REDIS_URL" default:"redis://127.0.0.1:6379"`
	CacheBackend         string        `help:"Response cache backend (${enum})." enum:"redis,bolt,memory" env:"CACHE_BACKEND" default:"redis"`
	CacheKeyPrefix       string        `help:"Prefix for cache keys in Redis. Empty keys entries by the bare target URL." default:"cache:"`
	BoltPath             string        `help:"Database file for the bolt backend." type:"path" default:"./proxy-cache.db"`
	MaxCacheBodySize     int64         `help:"Largest response body written to the cache, in bytes." default:"${max_cache_body}"`
	MaxRequestBodySize   int64         `help:"Largest request body relayed to an origin, in bytes." default:"${max_request_body}"`
	OriginTimeout        time.Duration `help:"How long to wait for origin response headers." default:"1m"`
	OriginIdleTimeout    time.Duration `help:"How long an origin body may stall before the transfer is dropped. Transfers that keep moving are never cut off." default:"1m"`
	MaxConcurrentFetches int           `help:"Origin fetches allowed in flight (0 is unlimited)." default:"0"`
	PublicHost           string        `help:"Host used in rewritten font URLs when a request carries none." env:"PUBLIC_HOST"`
	RewriteHeader        string        `help:"Header carrying the original path from a rewriting layer in front of the proxy." env:"REWRITE_HEADER"`
	CredentialsFile      string        `help:"Credentials template (JSON rendered with text/template)." type:"path" env:"CREDENTIALS_FILE"`
	LogLevel             string        `help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info"`
	LogFormat            string        `help:"Log format (${enum})." enum:"text,json" default:"text"`
	MetricsPrometheus    bool          `help:"Expose Prometheus metrics on /metrics."`
	OTLPEndpoint         string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	_, err = parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("proxy"),
		kong.Description("Caching reverse proxy with the target URL in the request path."),
		kong.Vars{
			"version":          version,
			"max_cache_body":   strconv.FormatInt(pipeline.DefaultMaxCacheBodySize, 10),
			"max_request_body": strconv.FormatInt(pipeline.DefaultMaxRequestBodySize, 10),
		},
	)
}

func run(cli CLI) error {
	logger, err := newLogger(os.Stdout, cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	creds := &credentials.Credentials{}
	if cli.CredentialsFile != "" {
		resolver := credentials.NewResolver(credentials.WithLogger(logger.With("component", "credentials")))
		creds, err = resolver.ResolveFile(ctx, cli.CredentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
		logger.Info("credentials loaded", "path", cli.CredentialsFile)
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "proxy",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics failed", "error", err)
		}
	}()

	cfg := server.Config{
		Address:              fmt.Sprintf(":%d", cli.Port),
		CacheBackend:         cli.CacheBackend,
		CacheKeyPrefix:       &cli.CacheKeyPrefix,
		BoltPath:             cli.BoltPath,
		MaxCacheBodySize:     cli.MaxCacheBodySize,
		MaxRequestBodySize:   cli.MaxRequestBodySize,
		OriginTimeout:        cli.OriginTimeout,
		OriginIdleTimeout:    cli.OriginIdleTimeout,
		MaxConcurrentFetches: cli.MaxConcurrentFetches,
		PublicHost:           cli.PublicHost,
		RewriteHeader:        cli.RewriteHeader,
		AuthToken:            creds.AuthToken,
		Logger:               logger,
	}

	if cli.CacheBackend == server.BackendRedis {
		client, err := newRedisClient(ctx, cli.RedisURL, creds, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		cfg.RedisClient = client
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"example", fmt.Sprintf("http://localhost%s/https://example.com/", srv.Address()),
		"version", version,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newLogger builds the process logger. Text output is colored by tint.
func newLogger(w io.Writer, levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// newRedisClient connects to Redis. An unreachable server is logged rather
// than fatal; the proxy keeps serving without a cache until it comes back.
func newRedisClient(ctx context.Context, rawURL string, creds *credentials.Credentials, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	creds.ApplyRedis(opts)

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable at startup", "addr", opts.Addr, "error", err)
	} else {
		logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	}
	return client, nil
}
