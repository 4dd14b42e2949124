package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shuakami/proxy/credentials"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) CLI {
	t.Helper()
	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
	return cli
}

func TestCLI_Defaults(t *testing.T) {
	cli := parse(t)

	require.Equal(t, 8686, cli.Port)
	require.Equal(t, "redis://127.0.0.1:6379", cli.RedisURL)
	require.Equal(t, "redis", cli.CacheBackend)
	require.Equal(t, "cache:", cli.CacheKeyPrefix)
	require.EqualValues(t, 10<<20, cli.MaxCacheBodySize)
	require.EqualValues(t, 100<<20, cli.MaxRequestBodySize)
	require.Equal(t, time.Minute, cli.OriginTimeout)
	require.Equal(t, time.Minute, cli.OriginIdleTimeout)
	require.Equal(t, "info", cli.LogLevel)
	require.Equal(t, "text", cli.LogFormat)
	require.False(t, cli.MetricsPrometheus)
}

func TestCLI_EnvFallbacks(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_URL", "redis://cache.internal:6380/1")
	t.Setenv("CACHE_BACKEND", "memory")

	cli := parse(t)
	require.Equal(t, 9000, cli.Port)
	require.Equal(t, "redis://cache.internal:6380/1", cli.RedisURL)
	require.Equal(t, "memory", cli.CacheBackend)

	// Flags win over the environment.
	cli = parse(t, "--port", "9100", "--cache-backend", "bolt")
	require.Equal(t, 9100, cli.Port)
	require.Equal(t, "bolt", cli.CacheBackend)
}

func TestCLI_EmptyKeyPrefixIsKept(t *testing.T) {
	cli := parse(t, "--cache-key-prefix", "")
	require.Empty(t, cli.CacheKeyPrefix)
}

func TestCLI_RejectsUnknownBackend(t *testing.T) {
	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"--cache-backend", "memcached"})
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "key", "value")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "kept", line["msg"])
	require.Equal(t, "value", line["key"])

	buf.Reset()
	logger, err = newLogger(&buf, "debug", "text")
	require.NoError(t, err)
	logger.Debug("visible")
	require.Contains(t, buf.String(), "visible")

	_, err = newLogger(io.Discard, "verbose", "text")
	require.Error(t, err)
	_, err = newLogger(io.Discard, "info", "xml")
	require.Error(t, err)
}

func TestNewRedisClient_AppliesCredentials(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("from-template")

	creds := &credentials.Credentials{Redis: &credentials.RedisAuthConfig{Password: "from-template"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := newRedisClient(context.Background(), "redis://:from-url@"+mr.Addr(), creds, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewRedisClient_UnreachableIsNotFatal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	client, err := newRedisClient(context.Background(), "redis://127.0.0.1:1", &credentials.Credentials{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.Contains(t, buf.String(), "redis unavailable at startup")
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := newRedisClient(context.Background(), "memcache://x", &credentials.Credentials{}, slog.Default())
	require.Error(t, err)
}
