package pipeline

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shuakami/proxy"
	"github.com/stretchr/testify/require"
)

func TestTTLForLatency(t *testing.T) {
	tests := []struct {
		latency time.Duration
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{199 * time.Millisecond, 60 * time.Second},
		{200 * time.Millisecond, 300 * time.Second},
		{799 * time.Millisecond, 300 * time.Second},
		{800 * time.Millisecond, 600 * time.Second},
		{2999 * time.Millisecond, 600 * time.Second},
		{3 * time.Second, 1800 * time.Second},
		{time.Minute, 1800 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, TTLForLatency(tt.latency), "latency %s", tt.latency)
	}
}

func TestCacheControl(t *testing.T) {
	require.Equal(t, "public, s-maxage=300, stale-while-revalidate=300", cacheControl(300))
}

func TestTransferredBytes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		want   int64
	}{
		{"partial uses range span", 206, map[string]string{"Content-Range": "bytes 200-999/67589", "Content-Length": "800"}, 800},
		{"partial single byte", 206, map[string]string{"Content-Range": "bytes 0-0/10"}, 1},
		{"partial malformed range", 206, map[string]string{"Content-Range": "bytes */67589", "Content-Length": "5"}, 0},
		{"partial without range falls back to length", 206, map[string]string{"Content-Length": "42"}, 42},
		{"full response", 200, map[string]string{"Content-Length": "1234"}, 1234},
		{"range ignored when not partial", 200, map[string]string{"Content-Range": "bytes 0-9/10", "Content-Length": "10"}, 10},
		{"unknown length", 200, nil, 0},
		{"garbage length", 200, map[string]string{"Content-Length": "lots"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.header {
				h.Set(k, v)
			}
			require.Equal(t, tt.want, TransferredBytes(tt.status, h))
		})
	}
}

func TestRewriteFontCSS(t *testing.T) {
	css := []byte(`@font-face {
  font-family: 'Inter';
  src: url(https://fonts.gstatic.com/s/inter/v13/a.woff2) format('woff2');
}
@font-face {
  src: url(https://fonts.gstatic.com/s/inter/v13/b.woff2) format('woff2');
  background: url(https://example.com/bg.png);
}`)

	out, n := RewriteFontCSS(css, "https://proxy.example")
	require.Equal(t, 2, n)
	require.Contains(t, string(out), "url(https://proxy.example/https://fonts.gstatic.com/s/inter/v13/a.woff2)")
	require.Contains(t, string(out), "url(https://proxy.example/https://fonts.gstatic.com/s/inter/v13/b.woff2)")
	require.Contains(t, string(out), "url(https://example.com/bg.png)")
}

func TestRewriteFontCSS_NoMatches(t *testing.T) {
	css := []byte("body { color: red }")
	out, n := RewriteFontCSS(css, "https://proxy.example")
	require.Zero(t, n)
	require.Equal(t, css, out)
}

func TestProxyBase(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Host = "proxy.internal:8686"
	require.Equal(t, "https://proxy.internal:8686", proxyBase(r, "fallback.example"))

	r.Header.Set("X-Forwarded-Host", "edge.example, cdn.example")
	require.Equal(t, "https://edge.example", proxyBase(r, "fallback.example"))

	r.Header.Del("X-Forwarded-Host")
	r.Host = ""
	require.Equal(t, "https://fallback.example", proxyBase(r, "fallback.example"))
}

func TestIsCSS(t *testing.T) {
	require.True(t, isCSS("text/css"))
	require.True(t, isCSS("text/css; charset=utf-8"))
	require.False(t, isCSS("text/html"))
	require.False(t, isCSS(""))
}

func TestSetCORSHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodOptions, "/x", nil)
	h := http.Header{}
	SetCORSHeaders(h, r)
	require.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET,POST,PUT,PATCH,DELETE,OPTIONS,HEAD", h.Get("Access-Control-Allow-Methods"))
	require.Equal(t, "*", h.Get("Access-Control-Allow-Headers"))
	require.Equal(t, exposedHeaders, h.Get("Access-Control-Expose-Headers"))

	r.Header.Set("Access-Control-Request-Headers", "range, x-custom")
	SetCORSHeaders(h, r)
	require.Equal(t, "range, x-custom", h.Get("Access-Control-Allow-Headers"))
}

func TestCopyResponseHeaders_DropsConnectionHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/zip")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Connection", "keep-alive")
	src.Add("Set-Cookie", "a=1")
	src.Set("Cache-Control", "no-store")
	src.Add("Vary", "Accept")
	src.Add("Vary", "Origin")

	dst := http.Header{}
	copyResponseHeaders(dst, src)

	require.Equal(t, "application/zip", dst.Get("Content-Type"))
	require.Equal(t, []string{"Accept", "Origin"}, dst.Values("Vary"))
	require.Empty(t, dst.Get("Transfer-Encoding"))
	require.Empty(t, dst.Get("Connection"))
	require.Empty(t, dst.Get("Set-Cookie"))
	require.Empty(t, dst.Get("Cache-Control"))
}

func TestCappedBuffer(t *testing.T) {
	c := newCappedBuffer(8)
	n, err := c.Write([]byte("1234"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	_, _ = c.Write([]byte("5678"))
	require.False(t, c.Overflowed())
	require.Equal(t, "12345678", string(c.Bytes()))
	require.Equal(t, proxy.HashBytes([]byte("12345678")), c.Digest())

	n, err = c.Write([]byte("9"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, c.Overflowed())
	require.Empty(t, c.Bytes())

	_, _ = c.Write(bytes.Repeat([]byte("x"), 100))
	require.True(t, c.Overflowed())
}
