package pipeline

import (
	"net/http"
)

// exposedHeaders are readable by browser scripts on cross-origin responses.
const exposedHeaders = "Content-Length,Content-Range,Content-Type,Accept-Ranges,X-Cache,X-Cache-Remaining,X-Proxy-Response-Time"

// droppedResponseHeaders are origin headers never relayed to the client.
// Cache-Control is replaced by the proxy's own policy.
var droppedResponseHeaders = map[string]bool{
	"Transfer-Encoding": true,
	"Connection":        true,
	"Set-Cookie":        true,
	"Cache-Control":     true,
}

// SetCORSHeaders applies the permissive cross-origin policy used on every
// response.
func SetCORSHeaders(h http.Header, r *http.Request) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS,HEAD")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	} else {
		h.Set("Access-Control-Allow-Headers", "*")
	}
	h.Set("Access-Control-Expose-Headers", exposedHeaders)
}

// copyResponseHeaders copies origin headers into dst, skipping the dropped set.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if droppedResponseHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// storedHeaders returns the origin headers kept in a cache entry.
func storedHeaders(src http.Header) http.Header {
	h := make(http.Header, len(src))
	copyResponseHeaders(h, src)
	return h
}
