package pipeline

import (
	"mime"
	"net/http"
	"regexp"
	"strings"
)

// fontAssetPattern matches absolute font asset references in a stylesheet.
var fontAssetPattern = regexp.MustCompile(`url\((https://fonts\.gstatic\.com/[^)]+)\)`)

// RewriteFontCSS points every font asset URL in css back through the proxy at
// proxyBase (scheme and host, no trailing slash). It returns the rewritten
// stylesheet and the number of URLs replaced.
func RewriteFontCSS(css []byte, proxyBase string) ([]byte, int) {
	n := 0
	out := fontAssetPattern.ReplaceAllFunc(css, func(m []byte) []byte {
		n++
		sub := fontAssetPattern.FindSubmatch(m)
		return []byte("url(" + proxyBase + "/" + string(sub[1]) + ")")
	})
	return out, n
}

// proxyBase returns the public https base URL of this proxy as seen by the
// client.
func proxyBase(r *http.Request, fallbackHost string) string {
	host := r.Header.Get("X-Forwarded-Host")
	if i := strings.IndexByte(host, ','); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimSpace(host)
	if host == "" {
		host = r.Host
	}
	if host == "" {
		host = fallbackHost
	}
	return "https://" + host
}

// isCSS reports whether the content type is text/css.
func isCSS(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "text/css")
	}
	return mt == "text/css"
}

// isIdentity reports whether a body with these headers is unencoded.
func isIdentity(h http.Header) bool {
	ce := strings.TrimSpace(h.Get("Content-Encoding"))
	return ce == "" || strings.EqualFold(ce, "identity")
}
