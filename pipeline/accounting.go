package pipeline

import (
	"net/http"
	"regexp"
	"strconv"
)

var contentRangePattern = regexp.MustCompile(`bytes (\d+)-(\d+)/\d+`)

// TransferredBytes estimates the body size of an origin response from its
// headers. Partial responses count the span named by Content-Range; anything
// else counts Content-Length. Unknown sizes count as zero.
func TransferredBytes(status int, header http.Header) int64 {
	if status == http.StatusPartialContent {
		if cr := header.Get("Content-Range"); cr != "" {
			m := contentRangePattern.FindStringSubmatch(cr)
			if m == nil {
				return 0
			}
			start, err1 := strconv.ParseInt(m[1], 10, 64)
			end, err2 := strconv.ParseInt(m[2], 10, 64)
			if err1 != nil || err2 != nil || end < start {
				return 0
			}
			return end - start + 1
		}
	}

	cl := header.Get("Content-Length")
	if cl == "" {
		return 0
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
