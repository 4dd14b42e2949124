package pipeline

import (
	"fmt"
	"io"
	"net/http"
)

// streamThrough copies the origin body to the client. When capture is non-nil
// the body is also teed into it in the same pass, so a cache copy is built
// without a second read. Response headers must already be written.
//
// HEAD requests write nothing.
func streamThrough(w http.ResponseWriter, r *http.Request, body io.Reader, capture io.Writer) (int64, error) {
	if r.Method == http.MethodHead {
		return 0, nil
	}

	src := body
	if capture != nil {
		src = io.TeeReader(body, capture)
	}

	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("streaming: %w", err)
	}
	return n, nil
}
