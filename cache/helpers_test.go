package cache

import (
	"io"
	"log/slog"
	"net/http"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEntry(body string) *Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	h.Set("Content-Length", "5")
	h.Set("ETag", `"abc"`)
	return NewEntry(http.StatusOK, h, []byte(body))
}
