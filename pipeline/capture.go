package pipeline

import (
	"bytes"

	"github.com/shuakami/proxy"
)

// cappedBuffer accumulates at most limit bytes and hashes them as they
// arrive. Writes past the limit are accepted and discarded so a tee feeding
// it never fails the client stream.
type cappedBuffer struct {
	buf        bytes.Buffer
	hasher     *proxy.Hasher
	limit      int64
	overflowed bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit, hasher: proxy.NewHasher()}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.overflowed {
		return len(p), nil
	}
	if int64(c.buf.Len())+int64(len(p)) > c.limit {
		c.overflowed = true
		c.buf = bytes.Buffer{}
		return len(p), nil
	}
	_, _ = c.hasher.Write(p)
	return c.buf.Write(p)
}

// Overflowed reports whether more than limit bytes were written.
func (c *cappedBuffer) Overflowed() bool {
	return c.overflowed
}

// Bytes returns the captured bytes. Only meaningful when not overflowed.
func (c *cappedBuffer) Bytes() []byte {
	return c.buf.Bytes()
}

// Digest returns the BLAKE3 digest of the captured bytes. Only meaningful
// when not overflowed.
func (c *cappedBuffer) Digest() proxy.Hash {
	return c.hasher.Sum()
}
