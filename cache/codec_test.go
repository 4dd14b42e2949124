package cache

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/shuakami/proxy"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCodec_SmallEntryStaysJSON(t *testing.T) {
	c := newTestCodec(t)
	e := testEntry("hello")

	data, err := c.Encode(e)
	require.NoError(t, err)
	require.Equal(t, byte('{'), data[0])
	require.Contains(t, string(data), `"body":"aGVsbG8="`)

	got, err := c.Decode(data)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestCodec_LargeEntryIsCompressed(t *testing.T) {
	c := newTestCodec(t)
	body := strings.Repeat("compressible css rule { color: red; }\n", 500)
	e := NewEntry(http.StatusOK, http.Header{"Content-Type": {"text/css"}}, []byte(body))

	data, err := c.Encode(e)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, zstdMagic))
	require.Less(t, len(data), len(body))

	got, err := c.Decode(data)
	require.NoError(t, err)
	require.Equal(t, body, string(got.Body))
	require.Equal(t, e.Digest, got.Digest)
}

func TestCodec_DetectsCorruption(t *testing.T) {
	c := newTestCodec(t)
	data, err := c.Encode(testEntry("hello"))
	require.NoError(t, err)

	tampered := bytes.Replace(data, []byte("aGVsbG8="), []byte("aGVsbG9v"), 1)
	_, err = c.Decode(tampered)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestCodec_RejectsGarbage(t *testing.T) {
	c := newTestCodec(t)
	_, err := c.Decode([]byte("not json"))
	require.Error(t, err)
}

func TestCodec_AcceptsEntryWithoutDigest(t *testing.T) {
	c := newTestCodec(t)
	got, err := c.Decode([]byte(`{"status":200,"headers":[{"name":"Content-Type","value":"text/plain"}],"body":"aGk="}`))
	require.NoError(t, err)
	require.Equal(t, "hi", string(got.Body))
	require.Equal(t, "text/plain", got.Header().Get("Content-Type"))
}

func TestCodec_RejectsEntryBeyondDecodeLimit(t *testing.T) {
	c := newTestCodec(t)
	// base64 grows the body by 4/3, pushing the JSON past MaxDecodedSize.
	body := bytes.Repeat([]byte("a"), MaxDecodedSize/4*3+3)

	_, err := c.Encode(NewEntry(http.StatusOK, http.Header{}, body))
	require.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestCodec_KeepsPrecomputedDigest(t *testing.T) {
	c := newTestCodec(t)
	e := testEntry("hello")

	data, err := c.Encode(e)
	require.NoError(t, err)
	got, err := c.Decode(data)
	require.NoError(t, err)
	require.Equal(t, e.Digest, got.Digest)

	// A digest that does not match the body is kept and caught on decode.
	wrong := testEntry("hello")
	wrong.Digest = proxy.HashBytes([]byte("other"))
	data, err = c.Encode(wrong)
	require.NoError(t, err)
	_, err = c.Decode(data)
	require.ErrorIs(t, err, ErrCorrupted)
}
