package cache

import (
	"net/http"
	"testing"

	"github.com/shuakami/proxy"
	"github.com/stretchr/testify/require"
)

func TestNewEntry_SortsHeadersAndKeepsFirstValue(t *testing.T) {
	h := http.Header{}
	h.Set("X-Zeta", "z")
	h.Add("Vary", "Accept")
	h.Add("Vary", "Origin")
	h.Set("Content-Type", "text/css")

	e := NewEntry(http.StatusOK, h, []byte("body"))

	require.Equal(t, []Header{
		{Name: "Content-Type", Value: "text/css"},
		{Name: "Vary", Value: "Accept"},
		{Name: "X-Zeta", Value: "z"},
	}, e.Headers)
	require.Equal(t, proxy.HashBytes([]byte("body")), e.Digest)
	require.Equal(t, "Accept", e.Header().Get("Vary"))
}

func TestEntry_CloneIsDeep(t *testing.T) {
	e := testEntry("hello")
	c := e.Clone()
	c.Body[0] = 'j'
	c.Headers[0].Value = "changed"

	require.Equal(t, "hello", string(e.Body))
	require.NotEqual(t, "changed", e.Headers[0].Value)
}

func TestEntry_Verify(t *testing.T) {
	e := testEntry("hello")
	require.NoError(t, e.Verify())

	e.Body = []byte("tampered")
	require.ErrorIs(t, e.Verify(), ErrCorrupted)

	e.Digest = proxy.Hash{}
	require.NoError(t, e.Verify(), "entries without a digest are accepted")
}
