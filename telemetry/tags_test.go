package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
}

func TestInjectTags_DefaultsClassEmpty(t *testing.T) {
	r := newTaggedRequest()
	require.Empty(t, GetTags(r).Class)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetClass(t *testing.T) {
	r := newTaggedRequest()
	SetClass(r, ClassGit)
	require.Equal(t, ClassGit, GetTags(r).Class)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// None of these should panic.
	SetClass(r, ClassProxy)
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "stream")
	SetTarget(r, "https://example.com")
}

func TestSetCacheResult_OverridesDefault(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, CacheBypass, GetTags(r).CacheResult)
	SetCacheResult(r, CacheMiss)
	require.Equal(t, CacheMiss, GetTags(r).CacheResult)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetClass(r, ClassProxy)
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "font_css")
	SetTarget(r, "https://fonts.googleapis.com/css?family=Inter")

	require.Equal(t, ClassProxy, tags.Class)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "font_css", tags.Endpoint)
	require.Equal(t, "https://fonts.googleapis.com/css?family=Inter", tags.Target)
}

func TestClassFromContext(t *testing.T) {
	r := newTaggedRequest()
	require.Empty(t, ClassFromContext(r.Context()))

	SetClass(r, ClassGit)
	require.Equal(t, ClassGit, ClassFromContext(r.Context()))

	require.Empty(t, ClassFromContext(context.Background()))
}
