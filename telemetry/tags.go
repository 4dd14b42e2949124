// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
)

// Request classes used as the low-cardinality "class" attribute.
const (
	ClassProxy    = "proxy"
	ClassGit      = "git"
	ClassInternal = "internal"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Class       string
	CacheResult CacheResult
	Endpoint    string
	Target      string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetClass sets the request class tag for metrics and logging.
func SetClass(r *http.Request, class string) {
	if tags := GetTags(r); tags != nil {
		tags.Class = class
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetTarget records the resolved target URL for logging.
func SetTarget(r *http.Request, target string) {
	if tags := GetTags(r); tags != nil {
		tags.Target = target
	}
}

// ClassFromContext returns the request class recorded in the request tags
// carried by ctx, or "" when there are none.
func ClassFromContext(ctx context.Context) string {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Class
	}
	return ""
}
