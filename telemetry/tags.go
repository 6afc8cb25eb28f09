// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for request tags holder.
const requestTagsKey contextKey = "request_tags"

// Result represents the outcome of a store operation as seen by a request.
type Result string

const (
	ResultCreated   Result = "created"
	ResultDuplicate Result = "duplicate"
	ResultConflict  Result = "conflict"
	ResultFound     Result = "found"
	ResultNotFound  Result = "not_found"
	ResultInvalid   Result = "invalid"
	ResultError     Result = "error"
	ResultNA        Result = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Operation string
	Result    Result
	Owner     string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Result: ResultNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetOperation sets the operation tag for metrics and logging.
func SetOperation(r *http.Request, op string) {
	if tags := GetTags(r); tags != nil {
		tags.Operation = op
	}
}

// SetResult sets the result for metrics and logging.
func SetResult(r *http.Request, result Result) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}

// SetOwner records the owner that issued the request. Logged only.
func SetOwner(r *http.Request, owner string) {
	if tags := GetTags(r); tags != nil {
		tags.Owner = owner
	}
}
