package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrProfileUnavailable  = fmt.Errorf("profile backend: %w", ErrUpstreamUnavailable)
	ErrContentUnavailable  = fmt.Errorf("content repository: %w", ErrUpstreamUnavailable)
	ErrOriginUnavailable   = fmt.Errorf("origin: %w", ErrUpstreamUnavailable)
	ErrMalformedCookie     = errors.New("malformed cookie")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// UpstreamError describes a failed call to one of the edge's collaborators.
type UpstreamError struct {
	Upstream   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s returned status %d: %v", e.Upstream, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the JSON error model returned to clients when a request
// cannot be served any other way.
// TraceID carries the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
