// Package errs defines the error taxonomy shared by the retrieval engine.
// Every adapter boundary converts upstream failures into an *Error carrying
// a stable string code, so transports can map failures to envelopes without
// inspecting error text.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Stable error codes. These strings appear in API error envelopes and must
// not change between releases.
const (
	CodeConfig              = "CONFIG"
	CodeAuth                = "AUTH"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUpstream            = "UPSTREAM"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeParse               = "PARSE"
	CodeIndexingBusy        = "INDEXING_BUSY"
	CodeNotFound            = "NOT_FOUND"
	CodeValidation          = "VALIDATION"
	CodeInternal            = "INTERNAL"
)

// Error is a typed engine error. ResetAt is set only for RATE_LIMITED.
type Error struct {
	Code    string
	Message string
	Details map[string]any
	ResetAt time.Time
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates an Error with the given code and formatted message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// RateLimited creates a RATE_LIMITED error that carries the time at which
// the upstream window resets.
func RateLimited(resetAt time.Time) *Error {
	return &Error{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("rate limited until %s", resetAt.UTC().Format(time.RFC3339)),
		ResetAt: resetAt,
	}
}

// CodeOf returns the stable code for err, or INTERNAL for untyped errors.
// A nil error yields the empty string.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error. Adapters return nil
// documents for these rather than propagating them.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }
