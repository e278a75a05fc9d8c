// Package jobqueueerr defines the typed error kinds the engine raises so
// callers (Dispatcher consumers, a future HTTP adapter) can map them to the
// tenant-facing error envelope without string matching.
package jobqueueerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine-raised error into one of the API's error codes.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindRateLimit  Kind = "rate_limited"
)

// Error wraps a message with a Kind so errors.As can recover it.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfterSeconds is populated for KindRateLimit; zero otherwise.
	RetryAfterSeconds int
}

func (e *Error) Error() string { return e.Message }

func Validation(format string, a ...any) error {
	return &Error{Kind: KindValidation, Message: sprintf(format, a...)}
}

func NotFound(format string, a ...any) error {
	return &Error{Kind: KindNotFound, Message: sprintf(format, a...)}
}

func Conflict(format string, a ...any) error {
	return &Error{Kind: KindConflict, Message: sprintf(format, a...)}
}

func RateLimited(retryAfterSeconds int) error {
	return &Error{
		Kind:              KindRateLimit,
		Message:           "rate limit exceeded",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// As recovers an *Error from err, following the same contract as errors.As.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func sprintf(format string, a ...any) string {
	if len(a) == 0 {
		return format
	}
	return fmt.Sprintf(format, a...)
}
