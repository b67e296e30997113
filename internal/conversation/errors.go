package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTenantNotFound is returned when the tenant id does not name a
	// configured tenant. It is not retryable.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrEmptyInput is returned for messages with no text.
	ErrEmptyInput = errors.New("empty message")

	errEmptyReply = errors.New("model returned an empty reply")
)

// Reasons a completion can fail.
const (
	ReasonProvider    = "provider"
	ReasonRateLimited = "rate_limited"
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonEmpty       = "empty"
)

// CompletionError reports that no reply could be produced. The user's
// message has been recorded; sending it again is safe.
type CompletionError struct {
	Reason string
	Err    error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed (%s): %v", e.Reason, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Retryable is always true: completion failures are transient.
func (e *CompletionError) Retryable() bool { return true }

// RetryAfter suggests how long a caller should wait before retrying.
// A provider's own hint wins when it gave one.
func (e *CompletionError) RetryAfter() time.Duration {
	var hinted interface{ RetryDelay() time.Duration }
	if errors.As(e.Err, &hinted) {
		if d := hinted.RetryDelay(); d > 0 {
			return d
		}
	}
	if e.Reason == ReasonRateLimited {
		return 30 * time.Second
	}
	return 5 * time.Second
}

// PersistenceError reports a failed session read or write. On a write
// failure the turn's in-memory changes are discarded and the stored
// record is unchanged.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s session: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// classify maps a completion error to a reason.
func classify(err error) string {
	var limited interface{ RateLimited() bool }
	switch {
	case errors.Is(err, errEmptyReply):
		return ReasonEmpty
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.As(err, &limited) && limited.RateLimited():
		return ReasonRateLimited
	default:
		return ReasonProvider
	}
}
