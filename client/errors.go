package client

import (
	"errors"
	"fmt"
)

var (
	// ErrClientClosed is delivered to every active sink when the client is
	// closed.
	ErrClientClosed = errors.New("client closed")

	// ErrRetriesExceeded wraps the last transport error once the retry
	// budget is spent.
	ErrRetriesExceeded = errors.New("retry attempts exceeded")

	// errStreamEnded reports an event stream that ended without a terminal
	// event; the connection is retried.
	errStreamEnded = errors.New("event stream ended unexpectedly")
)

// StatusError reports an unexpected HTTP response status. Statuses in the
// 5xx range are treated as transport failures and retried; the rest are
// terminal.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// permanentError marks a failure no retry can fix, such as an
// unserializable request.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// retryable reports whether err is a transport-level failure worth another
// handshake.
func retryable(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	// Network errors, resets, unexpected EOF, parse failures.
	return true
}
