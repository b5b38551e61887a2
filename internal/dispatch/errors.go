package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoBackendAvailable is returned when selection produced no
	// candidates at all.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrAllBackendsExhausted is returned when every attempted candidate
	// failed or was rejected within the retry budget.
	ErrAllBackendsExhausted = errors.New("all backends exhausted")

	// ErrBackendTimeout indicates a single backend attempt exceeded its
	// per-request timeout.
	ErrBackendTimeout = errors.New("backend request timed out")

	// ErrBackendTransport indicates a connection-level failure talking to
	// a backend.
	ErrBackendTransport = errors.New("backend transport failure")

	// ErrBreakerOpen indicates the backend's circuit breaker rejected the
	// attempt without sending traffic.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrSlotUnavailable indicates the backend hit its concurrency cap
	// between selection and acquisition.
	ErrSlotUnavailable = errors.New("no connection slot available")
)

// Error captures a failed dispatch with the backends that were tried.
type Error struct {
	Op    string
	Tried []string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("dispatch %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %v (tried: %s)", e.Op, e.Err, strings.Join(e.Tried, ", "))
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
