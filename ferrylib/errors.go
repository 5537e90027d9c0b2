package ferrylib

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrClosed is returned when an operation is admitted against a
	// connection that has already begun teardown.
	ErrClosed = errors.New("connection is closed")

	// ErrSocketClosed marks a reset caused by closing our own socket. It is
	// the one reset cause that is expected and logged instead of published.
	ErrSocketClosed = errors.New("socket closed locally")

	// ErrUnknownReset is substituted when a reset is triggered without an
	// explicit cause.
	ErrUnknownReset = errors.New("connection reset for an unknown reason")

	// ErrTimeout is the sentinel matched by all timeout-kind errors.
	ErrTimeout = errors.New("operation timed out")

	// ErrResponseAlreadyStarted is returned when a second response is built
	// for the same incoming operation.
	ErrResponseAlreadyStarted = errors.New("response already started")

	// ErrDuplicateID is returned when an operation id is registered while a
	// live operation already holds it.
	ErrDuplicateID = errors.New("operation id is already registered")

	// ErrServiceTooLong is returned when a service name does not fit the
	// frame's one-byte length prefix.
	ErrServiceTooLong = errors.New("service name is too long")
)

// TimeoutError reports an operation that outlived its budget.
type TimeoutError struct {
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s (budget %s)", e.Elapsed, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// UnexpectedError wraps a handler fault so that the original error kind
// survives the trip over the wire.
type UnexpectedError struct {
	Kind string
	Err  error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error (%s): %v", e.Kind, e.Err)
}

func (e *UnexpectedError) Unwrap() error { return e.Err }

// RemoteError is what the peer reported for a call we made.
type RemoteError struct {
	Code    ErrCode
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("remote error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("remote error: %s", e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrTimeout && e.Code == ErrCodeTimeout
}

func errKindName(err error) string {
	var te *TimeoutError
	if errors.As(err, &te) || errors.Is(err, ErrTimeout) {
		return "Timeout"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
