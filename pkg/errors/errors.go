// Package errors defines the sentinel error taxonomy for shardkv's routing,
// dispatch, and failover paths, following the wrap-and-classify pattern the
// rest of the codebase uses for its own domain errors.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrUnableToSetupRouter is returned when a router's one-time setup
	// refuses to complete (e.g. a required configuration key is missing).
	ErrUnableToSetupRouter = errors.New("unable to setup router")
	// ErrHostListExhausted is returned when no shard is eligible to serve
	// a routing request (every candidate is marked down, or the Ketama
	// ring is empty).
	ErrHostListExhausted = errors.New("host list exhausted")
	// ErrInvalidDBNum is returned when a shard index cannot be parsed as
	// an integer.
	ErrInvalidDBNum = errors.New("invalid db num")
	// ErrMaxRetriesExceeded is returned when a direct call exhausts its
	// failover budget against a retryable transport error.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RouterError wraps ErrUnableToSetupRouter/ErrHostListExhausted/
// ErrInvalidDBNum with routing-specific context.
type RouterError struct {
	Err     error
	Message string
}

func (e *RouterError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *RouterError) Unwrap() error {
	return e.Err
}

// NewRouterError builds a RouterError wrapping one of the sentinels above.
func NewRouterError(sentinel error, format string, args ...any) *RouterError {
	return &RouterError{Err: sentinel, Message: fmt.Sprintf(format, args...)}
}

// MaxRetriesExceededError wraps the last transport error observed after a
// direct call exhausted its retry budget.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempt(s): %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return ErrMaxRetriesExceeded
}

// FailedCommand pairs a failed promise's operation name with the error it
// resolved to, for reporting inside CommandError.
type FailedCommand struct {
	// Command is the human-readable operation name, e.g. "set" or
	// "get_multi", so CommandError can be logged without a dependency on
	// the dispatch package.
	Command string
	Err     error
}

// CommandError is raised by a map scope when one or more promises resolved
// to an error and fail_silently was not requested.
type CommandError struct {
	Errors []FailedCommand
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%d command(s) failed: %v", len(e.Errors), e.Errors)
}

// NewCommandError builds a CommandError from the collected failures. It
// returns nil if errs is empty, so callers can unconditionally do
// `if err := NewCommandError(failures); err != nil { return err }`.
func NewCommandError(errs []FailedCommand) error {
	if len(errs) == 0 {
		return nil
	}
	return &CommandError{Errors: errs}
}
