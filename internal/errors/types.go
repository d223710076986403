// Package errors defines the engine error taxonomy and retry helpers.
//
// Creation-time validation errors (InvalidTrigger) surface synchronously to
// the caller. Evaluation-time errors are isolated per task and never abort a
// scheduler cycle. Transient store failures (StoreUnavailable) skip the
// affected cycle wholesale and are retried on the next one.
package errors

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// InvalidTriggerError reports a malformed or kind-mismatched trigger at task
// creation. The task is rejected synchronously and never persisted.
type InvalidTriggerError struct {
	Reason string
}

func (e *InvalidTriggerError) Error() string {
	return fmt.Sprintf("invalid trigger: %s", e.Reason)
}

// NewInvalidTrigger builds an InvalidTriggerError with a formatted reason.
func NewInvalidTrigger(format string, args ...any) error {
	return &InvalidTriggerError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidTrigger reports whether err is an InvalidTriggerError.
func IsInvalidTrigger(err error) bool {
	var target *InvalidTriggerError
	return errors.As(err, &target)
}

// InvalidTransitionError reports an illegal status edge. Concurrent fire
// attempts on one task id resolve to exactly one winner; the loser observes
// this error.
type InvalidTransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

// ErrMetricUnavailable marks a metric the provider could not resolve, e.g. a
// P&L lookup against a closed position. The evaluator treats it as a hold,
// never as a caller-visible failure.
var ErrMetricUnavailable = errors.New("metric unavailable")

// DeliveryFailureError reports a failed handoff to an agent after the task
// was committed out of pending. The dispatcher rolls the task back so the
// next cycle re-evaluates it; there is no explicit retry cap.
type DeliveryFailureError struct {
	TaskID string
	Err    error
}

func (e *DeliveryFailureError) Error() string {
	return fmt.Sprintf("delivery failed for task %s: %v", e.TaskID, e.Err)
}

func (e *DeliveryFailureError) Unwrap() error { return e.Err }

// StoreUnavailableError wraps a transient persistence failure. The scheduler
// skips the affected cycle rather than dropping pending tasks.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsStoreUnavailable reports whether err is a StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}

// ErrNotFound is returned when a record lookup fails because the requested
// id does not exist in the store.
var ErrNotFound = errors.New("not found")

// IsTransient classifies an error as retry-able. Validation and transition
// errors are never transient; infrastructure errors generally are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsInvalidTrigger(err) || IsInvalidTransition(err) || errors.Is(err, ErrNotFound) {
		return false
	}
	if IsStoreUnavailable(err) {
		return true
	}
	if isNetworkError(err) || isSyscallError(err) {
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isSyscallError(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
