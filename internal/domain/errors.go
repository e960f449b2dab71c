package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a fetch or a scheduling step did not succeed.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindBlocked        ErrorKind = "blocked"
	KindRateLimited    ErrorKind = "rate_limited"
	KindTransport      ErrorKind = "transport_error"
	KindParse          ErrorKind = "parse_error"
	KindQuotaExhausted ErrorKind = "quota_exhausted"
)

// Retryable reports whether a later attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindBlocked, KindRateLimited, KindTransport:
		return true
	}
	return false
}

// FetchError is the classified failure returned by a source adapter.
type FetchError struct {
	Kind       ErrorKind
	SourceID   string
	TargetID   string
	StatusCode int
	// RetryAfter is the source's own hint, zero when it gave none.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: source %q target %q", e.Kind, e.SourceID, e.TargetID)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf maps any adapter error onto the taxonomy. Timeouts and errors an
// adapter did not classify are transport failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	var qe *QuotaExhaustedError
	if errors.As(err, &qe) {
		return KindQuotaExhausted
	}
	return KindTransport
}

// RetryAfterOf returns the source-provided retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// TargetNotFoundError is returned when a target ID was never registered.
type TargetNotFoundError struct {
	TargetID string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("target not found: %s", e.TargetID)
}

// CacheMissError is returned when no entry exists for a (target, source) pair.
type CacheMissError struct {
	TargetID string
	SourceID string
}

func (e *CacheMissError) Error() string {
	return fmt.Sprintf("no cache entry for target %q from source %q", e.TargetID, e.SourceID)
}

// UnknownSourceError is returned when no adapter or descriptor is registered for a source.
type UnknownSourceError struct {
	SourceID string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("no source registered with id %q", e.SourceID)
}

// QuotaExhaustedError is a local scheduling deferral, never a task failure.
type QuotaExhaustedError struct {
	SourceID   string
	Reason     string
	RetryAfter time.Duration
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted for source %q (%s), retry in %s", e.SourceID, e.Reason, e.RetryAfter)
}

// TerminalStateError is returned when a transition is attempted on a task that
// has already reached a terminal state.
type TerminalStateError struct {
	TaskID string
	Status Status
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("task %s already terminal with status %s", e.TaskID, e.Status)
}

// InvalidTransitionError is returned for a status change the task lifecycle does not allow.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}
