package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound is returned for unknown job, result or schedule ids.
	ErrNotFound = errors.New("not found")
	// ErrPolicyViolation is returned when robots policy disallows a URL.
	ErrPolicyViolation = errors.New("robots policy disallows url")
	// ErrIllegalTransition is returned when the state machine rejects a request.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrStaleState is returned by JobStore.TransitionJob when the expected status no longer holds.
	ErrStaleState = errors.New("job status changed concurrently")
	// ErrNotReady is returned when a result is requested before completion.
	ErrNotReady = errors.New("result not ready")
	// ErrCancelled aborts an attempt whose job left the running state.
	ErrCancelled = errors.New("job cancelled")
)

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TransientError marks a network failure eligible for job-level retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TransitionError reports a rejected transition along with the current status.
type TransitionError struct {
	JobID   string
	Current Status
	Target  Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.Current, e.Target)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// ErrorKind is the retry classification of a pipeline error.
type ErrorKind string

// Error kinds.
const (
	KindPolicy    ErrorKind = "policy_violation"
	KindPermanent ErrorKind = "permanent"
	KindTransient ErrorKind = "transient"
	KindCancelled ErrorKind = "cancelled"
)

// Classify maps an error to its retry classification. Unknown errors are transient.
func Classify(err error) ErrorKind {
	var (
		perm  *PermanentError
		trans *TransientError
		nerr  net.Error
	)
	switch {
	case errors.Is(err, ErrPolicyViolation):
		return KindPolicy
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.As(err, &perm):
		return KindPermanent
	case errors.As(err, &trans):
		return KindTransient
	case errors.As(err, &nerr), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}
