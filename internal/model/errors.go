package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown job ids
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a requested state change is not legal
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrGatewayFundingFailed is returned when the payment gateway could not fund escrow
	ErrGatewayFundingFailed = errors.New("gateway funding failed")

	// ErrGatewayReleaseFailed is returned when the payment gateway could not release escrow
	ErrGatewayReleaseFailed = errors.New("gateway release failed")

	// ErrCompletionInFlight is returned while another completion for the same job holds the lock
	ErrCompletionInFlight = errors.New("completion already in progress")

	// ErrForbidden is returned when the caller may not act on the job
	ErrForbidden = errors.New("forbidden")

	// ErrWorkerRequired is returned when assigning without a worker id
	ErrWorkerRequired = errors.New("worker id is required")

	// ErrInvalidAmount is returned for non-positive job amounts
	ErrInvalidAmount = errors.New("amount must be a positive decimal")
)

// TransitionError names the current and requested state of a rejected transition
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewJobTransitionError builds a TransitionError for a job
func NewJobTransitionError(id string, from, to JobStatus) *TransitionError {
	return &TransitionError{Entity: "job", ID: id, From: string(from), To: string(to)}
}

// NewEscrowTransitionError builds a TransitionError for an escrow
func NewEscrowTransitionError(jobID string, from, to EscrowStatus) *TransitionError {
	return &TransitionError{Entity: "escrow", ID: jobID, From: string(from), To: string(to)}
}

// GatewayError wraps a payment gateway failure with the operation that failed
type GatewayError struct {
	Op    string // "fund" or "release"
	JobID string
	Err   error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed for job %s: %v", e.Op, e.JobID, e.Err)
}

// Unwrap exposes both the matching sentinel and the underlying cause
func (e *GatewayError) Unwrap() []error {
	if e.Op == "fund" {
		return []error{ErrGatewayFundingFailed, e.Err}
	}
	return []error{ErrGatewayReleaseFailed, e.Err}
}
