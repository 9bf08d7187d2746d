package model

// Job status
type JobStatus string

const (
	JobStatusOpen       JobStatus = "open"
	JobStatusAssigned   JobStatus = "assigned"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusPaid       JobStatus = "paid"
)

var ValidJobStatuses = []JobStatus{
	JobStatusOpen, JobStatusAssigned, JobStatusInProgress,
	JobStatusCompleted, JobStatusCancelled, JobStatusPaid,
}

// Valid reports whether s is a known job status
func (s JobStatus) Valid() bool {
	for _, v := range ValidJobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusPaid || s == JobStatusCancelled
}

// Escrow status
type EscrowStatus string

const (
	EscrowStatusNone     EscrowStatus = "none"
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusFailed   EscrowStatus = "failed"
)

// IsTerminal reports whether no further transition may leave s
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowStatusReleased || s == EscrowStatusFailed
}
