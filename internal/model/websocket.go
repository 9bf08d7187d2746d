package model

// WebSocket message types
const (
	WSMessageTypeStatus  = "status"
	WSMessageTypeOutcome = "outcome"
	WSMessageTypeError   = "error"
	WSMessageTypePing    = "ping"
	WSMessageTypePong    = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage announces a job or escrow status change
type WSStatusMessage struct {
	Type         string       `json:"type"`
	JobID        string       `json:"jobId"`
	Status       JobStatus    `json:"status"`
	EscrowStatus EscrowStatus `json:"escrowStatus,omitempty"`
}

// WSOutcomeMessage carries the result of a completion or release
type WSOutcomeMessage struct {
	Type    string      `json:"type"`
	JobID   string      `json:"jobId"`
	Outcome interface{} `json:"outcome"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
