package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Escrow tracks the funds reserved for a job. There is exactly one per job.
type Escrow struct {
	JobID             string          `json:"jobId"`
	Status            EscrowStatus    `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	ExternalReference string          `json:"externalReference,omitempty"`
	Simulated         bool            `json:"simulated"`
	FailureReason     string          `json:"failureReason,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Clone returns a copy that can be mutated without touching e
func (e *Escrow) Clone() *Escrow {
	c := *e
	return &c
}
