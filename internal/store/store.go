package store

import (
	"context"
	"errors"

	"github.com/geotask/api/internal/model"
)

// ErrConflict is returned when a guarded write finds a different status than expected
var ErrConflict = errors.New("store: status changed concurrently")

// Mutation is a guarded, all-or-nothing write of a job and/or its escrow.
// Each record is written only if the stored status still equals its From field.
type Mutation struct {
	Job        *model.Job
	JobFrom    model.JobStatus
	Escrow     *model.Escrow
	EscrowFrom model.EscrowStatus
}

// Store persists jobs, escrows and the location-check log
type Store interface {
	CreateJob(ctx context.Context, job *model.Job, escrow *model.Escrow) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.Job, error)
	GetEscrow(ctx context.Context, jobID string) (*model.Escrow, error)
	Apply(ctx context.Context, m Mutation) error
	AppendLocationCheck(ctx context.Context, check *model.LocationCheck) error
	ListLocationChecks(ctx context.Context, jobID string) ([]*model.LocationCheck, error)
	Ping(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps listings when the filter sets no limit
const DefaultListLimit = 100

func listLimit(f model.JobFilter) int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}
