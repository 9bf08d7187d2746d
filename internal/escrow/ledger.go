package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geotask/api/internal/logger"
	"github.com/geotask/api/internal/metrics"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/internal/store"
)

var transitions = map[model.EscrowStatus][]model.EscrowStatus{
	model.EscrowStatusNone: {model.EscrowStatusHeld},
	model.EscrowStatusHeld: {model.EscrowStatusReleased, model.EscrowStatusFailed},
}

// CanTransition reports whether an escrow may move from one status to another
func CanTransition(from, to model.EscrowStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Ledger enforces legal escrow transitions on top of a Store
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// NewLedger creates a ledger backed by s
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// Get returns the escrow for jobID
func (l *Ledger) Get(ctx context.Context, jobID string) (*model.Escrow, error) {
	return l.store.GetEscrow(ctx, jobID)
}

// Fund moves the escrow from none to held and writes job in the same atomic step.
// job is the job's next state; jobFrom is the status it must currently have.
func (l *Ledger) Fund(ctx context.Context, job *model.Job, jobFrom model.JobStatus, reference string, simulated bool) (*model.Escrow, error) {
	current, err := l.store.GetEscrow(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, model.EscrowStatusHeld) {
		return nil, model.NewEscrowTransitionError(job.ID, current.Status, model.EscrowStatusHeld)
	}

	next := current.Clone()
	next.Status = model.EscrowStatusHeld
	next.Amount = job.Amount
	next.ExternalReference = reference
	next.Simulated = simulated
	next.UpdatedAt = l.now()

	err = l.store.Apply(ctx, store.Mutation{
		Job:        job,
		JobFrom:    jobFrom,
		Escrow:     next,
		EscrowFrom: model.EscrowStatusNone,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, l.conflict(ctx, job.ID, jobFrom, job.Status)
		}
		return nil, fmt.Errorf("failed to fund escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(model.EscrowStatusHeld)).Inc()
	logger.WithJobID(job.ID).Info().
		Str("from", string(model.EscrowStatusNone)).
		Str("to", string(model.EscrowStatusHeld)).
		Str("reference", reference).
		Msg("escrow funded")
	return next, nil
}

// Release moves a held escrow to released. Releasing an already released escrow
// returns the stored record unchanged.
func (l *Ledger) Release(ctx context.Context, jobID, reference string, simulated bool) (*model.Escrow, error) {
	return l.settle(ctx, jobID, model.EscrowStatusReleased, func(e *model.Escrow) {
		if reference != "" {
			e.ExternalReference = reference
		}
		e.Simulated = e.Simulated || simulated
	})
}

// Fail moves a held escrow to failed. Failing an already failed escrow
// returns the stored record unchanged.
func (l *Ledger) Fail(ctx context.Context, jobID, reason string) (*model.Escrow, error) {
	return l.settle(ctx, jobID, model.EscrowStatusFailed, func(e *model.Escrow) {
		e.FailureReason = reason
	})
}

func (l *Ledger) settle(ctx context.Context, jobID string, to model.EscrowStatus, apply func(*model.Escrow)) (*model.Escrow, error) {
	current, err := l.store.GetEscrow(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.Status == to {
		return current, nil
	}
	if !CanTransition(current.Status, to) {
		return nil, model.NewEscrowTransitionError(jobID, current.Status, to)
	}

	next := current.Clone()
	next.Status = to
	next.UpdatedAt = l.now()
	apply(next)

	err = l.store.Apply(ctx, store.Mutation{Escrow: next, EscrowFrom: current.Status})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("failed to %s escrow: %w", verb(to), err)
		}
		// someone else settled it first
		latest, getErr := l.store.GetEscrow(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		if latest.Status == to {
			return latest, nil
		}
		return nil, model.NewEscrowTransitionError(jobID, latest.Status, to)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	logger.WithJobID(jobID).Info().
		Str("from", string(current.Status)).
		Str("to", string(to)).
		Str("reference", next.ExternalReference).
		Msg("escrow settled")
	return next, nil
}

// conflict turns a failed guarded write into the transition error the caller would
// have seen had it read the current state first
func (l *Ledger) conflict(ctx context.Context, jobID string, jobFrom, jobTo model.JobStatus) error {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != jobFrom {
		return model.NewJobTransitionError(jobID, job.Status, jobTo)
	}
	escrow, err := l.store.GetEscrow(ctx, jobID)
	if err != nil {
		return err
	}
	return model.NewEscrowTransitionError(jobID, escrow.Status, model.EscrowStatusHeld)
}

func verb(to model.EscrowStatus) string {
	if to == model.EscrowStatusReleased {
		return "release"
	}
	return "fail"
}
