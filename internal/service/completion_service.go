package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geotask/api/internal/client"
	"github.com/geotask/api/internal/escrow"
	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/lifecycle"
	"github.com/geotask/api/internal/lock"
	"github.com/geotask/api/internal/logger"
	"github.com/geotask/api/internal/metrics"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/internal/rules"
	"github.com/geotask/api/internal/store"
)

// OutcomeKind tags a CompletionOutcome
type OutcomeKind string

const (
	OutcomeRejected        OutcomeKind = "rejected"
	OutcomePendingApproval OutcomeKind = "pending_approval"
	OutcomeAwaitingRelease OutcomeKind = "awaiting_release"
	OutcomePaid            OutcomeKind = "paid"
	OutcomePaymentFailed   OutcomeKind = "payment_failed"
	OutcomeNotFound        OutcomeKind = "not_found"
)

// CompletionOutcome is the result of a completion attempt or a release.
// Which fields are set depends on Kind.
type CompletionOutcome struct {
	Kind           OutcomeKind     `json:"kind"`
	JobID          string          `json:"jobId"`
	Reason         string          `json:"reason,omitempty"`
	DistanceMeters *float64        `json:"distanceMeters,omitempty"`
	Reasons        []rules.Failure `json:"reasons,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	Error          string          `json:"error,omitempty"`
	Job            *model.Job      `json:"job,omitempty"`
	Escrow         *model.Escrow   `json:"escrow,omitempty"`
}

// Notifier receives job updates for live subscribers
type Notifier interface {
	BroadcastStatus(jobID string, status model.JobStatus, escrowStatus model.EscrowStatus)
	BroadcastOutcome(jobID string, outcome interface{})
}

// CompletionRequest is one worker completion claim
type CompletionRequest struct {
	JobID            string
	WorkerID         string // caller; empty skips the ownership check
	Location         geofence.Point
	BusinessApproval bool
}

// CompletionOptions tunes the orchestrator
type CompletionOptions struct {
	GatewayTimeout time.Duration
	// HonorManualRelease leaves authorized completions of jobs without
	// autoReleaseOnCompletion in awaiting_release instead of paying out
	HonorManualRelease bool
}

// CompletionService coordinates the lifecycle, the rule engine, the ledger and
// the payment gateway when a worker reports a job done
type CompletionService struct {
	store     store.Store
	lifecycle *lifecycle.Lifecycle
	engine    *rules.Engine
	ledger    *escrow.Ledger
	gateway   client.PaymentGateway
	locker    lock.Locker
	notifier  Notifier
	opts      CompletionOptions
}

func NewCompletionService(
	s store.Store,
	lc *lifecycle.Lifecycle,
	engine *rules.Engine,
	ledger *escrow.Ledger,
	gateway client.PaymentGateway,
	locker lock.Locker,
	notifier Notifier,
	opts CompletionOptions,
) *CompletionService {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 20 * time.Second
	}
	return &CompletionService{
		store:     s,
		lifecycle: lc,
		engine:    engine,
		ledger:    ledger,
		gateway:   gateway,
		locker:    locker,
		notifier:  notifier,
		opts:      opts,
	}
}

// HandleCompletion records a completion attempt and, when the job's rules allow
// it, releases escrow to the worker. A second attempt for the same job while one
// is in flight fails with ErrCompletionInFlight.
func (s *CompletionService) HandleCompletion(ctx context.Context, req CompletionRequest) (*CompletionOutcome, error) {
	unlock, err := s.locker.TryLock(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, model.ErrCompletionInFlight
		}
		return nil, err
	}
	defer unlock()

	completion, err := s.lifecycle.ReportCompletion(ctx, req.JobID, req.WorkerID, req.Location)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return s.finish(ctx, &CompletionOutcome{Kind: OutcomeNotFound, JobID: req.JobID}), nil
		}
		return nil, err
	}
	job := completion.Job

	if !completion.Accepted() {
		d := completion.Check.DistanceMeters
		return s.finish(ctx, &CompletionOutcome{
			Kind:           OutcomeRejected,
			JobID:          job.ID,
			Reason:         "outside geofence",
			DistanceMeters: &d,
			Job:            job,
		}), nil
	}

	loc := req.Location
	result := s.engine.Authorize(job, rules.Attempt{WorkerLocation: &loc, BusinessApproval: req.BusinessApproval})
	if !result.Authorized {
		return s.finish(ctx, &CompletionOutcome{
			Kind:    OutcomePendingApproval,
			JobID:   job.ID,
			Reasons: result.Reasons,
			Job:     job,
		}), nil
	}

	if s.opts.HonorManualRelease && !result.AutoRelease {
		return s.finish(ctx, &CompletionOutcome{Kind: OutcomeAwaitingRelease, JobID: job.ID, Job: job}), nil
	}

	outcome, err := s.release(ctx, job, &loc)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, outcome), nil
}

// Release pays out a completed job on the business's explicit request. It skips
// the rule engine: the request itself is the approval. Releasing a paid job
// returns the paid outcome again.
func (s *CompletionService) Release(ctx context.Context, jobID, businessID string) (*CompletionOutcome, error) {
	unlock, err := s.locker.TryLock(ctx, jobID)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, model.ErrCompletionInFlight
		}
		return nil, err
	}
	defer unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if businessID != "" && job.BusinessID != businessID {
		return nil, model.ErrForbidden
	}

	switch job.Status {
	case model.JobStatusPaid:
		e, err := s.ledger.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return &CompletionOutcome{Kind: OutcomePaid, JobID: jobID, Reference: e.ExternalReference, Job: job, Escrow: e}, nil
	case model.JobStatusCompleted:
	default:
		return nil, model.NewJobTransitionError(jobID, job.Status, model.JobStatusPaid)
	}

	loc, err := s.lastLocation(ctx, jobID)
	if err != nil {
		return nil, err
	}

	outcome, err := s.release(ctx, job, loc)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, outcome), nil
}

// release moves the money and then the job. The escrow is settled before the job
// is marked paid; an escrow found already released skips the gateway and only
// marks the job.
func (s *CompletionService) release(ctx context.Context, job *model.Job, loc *geofence.Point) (*CompletionOutcome, error) {
	// once started the release and its bookkeeping run regardless of the caller
	ctx = context.WithoutCancel(ctx)
	log := logger.WithJobID(job.ID)

	current, err := s.ledger.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case model.EscrowStatusReleased:
		paid, err := s.lifecycle.MarkPaid(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		log.Warn().Str("reference", current.ExternalReference).Msg("escrow was already released, marked job paid")
		return &CompletionOutcome{Kind: OutcomePaid, JobID: job.ID, Reference: current.ExternalReference, Job: paid, Escrow: current}, nil
	case model.EscrowStatusHeld:
	default:
		return nil, model.NewEscrowTransitionError(job.ID, current.Status, model.EscrowStatusReleased)
	}

	resp, gwErr := s.callRelease(ctx, job, loc)
	if gwErr != nil {
		failed, err := s.ledger.Fail(ctx, job.ID, gwErr.Error())
		if err != nil {
			return nil, fmt.Errorf("failed to record gateway failure: %w", err)
		}
		log.Error().Err(gwErr).Msg("escrow release failed, job needs manual reconciliation")
		return &CompletionOutcome{
			Kind:   OutcomePaymentFailed,
			JobID:  job.ID,
			Error:  (&model.GatewayError{Op: "release", JobID: job.ID, Err: gwErr}).Error(),
			Job:    job,
			Escrow: failed,
		}, nil
	}

	released, err := s.ledger.Release(ctx, job.ID, resp.Reference, resp.Simulated)
	if err != nil {
		log.Error().Err(err).Str("reference", resp.Reference).
			Msg("gateway released funds but the escrow could not be updated")
		return nil, err
	}

	paid, err := s.lifecycle.MarkPaid(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Str("reference", resp.Reference).
			Msg("escrow released but job could not be marked paid, a manual release will repair it")
		return nil, err
	}

	log.Info().Str("reference", resp.Reference).Msg("escrow released, job paid")
	return &CompletionOutcome{Kind: OutcomePaid, JobID: job.ID, Reference: resp.Reference, Job: paid, Escrow: released}, nil
}

func (s *CompletionService) callRelease(ctx context.Context, job *model.Job, loc *geofence.Point) (*client.ReleaseResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	resp, err := s.gateway.Release(callCtx, &client.ReleaseRequest{
		WorkerAccount:  job.WorkerID,
		JobID:          job.ID,
		Amount:         job.Amount,
		WorkerLocation: loc,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Released {
		return nil, errors.New("gateway declined to release escrow")
	}
	return resp, nil
}

func (s *CompletionService) lastLocation(ctx context.Context, jobID string) (*geofence.Point, error) {
	checks, err := s.store.ListLocationChecks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for i := len(checks) - 1; i >= 0; i-- {
		if checks[i].WithinGeofence {
			p := checks[i].ReportedLocation
			return &p, nil
		}
	}
	return nil, nil
}

// finish records metrics and notifies subscribers
func (s *CompletionService) finish(ctx context.Context, outcome *CompletionOutcome) *CompletionOutcome {
	metrics.CompletionOutcomesTotal.WithLabelValues(string(outcome.Kind)).Inc()

	if outcome.Kind != OutcomeNotFound && outcome.Escrow == nil {
		if e, err := s.ledger.Get(ctx, outcome.JobID); err == nil {
			outcome.Escrow = e
		}
	}

	if outcome.Kind != OutcomeNotFound && s.notifier != nil {
		if outcome.Job != nil && outcome.Escrow != nil {
			s.notifier.BroadcastStatus(outcome.JobID, outcome.Job.Status, outcome.Escrow.Status)
		}
		s.notifier.BroadcastOutcome(outcome.JobID, outcome)
	}

	logger.WithJobID(outcome.JobID).Info().Str("outcome", string(outcome.Kind)).Msg("completion handled")
	return outcome
}
