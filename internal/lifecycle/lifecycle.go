package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geotask/api/internal/client"
	"github.com/geotask/api/internal/escrow"
	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/lock"
	"github.com/geotask/api/internal/logger"
	"github.com/geotask/api/internal/metrics"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/internal/store"
	"github.com/google/uuid"
)

var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusOpen:       {model.JobStatusAssigned},
	model.JobStatusAssigned:   {model.JobStatusInProgress, model.JobStatusCompleted, model.JobStatusCancelled},
	model.JobStatusInProgress: {model.JobStatusCompleted, model.JobStatusCancelled},
	model.JobStatusCompleted:  {model.JobStatusPaid},
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to model.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Options tunes the lifecycle's waits
type Options struct {
	// AssignWait bounds how long Assign waits for the per-job lock
	AssignWait time.Duration
	// GatewayTimeout bounds the funding call made by Assign
	GatewayTimeout time.Duration
}

// Lifecycle is the job state machine. Every write is a guarded store mutation,
// so a concurrent change surfaces as InvalidTransition rather than a lost update.
type Lifecycle struct {
	store   store.Store
	ledger  *escrow.Ledger
	gateway client.PaymentGateway
	locker  lock.Locker
	opts    Options
	now     func() time.Time
}

// New creates a Lifecycle
func New(s store.Store, ledger *escrow.Ledger, gateway client.PaymentGateway, locker lock.Locker, opts Options) *Lifecycle {
	if opts.AssignWait <= 0 {
		opts.AssignWait = 10 * time.Second
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 20 * time.Second
	}
	return &Lifecycle{
		store:   s,
		ledger:  ledger,
		gateway: gateway,
		locker:  locker,
		opts:    opts,
		now:     time.Now,
	}
}

// Completion is the result of a completion report
type Completion struct {
	Job   *model.Job
	Check *model.LocationCheck
}

// Accepted reports whether the worker was inside the geofence
func (c *Completion) Accepted() bool {
	return c.Job.Status == model.JobStatusCompleted
}

// Assign gives an open job to workerID and funds its escrow. Nothing is written
// unless the gateway confirms funding.
func (l *Lifecycle) Assign(ctx context.Context, jobID, workerID string) (*model.Job, error) {
	if workerID == "" {
		return nil, model.ErrWorkerRequired
	}

	lockCtx, cancel := context.WithTimeout(ctx, l.opts.AssignWait)
	defer cancel()
	unlock, err := l.locker.Lock(lockCtx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	defer unlock()

	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusOpen {
		metrics.AssignmentsTotal.WithLabelValues("invalid_transition").Inc()
		return nil, model.NewJobTransitionError(jobID, job.Status, model.JobStatusAssigned)
	}

	log := logger.WithJobID(jobID)

	fund, err := l.fund(ctx, job, workerID)
	if err != nil {
		metrics.AssignmentsTotal.WithLabelValues("funding_failed").Inc()
		log.Warn().Err(err).Str("worker_id", workerID).Msg("escrow funding failed, job stays open")
		return nil, &model.GatewayError{Op: "fund", JobID: jobID, Err: err}
	}

	next := job.Clone()
	next.Status = model.JobStatusAssigned
	next.WorkerID = workerID
	next.UpdatedAt = l.now()

	if _, err := l.ledger.Fund(ctx, next, model.JobStatusOpen, fund.Reference, fund.Simulated); err != nil {
		metrics.AssignmentsTotal.WithLabelValues("store_error").Inc()
		log.Error().Err(err).Str("reference", fund.Reference).
			Msg("gateway funded escrow but the assignment could not be stored, reconcile manually")
		return nil, err
	}

	metrics.AssignmentsTotal.WithLabelValues("assigned").Inc()
	log.Info().Str("worker_id", workerID).Str("from", string(model.JobStatusOpen)).
		Str("to", string(model.JobStatusAssigned)).Msg("job assigned")
	return next, nil
}

func (l *Lifecycle) fund(ctx context.Context, job *model.Job, workerID string) (*client.FundResponse, error) {
	// the funding call runs to completion or timeout even if the caller goes away
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.GatewayTimeout)
	defer cancel()

	resp, err := l.gateway.Fund(callCtx, &client.FundRequest{
		BusinessAccount: job.BusinessID,
		WorkerAccount:   workerID,
		JobID:           job.ID,
		Amount:          job.Amount,
		Geofence:        job.Geofence(),
	})
	if err != nil {
		return nil, err
	}
	if !resp.Funded {
		return nil, errors.New("gateway declined to fund escrow")
	}
	return resp, nil
}

// Start moves an assigned job to in progress. Only the assigned worker may start it.
func (l *Lifecycle) Start(ctx context.Context, jobID, workerID string) (*model.Job, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if workerID != "" && job.WorkerID != "" && job.WorkerID != workerID {
		return nil, model.ErrForbidden
	}
	return l.advance(ctx, job, model.JobStatusInProgress)
}

// ReportCompletion records the worker's location and moves the job to completed
// when it lies inside the site geofence, or to cancelled otherwise. workerID, when
// set, must be the assigned worker.
func (l *Lifecycle) ReportCompletion(ctx context.Context, jobID, workerID string, location geofence.Point) (*Completion, error) {
	// an unknown job is reported before a bad location
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := geofence.Validate(location); err != nil {
		return nil, err
	}
	if workerID != "" && job.WorkerID != "" && job.WorkerID != workerID {
		return nil, model.ErrForbidden
	}
	if job.Status != model.JobStatusAssigned && job.Status != model.JobStatusInProgress {
		return nil, model.NewJobTransitionError(jobID, job.Status, model.JobStatusCompleted)
	}

	res, err := geofence.Verify(location, job.SiteLocation, job.RadiusMeters)
	if err != nil {
		return nil, err
	}

	check := &model.LocationCheck{
		ID:               uuid.New().String(),
		JobID:            jobID,
		WorkerID:         job.WorkerID,
		ReportedLocation: location,
		DistanceMeters:   res.DistanceMeters,
		WithinGeofence:   res.WithinGeofence,
		Timestamp:        l.now(),
	}
	if err := l.store.AppendLocationCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("failed to record location check: %w", err)
	}

	to := model.JobStatusCompleted
	if !res.WithinGeofence {
		to = model.JobStatusCancelled
	}

	next, err := l.advance(ctx, job, to)
	if err != nil {
		return nil, err
	}

	logger.WithJobID(jobID).Info().
		Float64("distance_meters", res.DistanceMeters).
		Bool("within_geofence", res.WithinGeofence).
		Msg("completion reported")
	return &Completion{Job: next, Check: check}, nil
}

// MarkPaid moves a completed job to paid. Marking an already paid job is a no-op.
func (l *Lifecycle) MarkPaid(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusPaid {
		return job, nil
	}

	next, err := l.advance(ctx, job, model.JobStatusPaid)
	if errors.Is(err, model.ErrInvalidTransition) {
		// lost a race with another MarkPaid
		if latest, getErr := l.store.GetJob(ctx, jobID); getErr == nil && latest.Status == model.JobStatusPaid {
			return latest, nil
		}
	}
	return next, err
}

// advance applies a single guarded job transition
func (l *Lifecycle) advance(ctx context.Context, job *model.Job, to model.JobStatus) (*model.Job, error) {
	if !CanTransition(job.Status, to) {
		return nil, model.NewJobTransitionError(job.ID, job.Status, to)
	}

	next := job.Clone()
	next.Status = to
	next.UpdatedAt = l.now()

	if err := l.store.Apply(ctx, store.Mutation{Job: next, JobFrom: job.Status}); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("failed to update job: %w", err)
		}
		latest, getErr := l.store.GetJob(ctx, job.ID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, model.NewJobTransitionError(job.ID, latest.Status, to)
	}

	logger.WithJobID(job.ID).Debug().Str("from", string(job.Status)).Str("to", string(to)).Msg("job transitioned")
	return next, nil
}
