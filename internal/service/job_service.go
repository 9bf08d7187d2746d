package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/geotask/api/internal/escrow"
	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/lifecycle"
	"github.com/geotask/api/internal/logger"
	"github.com/geotask/api/internal/metrics"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/internal/rules"
	"github.com/geotask/api/internal/store"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

const (
	TaskTypeRelease = "payment:release"
	QueuePayments   = "payments"

	DefaultNearbyRadius = 5000.0
	DefaultNearbyLimit  = 20
	nearbyScanLimit     = 1000
)

// TaskEnqueuer is satisfied by *asynq.Client
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ReleasePayload is the payload of a payment:release task
type ReleasePayload struct {
	JobID      string `json:"jobId"`
	BusinessID string `json:"businessId"`
}

// NewReleaseTask builds a manual release task for jobID
func NewReleaseTask(jobID, businessID string) (*asynq.Task, error) {
	data, err := json.Marshal(ReleasePayload{JobID: jobID, BusinessID: businessID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRelease, data), nil
}

// ValidatePaymentResponse is the result of a dry-run authorization
type ValidatePaymentResponse struct {
	JobID       string          `json:"jobId"`
	Authorized  bool            `json:"authorized"`
	Reasons     []rules.Failure `json:"reasons"`
	AutoRelease bool            `json:"autoRelease"`
}

// JobService handles job posting, queries and the non-completion transitions
type JobService struct {
	store     store.Store
	lifecycle *lifecycle.Lifecycle
	engine    *rules.Engine
	ledger    *escrow.Ledger
	enqueuer  TaskEnqueuer
	notifier  Notifier
}

func NewJobService(s store.Store, lc *lifecycle.Lifecycle, engine *rules.Engine, ledger *escrow.Ledger, enqueuer TaskEnqueuer, notifier Notifier) *JobService {
	return &JobService{
		store:     s,
		lifecycle: lc,
		engine:    engine,
		ledger:    ledger,
		enqueuer:  enqueuer,
		notifier:  notifier,
	}
}

// Create posts a new open job for businessID with an unfunded escrow
func (s *JobService) Create(ctx context.Context, businessID string, req *model.CreateJobRequest) (*model.Job, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}

	site := req.SiteLocation.Point()
	if err := geofence.Validate(site); err != nil {
		return nil, err
	}
	if !validRadius(req.RadiusMeters) {
		return nil, fmt.Errorf("%w: %v", geofence.ErrInvalidRadius, req.RadiusMeters)
	}

	paymentRules := req.PaymentRules.ToPaymentRules()
	for _, z := range paymentRules.AllowedCompletionZones {
		if err := geofence.Validate(z.Center()); err != nil {
			return nil, err
		}
		if !validRadius(z.RadiusMeters) {
			return nil, fmt.Errorf("%w: %v", geofence.ErrInvalidRadius, z.RadiusMeters)
		}
	}

	now := time.Now()
	job := &model.Job{
		ID:           uuid.New().String(),
		BusinessID:   businessID,
		Title:        req.Title,
		Description:  req.Description,
		Amount:       amount,
		SiteLocation: site,
		RadiusMeters: req.RadiusMeters,
		Status:       model.JobStatusOpen,
		PaymentRules: paymentRules,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e := &model.Escrow{
		JobID:     job.ID,
		Status:    model.EscrowStatusNone,
		Amount:    amount,
		UpdatedAt: now,
	}

	if err := s.store.CreateJob(ctx, job, e); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	metrics.JobsCreatedTotal.Inc()
	logger.WithJobID(job.ID).Info().Str("business_id", businessID).Str("amount", amount.String()).Msg("job posted")
	return job, nil
}

// validRadius accepts finite radii greater than zero. A zero radius would
// shrink the geofence to a single point.
func validRadius(r float64) bool {
	return r > 0 && !math.IsInf(r, 1)
}

// Get returns a job with its escrow and location-check history
func (s *JobService) Get(ctx context.Context, jobID string) (*model.JobDetailResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e, err := s.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	checks, err := s.store.ListLocationChecks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.JobDetailResponse{Job: job, Escrow: e, LocationChecks: checks}, nil
}

// List returns jobs matching filter, newest first
func (s *JobService) List(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// Nearby returns open jobs within radiusMeters of center, nearest first
func (s *JobService) Nearby(ctx context.Context, center geofence.Point, radiusMeters float64, limit int) ([]model.NearbyJob, error) {
	if err := geofence.Validate(center); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		radiusMeters = DefaultNearbyRadius
	}
	if limit <= 0 {
		limit = DefaultNearbyLimit
	}

	jobs, err := s.store.ListJobs(ctx, model.JobFilter{Status: model.JobStatusOpen, Limit: nearbyScanLimit})
	if err != nil {
		return nil, err
	}

	nearby := make([]model.NearbyJob, 0)
	for _, job := range jobs {
		d, err := geofence.Distance(center, job.SiteLocation)
		if err != nil || d > radiusMeters {
			continue
		}
		nearby = append(nearby, model.NearbyJob{Job: job, DistanceMeters: d})
	}

	sort.Slice(nearby, func(i, j int) bool {
		return nearby[i].DistanceMeters < nearby[j].DistanceMeters
	})
	if len(nearby) > limit {
		nearby = nearby[:limit]
	}
	return nearby, nil
}

// Assign gives the job to workerID. Only the posting business may assign.
func (s *JobService) Assign(ctx context.Context, jobID, workerID, businessID string) (*model.Job, error) {
	if err := s.checkOwner(ctx, jobID, businessID); err != nil {
		return nil, err
	}

	job, err := s.lifecycle.Assign(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}
	s.notify(job.ID, job.Status, model.EscrowStatusHeld)
	return job, nil
}

// Start marks the assigned worker as on the job
func (s *JobService) Start(ctx context.Context, jobID, workerID string) (*model.Job, error) {
	job, err := s.lifecycle.Start(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}
	s.notify(job.ID, job.Status, model.EscrowStatusHeld)
	return job, nil
}

// ValidatePayment evaluates the job's payment rules against a hypothetical
// attempt without changing any state
func (s *JobService) ValidatePayment(ctx context.Context, jobID string, req *model.ValidatePaymentRequest) (*ValidatePaymentResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	attempt := rules.Attempt{BusinessApproval: req.BusinessApproval}
	if req.Location != nil {
		p := req.Location.Point()
		if err := geofence.Validate(p); err != nil {
			return nil, err
		}
		attempt.WorkerLocation = &p
	}

	result := s.engine.Authorize(job, attempt)
	return &ValidatePaymentResponse{
		JobID:       jobID,
		Authorized:  result.Authorized,
		Reasons:     result.Reasons,
		AutoRelease: result.AutoRelease,
	}, nil
}

// QueueRelease schedules a manual release of a completed job's escrow
func (s *JobService) QueueRelease(ctx context.Context, jobID, businessID string) (*model.ReleaseQueuedResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if businessID != "" && job.BusinessID != businessID {
		return nil, model.ErrForbidden
	}

	now := time.Now()
	switch job.Status {
	case model.JobStatusPaid:
		return &model.ReleaseQueuedResponse{JobID: jobID, Status: string(model.JobStatusPaid), QueuedAt: now}, nil
	case model.JobStatusCompleted:
	default:
		return nil, model.NewJobTransitionError(jobID, job.Status, model.JobStatusPaid)
	}

	task, err := NewReleaseTask(jobID, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// a release is never retried automatically
	_, err = s.enqueuer.Enqueue(task,
		asynq.Queue(QueuePayments),
		asynq.MaxRetry(0),
		asynq.Timeout(time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	logger.WithJobID(jobID).Info().Str("business_id", businessID).Msg("manual release queued")
	return &model.ReleaseQueuedResponse{JobID: jobID, Status: "queued", QueuedAt: now}, nil
}

func (s *JobService) checkOwner(ctx context.Context, jobID, businessID string) error {
	if businessID == "" {
		return nil
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.BusinessID != businessID {
		return model.ErrForbidden
	}
	return nil
}

func (s *JobService) notify(jobID string, status model.JobStatus, escrowStatus model.EscrowStatus) {
	if s.notifier != nil {
		s.notifier.BroadcastStatus(jobID, status, escrowStatus)
	}
}
