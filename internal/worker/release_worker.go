package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/geotask/api/internal/logger"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/internal/service"
	"github.com/hibiken/asynq"
)

// Releaser pays out a completed job
type Releaser interface {
	Release(ctx context.Context, jobID, businessID string) (*service.CompletionOutcome, error)
}

// ErrorNotifier tells job subscribers about a failed task
type ErrorNotifier interface {
	BroadcastError(jobID string, code, message string)
}

// ReleaseWorker processes manual escrow release tasks
type ReleaseWorker struct {
	releaser Releaser
	notifier ErrorNotifier
}

// NewReleaseWorker creates a new release worker
func NewReleaseWorker(releaser Releaser, notifier ErrorNotifier) *ReleaseWorker {
	return &ReleaseWorker{
		releaser: releaser,
		notifier: notifier,
	}
}

// ProcessTask handles payment:release tasks. Outcomes, including a failed
// payment, are broadcast by the completion service; only errors that left the
// job untouched are reported here.
func (w *ReleaseWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.ReleasePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal release payload: %v: %w", err, asynq.SkipRetry)
	}

	log := logger.WithJobID(payload.JobID)
	log.Info().Str("business_id", payload.BusinessID).Msg("processing manual release")

	outcome, err := w.releaser.Release(ctx, payload.JobID, payload.BusinessID)
	if err != nil {
		code := "RELEASE_FAILED"
		switch {
		case errors.Is(err, model.ErrCompletionInFlight):
			code = "RELEASE_IN_FLIGHT"
		case errors.Is(err, model.ErrInvalidTransition):
			code = "INVALID_TRANSITION"
		}
		w.failJob(payload.JobID, code, err.Error())
		log.Error().Err(err).Msg("manual release failed")
		return fmt.Errorf("release %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}

	log.Info().Str("outcome", string(outcome.Kind)).Msg("manual release processed")
	return nil
}

func (w *ReleaseWorker) failJob(jobID, code, message string) {
	if w.notifier != nil {
		w.notifier.BroadcastError(jobID, code, message)
	}
}
