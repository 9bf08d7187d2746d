package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/internal/store"
	"github.com/shopspring/decimal"
)

func seedJob(t *testing.T, s store.Store, id string) *model.Job {
	t.Helper()
	now := time.Now()
	job := &model.Job{
		ID:           id,
		BusinessID:   "biz-1",
		Title:        "Inspect roof",
		Amount:       decimal.RequireFromString("120"),
		SiteLocation: geofence.Point{Latitude: 40.7589, Longitude: -73.9851},
		RadiusMeters: 100,
		Status:       model.JobStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	escrow := &model.Escrow{JobID: id, Status: model.EscrowStatusNone, Amount: job.Amount, UpdatedAt: now}
	if err := s.CreateJob(context.Background(), job, escrow); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func assignedCopy(job *model.Job) *model.Job {
	next := job.Clone()
	next.Status = model.JobStatusAssigned
	next.WorkerID = "worker-1"
	return next
}

func fundedLedger(t *testing.T) (*Ledger, store.Store, string) {
	t.Helper()
	s := store.NewMemoryStore()
	job := seedJob(t, s, "job-1")
	l := NewLedger(s)
	if _, err := l.Fund(context.Background(), assignedCopy(job), model.JobStatusOpen, "fund-ref", false); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	return l, s, job.ID
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.EscrowStatus
		want     bool
	}{
		{model.EscrowStatusNone, model.EscrowStatusHeld, true},
		{model.EscrowStatusHeld, model.EscrowStatusReleased, true},
		{model.EscrowStatusHeld, model.EscrowStatusFailed, true},
		{model.EscrowStatusNone, model.EscrowStatusReleased, false},
		{model.EscrowStatusReleased, model.EscrowStatusHeld, false},
		{model.EscrowStatusReleased, model.EscrowStatusFailed, false},
		{model.EscrowStatusFailed, model.EscrowStatusReleased, false},
		{model.EscrowStatusFailed, model.EscrowStatusHeld, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestFund_WritesJobAndEscrow(t *testing.T) {
	l, s, id := fundedLedger(t)

	e, _ := l.Get(context.Background(), id)
	if e.Status != model.EscrowStatusHeld || e.ExternalReference != "fund-ref" {
		t.Errorf("unexpected escrow: %+v", e)
	}
	job, _ := s.GetJob(context.Background(), id)
	if job.Status != model.JobStatusAssigned || job.WorkerID != "worker-1" {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestFund_Twice(t *testing.T) {
	l, s, id := fundedLedger(t)
	job, _ := s.GetJob(context.Background(), id)

	_, err := l.Fund(context.Background(), assignedCopy(job), model.JobStatusOpen, "again", false)
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestFund_StaleJobGuard(t *testing.T) {
	s := store.NewMemoryStore()
	job := seedJob(t, s, "job-1")
	l := NewLedger(s)

	// caller believes the job is in progress, but it is still open
	_, err := l.Fund(context.Background(), assignedCopy(job), model.JobStatusInProgress, "ref", false)
	var te *model.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransitionError, got %v", err)
	}
	if te.Entity != "job" || te.From != string(model.JobStatusOpen) {
		t.Errorf("unexpected transition error: %+v", te)
	}

	e, _ := l.Get(context.Background(), job.ID)
	if e.Status != model.EscrowStatusNone {
		t.Errorf("expected escrow to stay none, got %s", e.Status)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	l, _, id := fundedLedger(t)
	ctx := context.Background()

	first, err := l.Release(ctx, id, "release-ref", false)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := l.Release(ctx, id, "other-ref", false)
	if err != nil {
		t.Fatalf("second Release: %v", err)
	}

	if first.Status != model.EscrowStatusReleased || second.Status != model.EscrowStatusReleased {
		t.Fatalf("expected released twice, got %s and %s", first.Status, second.Status)
	}
	if second.ExternalReference != "release-ref" {
		t.Errorf("repeat release must not rewrite the reference, got %q", second.ExternalReference)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("repeat release must not touch the record")
	}
}

func TestRelease_ConcurrentCallsSettleOnce(t *testing.T) {
	l, _, id := fundedLedger(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := l.Release(context.Background(), id, "ref", false)
			if err == nil && e.Status != model.EscrowStatusReleased {
				err = errors.New("unexpected status " + string(e.Status))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent release: %v", err)
		}
	}
}

func TestFail_Idempotent(t *testing.T) {
	l, _, id := fundedLedger(t)
	ctx := context.Background()

	e, err := l.Fail(ctx, id, "gateway timeout")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if e.Status != model.EscrowStatusFailed || e.FailureReason != "gateway timeout" {
		t.Errorf("unexpected escrow: %+v", e)
	}
	if _, err := l.Fail(ctx, id, "again"); err != nil {
		t.Errorf("expected repeat fail to be a no-op, got %v", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()

	l, _, id := fundedLedger(t)
	if _, err := l.Release(ctx, id, "ref", false); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := l.Fail(ctx, id, "late"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("fail after release: expected ErrInvalidTransition, got %v", err)
	}

	l, _, id = fundedLedger(t)
	if _, err := l.Fail(ctx, id, "timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := l.Release(ctx, id, "ref", false); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("release after fail: expected ErrInvalidTransition, got %v", err)
	}
}

func TestRelease_RequiresHeld(t *testing.T) {
	s := store.NewMemoryStore()
	job := seedJob(t, s, "job-1")
	l := NewLedger(s)

	if _, err := l.Release(context.Background(), job.ID, "ref", false); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := l.Release(context.Background(), "missing", "ref", false); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
