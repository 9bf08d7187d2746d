package lifecycle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geotask/api/internal/client"
	"github.com/geotask/api/internal/escrow"
	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/lock"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/internal/store"
	"github.com/shopspring/decimal"
)

var (
	site    = geofence.Point{Latitude: 40.7589, Longitude: -73.9851}
	farAway = geofence.Point{Latitude: 40.8000, Longitude: -73.9000}
)

type fakeGateway struct {
	fundCalls int32
	fundErr   error
	declined  bool
	delay     time.Duration
}

func (g *fakeGateway) Fund(ctx context.Context, req *client.FundRequest) (*client.FundResponse, error) {
	atomic.AddInt32(&g.fundCalls, 1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.fundErr != nil {
		return nil, g.fundErr
	}
	return &client.FundResponse{Reference: "fund-" + req.JobID, Funded: !g.declined}, nil
}

func (g *fakeGateway) Release(ctx context.Context, req *client.ReleaseRequest) (*client.ReleaseResponse, error) {
	return &client.ReleaseResponse{Reference: "rel-" + req.JobID, Released: true}, nil
}

type fixture struct {
	store   *store.MemoryStore
	ledger  *escrow.Ledger
	gateway *fakeGateway
	lc      *Lifecycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	ledger := escrow.NewLedger(s)
	gw := &fakeGateway{}
	return &fixture{
		store:   s,
		ledger:  ledger,
		gateway: gw,
		lc:      New(s, ledger, gw, lock.NewMemoryLocker(), Options{AssignWait: 2 * time.Second}),
	}
}

func (f *fixture) createJob(t *testing.T, id string) *model.Job {
	t.Helper()
	now := time.Now()
	job := &model.Job{
		ID:           id,
		BusinessID:   "biz-1",
		Title:        "Fix sign",
		Amount:       decimal.RequireFromString("50"),
		SiteLocation: site,
		RadiusMeters: 100,
		Status:       model.JobStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e := &model.Escrow{JobID: id, Status: model.EscrowStatusNone, Amount: job.Amount, UpdatedAt: now}
	if err := f.store.CreateJob(context.Background(), job, e); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func (f *fixture) assigned(t *testing.T, id string) *model.Job {
	t.Helper()
	f.createJob(t, id)
	job, err := f.lc.Assign(context.Background(), id, "worker-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return job
}

func TestAssign_FundsEscrow(t *testing.T) {
	f := newFixture(t)
	job := f.assigned(t, "job-1")

	if job.Status != model.JobStatusAssigned || job.WorkerID != "worker-1" {
		t.Errorf("unexpected job: %+v", job)
	}
	e, _ := f.ledger.Get(context.Background(), "job-1")
	if e.Status != model.EscrowStatusHeld || e.ExternalReference != "fund-job-1" {
		t.Errorf("unexpected escrow: %+v", e)
	}
}

func TestAssign_RequiresWorker(t *testing.T) {
	f := newFixture(t)
	f.createJob(t, "job-1")
	if _, err := f.lc.Assign(context.Background(), "job-1", ""); !errors.Is(err, model.ErrWorkerRequired) {
		t.Errorf("expected ErrWorkerRequired, got %v", err)
	}
}

func TestAssign_FundingFailureLeavesNoTrace(t *testing.T) {
	for name, gw := range map[string]*fakeGateway{
		"error":    {fundErr: errors.New("connection refused")},
		"declined": {declined: true},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.lc.gateway = gw
			f.createJob(t, "job-1")

			_, err := f.lc.Assign(context.Background(), "job-1", "worker-1")
			if !errors.Is(err, model.ErrGatewayFundingFailed) {
				t.Fatalf("expected ErrGatewayFundingFailed, got %v", err)
			}

			job, _ := f.store.GetJob(context.Background(), "job-1")
			if job.Status != model.JobStatusOpen || job.WorkerID != "" {
				t.Errorf("expected job to stay open and unassigned, got %+v", job)
			}
			e, _ := f.ledger.Get(context.Background(), "job-1")
			if e.Status != model.EscrowStatusNone {
				t.Errorf("expected escrow to stay none, got %s", e.Status)
			}
		})
	}
}

func TestAssign_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.gateway.delay = 10 * time.Millisecond
	f.createJob(t, "job-1")

	const callers = 8
	var wg sync.WaitGroup
	var wins, transitions int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.lc.Assign(context.Background(), "job-1", "worker-"+string(rune('a'+i)))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, model.ErrInvalidTransition):
				atomic.AddInt32(&transitions, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || transitions != callers-1 {
		t.Errorf("expected 1 winner and %d invalid transitions, got %d and %d", callers-1, wins, transitions)
	}
	if calls := atomic.LoadInt32(&f.gateway.fundCalls); calls != 1 {
		t.Errorf("expected escrow to be funded once, gateway saw %d calls", calls)
	}
}

func TestReportCompletion_InsideGeofence(t *testing.T) {
	f := newFixture(t)
	f.assigned(t, "job-1")

	c, err := f.lc.ReportCompletion(context.Background(), "job-1", "worker-1", site)
	if err != nil {
		t.Fatalf("ReportCompletion: %v", err)
	}
	if !c.Accepted() || c.Job.Status != model.JobStatusCompleted {
		t.Errorf("expected completed, got %s", c.Job.Status)
	}
	if !c.Check.WithinGeofence || c.Check.DistanceMeters != 0 {
		t.Errorf("unexpected check: %+v", c.Check)
	}
}

func TestReportCompletion_OutsideGeofenceCancels(t *testing.T) {
	f := newFixture(t)
	f.assigned(t, "job-1")

	c, err := f.lc.ReportCompletion(context.Background(), "job-1", "worker-1", farAway)
	if err != nil {
		t.Fatalf("ReportCompletion: %v", err)
	}
	if c.Accepted() || c.Job.Status != model.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", c.Job.Status)
	}

	checks, _ := f.store.ListLocationChecks(context.Background(), "job-1")
	if len(checks) != 1 || checks[0].WithinGeofence {
		t.Errorf("expected one failed location check, got %+v", checks)
	}
}

func TestReportCompletion_FromInProgress(t *testing.T) {
	f := newFixture(t)
	f.assigned(t, "job-1")

	if _, err := f.lc.Start(context.Background(), "job-1", "worker-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c, err := f.lc.ReportCompletion(context.Background(), "job-1", "worker-1", site)
	if err != nil {
		t.Fatalf("ReportCompletion: %v", err)
	}
	if c.Job.Status != model.JobStatusCompleted {
		t.Errorf("expected completed, got %s", c.Job.Status)
	}
}

func TestReportCompletion_InvalidCoordinateRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.assigned(t, "job-1")

	_, err := f.lc.ReportCompletion(context.Background(), "job-1", "worker-1", geofence.Point{Latitude: 91})
	if !errors.Is(err, geofence.ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
	}

	checks, _ := f.store.ListLocationChecks(context.Background(), "job-1")
	if len(checks) != 0 {
		t.Errorf("expected no location check, got %d", len(checks))
	}
	job, _ := f.store.GetJob(context.Background(), "job-1")
	if job.Status != model.JobStatusAssigned {
		t.Errorf("expected job to stay assigned, got %s", job.Status)
	}
}

func TestReportCompletion_WrongWorker(t *testing.T) {
	f := newFixture(t)
	f.assigned(t, "job-1")

	if _, err := f.lc.ReportCompletion(context.Background(), "job-1", "intruder", site); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.lc.Start(context.Background(), "job-1", "intruder"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden on start, got %v", err)
	}
}

func TestReportCompletion_OpenJob(t *testing.T) {
	f := newFixture(t)
	f.createJob(t, "job-1")

	_, err := f.lc.ReportCompletion(context.Background(), "job-1", "", site)
	var te *model.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransitionError, got %v", err)
	}
	if te.From != string(model.JobStatusOpen) || te.To != string(model.JobStatusCompleted) {
		t.Errorf("unexpected transition error: %+v", te)
	}
}

func TestMarkPaid_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.assigned(t, "job-1")
	if _, err := f.lc.ReportCompletion(context.Background(), "job-1", "worker-1", site); err != nil {
		t.Fatalf("ReportCompletion: %v", err)
	}

	for i := 0; i < 2; i++ {
		job, err := f.lc.MarkPaid(context.Background(), "job-1")
		if err != nil {
			t.Fatalf("MarkPaid #%d: %v", i+1, err)
		}
		if job.Status != model.JobStatusPaid {
			t.Errorf("MarkPaid #%d: expected paid, got %s", i+1, job.Status)
		}
	}
}

func TestMarkPaid_RequiresCompleted(t *testing.T) {
	f := newFixture(t)
	f.assigned(t, "job-1")

	if _, err := f.lc.MarkPaid(context.Background(), "job-1"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.lc.Assign(ctx, "missing", "worker-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Assign: expected ErrNotFound, got %v", err)
	}
	if _, err := f.lc.ReportCompletion(ctx, "missing", "", site); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("ReportCompletion: expected ErrNotFound, got %v", err)
	}
	if _, err := f.lc.ReportCompletion(ctx, "missing", "", geofence.Point{Latitude: 0, Longitude: 200}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("ReportCompletion with bad location: expected ErrNotFound, got %v", err)
	}
	if _, err := f.lc.MarkPaid(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("MarkPaid: expected ErrNotFound, got %v", err)
	}
}

func TestCanTransition_TerminalStates(t *testing.T) {
	for _, from := range []model.JobStatus{model.JobStatusPaid, model.JobStatusCancelled} {
		for _, to := range model.ValidJobStatuses {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not move to %s", from, to)
			}
		}
	}
}

// Random operation sequences never move a job out of paid or cancelled.
func TestNoRegressionFromTerminalStates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		f := newFixture(t)
		id := "job-1"
		f.createJob(t, id)

		var terminal model.JobStatus
		for step := 0; step < 12; step++ {
			switch rng.Intn(5) {
			case 0:
				_, _ = f.lc.Assign(ctx, id, "worker-1")
			case 1:
				_, _ = f.lc.Start(ctx, id, "worker-1")
			case 2:
				_, _ = f.lc.ReportCompletion(ctx, id, "worker-1", site)
			case 3:
				_, _ = f.lc.ReportCompletion(ctx, id, "worker-1", farAway)
			case 4:
				_, _ = f.lc.MarkPaid(ctx, id)
			}

			job, _ := f.store.GetJob(ctx, id)
			if terminal != "" && job.Status != terminal {
				t.Fatalf("round %d: job left terminal state %s for %s", round, terminal, job.Status)
			}
			if job.Status.IsTerminal() {
				terminal = job.Status
			}
			if job.Status != model.JobStatusOpen && job.WorkerID == "" {
				t.Fatalf("round %d: job in %s without a worker", round, job.Status)
			}
		}
	}
}
