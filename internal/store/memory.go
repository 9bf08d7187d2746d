package store

import (
	"context"
	"sort"
	"sync"

	"github.com/geotask/api/internal/model"
)

// MemoryStore keeps everything in process memory. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*model.Job
	escrows map[string]*model.Escrow
	checks  map[string][]*model.LocationCheck
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*model.Job),
		escrows: make(map[string]*model.Escrow),
		checks:  make(map[string][]*model.LocationCheck),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *model.Job, escrow *model.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrConflict
	}
	s.jobs[job.ID] = job.Clone()
	s.escrows[job.ID] = escrow.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*model.Job, 0)
	for _, job := range s.jobs {
		if filter.Matches(job) {
			jobs = append(jobs, job.Clone())
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if limit := listLimit(filter); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) GetEscrow(ctx context.Context, jobID string) (*model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	escrow, ok := s.escrows[jobID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return escrow.Clone(), nil
}

func (s *MemoryStore) Apply(ctx context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Job != nil {
		current, ok := s.jobs[m.Job.ID]
		if !ok {
			return model.ErrNotFound
		}
		if current.Status != m.JobFrom {
			return ErrConflict
		}
	}
	if m.Escrow != nil {
		current, ok := s.escrows[m.Escrow.JobID]
		if !ok {
			return model.ErrNotFound
		}
		if current.Status != m.EscrowFrom {
			return ErrConflict
		}
	}

	if m.Job != nil {
		s.jobs[m.Job.ID] = m.Job.Clone()
	}
	if m.Escrow != nil {
		s.escrows[m.Escrow.JobID] = m.Escrow.Clone()
	}
	return nil
}

func (s *MemoryStore) AppendLocationCheck(ctx context.Context, check *model.LocationCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[check.JobID]; !ok {
		return model.ErrNotFound
	}
	c := *check
	s.checks[check.JobID] = append(s.checks[check.JobID], &c)
	return nil
}

func (s *MemoryStore) ListLocationChecks(ctx context.Context, jobID string) ([]*model.LocationCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checks := make([]*model.LocationCheck, 0, len(s.checks[jobID]))
	for _, c := range s.checks[jobID] {
		cp := *c
		checks = append(checks, &cp)
	}
	return checks, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
