package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/geotask/api/internal/model"
	"github.com/redis/go-redis/v9"
)

const jobIndexKey = "jobs:index"

// RedisStore keeps jobs and escrows as JSON documents in Redis.
// Guarded writes use WATCH/MULTI so a concurrent change aborts the transaction.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on top of an existing Redis client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func jobKey(id string) string            { return fmt.Sprintf("job:%s", id) }
func escrowKey(jobID string) string      { return fmt.Sprintf("escrow:%s", jobID) }
func locationChecksKey(id string) string { return fmt.Sprintf("job:%s:location_checks", id) }

func (s *RedisStore) CreateJob(ctx context.Context, job *model.Job, escrow *model.Escrow) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	escrowData, err := json.Marshal(escrow)
	if err != nil {
		return fmt.Errorf("failed to marshal escrow: %w", err)
	}

	// job, escrow and index entry go out in one MULTI/EXEC so a job never
	// exists without its escrow
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, jobKey(job.ID)).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(job.ID), jobData, 0)
			pipe.Set(ctx, escrowKey(job.ID), escrowData, 0)
			pipe.ZAdd(ctx, jobIndexKey, redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
			return nil
		})
		return err
	}, jobKey(job.ID))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	}
	return fmt.Errorf("failed to save job: %w", err)
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := getJSON(ctx, s.client, jobKey(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	ids, err := s.client.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job index: %w", err)
	}

	jobs := make([]*model.Job, 0)
	if len(ids) == 0 {
		return jobs, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	limit := listLimit(filter)
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if !filter.Matches(&job) {
			continue
		}
		jobs = append(jobs, &job)
		if len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}

func (s *RedisStore) GetEscrow(ctx context.Context, jobID string) (*model.Escrow, error) {
	var escrow model.Escrow
	if err := getJSON(ctx, s.client, escrowKey(jobID), &escrow); err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (s *RedisStore) Apply(ctx context.Context, m Mutation) error {
	var keys []string
	var jobData, escrowData []byte
	var err error

	if m.Job != nil {
		keys = append(keys, jobKey(m.Job.ID))
		if jobData, err = json.Marshal(m.Job); err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
	}
	if m.Escrow != nil {
		keys = append(keys, escrowKey(m.Escrow.JobID))
		if escrowData, err = json.Marshal(m.Escrow); err != nil {
			return fmt.Errorf("failed to marshal escrow: %w", err)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		if m.Job != nil {
			var current model.Job
			if err := getJSON(ctx, tx, jobKey(m.Job.ID), &current); err != nil {
				return err
			}
			if current.Status != m.JobFrom {
				return ErrConflict
			}
		}
		if m.Escrow != nil {
			var current model.Escrow
			if err := getJSON(ctx, tx, escrowKey(m.Escrow.JobID), &current); err != nil {
				return err
			}
			if current.Status != m.EscrowFrom {
				return ErrConflict
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if m.Job != nil {
				pipe.Set(ctx, jobKey(m.Job.ID), jobData, 0)
			}
			if m.Escrow != nil {
				pipe.Set(ctx, escrowKey(m.Escrow.JobID), escrowData, 0)
			}
			return nil
		})
		return err
	}, keys...)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) AppendLocationCheck(ctx context.Context, check *model.LocationCheck) error {
	exists, err := s.client.Exists(ctx, jobKey(check.JobID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if exists == 0 {
		return model.ErrNotFound
	}

	data, err := json.Marshal(check)
	if err != nil {
		return fmt.Errorf("failed to marshal location check: %w", err)
	}
	if err := s.client.RPush(ctx, locationChecksKey(check.JobID), data).Err(); err != nil {
		return fmt.Errorf("failed to append location check: %w", err)
	}
	return nil
}

func (s *RedisStore) ListLocationChecks(ctx context.Context, jobID string) ([]*model.LocationCheck, error) {
	raw, err := s.client.LRange(ctx, locationChecksKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read location checks: %w", err)
	}

	checks := make([]*model.LocationCheck, 0, len(raw))
	for _, r := range raw {
		var c model.LocationCheck
		if err := json.Unmarshal([]byte(r), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal location check: %w", err)
		}
		checks = append(checks, &c)
	}
	return checks, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is owned by the caller
func (s *RedisStore) Close() error { return nil }

func getJSON(ctx context.Context, c redis.Cmdable, key string, dst interface{}) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return model.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, dst)
}
