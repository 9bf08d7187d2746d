package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/geotask/api/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLSTATE codes mapped onto store errors
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func hasPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// PostgresStore persists jobs in Postgres through a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL. maxConns <= 0 keeps the pgx default.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the embedded schema migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const jobColumns = `id, business_id, worker_id, title, description, amount::text,
	site_latitude, site_longitude, radius_meters, status, payment_rules, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job, escrow *model.Escrow) error {
	rules, err := json.Marshal(job.PaymentRules)
	if err != nil {
		return fmt.Errorf("failed to marshal payment rules: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, business_id, worker_id, title, description, amount,
				site_latitude, site_longitude, radius_meters, status, payment_rules, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			job.ID, job.BusinessID, job.WorkerID, job.Title, job.Description, job.Amount.String(),
			job.SiteLocation.Latitude, job.SiteLocation.Longitude, job.RadiusMeters,
			string(job.Status), rules, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			if hasPgCode(err, pgUniqueViolation) {
				return ErrConflict
			}
			return fmt.Errorf("failed to create job: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO escrows (job_id, status, amount, external_reference, simulated, failure_reason, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			escrow.JobID, string(escrow.Status), escrow.Amount.String(), escrow.ExternalReference,
			escrow.Simulated, escrow.FailureReason, escrow.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create escrow: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.BusinessID != "" {
		add("business_id = $%d", filter.BusinessID)
	}
	if filter.WorkerID != "" {
		add("worker_id = $%d", filter.WorkerID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(filter))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*model.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) GetEscrow(ctx context.Context, jobID string) (*model.Escrow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, status, amount::text, external_reference, simulated, failure_reason, updated_at
		FROM escrows WHERE job_id = $1`, jobID)

	var e model.Escrow
	var status, amount string
	err := row.Scan(&e.JobID, &status, &amount, &e.ExternalReference, &e.Simulated, &e.FailureReason, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	e.Status = model.EscrowStatus(status)
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse escrow amount: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) Apply(ctx context.Context, m Mutation) error {
	if m.Job == nil && m.Escrow == nil {
		return nil
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if m.Job != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE jobs SET worker_id = $3, status = $4, updated_at = $5
				WHERE id = $1 AND status = $2`,
				m.Job.ID, string(m.JobFrom), m.Job.WorkerID, string(m.Job.Status), m.Job.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to update job: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return missingOrConflict(ctx, tx, `SELECT 1 FROM jobs WHERE id = $1`, m.Job.ID)
			}
		}

		if m.Escrow != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE escrows SET status = $3, external_reference = $4, simulated = $5,
					failure_reason = $6, updated_at = $7
				WHERE job_id = $1 AND status = $2`,
				m.Escrow.JobID, string(m.EscrowFrom), string(m.Escrow.Status), m.Escrow.ExternalReference,
				m.Escrow.Simulated, m.Escrow.FailureReason, m.Escrow.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to update escrow: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return missingOrConflict(ctx, tx, `SELECT 1 FROM escrows WHERE job_id = $1`, m.Escrow.JobID)
			}
		}
		return nil
	})
}

func (s *PostgresStore) AppendLocationCheck(ctx context.Context, c *model.LocationCheck) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO location_checks (id, job_id, worker_id, latitude, longitude, distance_meters, within_geofence, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.JobID, c.WorkerID, c.ReportedLocation.Latitude, c.ReportedLocation.Longitude,
		c.DistanceMeters, c.WithinGeofence, c.Timestamp)
	if err != nil {
		if hasPgCode(err, pgForeignKeyViolation) {
			return model.ErrNotFound
		}
		return fmt.Errorf("failed to append location check: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLocationChecks(ctx context.Context, jobID string) ([]*model.LocationCheck, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, worker_id, latitude, longitude, distance_meters, within_geofence, checked_at
		FROM location_checks WHERE job_id = $1 ORDER BY checked_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list location checks: %w", err)
	}
	defer rows.Close()

	checks := make([]*model.LocationCheck, 0)
	for rows.Next() {
		var c model.LocationCheck
		if err := rows.Scan(&c.ID, &c.JobID, &c.WorkerID, &c.ReportedLocation.Latitude, &c.ReportedLocation.Longitude,
			&c.DistanceMeters, &c.WithinGeofence, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan location check: %w", err)
		}
		checks = append(checks, &c)
	}
	return checks, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var job model.Job
	var amount, status string
	var rules []byte

	err := row.Scan(&job.ID, &job.BusinessID, &job.WorkerID, &job.Title, &job.Description, &amount,
		&job.SiteLocation.Latitude, &job.SiteLocation.Longitude, &job.RadiusMeters, &status, &rules,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Status = model.JobStatus(status)
	if job.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &job.PaymentRules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment rules: %w", err)
		}
	}
	return &job, nil
}

func missingOrConflict(ctx context.Context, tx pgx.Tx, query, id string) error {
	var one int
	if err := tx.QueryRow(ctx, query, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		return err
	}
	return ErrConflict
}
