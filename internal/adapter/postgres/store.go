// Package postgres implements domain.JobStore on PostgreSQL using a pgx
// connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cwygoda/oneclick/internal/domain"
)

var _ domain.JobStore = (*Store)(nil)

// Config holds pool settings.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// Store is a PostgreSQL JobStore. Connections are taken from the pool per
// call and returned when the call ends.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open creates the pool, verifies connectivity and returns a Store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "oneclick"

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	logger.Info("connected to postgres", "max_conns", pc.MaxConns)
	return NewFromPool(pool, logger), nil
}

// NewFromPool wraps an existing pool. The Store closes it on Close.
func NewFromPool(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Migrate creates the jobs table and its indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS video_jobs (
			id               UUID PRIMARY KEY,
			owner            BIGINT NOT NULL,
			input_location   TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'Uploaded',
			transcript       JSONB,
			render_settings  JSONB NOT NULL,
			output_locations TEXT[] NOT NULL DEFAULT '{}',
			failure_reason   TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			claimed_at       TIMESTAMPTZ,
			version          BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_video_jobs_owner ON video_jobs (owner, created_at, id);
		ALTER TABLE video_jobs ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ;
		CREATE INDEX IF NOT EXISTS idx_video_jobs_status ON video_jobs (status, created_at, id);`)
	if err != nil {
		return fmt.Errorf("%w: postgres migrate: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Ping checks the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres ping: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const columns = `id::text, owner, input_location, status, transcript, render_settings,
	output_locations, failure_reason, created_at, updated_at, claimed_at, version`

// Save inserts or replaces the job in a single statement guarded by its
// version.
func (s *Store) Save(ctx context.Context, job *domain.Job) error {
	snap := job.Snapshot()
	row, err := encode(snap)
	if err != nil {
		return err
	}

	var sql string
	var args []any
	if snap.Version == 0 {
		sql = `
			INSERT INTO video_jobs (
				id, owner, input_location, status, transcript, render_settings,
				output_locations, failure_reason, created_at, updated_at, claimed_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
			ON CONFLICT (id) DO NOTHING`
		args = []any{
			snap.ID.String(), snap.Owner, snap.InputLocation, string(snap.Status), row.transcript,
			row.renderSettings, row.outputs, snap.FailureReason, snap.CreatedAt, snap.UpdatedAt,
			row.claimedAt,
		}
	} else {
		sql = `
			UPDATE video_jobs SET
				status = $2, transcript = $3, render_settings = $4, output_locations = $5,
				failure_reason = $6, updated_at = $7, claimed_at = $8, version = version + 1
			WHERE id = $1 AND version = $9`
		args = []any{
			snap.ID.String(), string(snap.Status), row.transcript, row.renderSettings,
			row.outputs, snap.FailureReason, snap.UpdatedAt, row.claimedAt, snap.Version,
		}
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%w: postgres save job %s: %w", domain.ErrPersistence, snap.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s at version %d", domain.ErrConflict, snap.ID, snap.Version)
	}

	job.SetVersion(snap.Version + 1)
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM video_jobs WHERE id = $1`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return job, err
}

// FindByOwner returns the owner's jobs in creation order.
func (s *Store) FindByOwner(ctx context.Context, owner int64) ([]*domain.Job, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM video_jobs WHERE owner = $1 ORDER BY created_at, id`, owner)
}

// FindByStatus returns jobs in status, in creation order.
func (s *Store) FindByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM video_jobs WHERE status = $1 ORDER BY created_at, id`, string(status))
}

// Delete removes the job if present.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM video_jobs WHERE id = $1`, id.String()); err != nil {
		return fmt.Errorf("%w: postgres delete job %s: %w", domain.ErrPersistence, id, err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres query: %w", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: postgres query: %w", domain.ErrPersistence, err)
	}
	return jobs, nil
}
