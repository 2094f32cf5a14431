package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cwygoda/oneclick/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS video_jobs (
    id               TEXT PRIMARY KEY,
    owner            INTEGER NOT NULL,
    input_location   TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'Uploaded',
    transcript       TEXT,
    render_settings  TEXT NOT NULL,
    output_locations TEXT NOT NULL DEFAULT '[]',
    failure_reason   TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    claimed_at       INTEGER NOT NULL DEFAULT 0,
    version          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_video_jobs_owner ON video_jobs(owner, created_at, id);
CREATE INDEX IF NOT EXISTS idx_video_jobs_status ON video_jobs(status, created_at, id);
`

const columns = `id, owner, input_location, status, transcript, render_settings,
	output_locations, failure_reason, created_at, updated_at, claimed_at, version`

var _ domain.JobStore = (*Repository)(nil)

// Repository implements domain.JobStore using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: sqlite ping: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Save inserts a new job or replaces a known one at the expected version.
// Each branch is a single statement, so a record is never half-written.
func (r *Repository) Save(ctx context.Context, job *domain.Job) error {
	snap := job.Snapshot()
	row, err := encode(snap)
	if err != nil {
		return err
	}

	var result sql.Result
	if snap.Version == 0 {
		result, err = r.db.ExecContext(ctx,
			`INSERT INTO video_jobs (`+columns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			 ON CONFLICT(id) DO NOTHING`,
			row.id, snap.Owner, snap.InputLocation, string(snap.Status), row.transcript,
			row.renderSettings, row.outputs, snap.FailureReason, row.createdAt, row.updatedAt,
			row.claimedAt,
		)
	} else {
		result, err = r.db.ExecContext(ctx,
			`UPDATE video_jobs SET
			     status = ?, transcript = ?, render_settings = ?, output_locations = ?,
			     failure_reason = ?, updated_at = ?, claimed_at = ?, version = version + 1
			 WHERE id = ? AND version = ?`,
			string(snap.Status), row.transcript, row.renderSettings, row.outputs,
			snap.FailureReason, row.updatedAt, row.claimedAt, row.id, snap.Version,
		)
	}
	if err != nil {
		return fmt.Errorf("%w: sqlite save job %s: %w", domain.ErrPersistence, snap.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: sqlite save job %s: %w", domain.ErrPersistence, snap.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s at version %d", domain.ErrConflict, snap.ID, snap.Version)
	}

	job.SetVersion(snap.Version + 1)
	return nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM video_jobs WHERE id = ?`, id.String(),
	)
	return scanJob(row)
}

// FindByOwner returns the owner's jobs in creation order.
func (r *Repository) FindByOwner(ctx context.Context, owner int64) ([]*domain.Job, error) {
	return r.query(ctx,
		`SELECT `+columns+` FROM video_jobs WHERE owner = ? ORDER BY created_at ASC, id ASC`, owner)
}

// FindByStatus returns jobs in status, in creation order.
func (r *Repository) FindByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	return r.query(ctx,
		`SELECT `+columns+` FROM video_jobs WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
}

// Delete removes a job. Unknown IDs are not an error.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM video_jobs WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("%w: sqlite delete job %s: %w", domain.ErrPersistence, id, err)
	}
	return nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite query: %w", domain.ErrPersistence, err)
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
		return nil, fmt.Errorf("%w: sqlite query: %w", domain.ErrPersistence, err)
	}
	return jobs, nil
}

// encoded holds the column values that need conversion from a snapshot.
type encoded struct {
	id             string
	transcript     sql.NullString
	renderSettings string
	outputs        string
	createdAt      int64
	updatedAt      int64
	claimedAt      int64 // 0 when unclaimed
}

func encode(s domain.JobSnapshot) (encoded, error) {
	e := encoded{
		id:        s.ID.String(),
		createdAt: s.CreatedAt.UnixMicro(),
		updatedAt: s.UpdatedAt.UnixMicro(),
	}
	if !s.ClaimedAt.IsZero() {
		e.claimedAt = s.ClaimedAt.UnixMicro()
	}
	if s.Transcript != nil {
		b, err := json.Marshal(s.Transcript)
		if err != nil {
			return e, fmt.Errorf("%w: encode transcript: %w", domain.ErrPersistence, err)
		}
		e.transcript = sql.NullString{String: string(b), Valid: true}
	}
	b, err := json.Marshal(s.RenderSettings)
	if err != nil {
		return e, fmt.Errorf("%w: encode render settings: %w", domain.ErrPersistence, err)
	}
	e.renderSettings = string(b)

	outputs := s.OutputLocations
	if outputs == nil {
		outputs = []string{}
	}
	if b, err = json.Marshal(outputs); err != nil {
		return e, fmt.Errorf("%w: encode outputs: %w", domain.ErrPersistence, err)
	}
	e.outputs = string(b)
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		snap    domain.JobSnapshot
		id      string
		status  string
		e       encoded
		version int64
	)
	err := row.Scan(&id, &snap.Owner, &snap.InputLocation, &status, &e.transcript,
		&e.renderSettings, &e.outputs, &snap.FailureReason, &e.createdAt, &e.updatedAt, &e.claimedAt, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite scan: %w", domain.ErrPersistence, err)
	}

	if snap.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: sqlite scan id %q: %w", domain.ErrPersistence, id, err)
	}
	snap.Status = domain.JobStatus(status)
	snap.Version = version
	snap.CreatedAt = time.UnixMicro(e.createdAt).UTC()
	snap.UpdatedAt = time.UnixMicro(e.updatedAt).UTC()
	if e.claimedAt != 0 {
		snap.ClaimedAt = time.UnixMicro(e.claimedAt).UTC()
	}

	if e.transcript.Valid {
		snap.Transcript = &domain.Transcript{}
		if err := json.Unmarshal([]byte(e.transcript.String), snap.Transcript); err != nil {
			return nil, fmt.Errorf("%w: decode transcript of %s: %w", domain.ErrPersistence, id, err)
		}
	}
	if err := json.Unmarshal([]byte(e.renderSettings), &snap.RenderSettings); err != nil {
		return nil, fmt.Errorf("%w: decode render settings of %s: %w", domain.ErrPersistence, id, err)
	}
	if err := json.Unmarshal([]byte(e.outputs), &snap.OutputLocations); err != nil {
		return nil, fmt.Errorf("%w: decode outputs of %s: %w", domain.ErrPersistence, id, err)
	}

	return domain.RestoreJob(snap)
}
