package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL of the narration_jobs table. Apply it with Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS narration_jobs (
    id                 TEXT PRIMARY KEY,
    user_id            TEXT NOT NULL DEFAULT '',
    text               TEXT NOT NULL,
    voice_id           TEXT NOT NULL,
    status             TEXT NOT NULL,
    total_segments     INTEGER NOT NULL DEFAULT 0,
    completed_segments INTEGER NOT NULL DEFAULT 0,
    result_location    TEXT NOT NULL DEFAULT '',
    failure            TEXT NOT NULL DEFAULT '',
    requeued_from      TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_narration_jobs_user ON narration_jobs(user_id);
CREATE INDEX IF NOT EXISTS idx_narration_jobs_status ON narration_jobs(status);
`

const jobColumns = `id, user_id, text, voice_id, status, total_segments, completed_segments,
	result_location, failure, requeued_from, created_at, updated_at`

// pgUniqueViolation is the SQLSTATE of a duplicate key.
const pgUniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool used by Postgres.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres stores jobs in the narration_jobs table. Updates lock the row.
type Postgres struct {
	db  DB
	cfg settings
}

// NewPostgres creates a PostgreSQL-backed store. Call Migrate before use.
func NewPostgres(db DB, opts ...Option) *Postgres {
	return &Postgres{db: db, cfg: newSettings(opts)}
}

// Migrate applies Schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("failed to migrate job schema: %w", err)
	}

	return nil
}

// Create inserts a new queued job.
func (s *Postgres) Create(ctx context.Context, req core.NewJob) (core.Job, error) {
	job := core.NewQueuedJob(s.cfg.newID(), req, s.cfg.now())

	const query = `INSERT INTO narration_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.Exec(ctx, query,
		job.ID, job.UserID, job.Text, job.VoiceID, string(job.Status),
		job.TotalSegments, job.CompletedSegments, job.ResultLocation,
		string(job.Failure), job.RequeuedFrom, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return core.Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}

		return core.Job{}, fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	return job, nil
}

// Update applies update inside a transaction holding the row lock.
func (s *Postgres) Update(ctx context.Context, jobID string, update core.JobUpdate) (core.Job, error) {
	if jobID == "" {
		return core.Job{}, ErrInvalidJobID
	}

	var updated core.Job

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM narration_jobs WHERE id = $1 FOR UPDATE`, jobID), jobID)
		if err != nil {
			return err
		}

		applyErr := job.Apply(update, s.cfg.now())
		if applyErr != nil {
			return applyErr
		}

		_, err = tx.Exec(ctx, `UPDATE narration_jobs
			SET status = $2, total_segments = $3, completed_segments = $4,
			    result_location = $5, failure = $6, updated_at = $7
			WHERE id = $1`,
			job.ID, string(job.Status), job.TotalSegments, job.CompletedSegments,
			job.ResultLocation, string(job.Failure), job.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update job %s: %w", jobID, err)
		}

		updated = job

		return nil
	})
	if err != nil {
		return core.Job{}, err
	}

	return updated, nil
}

// Get returns the job.
func (s *Postgres) Get(ctx context.Context, jobID string) (core.Job, error) {
	if jobID == "" {
		return core.Job{}, ErrInvalidJobID
	}

	return scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM narration_jobs WHERE id = $1`, jobID), jobID)
}

func scanJob(row pgx.Row, jobID string) (core.Job, error) {
	var (
		job       core.Job
		status    string
		failure   string
		createdAt time.Time
		updatedAt time.Time
	)

	err := row.Scan(
		&job.ID, &job.UserID, &job.Text, &job.VoiceID, &status,
		&job.TotalSegments, &job.CompletedSegments, &job.ResultLocation,
		&failure, &job.RequeuedFrom, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Job{}, notFound(jobID)
		}

		return core.Job{}, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = core.JobStatus(status)
	job.Failure = core.FailureKind(failure)
	job.CreatedAt = createdAt.UTC()
	job.UpdatedAt = updatedAt.UTC()

	return job, nil
}
