// Package sqlitestore is a sqlite-backed implementation of jobs.JobStore so
// that job history survives worker restarts. The queue itself remains the
// delivery mechanism; this store only tracks delivery state.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dvloznov/import-pipeline/internal/jobs"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS process_item_jobs (
	job_id        TEXT PRIMARY KEY,
	batch_id      TEXT NOT NULL,
	batch_item_id TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	file_url      TEXT NOT NULL,
	file_name     TEXT NOT NULL,
	file_format   TEXT NOT NULL,
	import_type   TEXT NOT NULL,
	item_order    INTEGER NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP,
	error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON process_item_jobs (batch_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON process_item_jobs (status);
`

// Store persists job state in a local sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the job database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// sqlite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveJob implements the JobStore interface via upsert.
func (s *Store) SaveJob(ctx context.Context, job *jobs.ProcessItemJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_item_jobs (
			job_id, batch_id, batch_item_id, owner_id, file_url, file_name,
			file_format, import_type, item_order, status, created_at,
			started_at, completed_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error`,
		job.JobID, job.BatchID, job.BatchItemID, job.OwnerID, job.FileURL,
		job.FileName, job.FileFormat, job.ImportType, job.Order,
		string(job.Status), job.CreatedAt, nullTime(job.StartedAt),
		nullTime(job.CompletedAt), job.Error,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob implements the JobStore interface.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.ProcessItemJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, batch_id, batch_item_id, owner_id, file_url, file_name,
		       file_format, import_type, item_order, status, created_at,
		       started_at, completed_at, error
		FROM process_item_jobs WHERE job_id = ?`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs implements the JobStore interface.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.ProcessItemJob, error) {
	query := `
		SELECT job_id, batch_id, batch_item_id, owner_id, file_url, file_name,
		       file_format, import_type, item_order, status, created_at,
		       started_at, completed_at, error
		FROM process_item_jobs WHERE 1=1`
	var args []interface{}

	if filter.BatchID != "" {
		query += " AND batch_id = ?"
		args = append(args, filter.BatchID)
	}
	if filter.BatchItemID != "" {
		query += " AND batch_item_id = ?"
		args = append(args, filter.BatchItemID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list jobs: %w", err)
	}
	defer rows.Close()

	var result []*jobs.ProcessItemJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan job: %w", err)
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(r rowScanner) (*jobs.ProcessItemJob, error) {
	var job jobs.ProcessItemJob
	var status string
	var startedAt, completedAt sql.NullTime

	err := r.Scan(
		&job.JobID, &job.BatchID, &job.BatchItemID, &job.OwnerID,
		&job.FileURL, &job.FileName, &job.FileFormat, &job.ImportType,
		&job.Order, &status, &job.CreatedAt, &startedAt, &completedAt,
		&job.Error,
	)
	if err != nil {
		return nil, err
	}
	job.Status = jobs.JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// Ensure Store implements JobStore interface.
var _ jobs.JobStore = (*Store)(nil)
