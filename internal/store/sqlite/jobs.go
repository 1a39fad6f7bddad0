package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/store"
)

// jobColumns is the ordered list of columns selected in job queries.
// Must match the scan order in scanJob.
const jobColumns = `id, book_id, state, retry_count, last_error, last_attempt, progress, created_at, updated_at`

// scanJob scans a sql.Row (or sql.Rows via its Scan method) into a domain.TranscriptionJob.
func scanJob(scanner interface{ Scan(dest ...any) error }) (*domain.TranscriptionJob, error) {
	var j domain.TranscriptionJob
	var createdAt, updatedAt string

	err := scanner.Scan(
		&j.ID,
		&j.BookID,
		&j.State,
		&j.RetryCount,
		&j.LastError,
		&j.LastAttempt,
		&j.Progress,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &j, nil
}

// CreateJob inserts a new transcription job. A book carries at most one job,
// so a second insert for the same book returns ErrAlreadyExists.
func (s *Store) CreateJob(ctx context.Context, j *domain.TranscriptionJob) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE book_id = ?`, j.BookID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return store.ErrAlreadyExists
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.BookID, j.State, j.RetryCount, j.LastError, j.LastAttempt, j.Progress,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	return err
}

// GetJob returns a job by its ID.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.TranscriptionJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, store.MapRowError(err, "job")
	}
	return j, nil
}

// GetJobByBook returns the job attached to a book.
func (s *Store) GetJobByBook(ctx context.Context, bookID string) (*domain.TranscriptionJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE book_id = ?`, bookID)
	j, err := scanJob(row)
	if err != nil {
		return nil, store.MapRowError(err, "job")
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *domain.TranscriptionJob) error {
	j.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = ?, retry_count = ?, last_error = ?, last_attempt = ?,
			progress = ?, updated_at = ?
		WHERE id = ?`,
		j.State, j.RetryCount, j.LastError, j.LastAttempt, j.Progress,
		formatTime(j.UpdatedAt), j.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListJobs returns all jobs, oldest first.
func (s *Store) ListJobs(ctx context.Context) ([]*domain.TranscriptionJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobsByState returns the jobs in a given lifecycle state, oldest first.
func (s *Store) ListJobsByState(ctx context.Context, state domain.JobState) ([]*domain.TranscriptionJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*domain.TranscriptionJob, error) {
	var out []*domain.TranscriptionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
