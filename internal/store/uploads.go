package store

import (
	"context"
	"database/sql"

	"airlock/internal/domain"
)

const uploadJobColumns = `id, request_id, file_id, relpath, content_hash, attempts, next_attempt_at, last_error, status, created_at, updated_at`

func scanUploadJob(row interface{ Scan(...any) error }) (domain.UploadJob, error) {
	var j domain.UploadJob
	err := row.Scan(&j.ID, &j.RequestID, &j.FileID, &j.RelPath, &j.ContentHash, &j.Attempts,
		&j.NextAttemptAt, &j.LastError, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// EnqueueUploadJob creates a PENDING upload job for one file, ready to run
// immediately.
func (s Store) EnqueueUploadJob(ctx context.Context, tx *sql.Tx, j domain.UploadJob) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO upload_jobs(id, request_id, file_id, relpath, content_hash, attempts, next_attempt_at, last_error, status, created_at, updated_at)
		 VALUES (?,?,?,?,?,0,?,'',?,?,?)`,
		j.ID, j.RequestID, j.FileID, j.RelPath, j.ContentHash, j.CreatedAt, domain.UploadJobPending, j.CreatedAt, j.CreatedAt)
	return err
}

// ClaimDueUploadJobs atomically claims up to n PENDING jobs whose
// next_attempt_at has elapsed, marking them RUNNING, so the scheduler's
// bounded worker pool never double-dispatches a job (crash-safe resume: a
// job left RUNNING by a killed process is reclaimed once its deadline check
// in the scheduler decides it timed out and resets it to PENDING).
func (s Store) ClaimDueUploadJobs(ctx context.Context, n int, now string) ([]domain.UploadJob, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+uploadJobColumns+` FROM upload_jobs WHERE status=? AND next_attempt_at<=? ORDER BY next_attempt_at ASC LIMIT ?`,
		domain.UploadJobPending, now, n)
	if err != nil {
		return nil, err
	}
	var claimed []domain.UploadJob
	for rows.Next() {
		j, err := scanUploadJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, j)
	}
	rows.Close()

	for i := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE upload_jobs SET status=?, updated_at=? WHERE id=?`,
			domain.UploadJobRunning, now, claimed[i].ID); err != nil {
			return nil, err
		}
		claimed[i].Status = domain.UploadJobRunning
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteUploadJob marks a job DONE.
func (s Store) CompleteUploadJob(ctx context.Context, id, now string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE upload_jobs SET status=?, updated_at=? WHERE id=?`, domain.UploadJobDone, now, id)
	return err
}

// RetryUploadJob records a failed attempt and reschedules the job, or marks
// it FAILED if attempts have exhausted max.
func (s Store) RetryUploadJob(ctx context.Context, id string, attempts int, lastErr string, nextAttemptAt, now string, maxAttempts int) error {
	status := domain.UploadJobPending
	if attempts >= maxAttempts {
		status = domain.UploadJobFailed
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE upload_jobs SET attempts=?, last_error=?, next_attempt_at=?, status=?, updated_at=? WHERE id=?`,
		attempts, lastErr, nextAttemptAt, status, now, id)
	return err
}

// ReclaimStaleRunningJobs resets jobs stuck RUNNING past a deadline back to
// PENDING, for crash-safe resume after a scheduler restart.
func (s Store) ReclaimStaleRunningJobs(ctx context.Context, staleBefore, now string) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE upload_jobs SET status=?, updated_at=? WHERE status=? AND updated_at<?`,
		domain.UploadJobPending, now, domain.UploadJobRunning, staleBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListUploadJobsForRequest returns a request's upload jobs, for status
// reporting.
func (s Store) ListUploadJobsForRequest(ctx context.Context, requestID string) ([]domain.UploadJob, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+uploadJobColumns+` FROM upload_jobs WHERE request_id=? ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.UploadJob
	for rows.Next() {
		j, err := scanUploadJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PendingUploadCount reports remaining PENDING+RUNNING jobs for a request.
// The scheduler's release check does not use it; it relies on
// AllOutputFilesUploaded instead.
func (s Store) PendingUploadCount(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM upload_jobs WHERE request_id=? AND status IN (?,?)`,
		requestID, domain.UploadJobPending, domain.UploadJobRunning).Scan(&n)
	return n, err
}

// ResetFailedUploadJobs resets every FAILED job of a request back to
// PENDING with attempts cleared, so the scheduler picks it up again on its
// next poll — the re-release operation's only effect (spec: re-release
// re-enqueues FAILED jobs without leaving APPROVED).
func (s Store) ResetFailedUploadJobs(ctx context.Context, tx *sql.Tx, requestID, now string) ([]domain.UploadJob, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+uploadJobColumns+` FROM upload_jobs WHERE request_id=? AND status=?`,
		requestID, domain.UploadJobFailed)
	if err != nil {
		return nil, err
	}
	var jobs []domain.UploadJob
	for rows.Next() {
		j, err := scanUploadJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE upload_jobs SET attempts=0, last_error='', next_attempt_at=?, status=?, updated_at=? WHERE id=?`,
			now, domain.UploadJobPending, now, j.ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// --- Released requests -------------------------------------------------------

func (s Store) InsertReleasedRequest(ctx context.Context, tx *sql.Tx, requestID, releaseURL, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO released_requests(request_id, release_url, released_at) VALUES (?,?,?)
		 ON CONFLICT(request_id) DO UPDATE SET release_url=excluded.release_url, released_at=excluded.released_at`,
		requestID, releaseURL, now)
	return err
}

func (s Store) GetReleasedRequest(ctx context.Context, requestID string) (releaseURL, releasedAt string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT release_url, released_at FROM released_requests WHERE request_id=?`, requestID).
		Scan(&releaseURL, &releasedAt)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return releaseURL, releasedAt, err
}
