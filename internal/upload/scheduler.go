// Package upload is the Upload Scheduler (spec §4.7): a bounded-concurrency
// worker pool that drains the persistent upload_jobs queue, retrying
// failed attempts with exponential backoff and jitter, bounded by an
// attempt budget and a per-attempt timeout, and able to resume cleanly
// after a crash because job state lives in the database rather than in
// memory. JobDeadline is the age after which a job still RUNNING is reset
// to PENDING; no overall deadline fails a job.
package upload

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/sourcegraph/conc/pool"

	"airlock/internal/audit"
	"airlock/internal/domain"
	"airlock/internal/events"
	"airlock/internal/jobsapi"
	"airlock/internal/store"
	"airlock/internal/workspace"
)

const (
	initialBackoff = 1 * time.Second
	pollInterval   = 500 * time.Millisecond
)

// Config tunes the scheduler (mirrors config.UploadConfig, kept decoupled
// so this package has no dependency on the config package's YAML tags).
type Config struct {
	MaxInFlight     int
	MaxAttempts     int
	AttemptTimeout  time.Duration
	JobDeadline     time.Duration
}

// Scheduler drains upload_jobs using a bounded worker pool.
type Scheduler struct {
	store     store.Store
	client    *jobsapi.Client
	workspace func(ws string) workspace.View
	audit     audit.Log
	events    events.Writer
	cfg       Config
}

func New(s store.Store, client *jobsapi.Client, workspaceFor func(string) workspace.View, cfg Config) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.JobDeadline <= 0 {
		cfg.JobDeadline = 3600 * time.Second
	}
	return &Scheduler{
		store:     s,
		client:    client,
		workspace: workspaceFor,
		audit:     audit.New(s),
		events:    events.NewWriter(s),
		cfg:       cfg,
	}
}

// Run registers the system actor that its audit entries are stamped with,
// then drains due jobs in a loop until ctx is canceled, never running more
// than cfg.MaxInFlight uploads concurrently across the whole process.
func (s *Scheduler) Run(ctx context.Context) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := s.store.EnsureActor(ctx, tx, domain.SystemActorID, domain.SystemActorID, "System"); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err := s.reclaimStale(ctx); err != nil {
			log.Printf("upload: reclaim stale jobs failed: %v", err)
		}
		if err := s.drainOnce(ctx); err != nil {
			log.Printf("upload: drain failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) reclaimStale(ctx context.Context) error {
	staleBefore := time.Now().Add(-s.cfg.JobDeadline).UTC().Format(time.RFC3339)
	_, err := s.store.ReclaimStaleRunningJobs(ctx, staleBefore, time.Now().UTC().Format(time.RFC3339))
	return err
}

// drainOnce claims one batch of due jobs and runs them through a
// conc-backed worker pool capped at MaxInFlight — the direct grounding for
// promoting sourcegraph/conc from an unused indirect dependency to a
// direct one.
func (s *Scheduler) drainOnce(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)
	jobs, err := s.store.ClaimDueUploadJobs(ctx, s.cfg.MaxInFlight, now)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	p := pool.New().WithMaxGoroutines(s.cfg.MaxInFlight).WithContext(ctx)
	for _, job := range jobs {
		job := job
		p.Go(func(ctx context.Context) error {
			s.runJob(ctx, job)
			return nil
		})
	}
	return p.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job domain.UploadJob) {
	req, err := s.store.GetRequest(ctx, job.RequestID)
	if err != nil {
		s.fail(ctx, job, fmt.Errorf("load request: %w", err))
		return
	}
	if err := s.ensureRelease(ctx, req); err != nil {
		s.fail(ctx, job, fmt.Errorf("register release: %w", err))
		return
	}
	ws := s.workspace(req.Workspace)
	abs, err := ws.Abspath(job.RelPath)
	if err != nil {
		s.fail(ctx, job, fmt.Errorf("resolve %s: %w", job.RelPath, err))
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	err = s.client.UploadFile(attemptCtx, req.ID, job.RelPath, job.ContentHash, abs)
	if err == nil {
		now := time.Now().UTC().Format(time.RFC3339)
		if commitErr := s.markDone(ctx, job, now); commitErr != nil {
			log.Printf("upload: mark done failed for %s: %v", job.ID, commitErr)
		}
		return
	}
	s.fail(ctx, job, err)
}

// ensureRelease registers the request with the Jobs site on the first
// upload attempt that needs it, so later jobs for the same request reuse
// the same release record instead of creating a new one per file.
func (s *Scheduler) ensureRelease(ctx context.Context, req domain.Request) error {
	_, _, err := s.store.GetReleasedRequest(ctx, req.ID)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}
	url, err := s.client.CreateRelease(ctx, req.Workspace, req.ID)
	if err != nil {
		return err
	}
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.store.InsertReleasedRequest(ctx, tx, req.ID, url, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Scheduler) markDone(ctx context.Context, job domain.UploadJob, now string) error {
	if err := s.store.CompleteUploadJob(ctx, job.ID, now); err != nil {
		return err
	}
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.store.MarkRequestFileUploaded(ctx, tx, job.FileID, now); err != nil {
		return err
	}
	if err := s.audit.Append(ctx, tx, job.RequestID, domain.SystemActorID, audit.KindUploadSucceeded, job.RelPath, nil); err != nil {
		return err
	}
	if err := s.maybeRelease(ctx, tx, job.RequestID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// maybeRelease drives the SYS-triggered APPROVED -> RELEASED transition
// once every live output file of the request has uploaded successfully;
// it is a no-op if the request has moved on (withdrawn) or already has
// outstanding uploads.
func (s *Scheduler) maybeRelease(ctx context.Context, tx *sql.Tx, requestID, now string) error {
	req, err := s.store.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if req.Status != domain.StatusApproved {
		return nil
	}
	done, err := s.store.AllOutputFilesUploaded(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	if err := s.store.UpdateRequestStatus(ctx, tx, requestID, domain.StatusReleased, false, now); err != nil {
		return err
	}
	if err := s.audit.Append(ctx, tx, requestID, domain.SystemActorID, audit.KindRequestReleased, "", nil); err != nil {
		return err
	}
	_, err = s.events.Append(ctx, tx, events.TypeReleased, requestID, req.Workspace, req.AuthorID, domain.SystemActorID, req.ReviewTurn, nil)
	return err
}

// fail records a failed attempt and reschedules it with exponential
// backoff plus jitter, retrying only when attempts remain. A Jobs-site
// response that APIError.Retryable reports as not retryable (a 4xx other
// than 429) fails the job at once; 429/5xx responses, network errors and
// timeouts are retried until MaxAttempts is used up.
func (s *Scheduler) fail(ctx context.Context, job domain.UploadJob, cause error) {
	attempts := job.Attempts + 1
	limit := s.cfg.MaxAttempts
	var apiErr *jobsapi.APIError
	if errors.As(cause, &apiErr) && !apiErr.Retryable() {
		limit = attempts
	}
	delay := backoffWithJitter(attempts)
	next := time.Now().Add(delay).UTC().Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.store.RetryUploadJob(ctx, job.ID, attempts, cause.Error(), next, now, limit); err != nil {
		log.Printf("upload: record retry failed for %s: %v", job.ID, err)
	}
	if attempts >= limit {
		log.Printf("upload: job %s failed permanently after %d attempts: %v", job.ID, attempts, cause)
		if err := s.recordPermanentFailure(ctx, job, now, cause); err != nil {
			log.Printf("upload: record permanent failure failed for %s: %v", job.ID, err)
		}
	}
}

// recordPermanentFailure appends the audit entry and event a job exhausting
// its attempt budget leaves behind; the request itself stays in APPROVED —
// a human re-release call is what gives the job another chance.
func (s *Scheduler) recordPermanentFailure(ctx context.Context, job domain.UploadJob, now string, cause error) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	req, err := s.store.GetRequestTx(ctx, tx, job.RequestID)
	if err != nil {
		return err
	}
	if err := s.audit.Append(ctx, tx, job.RequestID, domain.SystemActorID, audit.KindUploadFailed, job.RelPath, map[string]any{"error": cause.Error()}); err != nil {
		return err
	}
	if _, err := s.events.Append(ctx, tx, events.TypeUploadFailed, job.RequestID, req.Workspace, req.AuthorID, domain.SystemActorID, req.ReviewTurn, events.Payload{"relpath": job.RelPath, "error": cause.Error()}); err != nil {
		return err
	}
	return tx.Commit()
}

// backoffWithJitter returns 2^attempt * initialBackoff plus up to 25%
// random jitter, the same shape as the embedding client's rate-limit
// retry, generalized with jitter to avoid every job in a batch retrying in
// lockstep.
func backoffWithJitter(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * initialBackoff
	jitter := time.Duration(randInt63n(int64(base) / 4))
	return base + jitter
}

func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(b[:]) & (1<<63 - 1))
	return v % n
}
