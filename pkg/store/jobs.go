package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Transcription job statuses.
const (
	JobStatusNew     = "new"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusRetry   = "retry"
)

const maxJobErrorLen = 2000

// TranscriptionJob is one unit of call transcription work for a deal.
type TranscriptionJob struct {
	ID       int64  `db:"id"`
	Portal   string `db:"portal"`
	DealBxID int64  `db:"deal_bx_id"`
	Status   string `db:"status"`
	Attempt  int    `db:"attempt"`
	Priority int    `db:"priority"`
}

// EnqueueTranscription inserts a new job unless an active one already exists
// for the (portal, deal) pair. Returns whether a job was created.
func (s *Store) EnqueueTranscription(ctx context.Context, portal string, dealBxID int64) (bool, error) {
	now := fmtTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transcription_job (portal, deal_bx_id, status, attempt, priority, next_run_at, created_at, updated_at)
		SELECT ?, ?, 'new', 0, 100, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM transcription_job
			WHERE portal = ? AND deal_bx_id = ? AND status IN ('new', 'running', 'retry')
		)
	`, portal, dealBxID, now, now, now, portal, dealBxID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to enqueue transcription of deal %d@%s", dealBxID, portal)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to inspect enqueue result")
	}
	return n > 0, nil
}

// PickDueJobs returns the ids of jobs ready to run: new/retry jobs past
// next_run_at plus running jobs whose lease expired. Ordered by priority,
// then age.
func (s *Store) PickDueJobs(ctx context.Context, limit int) ([]int64, error) {
	now := fmtTime(s.now())
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM transcription_job
		WHERE (status IN ('new', 'retry') AND julianday(next_run_at) <= julianday(?))
		   OR (status = 'running' AND locked_until IS NOT NULL AND julianday(locked_until) <= julianday(?))
		ORDER BY priority, created_at
		LIMIT ?
	`, now, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pick due jobs")
	}
	return ids, nil
}

// ClaimJob transitions a due job to running, bumping the attempt counter and
// setting the lease. Returns false when another worker claimed it first.
func (s *Store) ClaimJob(ctx context.Context, id int64, lease time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcription_job
		SET status = 'running', attempt = attempt + 1, locked_until = ?, updated_at = ?
		WHERE id = ?
		  AND ((status IN ('new', 'retry') AND julianday(next_run_at) <= julianday(?))
		    OR (status = 'running' AND locked_until IS NOT NULL AND julianday(locked_until) <= julianday(?)))
	`, fmtTime(now.Add(lease)), fmtTime(now), id, fmtTime(now), fmtTime(now))
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim job %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to inspect claim result")
	}
	return n > 0, nil
}

// GetJob loads a job by id, or nil when unknown.
func (s *Store) GetJob(ctx context.Context, id int64) (*TranscriptionJob, error) {
	var job TranscriptionJob
	err := s.db.GetContext(ctx, &job, `
		SELECT id, portal, deal_bx_id, status, attempt, priority FROM transcription_job WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %d", id)
	}
	return &job, nil
}

// FinishJob marks the job done and clears the lease.
func (s *Store) FinishJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcription_job
		SET status = 'done', locked_until = NULL, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, fmtTime(s.now()), id)
	return errors.Wrapf(err, "failed to finish job %d", id)
}

// RetryJob reschedules a failed job: the error message is trimmed, the lease
// cleared, and the next run set by the caller's backoff.
func (s *Store) RetryJob(ctx context.Context, id int64, jobErr error, nextRun time.Time) error {
	msg := jobErr.Error()
	if runes := []rune(msg); len(runes) > maxJobErrorLen {
		msg = string(runes[:maxJobErrorLen])
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcription_job
		SET status = 'retry', last_error = ?, next_run_at = ?, locked_until = NULL, updated_at = ?
		WHERE id = ?
	`, msg, fmtTime(nextRun), fmtTime(s.now()), id)
	return errors.Wrapf(err, "failed to reschedule job %d", id)
}

// UpsertProcessedCall records the transcription outcome of one call.
func (s *Store) UpsertProcessedCall(ctx context.Context, portal, callID string, dealBxID int64, transcription, callErr string) error {
	now := fmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_call (portal, call_id, deal_bx_id, transcribation, error, sent_to_bx, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (portal, call_id) DO UPDATE SET
			transcribation = excluded.transcribation,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, portal, callID, dealBxID, nullIfEmpty(transcription), nullIfEmpty(callErr), now, now)
	return errors.Wrapf(err, "failed to upsert processed call %s@%s", callID, portal)
}

// ProcessedCall is the stored outcome of one transcribed call.
type ProcessedCall struct {
	Portal        string         `db:"portal"`
	CallID        string         `db:"call_id"`
	DealBxID      int64          `db:"deal_bx_id"`
	Transcription sql.NullString `db:"transcribation"`
	Error         sql.NullString `db:"error"`
	SentToBx      bool           `db:"sent_to_bx"`
}

// GetProcessedCall loads a processed call, or nil when the call is new.
func (s *Store) GetProcessedCall(ctx context.Context, portal, callID string) (*ProcessedCall, error) {
	var call ProcessedCall
	err := s.db.GetContext(ctx, &call, `
		SELECT portal, call_id, deal_bx_id, transcribation, error, sent_to_bx
		FROM processed_call WHERE portal = ? AND call_id = ?
	`, portal, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load processed call %s@%s", callID, portal)
	}
	return &call, nil
}

// MarkCallSent flags that the call summary reached the CRM timeline.
func (s *Store) MarkCallSent(ctx context.Context, portal, callID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processed_call SET sent_to_bx = 1, updated_at = ? WHERE portal = ? AND call_id = ?
	`, fmtTime(s.now()), portal, callID)
	return errors.Wrapf(err, "failed to mark call %s@%s sent", callID, portal)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
