package store

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// DealEventCode composes the idempotency key for a CRM deal webhook:
// "{portal}:DEAL:{deal_id}" plus an optional pipeline suffix such as
// "COMMENTS", "CALLS", or "STAGE".
func DealEventCode(portal string, dealID int64, suffix string) string {
	code := fmt.Sprintf("%s:DEAL:%d", portal, dealID)
	if suffix != "" {
		code += ":" + suffix
	}
	return code
}

// AcquireEvent takes the event mutex, returning whether this caller now owns
// it. The lock carries no TTL; a stale lock is cleared by an operator.
func (s *Store) AcquireEvent(ctx context.Context, eventCode string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_lock (event_code, is_running, updated_at, error) VALUES (?, 1, ?, NULL)
		ON CONFLICT (event_code) DO UPDATE SET
			is_running = 1,
			updated_at = excluded.updated_at,
			error = NULL
		WHERE event_lock.is_running = 0
	`, eventCode, fmtTime(s.now()))
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire event lock %s", eventCode)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to inspect event lock result")
	}
	return n > 0, nil
}

// ReleaseEvent frees the event mutex, recording the outcome error if any.
func (s *Store) ReleaseEvent(ctx context.Context, eventCode string, outcome error) error {
	var errText *string
	if outcome != nil {
		msg := outcome.Error()
		errText = &msg
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_lock SET is_running = 0, updated_at = ?, error = ? WHERE event_code = ?
	`, fmtTime(s.now()), errText, eventCode)
	return errors.Wrapf(err, "failed to release event lock %s", eventCode)
}
