package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/binary"

	"github.com/pkg/errors"
)

// LockKey derives the cross-process advisory lock key for a routing bucket.
// The key is the first 8 bytes of SHA-1("{agent_code}:{kind}") read as a
// big-endian signed integer; it is shared between processes, so the
// derivation must stay stable.
func LockKey(agentCode, kind string) int64 {
	sum := sha1.Sum([]byte(agentCode + ":" + kind))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// TryAdvisoryLock attempts to take the advisory lock, returning whether this
// caller now holds it.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO advisory_lock (lock_key, acquired_at) VALUES (?, ?)
		ON CONFLICT (lock_key) DO NOTHING
	`, key, fmtTime(s.now()))
	if err != nil {
		return false, errors.Wrap(err, "failed to take advisory lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to inspect advisory lock result")
	}
	return n > 0, nil
}

// AdvisoryUnlock releases the advisory lock.
func (s *Store) AdvisoryUnlock(ctx context.Context, key int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM advisory_lock WHERE lock_key = ?`, key)
	return errors.Wrap(err, "failed to release advisory lock")
}

// EnsureInboxes registers inbox ids in the activation table, active by
// default. Existing rows keep their flag.
func (s *Store) EnsureInboxes(ctx context.Context, inboxIDs []int) error {
	now := fmtTime(s.now())
	for _, id := range inboxIDs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO transport_activation (inbox_id, is_active, updated_at) VALUES (?, 1, ?)
			ON CONFLICT (inbox_id) DO NOTHING
		`, id, now); err != nil {
			return errors.Wrapf(err, "failed to register inbox %d", id)
		}
	}
	return nil
}

// SetInboxActive flips the activation flag of an inbox.
func (s *Store) SetInboxActive(ctx context.Context, inboxID int, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transport_activation (inbox_id, is_active, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (inbox_id) DO UPDATE SET is_active = excluded.is_active, updated_at = excluded.updated_at
	`, inboxID, boolToInt(active), fmtTime(s.now()))
	return errors.Wrapf(err, "failed to set inbox %d active=%v", inboxID, active)
}

// ActiveInboxes filters the given inbox ids down to the active ones,
// preserving the input order. Inboxes with no activation row count as active.
func (s *Store) ActiveInboxes(ctx context.Context, inboxIDs []int) ([]int, error) {
	var active []int
	for _, id := range inboxIDs {
		var flag int
		err := s.db.GetContext(ctx, &flag, `SELECT is_active FROM transport_activation WHERE inbox_id = ?`, id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			active = append(active, id)
		case err != nil:
			return nil, errors.Wrapf(err, "failed to read activation of inbox %d", id)
		case flag != 0:
			active = append(active, id)
		}
	}
	return active, nil
}

// GetContactInbox returns the sticky inbox for (phone, agent, kind), or
// (0, false) when no assignment exists.
func (s *Store) GetContactInbox(ctx context.Context, phone, agentCode, kind string) (int, bool, error) {
	var inboxID int
	err := s.db.GetContext(ctx, &inboxID, `
		SELECT inbox_id FROM contact_routing WHERE phone = ? AND agent_code = ? AND kind = ?
	`, phone, agentCode, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to read routing of %s", phone)
	}
	return inboxID, true, nil
}

// UpsertContactRouting records the sticky inbox assignment of a contact.
func (s *Store) UpsertContactRouting(ctx context.Context, phone, agentCode, kind string, inboxID int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_routing (phone, agent_code, kind, inbox_id, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (phone, agent_code, kind) DO UPDATE SET inbox_id = excluded.inbox_id, updated_at = excluded.updated_at
	`, phone, agentCode, kind, inboxID, fmtTime(s.now()))
	return errors.Wrapf(err, "failed to upsert routing of %s", phone)
}

// RotateCursor advances the round-robin cursor for the bucket modulo n and
// returns the new index.
func (s *Store) RotateCursor(ctx context.Context, agentCode, kind string, n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("cannot rotate over an empty candidate set")
	}
	var index int
	err := s.db.GetContext(ctx, &index, `
		INSERT INTO rr_cursor (agent_code, kind, last_index, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT (agent_code, kind) DO UPDATE SET
			last_index = (rr_cursor.last_index + 1) % ?,
			updated_at = excluded.updated_at
		RETURNING last_index
	`, agentCode, kind, fmtTime(s.now()), n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to rotate cursor of %s:%s", agentCode, kind)
	}
	return index, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
