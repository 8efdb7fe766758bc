package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Deal is the locally cached CRM deal snapshot with the sync cursors.
type Deal struct {
	BxID                int64
	BxPortal            string
	FunnelID            string
	ContactID           int64
	StageID             string
	LastSyncChatwoot    *time.Time
	LastTranscribedCall *time.Time
	LastSyncCommentID   int64
}

type dealRow struct {
	BxID                int64          `db:"bx_id"`
	BxPortal            string         `db:"bx_portal"`
	FunnelID            sql.NullString `db:"funnel_id"`
	ContactID           sql.NullInt64  `db:"contact_id"`
	StageID             sql.NullString `db:"stage_id"`
	LastSyncChatwoot    sql.NullString `db:"last_sync_chatwoot"`
	LastTranscribedCall sql.NullString `db:"last_transcribed_call"`
	LastSyncCommentID   sql.NullInt64  `db:"last_sync_comment_id"`
}

// UpsertDeal refreshes the deal snapshot from the CRM. Sync cursors are not
// touched; they only move through their monotonic bump operations.
func (s *Store) UpsertDeal(ctx context.Context, portal string, bxID int64, funnelID string, contactID int64, stageID string) error {
	now := fmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deal (bx_id, bx_portal, funnel_id, contact_id, stage_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bx_id, bx_portal) DO UPDATE SET
			funnel_id = excluded.funnel_id,
			contact_id = excluded.contact_id,
			stage_id = excluded.stage_id,
			updated_at = excluded.updated_at
	`, bxID, portal, funnelID, contactID, stageID, now, now)
	return errors.Wrapf(err, "failed to upsert deal %d@%s", bxID, portal)
}

// GetDeal loads the deal snapshot, or nil when unknown.
func (s *Store) GetDeal(ctx context.Context, portal string, bxID int64) (*Deal, error) {
	var row dealRow
	err := s.db.GetContext(ctx, &row, `
		SELECT bx_id, bx_portal, funnel_id, contact_id, stage_id,
		       last_sync_chatwoot, last_transcribed_call, last_sync_comment_id
		FROM deal WHERE bx_id = ? AND bx_portal = ?
	`, bxID, portal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load deal %d@%s", bxID, portal)
	}

	deal := &Deal{
		BxID:              row.BxID,
		BxPortal:          row.BxPortal,
		FunnelID:          row.FunnelID.String,
		ContactID:         row.ContactID.Int64,
		StageID:           row.StageID.String,
		LastSyncCommentID: row.LastSyncCommentID.Int64,
	}
	if deal.LastSyncChatwoot, err = parseNullTime(row.LastSyncChatwoot); err != nil {
		return nil, err
	}
	if deal.LastTranscribedCall, err = parseNullTime(row.LastTranscribedCall); err != nil {
		return nil, err
	}
	return deal, nil
}

// SetDealStage records the current CRM stage.
func (s *Store) SetDealStage(ctx context.Context, portal string, bxID int64, stageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deal SET stage_id = ?, updated_at = ? WHERE bx_id = ? AND bx_portal = ?
	`, stageID, fmtTime(s.now()), bxID, portal)
	return errors.Wrapf(err, "failed to set stage of deal %d@%s", bxID, portal)
}

// BumpLastSyncCommentID moves the comment cursor forward. The update is
// monotonic: a smaller or equal id is a no-op, which keeps the cursor
// correct under concurrent writers.
func (s *Store) BumpLastSyncCommentID(ctx context.Context, portal string, bxID, commentID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deal SET last_sync_comment_id = ?, updated_at = ?
		WHERE bx_id = ? AND bx_portal = ?
		  AND (last_sync_comment_id IS NULL OR ? > last_sync_comment_id)
	`, commentID, fmtTime(s.now()), bxID, portal, commentID)
	return errors.Wrapf(err, "failed to bump comment cursor of deal %d@%s", bxID, portal)
}

// BumpLastTranscribedCall moves the call cursor forward, monotonically.
// The comparison goes through julianday because RFC3339 strings with
// varying fractional-second width do not sort lexicographically.
func (s *Store) BumpLastTranscribedCall(ctx context.Context, portal string, bxID int64, t time.Time) error {
	ts := fmtTime(t)
	_, err := s.db.ExecContext(ctx, `
		UPDATE deal SET last_transcribed_call = ?, updated_at = ?
		WHERE bx_id = ? AND bx_portal = ?
		  AND (last_transcribed_call IS NULL OR julianday(?) > julianday(last_transcribed_call))
	`, ts, fmtTime(s.now()), bxID, portal, ts)
	return errors.Wrapf(err, "failed to bump call cursor of deal %d@%s", bxID, portal)
}

// DealLink ties a CRM deal to a helpdesk conversation.
type DealLink struct {
	BxPortal       string `db:"bx_portal"`
	DealID         int64  `db:"deal_id"`
	ConversationID int    `db:"conversation_id"`
	InboxID        int    `db:"inbox_id"`
	CwContactID    int    `db:"cw_contact_id"`
	IsPrimary      bool   `db:"is_primary"`
}

// LinkDealWithConversation records the link; a duplicate is a no-op.
// Returns whether a new link was created.
func (s *Store) LinkDealWithConversation(ctx context.Context, portal string, dealID int64, conversationID, inboxID, cwContactID int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deal_link (bx_portal, deal_id, conversation_id, inbox_id, cw_contact_id, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (bx_portal, deal_id, conversation_id) DO NOTHING
	`, portal, dealID, conversationID, inboxID, cwContactID, fmtTime(s.now()))
	if err != nil {
		return false, errors.Wrapf(err, "failed to link deal %d@%s with conversation %d", dealID, portal, conversationID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to inspect link result")
	}
	return n > 0, nil
}

// SetPrimary marks one conversation as the deal's primary, clearing any
// other primary in the group. Returns false when the link does not exist.
func (s *Store) SetPrimary(ctx context.Context, portal string, dealID int64, conversationID int) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE deal_link SET is_primary = 0 WHERE bx_portal = ? AND deal_id = ?
	`, portal, dealID); err != nil {
		return false, errors.Wrapf(err, "failed to clear primary links of deal %d@%s", dealID, portal)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE deal_link SET is_primary = 1
		WHERE bx_portal = ? AND deal_id = ? AND conversation_id = ?
	`, portal, dealID, conversationID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to set primary link of deal %d@%s", dealID, portal)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to inspect primary link result")
	}
	if n == 0 {
		return false, nil
	}
	return true, errors.Wrap(tx.Commit(), "failed to commit primary link")
}

// GetLinksForDeal lists the deal's links, primary first, newest first.
func (s *Store) GetLinksForDeal(ctx context.Context, portal string, dealID int64) ([]DealLink, error) {
	var links []DealLink
	err := s.db.SelectContext(ctx, &links, `
		SELECT bx_portal, deal_id, conversation_id, inbox_id, cw_contact_id, is_primary
		FROM deal_link WHERE bx_portal = ? AND deal_id = ?
		ORDER BY is_primary DESC, created_at DESC
	`, portal, dealID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list links of deal %d@%s", dealID, portal)
	}
	return links, nil
}

// GetDealsByConversation lists the deal links pointing at the given helpdesk
// conversation, newest first.
func (s *Store) GetDealsByConversation(ctx context.Context, conversationID int) ([]DealLink, error) {
	var links []DealLink
	err := s.db.SelectContext(ctx, &links, `
		SELECT bx_portal, deal_id, conversation_id, inbox_id, cw_contact_id, is_primary
		FROM deal_link WHERE conversation_id = ?
		ORDER BY created_at DESC
	`, conversationID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list deals of conversation %d", conversationID)
	}
	return links, nil
}

// GetSelectedConversationID returns the primary conversation of the deal,
// falling back to the most recent link; 0 when the deal has no links.
func (s *Store) GetSelectedConversationID(ctx context.Context, portal string, dealID int64) (int, error) {
	links, err := s.GetLinksForDeal(ctx, portal, dealID)
	if err != nil || len(links) == 0 {
		return 0, err
	}
	return links[0].ConversationID, nil
}
