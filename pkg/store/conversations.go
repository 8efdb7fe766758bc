package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// ConversationState is the per-conversation bookkeeping row: the reply
// idempotency cursor, contact-card flag, meeting schedule, and warmup
// counters.
type ConversationState struct {
	ChatwootID            int
	LastMessageID         int64
	LastClientMessageDate *time.Time
	AgentContactSent      bool
	ManagerContactSent    bool
	NextMeetingDatetime   *time.Time
	WarmupNumber          int
	LastWarmupDate        *time.Time
}

type conversationRow struct {
	ChatwootID            int            `db:"chatwoot_id"`
	LastMessageID         sql.NullInt64  `db:"last_message_id"`
	LastClientMessageDate sql.NullString `db:"last_client_message_date"`
	AgentContactSent      bool           `db:"agent_contact_sent"`
	ManagerContactSent    bool           `db:"manager_contact_sent"`
	NextMeetingDatetime   sql.NullString `db:"next_meeting_datetime"`
	WarmupNumber          int            `db:"warmup_number"`
	LastWarmupDate        sql.NullString `db:"last_warmup_date"`
}

// GetConversationState loads the bookkeeping row, or nil when none exists.
func (s *Store) GetConversationState(ctx context.Context, chatwootID int) (*ConversationState, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT chatwoot_id, last_message_id, last_client_message_date, agent_contact_sent,
		       manager_contact_sent, next_meeting_datetime, warmup_number, last_warmup_date
		FROM helpdesk_conversation WHERE chatwoot_id = ?
	`, chatwootID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load conversation state %d", chatwootID)
	}

	state := &ConversationState{
		ChatwootID:         row.ChatwootID,
		LastMessageID:      row.LastMessageID.Int64,
		AgentContactSent:   row.AgentContactSent,
		ManagerContactSent: row.ManagerContactSent,
		WarmupNumber:       row.WarmupNumber,
	}
	if state.LastClientMessageDate, err = parseNullTime(row.LastClientMessageDate); err != nil {
		return nil, err
	}
	if state.NextMeetingDatetime, err = parseNullTime(row.NextMeetingDatetime); err != nil {
		return nil, err
	}
	if state.LastWarmupDate, err = parseNullTime(row.LastWarmupDate); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) ensureConversation(ctx context.Context, chatwootID int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO helpdesk_conversation (chatwoot_id, updated_at) VALUES (?, ?)
		ON CONFLICT (chatwoot_id) DO NOTHING
	`, chatwootID, fmtTime(s.now()))
	return errors.Wrapf(err, "failed to ensure conversation state %d", chatwootID)
}

// SetLastMessageID records the newest inbound message id of the
// conversation; the agent reply path checks it before sending.
func (s *Store) SetLastMessageID(ctx context.Context, chatwootID int, messageID int64) error {
	if err := s.ensureConversation(ctx, chatwootID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE helpdesk_conversation SET last_message_id = ?, updated_at = ? WHERE chatwoot_id = ?
	`, messageID, fmtTime(s.now()), chatwootID)
	return errors.Wrapf(err, "failed to set last message of conversation %d", chatwootID)
}

// GetLastMessageID reads the reply idempotency cursor; 0 when unset.
func (s *Store) GetLastMessageID(ctx context.Context, chatwootID int) (int64, error) {
	state, err := s.GetConversationState(ctx, chatwootID)
	if err != nil || state == nil {
		return 0, err
	}
	return state.LastMessageID, nil
}

// SetLastClientMessageDate records when the client last wrote.
func (s *Store) SetLastClientMessageDate(ctx context.Context, chatwootID int, t time.Time) error {
	if err := s.ensureConversation(ctx, chatwootID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE helpdesk_conversation SET last_client_message_date = ?, updated_at = ? WHERE chatwoot_id = ?
	`, fmtTime(t), fmtTime(s.now()), chatwootID)
	return errors.Wrapf(err, "failed to set client message date of conversation %d", chatwootID)
}

// SetAgentContactSent flags that the agent's contact card went out, so it is
// sent at most once per conversation.
func (s *Store) SetAgentContactSent(ctx context.Context, chatwootID int) error {
	if err := s.ensureConversation(ctx, chatwootID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE helpdesk_conversation SET agent_contact_sent = 1, updated_at = ? WHERE chatwoot_id = ?
	`, fmtTime(s.now()), chatwootID)
	return errors.Wrapf(err, "failed to flag contact card of conversation %d", chatwootID)
}

// MarkManagerContactSent flags that the manager's card went out. Returns
// whether this call flipped the flag; a false result means the card was
// already sent earlier.
func (s *Store) MarkManagerContactSent(ctx context.Context, chatwootID int) (bool, error) {
	if err := s.ensureConversation(ctx, chatwootID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE helpdesk_conversation SET manager_contact_sent = 1, updated_at = ?
		WHERE chatwoot_id = ? AND manager_contact_sent = 0
	`, fmtTime(s.now()), chatwootID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to flag manager card of conversation %d", chatwootID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to inspect manager card update")
	}
	return n > 0, nil
}

// SetNextMeeting records the agreed meeting time extracted from the dialog.
func (s *Store) SetNextMeeting(ctx context.Context, chatwootID int, t time.Time) error {
	if err := s.ensureConversation(ctx, chatwootID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE helpdesk_conversation SET next_meeting_datetime = ?, updated_at = ? WHERE chatwoot_id = ?
	`, fmtTime(t), fmtTime(s.now()), chatwootID)
	return errors.Wrapf(err, "failed to set meeting of conversation %d", chatwootID)
}

// BumpWarmup increments the warmup counter and stamps the send date.
func (s *Store) BumpWarmup(ctx context.Context, chatwootID int, sentAt time.Time) error {
	if err := s.ensureConversation(ctx, chatwootID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE helpdesk_conversation
		SET warmup_number = warmup_number + 1, last_warmup_date = ?, updated_at = ?
		WHERE chatwoot_id = ?
	`, fmtTime(sentAt), fmtTime(s.now()), chatwootID)
	return errors.Wrapf(err, "failed to bump warmup of conversation %d", chatwootID)
}
