package chatwoot

import (
	"encoding/json"
	"time"
)

// Message types mirror the helpdesk wire values.
const (
	MessageTypeIncoming = 0 // from the client
	MessageTypeOutgoing = 1 // from an operator or bot
	MessageTypeActivity = 2 // system activity
)

// Conversation statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusSnoozed  = "snoozed"
)

// Contact is a helpdesk contact.
type Contact struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Identifier  string `json:"identifier"`
	PhoneNumber string `json:"phone_number"`
}

// Sender is the contact behind a conversation.
type Sender struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
}

// Assignee is the operator assigned to a conversation.
type Assignee struct {
	ID int `json:"id"`
}

// Meta carries conversation participants.
type Meta struct {
	Sender   Sender    `json:"sender"`
	Assignee *Assignee `json:"assignee"`
}

// Conversation is a helpdesk chat thread.
type Conversation struct {
	ID       int       `json:"id"`
	InboxID  int       `json:"inbox_id"`
	Status   string    `json:"status"`
	Meta     Meta      `json:"meta"`
	Messages []Message `json:"messages"`
}

// Message is a single helpdesk message. Timestamps arrive in several shapes
// (epoch seconds, epoch millis, ISO-8601 with Z); use Time() for a normalized
// value.
type Message struct {
	ID          int             `json:"id"`
	Content     string          `json:"content"`
	MessageType int             `json:"message_type"`
	Private     bool            `json:"private"`
	CreatedAt   json.RawMessage `json:"created_at"`
	Timestamp   json.RawMessage `json:"timestamp"`
	SentAt      json.RawMessage `json:"sent_at"`
	UpdatedAt   json.RawMessage `json:"updated_at"`
	Attachments []Attachment    `json:"attachments"`
}

// Attachment is a file attached to a helpdesk message.
type Attachment struct {
	ID       int    `json:"id"`
	FileType string `json:"file_type"`
	DataURL  string `json:"data_url"`
}

// Time returns the message timestamp as aware UTC, trying created_at,
// timestamp, sent_at, and updated_at in that order.
func (m *Message) Time() (time.Time, bool) {
	for _, raw := range []json.RawMessage{m.CreatedAt, m.Timestamp, m.SentAt, m.UpdatedAt} {
		if ts, ok := NormalizeTimestamp(raw); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

// NormalizeTimestamp accepts epoch seconds, epoch millis (values above 1e12),
// or an ISO-8601 string with Z, and returns aware UTC.
func NormalizeTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}

	var numeric float64
	if err := json.Unmarshal(raw, &numeric); err == nil {
		if numeric > 1e12 {
			numeric /= 1000.0
		}
		sec := int64(numeric)
		nsec := int64((numeric - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), true
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, str); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
