package chatwoot

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/msgtext"
	"github.com/pkg/errors"
)

// GetMessages fetches one page of a conversation's messages. A non-zero
// before cursor pages backwards from that message id.
func (c *Client) GetMessages(ctx context.Context, conversationID int, before int) ([]Message, error) {
	var resp struct {
		Payload []Message `json:"payload"`
	}
	path := c.accountPath("/conversations/" + itoa(conversationID) + "/messages")
	var query url.Values
	if before > 0 {
		query = url.Values{"before": {strconv.Itoa(before)}}
	}
	if err := c.request(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to get messages of conversation %d", conversationID)
	}
	return resp.Payload, nil
}

// GetAllMessages pages backwards through the whole history using the before
// cursor, deduplicates by id, and returns messages in ascending id order.
func (c *Client) GetAllMessages(ctx context.Context, conversationID int) ([]Message, error) {
	seen := map[int]Message{}
	before := 0
	for {
		page, err := c.GetMessages(ctx, conversationID, before)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		minID := 0
		added := false
		for _, msg := range page {
			if minID == 0 || msg.ID < minID {
				minID = msg.ID
			}
			if _, ok := seen[msg.ID]; !ok {
				seen[msg.ID] = msg
				added = true
			}
		}
		// A page of only known ids means the API is looping; stop.
		if !added || minID == before {
			break
		}
		before = minID
	}

	messages := make([]Message, 0, len(seen))
	for _, msg := range seen {
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}

// SendMessage appends a message to the conversation. messageType is one of
// the MessageType constants. Outgoing non-private messages are scanned for
// handoff markers, firing the notifier on a hit.
func (c *Client) SendMessage(ctx context.Context, conversationID int, content string, messageType int, private bool) (int, error) {
	payload := map[string]any{
		"content":      content,
		"message_type": messageTypeName(messageType),
		"private":      private,
	}

	var resp struct {
		ID int `json:"id"`
	}
	path := c.accountPath("/conversations/" + itoa(conversationID) + "/messages")
	if err := c.request(ctx, http.MethodPost, path, nil, payload, &resp); err != nil {
		return 0, errors.Wrapf(err, "failed to send message to conversation %d", conversationID)
	}

	if !private && messageType != MessageTypeActivity && c.notifier != nil {
		if marker := msgtext.CheckMarkers(content); marker != "" {
			if err := c.notifier.NotifyResponsibleByConversation(ctx, conversationID, marker); err != nil {
				logger.G(ctx).WithError(err).Warnf("marker %q notification failed for conversation %d", marker, conversationID)
			}
		}
	}
	return resp.ID, nil
}

func messageTypeName(messageType int) string {
	switch messageType {
	case MessageTypeIncoming:
		return "incoming"
	case MessageTypeActivity:
		return "activity"
	default:
		return "outgoing"
	}
}

// GetLastMessage returns the newest non-private, non-activity message, or nil.
func (c *Client) GetLastMessage(ctx context.Context, conversationID int) (*Message, error) {
	messages, err := c.GetAllMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if !msg.Private && msg.MessageType != MessageTypeActivity {
			return &msg, nil
		}
	}
	return nil, nil
}

// GetLastMessageText returns the newest visible message content, or "".
func (c *Client) GetLastMessageText(ctx context.Context, conversationID int) (string, error) {
	msg, err := c.GetLastMessage(ctx, conversationID)
	if err != nil || msg == nil {
		return "", err
	}
	return msg.Content, nil
}

// GetLastMessageID returns the newest visible message id, or 0.
func (c *Client) GetLastMessageID(ctx context.Context, conversationID int) (int, error) {
	msg, err := c.GetLastMessage(ctx, conversationID)
	if err != nil || msg == nil {
		return 0, err
	}
	return msg.ID, nil
}

// IsActiveConversation reports whether the conversation has at least one
// non-private, non-activity message.
func (c *Client) IsActiveConversation(ctx context.Context, conversationID int) (bool, error) {
	messages, err := c.GetAllMessages(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, msg := range messages {
		if !msg.Private && msg.MessageType != MessageTypeActivity {
			return true, nil
		}
	}
	return false, nil
}

// HasClientMessage reports whether the client ever wrote to the conversation.
func (c *Client) HasClientMessage(ctx context.Context, conversationID int) (bool, error) {
	messages, err := c.GetAllMessages(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, msg := range messages {
		if msg.MessageType == MessageTypeIncoming {
			return true, nil
		}
	}
	return false, nil
}

// IsStoppedCommunication reports whether the newest visible message is older
// than the given number of days. A conversation with no visible messages or
// no parseable timestamp counts as stopped.
func (c *Client) IsStoppedCommunication(ctx context.Context, conversationID int, days int, now time.Time) (bool, error) {
	msg, err := c.GetLastMessage(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return true, nil
	}
	ts, ok := msg.Time()
	if !ok {
		return true, nil
	}
	return now.UTC().Sub(ts) > time.Duration(days)*24*time.Hour, nil
}
