package chatwoot

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

func itoa(n int) string { return strconv.Itoa(n) }

// GetConversations lists the contact's conversations.
func (c *Client) GetConversations(ctx context.Context, contactID int) ([]Conversation, error) {
	var resp struct {
		Payload []Conversation `json:"payload"`
	}
	path := c.accountPath("/contacts/" + itoa(contactID) + "/conversations")
	if err := c.request(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to list conversations of contact %d", contactID)
	}
	return resp.Payload, nil
}

// GetConversation fetches a single conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID int) (*Conversation, error) {
	var conv Conversation
	path := c.accountPath("/conversations/" + itoa(conversationID))
	if err := c.request(ctx, http.MethodGet, path, nil, nil, &conv); err != nil {
		return nil, errors.Wrapf(err, "failed to get conversation %d", conversationID)
	}
	return &conv, nil
}

// GetConversationID finds the contact's conversation in the given inbox, or 0.
func (c *Client) GetConversationID(ctx context.Context, contactID, inboxID int) (int, error) {
	conversations, err := c.GetConversations(ctx, contactID)
	if err != nil {
		return 0, err
	}
	for _, conv := range conversations {
		if conv.InboxID == inboxID {
			return conv.ID, nil
		}
	}
	return 0, nil
}

// CreateConversation creates a conversation and opens it explicitly.
func (c *Client) CreateConversation(ctx context.Context, contactID, inboxID int, sourceID string, assigneeID int) (int, error) {
	payload := map[string]any{"inbox_id": inboxID, "contact_id": contactID}
	if sourceID != "" {
		payload["source_id"] = sourceID
	}
	if assigneeID != 0 {
		payload["assignee_id"] = assigneeID
	}

	var resp struct {
		ID int `json:"id"`
	}
	if err := c.request(ctx, http.MethodPost, c.accountPath("/conversations"), nil, payload, &resp); err != nil {
		return 0, errors.Wrapf(err, "failed to create conversation for contact %d in inbox %d", contactID, inboxID)
	}

	if opened, err := c.OpenConversation(ctx, resp.ID); err != nil || !opened {
		c.logWarn(ctx, "failed to open freshly created conversation %d", resp.ID)
	}
	return resp.ID, nil
}

// GetOrCreateConversation finds or creates the contact's conversation in the
// given inbox. Returns the conversation id and whether it was created.
func (c *Client) GetOrCreateConversation(ctx context.Context, contactID, inboxID int, sourceID string, assigneeID int) (int, bool, error) {
	id, err := c.GetConversationID(ctx, contactID, inboxID)
	if err != nil {
		return 0, false, err
	}
	if id != 0 {
		return id, false, nil
	}

	id, err = c.CreateConversation(ctx, contactID, inboxID, sourceID, assigneeID)
	if err != nil {
		return 0, false, err
	}
	if id == 0 {
		return 0, false, errors.Errorf("conversation for contact %d in inbox %d was not created", contactID, inboxID)
	}
	return id, true, nil
}

func (c *Client) toggleStatus(ctx context.Context, conversationID int, status string) (bool, error) {
	var resp struct {
		Payload struct {
			CurrentStatus string `json:"current_status"`
		} `json:"payload"`
	}
	path := c.accountPath("/conversations/" + itoa(conversationID) + "/toggle_status")
	if err := c.request(ctx, http.MethodPost, path, nil, map[string]string{"status": status}, &resp); err != nil {
		return false, errors.Wrapf(err, "failed to toggle conversation %d to %s", conversationID, status)
	}
	return resp.Payload.CurrentStatus == status, nil
}

// OpenConversation sets the conversation status to open.
func (c *Client) OpenConversation(ctx context.Context, conversationID int) (bool, error) {
	return c.toggleStatus(ctx, conversationID, StatusOpen)
}

// CloseConversation sets the conversation status to resolved.
func (c *Client) CloseConversation(ctx context.Context, conversationID int) (bool, error) {
	return c.toggleStatus(ctx, conversationID, StatusResolved)
}

// SnoozeConversation sets the conversation status to snoozed.
func (c *Client) SnoozeConversation(ctx context.Context, conversationID int) (bool, error) {
	return c.toggleStatus(ctx, conversationID, StatusSnoozed)
}

// CloseIfInactive closes the conversation iff it has no non-private,
// non-activity message. Returns whether this call closed it.
func (c *Client) CloseIfInactive(ctx context.Context, conversationID int) (bool, error) {
	active, err := c.IsActiveConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}
	return c.CloseConversation(ctx, conversationID)
}

// ConversationIDsByStatus pages through the conversation list, stopping at
// the first empty page.
func (c *Client) ConversationIDsByStatus(ctx context.Context, status string, inboxID int) ([]int, error) {
	var ids []int
	for page := 1; ; page++ {
		query := url.Values{
			"status":        {status},
			"page":          {strconv.Itoa(page)},
			"assignee_type": {"all"},
		}
		if inboxID != 0 {
			query.Set("inbox_id", strconv.Itoa(inboxID))
		}

		var resp struct {
			Data struct {
				Payload []Conversation `json:"payload"`
			} `json:"data"`
		}
		if err := c.request(ctx, http.MethodGet, c.accountPath("/conversations"), query, nil, &resp); err != nil {
			return nil, errors.Wrapf(err, "failed to list %s conversations (page %d)", status, page)
		}
		if len(resp.Data.Payload) == 0 {
			break
		}
		for _, conv := range resp.Data.Payload {
			ids = append(ids, conv.ID)
		}
	}
	return ids, nil
}

// OpenConversationIDs lists every open conversation; inboxID 0 means all inboxes.
func (c *Client) OpenConversationIDs(ctx context.Context, inboxID int) ([]int, error) {
	return c.ConversationIDsByStatus(ctx, StatusOpen, inboxID)
}

// UpdateCustomAttributes sets custom attributes on a conversation.
func (c *Client) UpdateCustomAttributes(ctx context.Context, conversationID int, attrs map[string]any) error {
	path := c.accountPath("/conversations/" + itoa(conversationID) + "/custom_attributes")
	payload := map[string]any{"custom_attributes": attrs}
	return c.request(ctx, http.MethodPost, path, nil, payload, nil)
}

// SetDealLink stores the CRM deal URL in the bx24_deal_id custom attribute.
func (c *Client) SetDealLink(ctx context.Context, conversationID int, dealURL string) error {
	return c.UpdateCustomAttributes(ctx, conversationID, map[string]any{"bx24_deal_id": dealURL})
}

// GetInboxIDByConversation returns the inbox a conversation belongs to.
func (c *Client) GetInboxIDByConversation(ctx context.Context, conversationID int) (int, error) {
	conv, err := c.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return conv.InboxID, nil
}
