package chatwoot

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// SearchContacts finds contacts by an identifier (usually the phone digits).
func (c *Client) SearchContacts(ctx context.Context, identifier string) ([]Contact, error) {
	var resp struct {
		Payload []Contact `json:"payload"`
	}
	query := url.Values{"q": {identifier}}
	if err := c.request(ctx, http.MethodGet, c.accountPath("/contacts/search"), query, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "contact search %q failed", identifier)
	}
	return resp.Payload, nil
}

// GetContactID returns the first contact matching the identifier, or 0.
func (c *Client) GetContactID(ctx context.Context, identifier string) (int, error) {
	contacts, err := c.SearchContacts(ctx, identifier)
	if err != nil {
		return 0, err
	}
	if len(contacts) == 0 {
		return 0, nil
	}
	if len(contacts) > 1 {
		c.logWarn(ctx, "identifier %q matched %d contacts, using the first", identifier, len(contacts))
	}
	return contacts[0].ID, nil
}

// CreateContact creates a contact; uniqueness is by identifier.
func (c *Client) CreateContact(ctx context.Context, name, identifier, phone string) (int, error) {
	payload := map[string]any{"name": name, "identifier": identifier}
	if phone != "" {
		payload["phone_number"] = phone
	}

	var resp struct {
		Payload struct {
			Contact Contact `json:"contact"`
		} `json:"payload"`
	}
	if err := c.request(ctx, http.MethodPost, c.accountPath("/contacts"), nil, payload, &resp); err != nil {
		return 0, errors.Wrapf(err, "failed to create contact %q", identifier)
	}
	return resp.Payload.Contact.ID, nil
}

// GetOrCreateContact resolves the contact by identifier, creating it when
// missing. Returns the contact id and whether it was created.
func (c *Client) GetOrCreateContact(ctx context.Context, name, identifier, phone string) (int, bool, error) {
	id, err := c.GetContactID(ctx, identifier)
	if err != nil {
		return 0, false, err
	}
	if id != 0 {
		return id, false, nil
	}

	id, err = c.CreateContact(ctx, name, identifier, phone)
	if err != nil {
		return 0, false, err
	}
	if id == 0 {
		return 0, false, errors.Errorf("contact %q was not created", identifier)
	}
	return id, true, nil
}

// GetContactPhone returns the contact's phone number without the leading plus.
func (c *Client) GetContactPhone(ctx context.Context, contactID int) (string, error) {
	var resp struct {
		Payload Contact `json:"payload"`
	}
	if err := c.request(ctx, http.MethodGet, c.accountPath("/contacts/"+itoa(contactID)), nil, nil, &resp); err != nil {
		return "", errors.Wrapf(err, "failed to get contact %d", contactID)
	}
	return strings.TrimPrefix(resp.Payload.PhoneNumber, "+"), nil
}

// GetContactPhoneByConversation resolves the client phone for a conversation:
// conversation -> sender contact -> phone.
func (c *Client) GetContactPhoneByConversation(ctx context.Context, conversationID int) (string, error) {
	conv, err := c.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if conv.Meta.Sender.PhoneNumber != "" {
		return strings.TrimPrefix(conv.Meta.Sender.PhoneNumber, "+"), nil
	}
	if conv.Meta.Sender.ID == 0 {
		return "", errors.Errorf("conversation %d has no sender contact", conversationID)
	}
	return c.GetContactPhone(ctx, conv.Meta.Sender.ID)
}
