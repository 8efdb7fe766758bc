// Package transport implements the outbound messenger gateways: Green API
// for WhatsApp and Wappi for Telegram. Both speak to the client by phone
// number and support link-aware message splitting, file delivery, and
// contact cards.
package transport

import (
	"context"

	"github.com/mbkchat/relay/pkg/config"
	"github.com/pkg/errors"
)

// Attachment is a helpdesk file forwarded to the messenger.
type Attachment struct {
	DataURL  string
	FileName string
	FileType string
}

// Sender delivers outbound messages to a client phone.
type Sender interface {
	// Kind reports the messenger kind this sender serves.
	Kind() config.TransportKind

	// SendText delivers a plain text message.
	SendText(ctx context.Context, phone, text string) error

	// SendSplit splits the message around file links and delivers text
	// segments as text and link segments as files. Segments that are
	// shorter than two visible characters are dropped.
	SendSplit(ctx context.Context, phone, message string) error

	// SendFile delivers a file by URL.
	SendFile(ctx context.Context, phone, url, fileName, caption string) error

	// SendContact delivers a contact card.
	SendContact(ctx context.Context, clientPhone, contactPhone, firstName, lastName string) error

	// SendAttachments forwards helpdesk attachments.
	SendAttachments(ctx context.Context, phone string, attachments []Attachment, caption string) error

	// InstancePhone returns the phone number the gateway instance is
	// registered under.
	InstancePhone(ctx context.Context) (string, error)
}

// New builds the sender for a configured transport.
func New(t config.Transport) (Sender, error) {
	switch t.Kind {
	case config.KindWA:
		return NewGreenAPI(t.BaseURL, t.InstanceID, t.APIToken), nil
	case config.KindTG:
		return NewWappi(t.APIToken, t.InstanceID), nil
	default:
		return nil, errors.Errorf("unknown transport kind %q", t.Kind)
	}
}
