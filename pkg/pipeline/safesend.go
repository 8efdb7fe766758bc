package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/phone"
)

// SafeSend lands a message in the helpdesk, creating the contact and the
// transport's conversation on the way. An optional comment goes in first as
// a private note. Returns the conversation id.
func (p *Pipeline) SafeSend(ctx context.Context, rawPhone, name, message string, tr *config.Transport, comment string, messageType int) (int, error) {
	normalized := phone.Normalize(rawPhone)
	if normalized == "" {
		return 0, errors.Errorf("cannot deliver to empty phone %q", rawPhone)
	}
	if name == "" {
		name = normalized
	}

	contactID, created, err := p.cw.GetOrCreateContact(ctx, name, phone.Identifier(normalized), normalized)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to resolve helpdesk contact for %s", normalized)
	}
	if created {
		logger.G(ctx).WithField("contact_id", contactID).Debugf("created helpdesk contact for %s", normalized)
	}

	conversationID, _, err := p.cw.GetOrCreateConversation(ctx, contactID, tr.InboxID, "", tr.AssigneeID)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to resolve conversation of contact %d in inbox %d", contactID, tr.InboxID)
	}

	if comment != "" {
		if _, err := p.cw.SendMessage(ctx, conversationID, comment, chatwoot.MessageTypeOutgoing, true); err != nil {
			logger.G(ctx).WithError(err).Warnf("failed to post private note into conversation %d", conversationID)
		}
	}
	if message != "" {
		if _, err := p.cw.SendMessage(ctx, conversationID, message, messageType, false); err != nil {
			return 0, errors.Wrapf(err, "failed to post message into conversation %d", conversationID)
		}
	}
	return conversationID, nil
}
