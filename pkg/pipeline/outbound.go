package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/msgtext"
	"github.com/mbkchat/relay/pkg/transport"
)

// outboundEvent is the helpdesk webhook payload of an agent message.
type outboundEvent struct {
	Event       string `json:"event"`
	Private     bool   `json:"private"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	Attachments []struct {
		DataURL  string `json:"data_url"`
		FileName string `json:"file_name"`
		FileType string `json:"file_type"`
	} `json:"attachments"`
	Conversation struct {
		ID   int `json:"id"`
		Meta struct {
			Sender struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"sender"`
		} `json:"meta"`
	} `json:"conversation"`
}

// HandleFromChatwoot relays one helpdesk agent message to the client through
// the inbox's transport. Card markers expand into contact cards, everything
// else goes out link-split with the attachments forwarded after.
func (p *Pipeline) HandleFromChatwoot(ctx context.Context, inboxID int, body []byte) (string, error) {
	tr, ok := p.cfg.TransportByInbox(inboxID)
	if !ok {
		return "", errors.Errorf("inbox %d is not configured", inboxID)
	}

	var ev outboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", errors.Wrap(err, "failed to decode helpdesk webhook")
	}
	if ev.Private {
		return "skipped private note", nil
	}
	if ev.Event != "message_created" || ev.MessageType != "outgoing" {
		return "ignored", nil
	}

	clientPhone := strings.TrimPrefix(ev.Conversation.Meta.Sender.PhoneNumber, "+")
	if clientPhone == "" {
		return "ignored: conversation has no client phone", nil
	}

	sender, err := p.newSender(tr)
	if err != nil {
		return "", err
	}

	switch {
	case strings.HasPrefix(ev.Content, msgtext.ManagerCardMarker):
		return p.sendManagerCard(ctx, sender, clientPhone, ev.Content)
	case strings.HasPrefix(ev.Content, msgtext.AgentCardMarker):
		return p.sendAgentCard(ctx, sender, tr, clientPhone, ev.Conversation.ID)
	}

	if ev.Content != "" {
		if err := sender.SendSplit(ctx, clientPhone, ev.Content); err != nil {
			return "", err
		}
	}
	if len(ev.Attachments) > 0 {
		attachments := make([]transport.Attachment, 0, len(ev.Attachments))
		for _, att := range ev.Attachments {
			name := att.FileName
			if name == "" {
				name = "file"
			}
			attachments = append(attachments, transport.Attachment{
				DataURL:  att.DataURL,
				FileName: name,
				FileType: att.FileType,
			})
		}
		if err := sender.SendAttachments(ctx, clientPhone, attachments, ev.Content); err != nil {
			return "", err
		}
	}
	return "ok", nil
}

// sendManagerCard expands a manager card payload: the intro note first, the
// contact card after.
func (p *Pipeline) sendManagerCard(ctx context.Context, sender transport.Sender, clientPhone, content string) (string, error) {
	card := msgtext.ParseContactMessage(content)
	if card.Phone == "" {
		return "", errors.New("manager card has no phone")
	}
	if err := sender.SendText(ctx, clientPhone, msgtext.ManagerIntro(card)); err != nil {
		return "", err
	}
	if err := sender.SendContact(ctx, clientPhone, card.Phone, card.Name, card.LastName); err != nil {
		return "", err
	}
	return "manager card sent", nil
}

// sendAgentCard sends the agent's own business card: the save-my-contact
// note and then the card with the gateway instance's phone.
func (p *Pipeline) sendAgentCard(ctx context.Context, sender transport.Sender, tr *config.Transport, clientPhone string, conversationID int) (string, error) {
	agentPhone, err := sender.InstancePhone(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve the gateway instance phone")
	}

	agentName := ""
	if agent, ok := p.cfg.AgentByInbox(tr.InboxID); ok {
		agentName = agent.DisplayName
	}

	if err := sender.SendText(ctx, clientPhone, msgtext.AgentCardIntro); err != nil {
		return "", err
	}
	if err := sender.SendContact(ctx, clientPhone, agentPhone, agentName, ""); err != nil {
		return "", err
	}

	if conversationID != 0 {
		if err := p.store.SetAgentContactSent(ctx, conversationID); err != nil {
			logger.G(ctx).WithError(err).Warnf("failed to mark agent card sent for conversation %d", conversationID)
		}
	}
	return "agent card sent", nil
}
