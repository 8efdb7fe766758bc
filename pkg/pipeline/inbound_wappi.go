package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/phone"
)

// wappiWebhook is the Telegram gateway notification envelope.
type wappiWebhook struct {
	Messages []wappiMessage `json:"messages"`
}

type wappiMessage struct {
	WhType   string `json:"wh_type"`
	Type     string `json:"type"`
	Body     string `json:"body"`
	From     string `json:"from"`
	FileLink string `json:"file_link"`
	Caption  string `json:"caption"`
}

// HandleWappiWebhook processes one Telegram gateway notification. Unlike the
// WhatsApp path the Telegram sender id is not a phone, so the phone is
// resolved through the gateway address book; messages from contacts without
// an existing helpdesk conversation in this inbox are dropped.
func (p *Pipeline) HandleWappiWebhook(ctx context.Context, inboxID int, body []byte) (string, error) {
	tr, ok := p.cfg.TransportByInbox(inboxID)
	if !ok {
		return "", errors.Errorf("inbox %d is not configured", inboxID)
	}

	var wh wappiWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return "", errors.Wrap(err, "failed to decode gateway webhook")
	}
	if len(wh.Messages) == 0 {
		return "ignored", nil
	}
	msg := wh.Messages[0]
	if msg.WhType != "incoming_message" || msg.From == "" {
		return "ignored", nil
	}

	log := logger.G(ctx).WithField("inbox_id", inboxID)

	contact, err := p.newWappi(tr).GetContact(ctx, msg.From)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve gateway contact %s", msg.From)
	}
	number, _ := contact["number"].(string)
	if number == "" {
		log.Debugf("gateway contact %s has no phone, dropping message", msg.From)
		return "ignored", nil
	}
	normalized := phone.Normalize(number)

	contactID, err := p.cw.GetContactID(ctx, phone.Identifier(normalized))
	if err != nil {
		return "", err
	}
	if contactID == 0 {
		log.Debugf("no helpdesk contact for %s, dropping message", normalized)
		return "ignored", nil
	}
	conversationID, err := p.cw.GetConversationID(ctx, contactID, inboxID)
	if err != nil {
		return "", err
	}
	if conversationID == 0 {
		log.Debugf("contact %d has no conversation in inbox %d, dropping message", contactID, inboxID)
		return "ignored", nil
	}

	text := p.wappiMessageText(ctx, msg)
	if text == "" {
		return "ignored", nil
	}
	if _, err := p.cw.SendMessage(ctx, conversationID, text, chatwoot.MessageTypeIncoming, false); err != nil {
		return "", err
	}
	return "ok", nil
}

// wappiMessageText enriches media messages; failures keep the raw body.
func (p *Pipeline) wappiMessageText(ctx context.Context, msg wappiMessage) string {
	log := logger.G(ctx)
	text := msg.Body

	switch msg.Type {
	case "image":
		if msg.FileLink == "" {
			break
		}
		summary, err := p.ai.AnalyzeImage(ctx, msg.FileLink)
		if err != nil {
			log.WithError(err).Warn("image analysis failed, forwarding the bare link")
			text = msg.FileLink
			break
		}
		text = fmt.Sprintf("[СООБЩЕНИЕ С ИЗОБРАЖЕНИЕМ]\n\nТекст сообщения:\n%s\nСсылка на изображение: %s\n\n[Summary прикрепленной картинки]:\n\n%s",
			msg.Caption, msg.FileLink, summary)

	case "ptt":
		if msg.FileLink == "" {
			break
		}
		transcript, err := p.ai.TranscribeURL(ctx, msg.FileLink, "voice.mp3")
		if err != nil || transcript == "" {
			if err != nil {
				log.WithError(err).Warn("voice transcription failed, forwarding the bare link")
			}
			text = msg.FileLink
			break
		}
		text = fmt.Sprintf("🎤 Голосовое сообщение:\nСсылка на файл c аудио: %s\n\n[Транскрибация]:\n%s",
			msg.FileLink, transcript)

	case "document":
		if msg.FileLink == "" {
			break
		}
		summary, err := p.ai.AnalyzeDocument(ctx, msg.FileLink)
		if err != nil {
			log.WithError(err).Warn("document summarization failed, forwarding the bare link")
			text = msg.FileLink
			break
		}
		text = fmt.Sprintf("[СООБЩЕНИЕ С ДОКУМЕНТОМ]\n\nТекст сообщения:\n%s\nСсылка на документ: %s\n\n[Summary прикрепленного документа]:\n\n%s",
			msg.Caption, msg.FileLink, summary)
	}

	if text == "" {
		text = msg.FileLink
	}
	return text
}
