package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/phone"
)

// greenWebhook is the WhatsApp gateway notification envelope.
type greenWebhook struct {
	TypeWebhook   string `json:"typeWebhook"`
	StateInstance string `json:"stateInstance"`
	Status        string `json:"status"`
	From          string `json:"from"`
	IDMessage     string `json:"idMessage"`
	SenderData    struct {
		ChatID     string `json:"chatId"`
		Sender     string `json:"sender"`
		SenderName string `json:"senderName"`
	} `json:"senderData"`
	MessageData greenMessageData `json:"messageData"`
}

type greenMessageData struct {
	TypeMessage     string `json:"typeMessage"`
	Caption         string `json:"caption"`
	TextMessageData struct {
		TextMessage string `json:"textMessage"`
	} `json:"textMessageData"`
	ExtendedTextMessageData struct {
		Text string `json:"text"`
	} `json:"extendedTextMessageData"`
	QuotedMessage struct {
		TextMessage string `json:"textMessage"`
	} `json:"quotedMessage"`
	FileMessageData struct {
		Caption  string `json:"caption"`
		FileName string `json:"fileName"`
	} `json:"fileMessageData"`
	ContactMessageData struct {
		DisplayName string `json:"displayName"`
		Vcard       string `json:"vcard"`
	} `json:"contactMessageData"`
	LocationMessageData struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Address   string  `json:"address"`
	} `json:"locationMessageData"`
	StickerMessageData struct {
		Emoji string `json:"emoji"`
	} `json:"stickerMessageData"`
	PollMessageData struct {
		Name    string `json:"name"`
		Options []struct {
			OptionName string `json:"optionName"`
		} `json:"options"`
	} `json:"pollMessageData"`
}

// HandleGreenWebhook processes one WhatsApp gateway notification for the
// inbox: instance state flips toggle routing availability, incoming calls
// leave a private note, and incoming messages land in the conversation with
// media enriched into text.
func (p *Pipeline) HandleGreenWebhook(ctx context.Context, inboxID int, body []byte) (string, error) {
	tr, ok := p.cfg.TransportByInbox(inboxID)
	if !ok {
		return "", errors.Errorf("inbox %d is not configured", inboxID)
	}

	var wh greenWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return "", errors.Wrap(err, "failed to decode gateway webhook")
	}

	switch wh.TypeWebhook {
	case "stateInstanceChanged":
		return p.handleGreenState(ctx, inboxID, wh.StateInstance)
	case "incomingCall":
		return p.handleGreenCall(ctx, tr, wh)
	case "incomingMessageReceived":
		return p.handleGreenMessage(ctx, tr, wh)
	default:
		return "ignored", nil
	}
}

func (p *Pipeline) handleGreenState(ctx context.Context, inboxID int, state string) (string, error) {
	log := logger.G(ctx).WithField("inbox_id", inboxID).WithField("state", state)

	switch state {
	case "notAuthorized", "blocked":
		if err := p.store.SetInboxActive(ctx, inboxID, false); err != nil {
			return "", err
		}
		log.Warn("gateway instance went down, inbox deactivated")
		return "inbox deactivated", nil
	case "authorized":
		if err := p.store.SetInboxActive(ctx, inboxID, true); err != nil {
			return "", err
		}
		log.Info("gateway instance is back, inbox activated")
		return "inbox activated", nil
	default:
		return "ignored", nil
	}
}

func (p *Pipeline) handleGreenCall(ctx context.Context, tr *config.Transport, wh greenWebhook) (string, error) {
	if wh.Status != "offer" {
		return "ignored", nil
	}
	caller := phone.Normalize(strings.TrimSuffix(wh.From, "@c.us"))
	if caller == "" {
		return "ignored", nil
	}
	if _, err := p.SafeSend(ctx, caller, caller, "", tr, "[Входящий звонок!]", chatwoot.MessageTypeIncoming); err != nil {
		return "", err
	}
	return "ok", nil
}

func (p *Pipeline) handleGreenMessage(ctx context.Context, tr *config.Transport, wh greenWebhook) (string, error) {
	sender := phone.Normalize(strings.TrimSuffix(wh.SenderData.Sender, "@c.us"))
	if sender == "" {
		return "ignored", nil
	}
	name := wh.SenderData.SenderName
	if name == "" {
		name = "WhatsApp"
	}

	text, err := p.greenMessageText(ctx, tr, wh)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "ignored", nil
	}

	if _, err := p.SafeSend(ctx, sender, name, text, tr, "", chatwoot.MessageTypeIncoming); err != nil {
		return "", err
	}
	return "ok", nil
}

// greenMessageText renders the webhook message as the helpdesk transcript
// text, enriching media through the LLM. Enrichment failures degrade to the
// bare file link so the message is never lost.
func (p *Pipeline) greenMessageText(ctx context.Context, tr *config.Transport, wh greenWebhook) (string, error) {
	log := logger.G(ctx).WithField("message_id", wh.IDMessage)
	md := wh.MessageData

	switch md.TypeMessage {
	case "textMessage":
		return md.TextMessageData.TextMessage, nil

	case "extendedTextMessage":
		return md.ExtendedTextMessageData.Text, nil

	case "quotedMessage":
		return fmt.Sprintf("Ответ на сообщение:\n«%s»\n\n%s",
			md.QuotedMessage.TextMessage, md.ExtendedTextMessageData.Text), nil

	case "imageMessage":
		url, fileName, err := p.greenDownload(ctx, tr, wh)
		if err != nil {
			return "", err
		}
		summary, err := p.ai.AnalyzeImage(ctx, url)
		if err != nil {
			log.WithError(err).Warn("image analysis failed, forwarding the bare link")
			return fileName + ": " + url, nil
		}
		return fmt.Sprintf("[СООБЩЕНИЕ С ИЗОБРАЖЕНИЕМ]\n\nТекст сообщения:\n%s\nСсылка на изображение: %s\n\n[Summary прикрепленной картинки]:\n\n%s",
			md.FileMessageData.Caption, url, summary), nil

	case "videoMessage":
		url, _, err := p.greenDownload(ctx, tr, wh)
		if err != nil {
			return "", err
		}
		return url, nil

	case "audioMessage":
		url, fileName, err := p.greenDownload(ctx, tr, wh)
		if err != nil {
			return "", err
		}
		text, err := p.ai.TranscribeURL(ctx, url, fileName)
		if err != nil || text == "" {
			if err != nil {
				log.WithError(err).Warn("voice transcription failed, forwarding the bare link")
			}
			return fileName + ": " + url, nil
		}
		return fmt.Sprintf("🎤 Голосовое сообщение:\nСсылка на файл c аудио: %s\n\n[Транскрибация]:\n%s", url, text), nil

	case "documentMessage":
		url, fileName, err := p.greenDownload(ctx, tr, wh)
		if err != nil {
			return "", err
		}
		summary, err := p.ai.AnalyzeDocument(ctx, url)
		if err != nil {
			log.WithError(err).Warn("document summarization failed, forwarding the bare link")
			return fileName + ": " + url, nil
		}
		return fmt.Sprintf("[СООБЩЕНИЕ С ДОКУМЕНТОМ]\n\nТекст сообщения:\n%s\nСсылка на документ: %s\n\n[Summary прикрепленного документа]:\n\n%s",
			md.Caption, url, summary), nil

	case "contactMessage":
		displayName := md.ContactMessageData.DisplayName
		if displayName == "" {
			displayName = "Контакт"
		}
		return fmt.Sprintf("📇 Получен контакт:\n%s\n%s", displayName, md.ContactMessageData.Vcard), nil

	case "locationMessage":
		loc := md.LocationMessageData
		return fmt.Sprintf("📍 Геолокация:\nАдрес: %s\nКоординаты: %s, %s",
			loc.Address,
			strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
			strconv.FormatFloat(loc.Longitude, 'f', -1, 64)), nil

	case "stickerMessage":
		if md.StickerMessageData.Emoji != "" {
			return "🟩 Стикер: " + md.StickerMessageData.Emoji, nil
		}
		return "🟩 Стикер: Получен стикер", nil

	case "pollMessage":
		pollName := md.PollMessageData.Name
		if pollName == "" {
			pollName = "Опрос"
		}
		var options []string
		for _, opt := range md.PollMessageData.Options {
			if opt.OptionName != "" {
				options = append(options, opt.OptionName)
			}
		}
		return fmt.Sprintf("📝 Опрос: %s\nВарианты: %s", pollName, strings.Join(options, ", ")), nil

	default:
		log.Debugf("unsupported gateway message type %q", md.TypeMessage)
		return "", nil
	}
}

func (p *Pipeline) greenDownload(ctx context.Context, tr *config.Transport, wh greenWebhook) (string, string, error) {
	url, fileName, err := p.newGreen(tr).DownloadFile(ctx, wh.SenderData.ChatID, wh.IDMessage)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to resolve media of message %s", wh.IDMessage)
	}
	if wh.MessageData.FileMessageData.FileName != "" {
		fileName = wh.MessageData.FileMessageData.FileName
	}
	return url, fileName, nil
}
