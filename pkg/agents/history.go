package agents

import (
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mbkchat/relay/pkg/chatwoot"
)

const (
	privateNoteTag = "[Внутренняя заметка, не транслируй клиенту дословно!]"
	activityTag    = "[СИСТЕМНАЯ ИНФОРМАЦИЯ!]"
	sentStampFmt   = "2006-01-02 15:04:05"
)

// BuildHistory converts helpdesk messages into chat-completion turns. Client
// messages become user turns, everything else assistant turns. Private notes
// and system activity are kept in the context but tagged so the model treats
// them as background, not as lines to repeat.
func BuildHistory(messages []chatwoot.Message) []openai.ChatCompletionMessage {
	history := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}

		stamp := ""
		if ts, ok := msg.Time(); ok {
			stamp = ts.Format(sentStampFmt)
		}

		role := openai.ChatMessageRoleAssistant
		var content string
		switch {
		case msg.Private:
			content = privateNoteTag
			if stamp != "" {
				content += fmt.Sprintf(" (отправлено %s)", stamp)
			}
			content += ": " + msg.Content
		case msg.MessageType == chatwoot.MessageTypeActivity:
			content = activityTag + msg.Content
		default:
			if msg.MessageType == chatwoot.MessageTypeIncoming {
				role = openai.ChatMessageRoleUser
			}
			if stamp != "" {
				content = fmt.Sprintf("(отправлено %s) %s", stamp, msg.Content)
			} else {
				content = msg.Content
			}
		}

		history = append(history, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	return history
}
