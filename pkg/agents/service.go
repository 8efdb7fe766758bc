// Package agents answers client messages with an LLM persona. A router model
// classifies the dialog and hands it to one of seven specialists; the chosen
// specialist may call tools (contact cards) before producing the reply, which
// is posted back to the helpdesk as a regular outgoing message.
package agents

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/msgtext"
	"github.com/mbkchat/relay/pkg/store"
)

// LLM is the chat-completion surface the service needs. *openai.Client
// satisfies it.
type LLM interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Helpdesk is the slice of the helpdesk client the service uses.
type Helpdesk interface {
	GetAllMessages(ctx context.Context, conversationID int) ([]chatwoot.Message, error)
	SendMessage(ctx context.Context, conversationID int, content string, messageType int, private bool) (int, error)
}

// ManagerCardSender delivers the responsible manager's contact card for a CRM
// deal. The returned string is human-readable and goes back to the model as
// the tool result.
type ManagerCardSender interface {
	SendResponsibleContact(ctx context.Context, portal string, dealID int64) (bool, string, error)
}

// Service handles helpdesk agent-bot webhooks.
type Service struct {
	cfg          *config.Config
	store        *store.Store
	cw           Helpdesk
	llm          LLM
	managerCards ManagerCardSender
	cache        *lru.Cache[string, *compiled]
	sleep        func(time.Duration)
}

// New builds the webhook service. Compiled prompt sets are cached per agent
// code.
func New(cfg *config.Config, st *store.Store, cw Helpdesk, llm LLM, managerCards ManagerCardSender) *Service {
	cache, _ := lru.New[string, *compiled](32)
	return &Service{
		cfg:          cfg,
		store:        st,
		cw:           cw,
		llm:          llm,
		managerCards: managerCards,
		cache:        cache,
		sleep:        time.Sleep,
	}
}

// SetSleep overrides the typing-delay sleep. Tests use it to run instantly.
func (s *Service) SetSleep(fn func(time.Duration)) { s.sleep = fn }

// agentEvent is the helpdesk agent-bot webhook payload: the created message
// with its conversation inlined.
type agentEvent struct {
	Event        string `json:"event"`
	ID           int64  `json:"id"`
	Content      string `json:"content"`
	MessageType  string `json:"message_type"`
	Conversation struct {
		ID   int           `json:"id"`
		Meta chatwoot.Meta `json:"meta"`
	} `json:"conversation"`
}

// HandleWebhook reacts to a message_created event for the given agent
// persona. The returned status tells the webhook endpoint what happened;
// skips are not errors.
func (s *Service) HandleWebhook(ctx context.Context, agentCode string, body []byte) (string, error) {
	var ev agentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", errors.Wrap(err, "failed to decode agent webhook")
	}

	if ev.Event != "message_created" {
		return "skipped_event", nil
	}
	if ev.MessageType != "incoming" {
		return "skipped_non_incoming", nil
	}
	if assignee := ev.Conversation.Meta.Assignee; assignee != nil && !s.cfg.IsAIOperator(assignee.ID) {
		return "skipped_assigned_to_other", nil
	}

	agent, ok := s.cfg.AgentByCode(agentCode)
	if !ok {
		return "", errors.Errorf("unknown agent %q", agentCode)
	}
	comp := s.compiled(agent)

	convID := ev.Conversation.ID
	log := logger.G(ctx).WithField("conversation", convID).WithField("agent", agentCode)
	started := time.Now()

	// Record the message we are answering before thinking. If a newer client
	// message lands while the model works, the cursor moves and this reply is
	// dropped instead of answering a stale question.
	if err := s.store.SetLastMessageID(ctx, convID, ev.ID); err != nil {
		return "", err
	}

	messages, err := s.cw.GetAllMessages(ctx, convID)
	if err != nil {
		return "", err
	}

	reply, err := s.run(ctx, comp, convID, BuildHistory(messages))
	if err != nil {
		return "", err
	}

	s.sleep(msgtext.TypingDelay(reply, time.Since(started)))

	lastID, err := s.store.GetLastMessageID(ctx, convID)
	if err != nil {
		return "", err
	}
	if lastID != ev.ID {
		log.WithField("superseded_by", lastID).Info("client wrote again, dropping stale reply")
		return "skip_irrelevant_message", nil
	}

	if _, err := s.cw.SendMessage(ctx, convID, reply, chatwoot.MessageTypeOutgoing, false); err != nil {
		return "", err
	}
	log.WithField("chars", len(reply)).Info("agent reply sent")
	return "ok", nil
}

func (s *Service) compiled(agent *config.Agent) *compiled {
	if comp, ok := s.cache.Get(agent.Code); ok {
		return comp
	}
	comp := compile(agent, s.cfg.OpenAI.Model, s.cfg.Company)
	s.cache.Add(agent.Code, comp)
	return comp
}
