package agents

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/msgtext"
)

// maxTurns bounds the total number of chat completions per webhook: one
// router call plus the specialist loop.
const maxTurns = 8

const (
	transferPrefix      = "transfer_to_"
	toolSendAgentCard   = "send_agent_contact_card"
	toolSendManagerCard = "send_manager_contact_card"
	defaultSpecialist   = "general"
)

// Specialist-side tools take no arguments; everything they need comes from
// the conversation being handled.
var emptyParams = json.RawMessage(`{"type":"object","properties":{}}`)

type specialist struct {
	code   string
	prompt string
	tools  []openai.Tool
}

// compiled is the per-agent prompt set: the router with its handoff tools and
// the specialists it can transfer to. Built once per agent code and cached.
type compiled struct {
	model       string
	router      string
	routerTools []openai.Tool
	specialists map[string]*specialist
}

func compile(agent *config.Agent, fallbackModel, company string) *compiled {
	expand := func(prompt string) string {
		return strings.ReplaceAll(prompt, "{{COMPANY}}", company)
	}

	agentCardTool := functionTool(toolSendAgentCard,
		"Отправляет клиенту визитку менеджера, ведущего эту переписку.")
	managerCardTool := functionTool(toolSendManagerCard,
		"Отправляет клиенту контакт менеджера по строительству, ответственного за его сделку.")

	defs := []struct {
		code        string
		description string
		prompt      string
		tools       []openai.Tool
	}{
		{defaultSpecialist, "Общие вопросы о компании, технологиях и этапах строительства.", generalPrompt, []openai.Tool{agentCardTool}},
		{"product_picker", "Подбор проекта дома под параметры клиента.", productPickerPrompt, nil},
		{"product_helper", "Вопросы по конкретному проекту: цена, комплектация, планировка.", productHelperPrompt, nil},
		{"design", "Индивидуальное проектирование и изменения типовых проектов.", designPrompt, nil},
		{"mortgage", "Ипотека, рассрочка, материнский капитал, оплата.", mortgagePrompt, nil},
		{"manager", "Передача клиента живому менеджеру: звонок, встреча, замер.", managerPrompt, []openai.Tool{managerCardTool}},
		{"warmup", "Возобновление диалога после долгой паузы.", warmupPrompt, nil},
	}

	comp := &compiled{
		model:       agent.Model,
		router:      expand(routerPrompt),
		specialists: make(map[string]*specialist, len(defs)),
	}
	if comp.model == "" {
		comp.model = fallbackModel
	}
	for _, def := range defs {
		comp.specialists[def.code] = &specialist{
			code:   def.code,
			prompt: expand(def.prompt),
			tools:  def.tools,
		}
		comp.routerTools = append(comp.routerTools,
			functionTool(transferPrefix+def.code, def.description))
	}
	return comp
}

func functionTool(name, description string) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  emptyParams,
		},
	}
}

// run routes the dialog to a specialist and drives its tool loop until it
// produces a client-facing reply.
func (s *Service) run(ctx context.Context, comp *compiled, conversationID int, history []openai.ChatCompletionMessage) (string, error) {
	turns := 0

	resp, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:      comp.model,
		Messages:   withSystem(comp.router, history),
		Tools:      comp.routerTools,
		ToolChoice: "required",
	})
	if err != nil {
		return "", errors.Wrap(err, "router completion failed")
	}
	turns++

	sp := comp.specialists[defaultSpecialist]
	if len(resp.Choices) > 0 {
		for _, call := range resp.Choices[0].Message.ToolCalls {
			code := strings.TrimPrefix(call.Function.Name, transferPrefix)
			if next, ok := comp.specialists[code]; ok {
				sp = next
				break
			}
		}
	}
	logger.G(ctx).WithField("specialist", sp.code).Debug("dialog routed")

	messages := withSystem(sp.prompt, history)
	for turns < maxTurns {
		resp, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    comp.model,
			Messages: messages,
			Tools:    sp.tools,
		})
		if err != nil {
			return "", errors.Wrapf(err, "%s completion failed", sp.code)
		}
		turns++
		if len(resp.Choices) == 0 {
			return "", errors.Errorf("%s returned no choices", sp.code)
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			reply := strings.TrimSpace(msg.Content)
			if reply == "" {
				return "", errors.Errorf("%s returned an empty reply", sp.code)
			}
			return reply, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    s.execTool(ctx, conversationID, call.Function.Name),
			})
		}
	}
	return "", errors.Errorf("no reply from %s after %d turns", sp.code, maxTurns)
}

func withSystem(prompt string, history []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: prompt,
	})
	return append(messages, history...)
}

// execTool runs one specialist tool and returns the model-facing result.
// Failures are reported back to the model as text so it can tell the client
// something sensible instead of aborting the reply.
func (s *Service) execTool(ctx context.Context, conversationID int, name string) string {
	log := logger.G(ctx).WithField("conversation", conversationID)
	switch name {
	case toolSendAgentCard:
		// The marker alone: the outbound relay recognizes it and sends the
		// real vCard through the messenger.
		if _, err := s.cw.SendMessage(ctx, conversationID, msgtext.AgentCardMarker, chatwoot.MessageTypeOutgoing, false); err != nil {
			log.WithError(err).Warn("agent card send failed")
			return "Не удалось отправить визитку, попробуйте позже."
		}
		return "Визитка отправлена клиенту."

	case toolSendManagerCard:
		flipped, err := s.store.MarkManagerContactSent(ctx, conversationID)
		if err != nil {
			log.WithError(err).Warn("manager card flag update failed")
			return "Не удалось отправить контакт менеджера."
		}
		if !flipped {
			return "Контакт менеджера уже отправлен ранее."
		}
		links, err := s.store.GetDealsByConversation(ctx, conversationID)
		if err != nil {
			log.WithError(err).Warn("deal lookup for manager card failed")
			return "Не удалось отправить контакт менеджера."
		}
		if len(links) == 0 {
			return "Диалог не связан со сделкой, контакт менеджера отправить не удалось."
		}
		_, result, err := s.managerCards.SendResponsibleContact(ctx, links[0].BxPortal, links[0].DealID)
		if err != nil {
			log.WithError(err).Warn("manager card send failed")
			return "Не удалось отправить контакт менеджера."
		}
		return result

	default:
		log.Warnf("model called unknown tool %q", name)
		return "Неизвестный инструмент: " + name
	}
}
