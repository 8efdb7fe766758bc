package pipeline

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/msgtext"
	"github.com/mbkchat/relay/pkg/phone"
)

// ErrLeadWithoutAgent marks a lead payload with no agent to route to; the
// server answers 400.
var ErrLeadWithoutAgent = errors.New("lead has no agent name")

// ErrLeadWithoutPhone marks a lead whose phone cannot be normalized.
var ErrLeadWithoutPhone = errors.New("lead has no usable phone")

// competitorFormTitle is the marketing form for competitor estimates; those
// submissions are not leads.
const competitorFormTitle = "Пусть назывется сделка Смета конкурентов"

// defaultLeadMessage is the opener used when generation fails.
const defaultLeadMessage = "Добрый день! Подскажите, какой расчёт/подборку проектов вы хотели получить?"

// leadOnMessage is the fixed opener of the LeadOn catalog form.
const leadOnMessage = "Здраствуйте, правильно понимаю, что хотели бы получить каталог проектов?"

var (
	leadNameRegex = regexp.MustCompile(`Имя\s*:\s*(.+)`)
	leadFormRegex = regexp.MustCompile(`Форма\s*:\s*([^\n\r]+)`)
)

// WebsiteLead is a website form submission.
type WebsiteLead struct {
	Title         string
	Comment       string
	Phone         string
	Name          string
	AgentName     string
	ContactMethod string
	// FormData is the raw quiz payload as submitted, a JSON object.
	FormData string
}

// HandleWebsiteForm turns a website form submission into an outgoing opener:
// the transport is picked by the routed agent and the client's preferred
// channel, the form comment lands as a private note, and the opener is
// generated from the form data when present.
func (p *Pipeline) HandleWebsiteForm(ctx context.Context, lead WebsiteLead) (string, error) {
	if lead.AgentName == "" {
		return "", ErrLeadWithoutAgent
	}
	if lead.Title == competitorFormTitle {
		return "На эту форму не реагируем", nil
	}
	normalized := phone.Normalize(lead.Phone)
	if normalized == "" {
		return "", errors.Wrapf(ErrLeadWithoutPhone, "%q", lead.Phone)
	}

	log := logger.G(ctx).WithField("phone", normalized)

	name := lead.Name
	if m := leadNameRegex.FindStringSubmatch(lead.Comment); m != nil {
		name = strings.TrimSpace(m[1])
	}
	if name == "" {
		name = "Заявка с сайта! " + normalized
	}

	formType := "quiz"
	if m := leadFormRegex.FindStringSubmatch(lead.Comment); m != nil {
		formType = strings.TrimSpace(m[1])
	}
	message := msgtext.MessageFromComment(lead.Comment, formType)

	var formData map[string]any
	if lead.FormData != "" {
		if err := json.Unmarshal([]byte(lead.FormData), &formData); err != nil {
			log.WithError(err).Warn("lead form data is not valid JSON, ignoring it")
			formData = nil
		}
	}

	agentCode := lead.AgentName
	if region, _ := formData["form_quiz_construction_region"].(string); region != "" {
		if override, ok := p.cfg.RegionAgents[region]; ok {
			agentCode = override
		}
	}
	if _, ok := p.cfg.AgentByCode(agentCode); !ok {
		return "", errors.Wrapf(ErrLeadWithoutAgent, "unknown agent %q", agentCode)
	}

	kind := config.KindWA
	if strings.EqualFold(lead.ContactMethod, "telegram") {
		kind = config.KindTG
	}

	tr, err := p.routing.PickTransport(ctx, agentCode, string(kind), normalized)
	if err != nil {
		return "", errors.Wrapf(err, "no transport for lead %s via %s:%s", normalized, agentCode, kind)
	}

	// Telegram cannot message a number the gateway has never seen.
	if kind == config.KindTG {
		if _, _, err := p.newWappi(tr).GetOrCreateContact(ctx, normalized, name); err != nil {
			return "", errors.Wrapf(err, "failed to register %s in the gateway address book", normalized)
		}
	}

	if len(formData) > 0 {
		generated, err := p.ai.LeadMessage(ctx, map[string]any{
			"title":          lead.Title,
			"comment":        lead.Comment,
			"agent_name":     agentCode,
			"contact_method": lead.ContactMethod,
			"name":           name,
			"phone":          normalized,
			"form_data":      formData,
		})
		switch {
		case err != nil:
			log.WithError(err).Warn("lead opener generation failed, using the fallback")
			message = defaultLeadMessage
		default:
			message = generated
		}
	}

	if _, err := p.SafeSend(ctx, normalized, name, message, tr, lead.Comment, chatwoot.MessageTypeOutgoing); err != nil {
		return "", err
	}
	return "ok", nil
}

// HandleLeadOn processes the LeadOn catalog form: a fixed opener over the
// agent's WhatsApp bucket.
func (p *Pipeline) HandleLeadOn(ctx context.Context, agentName, rawPhone string) (string, error) {
	if agentName == "" {
		return "", ErrLeadWithoutAgent
	}
	normalized := phone.Normalize(rawPhone)
	if normalized == "" {
		return "", errors.Wrapf(ErrLeadWithoutPhone, "%q", rawPhone)
	}
	if _, ok := p.cfg.AgentByCode(agentName); !ok {
		return "", errors.Wrapf(ErrLeadWithoutAgent, "unknown agent %q", agentName)
	}

	tr, err := p.routing.PickTransport(ctx, agentName, string(config.KindWA), normalized)
	if err != nil {
		return "", errors.Wrapf(err, "no transport for lead %s via %s:wa", normalized, agentName)
	}

	if _, err := p.SafeSend(ctx, normalized, "LEADON "+normalized, leadOnMessage, tr, "", chatwoot.MessageTypeOutgoing); err != nil {
		return "", err
	}
	return "ok", nil
}
