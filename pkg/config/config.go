// Package config assembles the immutable runtime configuration: agents with
// their transports, CRM portals, helpdesk credentials, and service tuning.
// The Config is built once at startup and never mutated; changing it requires
// a restart.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// TransportKind identifies the messenger behind a transport.
type TransportKind string

const (
	// KindWA is a WhatsApp transport served by a Green API instance.
	KindWA TransportKind = "wa"
	// KindTG is a Telegram transport served by a Wappi profile.
	KindTG TransportKind = "tg"
)

// Transport is a single messenger instance mapped 1:1 to a helpdesk inbox.
type Transport struct {
	Kind       TransportKind `mapstructure:"kind"`
	InstanceID string        `mapstructure:"instance_id"`
	APIToken   string        `mapstructure:"api_token"`
	BaseURL    string        `mapstructure:"base_url"`
	InboxID    int           `mapstructure:"inbox_id"`
	AssigneeID int           `mapstructure:"assignee_id"`
}

// Agent is a logical persona owning several transports and an LLM profile.
type Agent struct {
	Code        string      `mapstructure:"code"`
	DisplayName string      `mapstructure:"display_name"`
	Model       string      `mapstructure:"model"`
	Transports  []Transport `mapstructure:"transports"`
}

// Portal is a CRM tenant. Exactly one credential mode is used per portal:
// a webhook token baked into the URL path, or OAuth client credentials.
type Portal struct {
	Domain       string `mapstructure:"domain"`
	WebhookToken string `mapstructure:"webhook_token"`
	WebhookUser  int    `mapstructure:"webhook_user"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// Chatwoot holds the helpdesk API credentials.
type Chatwoot struct {
	Host      string `mapstructure:"host"`
	APIToken  string `mapstructure:"api_token"`
	AccountID int    `mapstructure:"account_id"`
}

// OpenAI holds the LLM credentials and model selection.
type OpenAI struct {
	Token           string `mapstructure:"token"`
	Model           string `mapstructure:"model"`
	VisionModel     string `mapstructure:"vision_model"`
	TranscribeModel string `mapstructure:"transcribe_model"`
}

// LeadSource maps one external lead source to a CRM portal and the deal
// fields stamped on leads coming from it.
type LeadSource struct {
	Portal       string `mapstructure:"portal"`
	FunnelID     int    `mapstructure:"funnel_id"`
	SourceID     string `mapstructure:"source_id"`
	Roistat      string `mapstructure:"roistat"`
	RoistatField string `mapstructure:"roistat_field"`
}

// Warmup tunes the re-engagement scheduler.
type Warmup struct {
	Schedule    string `mapstructure:"schedule"`
	SilenceDays int    `mapstructure:"silence_days"`
	MaxMessages int    `mapstructure:"max_messages"`
}

// Config is the root configuration.
type Config struct {
	Listen string `mapstructure:"listen"`
	// Company is the business name substituted into the agent prompts.
	Company      string            `mapstructure:"company"`
	DBPath       string            `mapstructure:"db_path"`
	LogLevel     string            `mapstructure:"log_level"`
	LogFormat    string            `mapstructure:"log_format"`
	MaxBodyBytes int64             `mapstructure:"max_body_bytes"`
	Chatwoot     Chatwoot          `mapstructure:"chatwoot"`
	OpenAI       OpenAI            `mapstructure:"openai"`
	Agents       []Agent  `mapstructure:"agents"`
	Portals      []Portal `mapstructure:"portals"`
	// LeadSources maps the lead source label of /bx24/transport/leads to
	// the destination portal and deal fields.
	LeadSources map[string]LeadSource `mapstructure:"lead_sources"`
	// LeadPortal is the CRM portal the transport leads arrive from (their
	// timeline holds the call comments).
	LeadPortal string `mapstructure:"lead_portal"`
	// LeadSourceField is the custom deal field carrying the source id.
	LeadSourceField string `mapstructure:"lead_source_field"`
	// RegionAgents reroutes website leads to another agent by the region
	// picked in the quiz form.
	RegionAgents map[string]string `mapstructure:"lead_region_agents"`
	// AIOperatorIDs are the helpdesk operator ids whose conversations the
	// LLM agent is allowed to answer.
	AIOperatorIDs []int `mapstructure:"ai_operator_ids"`
	// NotifyUserIDs are the CRM users always added to deal chats on marker
	// notifications, besides the deal assignee.
	NotifyUserIDs []int64 `mapstructure:"notify_user_ids"`
	Warmup        Warmup  `mapstructure:"warmup"`

	agentsByCode    map[string]*Agent
	agentsByInbox   map[int]*Agent
	transportByIbx  map[int]*Transport
	inboxesByAgent  map[string][]int
	portalsByDomain map[string]*Portal
}

// SetDefaults registers the configuration defaults on the given viper.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("company", "МБК")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "fmt")
	v.SetDefault("max_body_bytes", 30*1024*1024)
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("openai.vision_model", "gpt-4o")
	v.SetDefault("openai.transcribe_model", "gpt-4o-transcribe")
	v.SetDefault("lead_source_field", "SOURCE_ID")
	v.SetDefault("ai_operator_ids", []int{13, 14})
	v.SetDefault("notify_user_ids", []int64{182, 6784, 6014})
	v.SetDefault("warmup.schedule", "0 */2 * * *")
	v.SetDefault("warmup.silence_days", 2)
	v.SetDefault("warmup.max_messages", 3)
}

// Load unmarshals, validates, and indexes the configuration.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.buildIndexes()
	return &cfg, nil
}

// Validate checks the invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if c.Chatwoot.Host == "" {
		return errors.New("chatwoot.host is required")
	}
	if c.Chatwoot.APIToken == "" {
		return errors.New("chatwoot.api_token is required")
	}

	seenCodes := make(map[string]bool)
	seenInboxes := make(map[int]string)
	for i := range c.Agents {
		agent := &c.Agents[i]
		if agent.Code == "" {
			return errors.Errorf("agent %d has no code", i)
		}
		if seenCodes[agent.Code] {
			return errors.Errorf("duplicate agent code %q", agent.Code)
		}
		seenCodes[agent.Code] = true

		for _, tr := range agent.Transports {
			if tr.Kind != KindWA && tr.Kind != KindTG {
				return errors.Errorf("agent %q: unknown transport kind %q", agent.Code, tr.Kind)
			}
			if tr.InboxID == 0 {
				return errors.Errorf("agent %q: transport without inbox_id", agent.Code)
			}
			if owner, ok := seenInboxes[tr.InboxID]; ok {
				return errors.Errorf("inbox %d configured for both %q and %q", tr.InboxID, owner, agent.Code)
			}
			seenInboxes[tr.InboxID] = agent.Code
		}
	}

	seenPortals := make(map[string]bool)
	for _, p := range c.Portals {
		if p.Domain == "" {
			return errors.New("portal without domain")
		}
		if seenPortals[p.Domain] {
			return errors.Errorf("duplicate portal domain %q", p.Domain)
		}
		seenPortals[p.Domain] = true
	}

	return nil
}

func (c *Config) buildIndexes() {
	c.agentsByCode = make(map[string]*Agent)
	c.agentsByInbox = make(map[int]*Agent)
	c.transportByIbx = make(map[int]*Transport)
	c.inboxesByAgent = make(map[string][]int)
	c.portalsByDomain = make(map[string]*Portal)

	for i := range c.Agents {
		agent := &c.Agents[i]
		c.agentsByCode[agent.Code] = agent
		for j := range agent.Transports {
			tr := &agent.Transports[j]
			c.agentsByInbox[tr.InboxID] = agent
			c.transportByIbx[tr.InboxID] = tr
			c.inboxesByAgent[agent.Code] = append(c.inboxesByAgent[agent.Code], tr.InboxID)
		}
	}
	for i := range c.Portals {
		c.portalsByDomain[c.Portals[i].Domain] = &c.Portals[i]
	}
}

// AgentByCode returns the agent with the given code.
func (c *Config) AgentByCode(code string) (*Agent, bool) {
	a, ok := c.agentsByCode[code]
	return a, ok
}

// AgentByInbox returns the agent owning the given helpdesk inbox.
func (c *Config) AgentByInbox(inboxID int) (*Agent, bool) {
	a, ok := c.agentsByInbox[inboxID]
	return a, ok
}

// TransportByInbox returns the transport mapped to the given inbox.
func (c *Config) TransportByInbox(inboxID int) (*Transport, bool) {
	t, ok := c.transportByIbx[inboxID]
	return t, ok
}

// InboxIDs returns every inbox of the given agent in configuration order.
func (c *Config) InboxIDs(agentCode string) []int {
	return c.inboxesByAgent[agentCode]
}

// AllInboxIDs returns every configured inbox across all agents.
func (c *Config) AllInboxIDs() []int {
	var ids []int
	for i := range c.Agents {
		ids = append(ids, c.inboxesByAgent[c.Agents[i].Code]...)
	}
	return ids
}

// Transports returns the agent's transports of the given kind in
// configuration order. The order is the round-robin tie-break.
func (c *Config) Transports(agentCode string, kind TransportKind) []*Transport {
	agent, ok := c.agentsByCode[agentCode]
	if !ok {
		return nil
	}
	var out []*Transport
	for i := range agent.Transports {
		if agent.Transports[i].Kind == kind {
			out = append(out, &agent.Transports[i])
		}
	}
	return out
}

// PortalByDomain returns the CRM portal for the given domain.
func (c *Config) PortalByDomain(domain string) (*Portal, bool) {
	p, ok := c.portalsByDomain[domain]
	return p, ok
}

// IsAIOperator reports whether the helpdesk assignee id is one of the
// AI-driven operators.
func (c *Config) IsAIOperator(assigneeID int) bool {
	for _, id := range c.AIOperatorIDs {
		if id == assigneeID {
			return true
		}
	}
	return false
}
