// Package server exposes the HTTP surface: gateway webhooks, helpdesk
// webhooks, CRM widget endpoints, and website lead forms. Webhook endpoints
// follow the 200-on-error policy so upstreams do not loop on redelivery;
// user-facing endpoints return real status codes.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/dealsync"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/pipeline"
)

// Relay is the message pipeline surface the server drives.
type Relay interface {
	HandleGreenWebhook(ctx context.Context, inboxID int, body []byte) (string, error)
	HandleWappiWebhook(ctx context.Context, inboxID int, body []byte) (string, error)
	HandleFromChatwoot(ctx context.Context, inboxID int, body []byte) (string, error)
	HandleWebsiteForm(ctx context.Context, lead pipeline.WebsiteLead) (string, error)
	HandleLeadOn(ctx context.Context, agentName, rawPhone string) (string, error)
}

// Deals is the CRM-side engine surface.
type Deals interface {
	HandleDealUpdate(ctx context.Context, portal string, dealID int64) (dealsync.Outcome, error)
	SendResponsibleContact(ctx context.Context, portal string, dealID int64) (bool, string, error)
	SelectDialog(ctx context.Context, portal string, dealID int64, conversationID int) (bool, error)
	HandleTransportLead(ctx context.Context, name, rawPhone string, leadID int64, source string) (int64, error)
}

// AgentBot answers helpdesk agent-bot webhooks.
type AgentBot interface {
	HandleWebhook(ctx context.Context, agentCode string, body []byte) (string, error)
}

// Server wires the route table to the domain engines.
type Server struct {
	cfg    *config.Config
	relay  Relay
	deals  Deals
	agents AgentBot
	router *mux.Router
}

func New(cfg *config.Config, relay Relay, deals Deals, agents AgentBot) *Server {
	s := &Server{cfg: cfg, relay: relay, deals: deals, agents: agents}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.recovered)

	r.HandleFunc("/webhook/v3/website", s.handleWebsiteForm).Methods(http.MethodPost)
	r.HandleFunc("/webhook/leadon/website", s.handleLeadOn).Methods(http.MethodPost)

	r.HandleFunc("/bx24/deal/update", s.handleDealUpdate).Methods(http.MethodPost)
	r.HandleFunc("/bx24/mbkchat/send_contact", s.handleSendContact).Methods(http.MethodPost)
	r.HandleFunc("/bx24/mbkchat/select_dialog", s.handleSelectDialog).Methods(http.MethodPost)
	r.HandleFunc("/bx24/transport/leads", s.handleTransportLead).Methods(http.MethodPost)

	r.HandleFunc("/sdk_agent_webhook/{agent_code}", s.handleAgentWebhook).Methods(http.MethodPost)

	r.HandleFunc("/{agent_code}/{kind:wa|tg}/to/chatwoot/{inbox_id:[0-9]+}", s.handleInbound).Methods(http.MethodPost)
	r.HandleFunc("/{agent_code}/{kind:wa|tg}/from/chatwoot/{inbox_id:[0-9]+}", s.handleOutbound).Methods(http.MethodPost)

	return r
}

// requestID stamps every request with a correlation id carried by the
// context logger.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		log := logger.G(r.Context()).
			WithField("request_id", id).
			WithField("path", r.URL.Path)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithLogger(r.Context(), log)))
	})
}

// recovered keeps a panicking handler from killing the process; webhook
// upstreams get a 500 and retry or drop per their own policy.
func (s *Server) recovered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.G(r.Context()).
					WithField("panic", rec).
					WithField("stack", string(debug.Stack())).
					Error("handler panicked")
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// readBody drains the request body under the configured size cap.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	writeJSON(w, code, map[string]any{"status": status})
}
