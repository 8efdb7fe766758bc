package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/dealsync"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/pipeline"
)

// websiteForm is the site form payload. form_data arrives either as a JSON
// object or as a pre-serialized string depending on the form builder.
type websiteForm struct {
	Title         string          `json:"title"`
	Comment       string          `json:"comment"`
	Phone         string          `json:"phone"`
	Name          string          `json:"name"`
	AgentName     string          `json:"agent_name"`
	ContactMethod string          `json:"contact_method"`
	FormData      json.RawMessage `json:"form_data"`
}

func (f *websiteForm) formData() string {
	if len(f.FormData) == 0 || string(f.FormData) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.FormData, &s); err == nil {
		return s
	}
	return string(f.FormData)
}

func (s *Server) handleWebsiteForm(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var form websiteForm
	if err := json.Unmarshal(body, &form); err != nil {
		writeStatus(w, http.StatusBadRequest, "bad json")
		return
	}

	status, err := s.relay.HandleWebsiteForm(r.Context(), pipeline.WebsiteLead{
		Title:         form.Title,
		Comment:       form.Comment,
		Phone:         form.Phone,
		Name:          form.Name,
		AgentName:     form.AgentName,
		ContactMethod: form.ContactMethod,
		FormData:      form.formData(),
	})
	switch {
	case errors.Is(err, pipeline.ErrLeadWithoutAgent), errors.Is(err, pipeline.ErrLeadWithoutPhone):
		writeStatus(w, http.StatusBadRequest, err.Error())
	case err != nil:
		logger.G(r.Context()).WithError(err).Error("website form failed")
		writeStatus(w, http.StatusInternalServerError, "error")
	default:
		writeStatus(w, http.StatusOK, status)
	}
}

func (s *Server) handleLeadOn(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var lead struct {
		Phone     string `json:"phone"`
		AgentName string `json:"agent_name"`
	}
	if err := json.Unmarshal(body, &lead); err != nil {
		writeStatus(w, http.StatusBadRequest, "bad json")
		return
	}

	status, err := s.relay.HandleLeadOn(r.Context(), lead.AgentName, lead.Phone)
	switch {
	case errors.Is(err, pipeline.ErrLeadWithoutAgent), errors.Is(err, pipeline.ErrLeadWithoutPhone):
		writeStatus(w, http.StatusBadRequest, err.Error())
	case err != nil:
		logger.G(r.Context()).WithError(err).Error("leadon form failed")
		writeStatus(w, http.StatusInternalServerError, "error")
	default:
		writeStatus(w, http.StatusOK, status)
	}
}

// handleDealUpdate is the CRM outbound webhook. The CRM retries non-200
// responses forever, so processing errors are logged and acknowledged.
func (s *Server) handleDealUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeStatus(w, http.StatusBadRequest, "bad form")
		return
	}
	portal := r.PostFormValue("auth[domain]")
	dealID, err := strconv.ParseInt(r.PostFormValue("data[FIELDS][ID]"), 10, 64)
	if err != nil || portal == "" {
		writeStatus(w, http.StatusBadRequest, "missing deal id or portal")
		return
	}
	if _, ok := s.cfg.PortalByDomain(portal); !ok {
		writeStatus(w, http.StatusBadRequest, "unknown portal")
		return
	}

	outcome, err := s.deals.HandleDealUpdate(r.Context(), portal, dealID)
	if err != nil {
		logger.G(r.Context()).WithError(err).
			WithField("portal", portal).WithField("deal", dealID).
			Error("deal update failed")
		writeStatus(w, http.StatusOK, "ignored")
		return
	}
	switch outcome {
	case dealsync.OutcomeAlreadyRunning:
		writeStatus(w, http.StatusOK, "Уже обрабатывается")
	case dealsync.OutcomeNotLinked:
		writeStatus(w, http.StatusOK, "Сделка не связана с chatwoot")
	default:
		writeStatus(w, http.StatusOK, "ok")
	}
}

// handleSendContact backs the CRM widget button; the widget shows the message
// verbatim, so errors come back as success=false over HTTP 200.
func (s *Server) handleSendContact(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Контакт не отправлен (ошибка сервера)"})
		return
	}
	var req struct {
		DealID       int64  `json:"deal_id"`
		PortalDomain string `json:"portal_domain"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.DealID == 0 || req.PortalDomain == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Контакт не отправлен (ошибка сервера)"})
		return
	}

	ok, message, err := s.deals.SendResponsibleContact(r.Context(), req.PortalDomain, req.DealID)
	if err != nil {
		logger.G(r.Context()).WithError(err).WithField("deal", req.DealID).Error("send contact failed")
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Контакт не отправлен (ошибка сервера)"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": ok, "message": message})
}

func (s *Server) handleSelectDialog(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}
	var req struct {
		PortalDomain   string `json:"portal_domain"`
		DealID         int64  `json:"deal_id"`
		ConversationID int    `json:"conversation_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.DealID == 0 || req.PortalDomain == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}

	ok, err := s.deals.SelectDialog(r.Context(), req.PortalDomain, req.DealID, req.ConversationID)
	if err != nil {
		logger.G(r.Context()).WithError(err).WithField("deal", req.DealID).Error("select dialog failed")
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": ok})
}

func (s *Server) handleTransportLead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	rawPhone := q.Get("phone")
	source := q.Get("source")
	leadID, _ := strconv.ParseInt(q.Get("id"), 10, 64)

	if rawPhone == "" {
		writeStatus(w, http.StatusBadRequest, "missing phone")
		return
	}
	if _, ok := s.cfg.LeadSources[source]; !ok {
		writeStatus(w, http.StatusBadRequest, "unknown source")
		return
	}

	dealID, err := s.deals.HandleTransportLead(r.Context(), name, rawPhone, leadID, source)
	if err != nil {
		logger.G(r.Context()).WithError(err).WithField("source", source).Error("transport lead failed")
		writeStatus(w, http.StatusInternalServerError, "error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deal_id": dealID})
}

func (s *Server) handleAgentWebhook(w http.ResponseWriter, r *http.Request) {
	agentCode := mux.Vars(r)["agent_code"]
	if _, ok := s.cfg.AgentByCode(agentCode); !ok {
		writeStatus(w, http.StatusNotFound, "unknown agent")
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "unreadable body")
		return
	}

	status, err := s.agents.HandleWebhook(r.Context(), agentCode, body)
	if err != nil {
		logger.G(r.Context()).WithError(err).WithField("agent", agentCode).Error("agent webhook failed")
		writeStatus(w, http.StatusOK, "error")
		return
	}
	writeStatus(w, http.StatusOK, status)
}

// transportVars validates the (agent, kind, inbox) triple of the gateway
// routes against the configuration.
func (s *Server) transportVars(r *http.Request) (string, int, error) {
	vars := mux.Vars(r)
	agentCode := vars["agent_code"]
	kind := vars["kind"]
	inboxID, err := strconv.Atoi(vars["inbox_id"])
	if err != nil {
		return "", 0, errors.Wrap(err, "bad inbox id")
	}

	tr, ok := s.cfg.TransportByInbox(inboxID)
	if !ok || string(tr.Kind) != kind {
		return "", 0, errors.Errorf("inbox %d is not a %s transport", inboxID, kind)
	}
	owner, ok := s.cfg.AgentByInbox(inboxID)
	if !ok || owner.Code != agentCode {
		return "", 0, errors.Errorf("inbox %d does not belong to %q", inboxID, agentCode)
	}
	return kind, inboxID, nil
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	kind, inboxID, err := s.transportVars(r)
	if err != nil {
		writeStatus(w, http.StatusNotFound, err.Error())
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var status string
	if kind == "wa" {
		status, err = s.relay.HandleGreenWebhook(r.Context(), inboxID, body)
	} else {
		status, err = s.relay.HandleWappiWebhook(r.Context(), inboxID, body)
	}
	if err != nil {
		logger.G(r.Context()).WithError(err).WithField("inbox", inboxID).Error("inbound webhook failed")
		writeStatus(w, http.StatusOK, "error")
		return
	}
	writeStatus(w, http.StatusOK, status)
}

func (s *Server) handleOutbound(w http.ResponseWriter, r *http.Request) {
	_, inboxID, err := s.transportVars(r)
	if err != nil {
		writeStatus(w, http.StatusNotFound, err.Error())
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "unreadable body")
		return
	}

	status, err := s.relay.HandleFromChatwoot(r.Context(), inboxID, body)
	if err != nil {
		logger.G(r.Context()).WithError(err).WithField("inbox", inboxID).Error("outbound webhook failed")
		writeStatus(w, http.StatusOK, "error")
		return
	}
	writeStatus(w, http.StatusOK, status)
}
