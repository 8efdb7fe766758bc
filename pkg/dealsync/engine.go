// Package dealsync keeps CRM deals and helpdesk conversations aligned:
// it bootstraps deal↔conversation links from the contact's phone, mirrors
// stage changes and timeline comments into the conversations as private
// notes, and pings the responsible manager when a marker word shows up in
// the chat.
package dealsync

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/bitrix"
	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/store"
)

// CRM is the slice of the portal client the engine uses. *bitrix.Token
// satisfies it.
type CRM interface {
	CallAPIMethodWithRefresh(ctx context.Context, method string, params bitrix.Params) (*bitrix.Response, error)
	CallListMethod(ctx context.Context, method string, fields bitrix.Params, limit int) ([]json.RawMessage, error)
}

// CRMProvider resolves the CRM client for a portal domain. The composition
// root backs it with the configured portal credentials.
type CRMProvider func(portal string) (CRM, error)

// Engine synchronizes deals with helpdesk conversations.
type Engine struct {
	cfg   *config.Config
	store *store.Store
	cw    *chatwoot.Client
	crm   CRMProvider
}

// New creates the deal sync engine.
func New(cfg *config.Config, st *store.Store, cw *chatwoot.Client, crm CRMProvider) *Engine {
	return &Engine{cfg: cfg, store: st, cw: cw, crm: crm}
}

// flexID tolerates CRM fields that arrive as either JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

func (f flexID) Int64() int64 {
	n, _ := strconv.ParseInt(string(f), 10, 64)
	return n
}

// crmDeal is the subset of crm.deal.get the engine reads.
type crmDeal struct {
	ID           flexID `json:"ID"`
	Title        string `json:"TITLE"`
	StageID      string `json:"STAGE_ID"`
	CategoryID   flexID `json:"CATEGORY_ID"`
	ContactID    flexID `json:"CONTACT_ID"`
	AssignedByID flexID `json:"ASSIGNED_BY_ID"`
	Closed       string `json:"CLOSED"`
}

func (e *Engine) fetchDeal(ctx context.Context, crm CRM, dealID int64) (*crmDeal, error) {
	resp, err := crm.CallAPIMethodWithRefresh(ctx, "crm.deal.get", bitrix.Params{"id": dealID})
	if err != nil {
		return nil, errors.Wrapf(err, "crm.deal.get %d failed", dealID)
	}
	var deal crmDeal
	if err := json.Unmarshal(resp.Result, &deal); err != nil {
		return nil, errors.Wrapf(err, "failed to decode deal %d", dealID)
	}
	return &deal, nil
}

// EnsureDeal returns the locally cached deal, pulling the snapshot from the
// CRM on first sight.
func (e *Engine) EnsureDeal(ctx context.Context, portal string, dealID int64) (*store.Deal, error) {
	deal, err := e.store.GetDeal(ctx, portal, dealID)
	if err != nil {
		return nil, err
	}
	if deal != nil {
		return deal, nil
	}

	crm, err := e.crm(portal)
	if err != nil {
		return nil, err
	}
	remote, err := e.fetchDeal(ctx, crm, dealID)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpsertDeal(ctx, portal, dealID,
		remote.CategoryID.String(), remote.ContactID.Int64(), remote.StageID); err != nil {
		return nil, err
	}
	return e.store.GetDeal(ctx, portal, dealID)
}
