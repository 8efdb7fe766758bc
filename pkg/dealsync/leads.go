package dealsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/bitrix"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/msgtext"
	"github.com/mbkchat/relay/pkg/phone"
)

// callCommentMarkers tag the dialer-generated timeline comments carried over
// onto the new deal.
var callCommentMarkers = []string{"звонок из сервиса скорозвон", "дата звонка"}

// HandleTransportLead moves a qualified lead from the lead portal into the
// destination portal of its source: the contact is deduplicated by phone and
// a deal is opened in the source's funnel, carrying the dialer's last call
// comment. Returns the new deal id.
func (e *Engine) HandleTransportLead(ctx context.Context, name, rawPhone string, leadID int64, source string) (int64, error) {
	src, ok := e.cfg.LeadSources[source]
	if !ok {
		return 0, errors.Errorf("unknown lead source %q", source)
	}
	normalized := phone.Normalize(rawPhone)
	if normalized == "" {
		return 0, errors.Errorf("lead has no usable phone %q", rawPhone)
	}
	if name == "" {
		name = normalized
	}

	comment := e.lastCallComment(ctx, leadID)

	crm, err := e.crm(src.Portal)
	if err != nil {
		return 0, err
	}
	contactID, err := e.findOrCreateContact(ctx, crm, name, normalized)
	if err != nil {
		return 0, err
	}

	fields := bitrix.Params{
		"CONTACT_ID":  contactID,
		"TITLE":       fmt.Sprintf("%s [%s]", name, source),
		"CATEGORY_ID": src.FunnelID,
	}
	if comment != "" {
		fields["COMMENTS"] = comment
	}
	if src.Roistat != "" && src.RoistatField != "" {
		fields[src.RoistatField] = src.Roistat
	}
	if src.SourceID != "" && e.cfg.LeadSourceField != "" {
		fields[e.cfg.LeadSourceField] = src.SourceID
	}

	resp, err := crm.CallAPIMethodWithRefresh(ctx, "crm.deal.add", bitrix.Params{"fields": fields})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create deal for lead %d", leadID)
	}
	var dealID flexID
	if err := json.Unmarshal(resp.Result, &dealID); err != nil {
		return 0, errors.Wrap(err, "failed to decode created deal id")
	}
	logger.G(ctx).WithField("deal", dealID.Int64()).
		WithField("source", source).
		Infof("created deal in %s from lead %d", src.Portal, leadID)
	return dealID.Int64(), nil
}

// lastCallComment pulls the newest dialer call comment off the lead's
// timeline in the lead portal. Failures only cost the comment.
func (e *Engine) lastCallComment(ctx context.Context, leadID int64) string {
	if e.cfg.LeadPortal == "" || leadID == 0 {
		return ""
	}
	log := logger.G(ctx).WithField("lead", leadID)

	crm, err := e.crm(e.cfg.LeadPortal)
	if err != nil {
		log.WithError(err).Warn("lead portal is not available, skipping the call comment")
		return ""
	}
	records, err := crm.CallListMethod(ctx, "crm.timeline.comment.list", bitrix.Params{
		"filter": bitrix.Params{"ENTITY_ID": leadID, "ENTITY_TYPE": "lead"},
		"select": []string{"ID", "CREATED", "COMMENT"},
	}, 0)
	if err != nil {
		log.WithError(err).Warn("failed to list lead comments, skipping the call comment")
		return ""
	}

	comments := make([]timelineComment, 0, len(records))
	for _, raw := range records {
		var c timelineComment
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		comments = append(comments, c)
	}
	sort.Slice(comments, func(i, j int) bool {
		return comments[i].ID.Int64() > comments[j].ID.Int64()
	})

	for _, c := range comments {
		lower := strings.ToLower(c.Comment)
		for _, marker := range callCommentMarkers {
			if strings.Contains(lower, marker) {
				if text := msgtext.CommentFromBBString(c.Comment); text != "" {
					return text
				}
				return c.Comment
			}
		}
	}
	return ""
}

// findOrCreateContact deduplicates the contact by phone, preferring the
// oldest match, and creates it when the portal has never seen the number.
func (e *Engine) findOrCreateContact(ctx context.Context, crm CRM, name, normalizedPhone string) (int64, error) {
	resp, err := crm.CallAPIMethodWithRefresh(ctx, "crm.duplicate.findbycomm", bitrix.Params{
		"entity_type": "CONTACT",
		"type":        "PHONE",
		"values":      []string{normalizedPhone},
	})
	if err != nil {
		return 0, errors.Wrap(err, "contact deduplication failed")
	}
	var dupes struct {
		Contact []flexID `json:"CONTACT"`
	}
	if err := json.Unmarshal(resp.Result, &dupes); err == nil && len(dupes.Contact) > 0 {
		best := dupes.Contact[0].Int64()
		for _, id := range dupes.Contact[1:] {
			if n := id.Int64(); n < best {
				best = n
			}
		}
		return best, nil
	}

	resp, err = crm.CallAPIMethodWithRefresh(ctx, "crm.contact.add", bitrix.Params{
		"fields": bitrix.Params{
			"NAME":  name,
			"PHONE": []bitrix.Params{{"VALUE": normalizedPhone, "VALUE_TYPE": "WORK"}},
		},
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to create contact")
	}
	var contactID flexID
	if err := json.Unmarshal(resp.Result, &contactID); err != nil {
		return 0, errors.Wrap(err, "failed to decode created contact id")
	}
	return contactID.Int64(), nil
}
