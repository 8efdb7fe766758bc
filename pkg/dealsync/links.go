package dealsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/bitrix"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/phone"
	"github.com/mbkchat/relay/pkg/store"
)

// DealURL is the CRM card address written into the conversation's custom
// attributes.
func DealURL(portal string, dealID int64) string {
	return fmt.Sprintf("https://%s/crm/deal/details/%d/", portal, dealID)
}

// contactPhone pulls the first phone of the CRM contact.
func (e *Engine) contactPhone(ctx context.Context, crm CRM, contactID int64) (string, error) {
	resp, err := crm.CallAPIMethodWithRefresh(ctx, "crm.contact.get", bitrix.Params{"id": contactID})
	if err != nil {
		return "", errors.Wrapf(err, "crm.contact.get %d failed", contactID)
	}
	var contact struct {
		Phone []struct {
			Value string `json:"VALUE"`
		} `json:"PHONE"`
	}
	if err := json.Unmarshal(resp.Result, &contact); err != nil {
		return "", errors.Wrapf(err, "failed to decode contact %d", contactID)
	}
	if len(contact.Phone) == 0 {
		return "", nil
	}
	return contact.Phone[0].Value, nil
}

// InitChatwoot links the deal with every active conversation of its contact
// and stamps the CRM card URL onto each of them. Returns the linked
// conversation ids and the helpdesk contact id; both are empty when the deal
// has no contact, the contact has no phone, or the helpdesk does not know
// the number yet.
func (e *Engine) InitChatwoot(ctx context.Context, deal *store.Deal) ([]int, int, error) {
	log := logger.G(ctx)
	if deal.ContactID == 0 {
		log.WithField("deal", deal.BxID).Debug("deal has no contact, skipping helpdesk link")
		return nil, 0, nil
	}

	crm, err := e.crm(deal.BxPortal)
	if err != nil {
		return nil, 0, err
	}
	rawPhone, err := e.contactPhone(ctx, crm, deal.ContactID)
	if err != nil {
		return nil, 0, err
	}
	identifier := phone.Identifier(rawPhone)
	if identifier == "" {
		log.WithField("deal", deal.BxID).Debug("deal contact has no phone, skipping helpdesk link")
		return nil, 0, nil
	}

	cwContactID, err := e.cw.GetContactID(ctx, identifier)
	if err != nil {
		return nil, 0, err
	}
	if cwContactID == 0 {
		return nil, 0, nil
	}

	conversations, err := e.cw.GetConversations(ctx, cwContactID)
	if err != nil {
		return nil, 0, err
	}

	var linked []int
	for _, conv := range conversations {
		active, err := e.cw.IsActiveConversation(ctx, conv.ID)
		if err != nil {
			return linked, cwContactID, err
		}
		if !active {
			continue
		}
		if err := e.cw.SetDealLink(ctx, conv.ID, DealURL(deal.BxPortal, deal.BxID)); err != nil {
			log.WithError(err).WithField("conversation", conv.ID).Warn("failed to stamp deal url")
		}
		created, err := e.store.LinkDealWithConversation(ctx, deal.BxPortal, deal.BxID, conv.ID, conv.InboxID, cwContactID)
		if err != nil {
			return linked, cwContactID, err
		}
		if created {
			log.WithField("deal", deal.BxID).WithField("conversation", conv.ID).Info("linked deal with conversation")
		}
		linked = append(linked, conv.ID)
	}
	return linked, cwContactID, nil
}
