package dealsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/bitrix"
	"github.com/mbkchat/relay/pkg/logger"
)

// NotifyResponsibleByConversation pings the responsible manager of every
// open deal linked to the conversation: it finds or creates the deal's CRM
// group chat and drops a message naming the marker word. Implements
// chatwoot.Notifier.
func (e *Engine) NotifyResponsibleByConversation(ctx context.Context, conversationID int, marker string) error {
	links, err := e.store.GetDealsByConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	var merr *multierror.Error
	seen := make(map[string]bool)
	for _, link := range links {
		key := fmt.Sprintf("%s:%d", link.BxPortal, link.DealID)
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := e.notifyDeal(ctx, link.BxPortal, link.DealID, conversationID, marker); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "notify for deal %d@%s failed", link.DealID, link.BxPortal))
		}
	}
	return merr.ErrorOrNil()
}

func (e *Engine) notifyDeal(ctx context.Context, portal string, dealID int64, conversationID int, marker string) error {
	crm, err := e.crm(portal)
	if err != nil {
		return err
	}
	deal, err := e.fetchDeal(ctx, crm, dealID)
	if err != nil {
		return err
	}
	if deal.Closed == "Y" {
		logger.G(ctx).WithField("deal", dealID).Debug("deal is closed, skipping notification")
		return nil
	}
	assigned := deal.AssignedByID.Int64()
	if assigned == 0 {
		return errors.Errorf("deal %d has no responsible user", dealID)
	}

	users := append(append([]int64{}, e.cfg.NotifyUserIDs...), assigned)
	chatID, err := e.dealChatID(ctx, crm, dealID, deal.Title, users)
	if err != nil {
		return err
	}

	message := fmt.Sprintf(
		"Обратите внимание на переписку Агента с клиентом в mbk-chat!\nОбнаруженно слово: %s\nID диалога в CW: %d",
		marker, conversationID)
	_, err = crm.CallAPIMethodWithRefresh(ctx, "im.message.add", bitrix.Params{
		"DIALOG_ID": fmt.Sprintf("chat%d", chatID),
		"MESSAGE":   message,
	})
	return errors.Wrapf(err, "im.message.add to chat %d failed", chatID)
}

// dealChatID returns the id of the deal's CRM group chat, creating the chat
// when the deal has none yet.
func (e *Engine) dealChatID(ctx context.Context, crm CRM, dealID int64, title string, users []int64) (int64, error) {
	entityID := fmt.Sprintf("DEAL|%d", dealID)

	resp, err := crm.CallAPIMethodWithRefresh(ctx, "im.chat.get", bitrix.Params{
		"ENTITY_TYPE": "CRM",
		"ENTITY_ID":   entityID,
	})
	if err == nil {
		if id := decodeChatID(resp.Result); id != 0 {
			return id, nil
		}
	}

	resp, err = crm.CallAPIMethodWithRefresh(ctx, "im.chat.add", bitrix.Params{
		"TITLE":       "СДЕЛКА: " + title,
		"USERS":       users,
		"ENTITY_TYPE": "CRM",
		"ENTITY_ID":   entityID,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "im.chat.add for deal %d failed", dealID)
	}
	id := decodeChatID(resp.Result)
	if id == 0 {
		return 0, errors.Errorf("im.chat.add for deal %d returned no chat id", dealID)
	}
	return id, nil
}

// decodeChatID handles both result shapes: a bare chat id (im.chat.add) and
// a chat object with an ID field (im.chat.get).
func decodeChatID(raw json.RawMessage) int64 {
	var id flexID
	if err := json.Unmarshal(raw, &id); err == nil {
		return id.Int64()
	}
	var chat struct {
		ID flexID `json:"ID"`
	}
	if err := json.Unmarshal(raw, &chat); err == nil {
		return chat.ID.Int64()
	}
	return 0
}
