package dealsync

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/bitrix"
	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/msgtext"
	"github.com/mbkchat/relay/pkg/store"
)

// Outcome is the result the webhook layer turns into an HTTP response.
// Webhooks always answer 200 for these; the CRM retries on anything else
// and a retry would not help.
type Outcome int

const (
	// OutcomeSynced means the deal was processed.
	OutcomeSynced Outcome = iota
	// OutcomeAlreadyRunning means another worker holds the deal's event lock.
	OutcomeAlreadyRunning
	// OutcomeNotLinked means the deal has no helpdesk conversation yet.
	OutcomeNotLinked
)

// HandleDealUpdate processes a CRM deal-update webhook: it bootstraps the
// conversation links, mirrors the stage and the timeline comments, and
// queues call transcription. Concurrent updates of the same deal are
// serialized through the event lock.
func (e *Engine) HandleDealUpdate(ctx context.Context, portal string, dealID int64) (Outcome, error) {
	code := store.DealEventCode(portal, dealID, "")
	acquired, err := e.store.AcquireEvent(ctx, code)
	if err != nil {
		return OutcomeSynced, err
	}
	if !acquired {
		return OutcomeAlreadyRunning, nil
	}

	outcome, err := e.processDealUpdate(ctx, portal, dealID)
	if relErr := e.store.ReleaseEvent(ctx, code, err); relErr != nil {
		logger.G(ctx).WithError(relErr).WithField("event", code).Warn("failed to release event lock")
	}
	return outcome, err
}

func (e *Engine) processDealUpdate(ctx context.Context, portal string, dealID int64) (Outcome, error) {
	deal, err := e.EnsureDeal(ctx, portal, dealID)
	if err != nil {
		return OutcomeSynced, err
	}

	convIDs, _, err := e.InitChatwoot(ctx, deal)
	if err != nil {
		return OutcomeSynced, err
	}
	if len(convIDs) == 0 {
		return OutcomeNotLinked, nil
	}

	if err := e.SyncStage(ctx, deal); err != nil {
		return OutcomeSynced, err
	}
	if err := e.SyncComments(ctx, deal); err != nil {
		return OutcomeSynced, err
	}
	if _, err := e.store.EnqueueTranscription(ctx, portal, dealID); err != nil {
		return OutcomeSynced, err
	}
	return OutcomeSynced, nil
}

// HandleStageChange processes the stage-only webhook. It runs under its own
// event lock so it never contends with a full deal update.
func (e *Engine) HandleStageChange(ctx context.Context, portal string, dealID int64) (Outcome, error) {
	code := store.DealEventCode(portal, dealID, "STAGE")
	acquired, err := e.store.AcquireEvent(ctx, code)
	if err != nil {
		return OutcomeSynced, err
	}
	if !acquired {
		return OutcomeAlreadyRunning, nil
	}

	deal, err := e.EnsureDeal(ctx, portal, dealID)
	if err == nil {
		err = e.SyncStage(ctx, deal)
	}
	if relErr := e.store.ReleaseEvent(ctx, code, err); relErr != nil {
		logger.G(ctx).WithError(relErr).WithField("event", code).Warn("failed to release event lock")
	}
	return OutcomeSynced, err
}

// SelectDialog makes the given conversation the deal's primary one. Returns
// false when the deal is not linked to that conversation.
func (e *Engine) SelectDialog(ctx context.Context, portal string, dealID int64, conversationID int) (bool, error) {
	return e.store.SetPrimary(ctx, portal, dealID, conversationID)
}

// SendResponsibleContact sends the card of the deal's responsible manager
// into the primary linked conversation. The returned message is shown to the
// manager in the CRM widget verbatim.
func (e *Engine) SendResponsibleContact(ctx context.Context, portal string, dealID int64) (bool, string, error) {
	convID, err := e.store.GetSelectedConversationID(ctx, portal, dealID)
	if err != nil {
		return false, "", err
	}
	if convID == 0 {
		return false, "Сделка не связана с диалогом в mbk-chat!", nil
	}

	crm, err := e.crm(portal)
	if err != nil {
		return false, "", err
	}
	deal, err := e.fetchDeal(ctx, crm, dealID)
	if err != nil {
		return false, "", err
	}

	resp, err := crm.CallAPIMethodWithRefresh(ctx, "user.get", bitrix.Params{"ID": deal.AssignedByID.Int64()})
	if err != nil {
		return false, "", errors.Wrapf(err, "user.get %s failed", deal.AssignedByID)
	}
	var users []struct {
		Name      string `json:"NAME"`
		LastName  string `json:"LAST_NAME"`
		WorkPhone string `json:"WORK_PHONE"`
	}
	if err := json.Unmarshal(resp.Result, &users); err != nil || len(users) == 0 {
		return false, "", errors.Errorf("responsible user %s not found", deal.AssignedByID)
	}
	user := users[0]
	if user.WorkPhone == "" {
		return false, "У ответственного не заполнен рабочий номер телефона!", nil
	}

	hasClient, err := e.cw.HasClientMessage(ctx, convID)
	if err != nil {
		return false, "", err
	}
	if !hasClient {
		return false, "Не было сообщения от клиента!", nil
	}

	card := msgtext.BuildContactInfo(user.Name, user.LastName, user.WorkPhone)
	if _, err := e.cw.SendMessage(ctx, convID, card, chatwoot.MessageTypeOutgoing, false); err != nil {
		return false, "", err
	}
	return true, "Контакт отправлен.", nil
}
