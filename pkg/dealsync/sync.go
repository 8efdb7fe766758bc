package dealsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/mbkchat/relay/pkg/bitrix"
	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/store"
)

// stageName resolves the human-readable stage name, falling back to the raw
// status id when the directory lookup fails.
func (e *Engine) stageName(ctx context.Context, crm CRM, stageID string) string {
	records, err := crm.CallListMethod(ctx, "crm.status.list",
		bitrix.Params{"filter": bitrix.Params{"STATUS_ID": stageID}}, 1)
	if err != nil || len(records) == 0 {
		return stageID
	}
	var status struct {
		Name string `json:"NAME"`
	}
	if err := json.Unmarshal(records[0], &status); err != nil || status.Name == "" {
		return stageID
	}
	return status.Name
}

// SyncStage refreshes the deal snapshot and, when the stage moved, posts a
// private note into every linked conversation. The very first observed stage
// is saved silently.
func (e *Engine) SyncStage(ctx context.Context, deal *store.Deal) error {
	crm, err := e.crm(deal.BxPortal)
	if err != nil {
		return err
	}
	remote, err := e.fetchDeal(ctx, crm, deal.BxID)
	if err != nil {
		return err
	}

	oldStage := deal.StageID
	if err := e.store.UpsertDeal(ctx, deal.BxPortal, deal.BxID,
		remote.CategoryID.String(), remote.ContactID.Int64(), remote.StageID); err != nil {
		return err
	}
	if remote.StageID == oldStage {
		return nil
	}
	if oldStage == "" {
		logger.G(ctx).WithField("deal", deal.BxID).WithField("stage", remote.StageID).
			Debug("first observed stage, saved without notes")
		return nil
	}

	links, err := e.store.GetLinksForDeal(ctx, deal.BxPortal, deal.BxID)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return nil
	}

	note := fmt.Sprintf("[смена стадии сделки BX24]\n\n%s → %s",
		e.stageName(ctx, crm, oldStage), e.stageName(ctx, crm, remote.StageID))

	var merr *multierror.Error
	for _, link := range links {
		if _, err := e.cw.SendMessage(ctx, link.ConversationID, note, chatwoot.MessageTypeOutgoing, true); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "stage note to conversation %d failed", link.ConversationID))
		}
	}
	return merr.ErrorOrNil()
}

type timelineComment struct {
	ID      flexID `json:"ID"`
	Comment string `json:"COMMENT"`
}

// SyncComments mirrors new CRM timeline comments into every linked
// conversation as private notes and advances the comment cursor. The cursor
// only moves past a comment once it reached all conversations, so a failed
// delivery is retried on the next sync.
func (e *Engine) SyncComments(ctx context.Context, deal *store.Deal) error {
	crm, err := e.crm(deal.BxPortal)
	if err != nil {
		return err
	}
	records, err := crm.CallListMethod(ctx, "crm.timeline.comment.list", bitrix.Params{
		"filter": bitrix.Params{"ENTITY_ID": deal.BxID, "ENTITY_TYPE": "deal"},
		"select": []string{"ID", "CREATED", "COMMENT"},
	}, 0)
	if err != nil {
		return errors.Wrapf(err, "timeline comments of deal %d failed", deal.BxID)
	}

	var comments []timelineComment
	for _, raw := range records {
		var c timelineComment
		if err := json.Unmarshal(raw, &c); err != nil {
			return errors.Wrapf(err, "failed to decode timeline comment of deal %d", deal.BxID)
		}
		if c.ID.Int64() > deal.LastSyncCommentID {
			comments = append(comments, c)
		}
	}
	if len(comments) == 0 {
		return nil
	}
	sort.Slice(comments, func(i, j int) bool { return comments[i].ID.Int64() < comments[j].ID.Int64() })

	links, err := e.store.GetLinksForDeal(ctx, deal.BxPortal, deal.BxID)
	if err != nil || len(links) == 0 {
		return err
	}

	for _, c := range comments {
		note := fmt.Sprintf("Комментарий из сделки BX24:\n %s", c.Comment)
		var merr *multierror.Error
		for _, link := range links {
			if _, err := e.cw.SendMessage(ctx, link.ConversationID, note, chatwoot.MessageTypeOutgoing, true); err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "comment note to conversation %d failed", link.ConversationID))
			}
		}
		if err := merr.ErrorOrNil(); err != nil {
			return err
		}
		if err := e.store.BumpLastSyncCommentID(ctx, deal.BxPortal, deal.BxID, c.ID.Int64()); err != nil {
			return err
		}
	}
	return nil
}
