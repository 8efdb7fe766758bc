// Package warmup re-engages silent conversations. On each cron tick it walks
// the open conversations of every active inbox, picks those where the client
// went quiet, and sends an LLM-written follow-up. Each conversation gets a
// bounded number of warmups; exhausted dialogs are closed.
package warmup

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"

	"github.com/mbkchat/relay/pkg/agents"
	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/store"
)

// perRunLimit caps how many warmups one tick may send per inbox, so a cold
// start does not blast the whole backlog at once.
const perRunLimit = 10

const warmupNotePattern = "!!!Отправлено прогревающее сообщение из рассылки %d!!!"

const writerPrompt = `Ты — советник и помощник клиента, а не продавец. Твоя цель — поддерживать контакт и интерес, чтобы клиент доверился компании и выбрал её для строительства дома.

Контекст: с клиентом уже была переписка несколько дней назад, менеджер отвечал на его вопросы. Твоя задача — одним сообщением вернуть клиента в диалог.

Алгоритм:
1. Изучи историю общения: какие дома и параметры обсуждали, какие сомнения были, что уже отправляли.
2. Выбери одну конкретную пользу для этого клиента, которую ещё не предлагали.
3. Напиши 2-3 предложения: естественно напомни о себе, заинтересуй конкретной пользой, мягко предложи её через вопрос.

Ограничения:
- не повторяй приветствие и не выясняй имя клиента;
- одно сообщение — одна идея, без ссылок;
- не предлагай то, чего не было в переписке, и не повторяй уже отправленное;
- не предлагай сменить мессенджер, ты общаешься в текущем чате.

Ответь только текстом сообщения для клиента.`

// Conversation statuses a run reports per dialog.
const (
	statusSent      = "sent"
	statusCompleted = "completed"
	statusWaitDate  = "wait_date"
	statusSkipped   = "skipped"
	statusError     = "error"
)

// Helpdesk is the slice of the helpdesk client the job uses.
type Helpdesk interface {
	OpenConversationIDs(ctx context.Context, inboxID int) ([]int, error)
	IsStoppedCommunication(ctx context.Context, conversationID int, days int, now time.Time) (bool, error)
	GetAllMessages(ctx context.Context, conversationID int) ([]chatwoot.Message, error)
	SendMessage(ctx context.Context, conversationID int, content string, messageType int, private bool) (int, error)
	CloseConversation(ctx context.Context, conversationID int) (bool, error)
}

// Job is the warmup pass over all active inboxes.
type Job struct {
	cfg   *config.Config
	store *store.Store
	cw    Helpdesk
	llm   agents.LLM
	now   func() time.Time
}

func New(cfg *config.Config, st *store.Store, cw Helpdesk, llm agents.LLM) *Job {
	return &Job{cfg: cfg, store: st, cw: cw, llm: llm, now: time.Now}
}

// SetNow overrides the clock. Tests use it to control silence windows.
func (j *Job) SetNow(fn func() time.Time) { j.now = fn }

// Schedule registers the job on the cron using the configured schedule.
func (j *Job) Schedule(c *cron.Cron) (cron.EntryID, error) {
	id, err := c.AddFunc(j.cfg.Warmup.Schedule, func() {
		stats := j.Run(context.Background())
		logger.G(context.Background()).Info(stats.Summary())
	})
	if err != nil {
		return 0, errors.Wrapf(err, "bad warmup schedule %q", j.cfg.Warmup.Schedule)
	}
	return id, nil
}

// Run performs one warmup pass and returns per-status counters.
func (j *Job) Run(ctx context.Context) *Stats {
	stats := NewStats(j.now())
	defer func() { stats.Finish(j.now()) }()

	inboxes, err := j.store.ActiveInboxes(ctx, j.cfg.AllInboxIDs())
	if err != nil {
		logger.G(ctx).WithError(err).Error("warmup: active inbox lookup failed")
		return stats
	}

	for _, inboxID := range inboxes {
		ids, err := j.cw.OpenConversationIDs(ctx, inboxID)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("inbox", inboxID).Error("warmup: open conversation listing failed")
			continue
		}

		sent := 0
		for _, convID := range ids {
			if sent >= perRunLimit {
				break
			}
			status, err := j.processConversation(ctx, convID)
			stats.Register(inboxID, convID, status, err)
			if err != nil {
				logger.G(ctx).WithError(err).WithField("conversation", convID).Warn("warmup failed")
			}
			if status == statusSent {
				sent++
			}
		}
	}
	return stats
}

func (j *Job) processConversation(ctx context.Context, convID int) (string, error) {
	now := j.now()

	stopped, err := j.cw.IsStoppedCommunication(ctx, convID, j.cfg.Warmup.SilenceDays, now)
	if err != nil {
		return statusError, err
	}
	if !stopped {
		return statusSkipped, nil
	}

	state, err := j.store.GetConversationState(ctx, convID)
	if err != nil {
		return statusError, err
	}
	number := 1
	if state != nil {
		if state.NextMeetingDatetime != nil && state.NextMeetingDatetime.After(now) {
			// A meeting is on the calendar; pestering before it would hurt.
			return statusWaitDate, nil
		}
		if state.WarmupNumber >= j.cfg.Warmup.MaxMessages {
			if _, err := j.cw.CloseConversation(ctx, convID); err != nil {
				return statusError, err
			}
			return statusCompleted, nil
		}
		number = state.WarmupNumber + 1
	}

	message, err := j.write(ctx, convID)
	if err != nil {
		return statusError, err
	}

	if _, err := j.cw.SendMessage(ctx, convID, message, chatwoot.MessageTypeOutgoing, false); err != nil {
		return statusError, err
	}
	note := fmt.Sprintf(warmupNotePattern, number)
	if _, err := j.cw.SendMessage(ctx, convID, note, chatwoot.MessageTypeOutgoing, true); err != nil {
		logger.G(ctx).WithError(err).WithField("conversation", convID).Warn("warmup note failed")
	}
	if err := j.store.BumpWarmup(ctx, convID, now); err != nil {
		return statusError, err
	}
	return statusSent, nil
}

// write asks the LLM for the follow-up text based on the whole dialog.
func (j *Job) write(ctx context.Context, convID int) (string, error) {
	messages, err := j.cw.GetAllMessages(ctx, convID)
	if err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model: j.cfg.OpenAI.Model,
		Messages: append([]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: writerPrompt},
		}, agents.BuildHistory(messages)...),
	}
	resp, err := j.llm.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", errors.Wrapf(err, "warmup completion failed for conversation %d", convID)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.Errorf("warmup completion for conversation %d returned no text", convID)
	}
	return resp.Choices[0].Message.Content, nil
}
