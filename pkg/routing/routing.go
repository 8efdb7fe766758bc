// Package routing selects the transport for an outbound contact: sticky
// per-contact assignments with round-robin rotation over the currently
// active inboxes of an (agent, kind) bucket.
package routing

import (
	"context"
	"time"

	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/phone"
	"github.com/mbkchat/relay/pkg/store"
	"github.com/pkg/errors"
)

// Lock acquisition is bounded: a stuck holder must not wedge webhooks.
const (
	lockRetries  = 25
	lockInterval = 200 * time.Millisecond
)

// ErrNoActiveTransport is returned when the bucket has no active inbox.
var ErrNoActiveTransport = errors.New("no active transport for bucket")

// ErrLockTimeout is returned when the advisory lock could not be taken
// within the retry budget.
var ErrLockTimeout = errors.New("timed out waiting for routing lock")

// Engine picks transports using the persisted routing state.
type Engine struct {
	cfg   *config.Config
	store *store.Store

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a routing engine.
func New(cfg *config.Config, st *store.Store) *Engine {
	return &Engine{cfg: cfg, store: st, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PickTransport returns the transport that should carry messages to the
// phone within the (agent, kind) bucket. The result is sticky: a contact
// keeps its inbox while that inbox stays active. New or invalidated
// assignments rotate round-robin over the active candidates, serialized by
// a cross-process advisory lock.
func (e *Engine) PickTransport(ctx context.Context, agentCode, kind, rawPhone string) (*config.Transport, error) {
	normalized := phone.Identifier(rawPhone)

	candidates, err := e.activeCandidates(ctx, agentCode, kind)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.Wrapf(ErrNoActiveTransport, "%s:%s", agentCode, kind)
	}

	// Sticky fast path, no lock.
	if t, ok := e.stickyCandidate(ctx, normalized, agentCode, kind, candidates); ok {
		return t, nil
	}

	key := store.LockKey(agentCode, kind)
	if err := e.lock(ctx, key); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.store.AdvisoryUnlock(ctx, key); err != nil {
			logger.G(ctx).WithError(err).Errorf("failed to release routing lock of %s:%s", agentCode, kind)
		}
	}()

	// Another task may have assigned the contact while we waited.
	if t, ok := e.stickyCandidate(ctx, normalized, agentCode, kind, candidates); ok {
		return t, nil
	}

	index, err := e.store.RotateCursor(ctx, agentCode, kind, len(candidates))
	if err != nil {
		return nil, err
	}
	selected := candidates[index]

	if err := e.store.UpsertContactRouting(ctx, normalized, agentCode, kind, selected.InboxID); err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("phone", normalized).
		WithField("inbox_id", selected.InboxID).
		Debugf("assigned %s to %s:%s", normalized, agentCode, kind)
	return selected, nil
}

// activeCandidates returns the bucket's transports in configuration order,
// filtered to the active inboxes.
func (e *Engine) activeCandidates(ctx context.Context, agentCode, kind string) ([]*config.Transport, error) {
	transports := e.cfg.Transports(agentCode, config.TransportKind(kind))
	if len(transports) == 0 {
		return nil, nil
	}

	inboxIDs := make([]int, len(transports))
	for i, t := range transports {
		inboxIDs[i] = t.InboxID
	}
	activeIDs, err := e.store.ActiveInboxes(ctx, inboxIDs)
	if err != nil {
		return nil, err
	}

	activeSet := make(map[int]bool, len(activeIDs))
	for _, id := range activeIDs {
		activeSet[id] = true
	}
	var candidates []*config.Transport
	for _, t := range transports {
		if activeSet[t.InboxID] {
			candidates = append(candidates, t)
		}
	}
	return candidates, nil
}

func (e *Engine) stickyCandidate(ctx context.Context, normalizedPhone, agentCode, kind string, candidates []*config.Transport) (*config.Transport, bool) {
	inboxID, found, err := e.store.GetContactInbox(ctx, normalizedPhone, agentCode, kind)
	if err != nil {
		logger.G(ctx).WithError(err).Warnf("sticky lookup failed for %s, falling through to rotation", normalizedPhone)
		return nil, false
	}
	if !found {
		return nil, false
	}
	for _, t := range candidates {
		if t.InboxID == inboxID {
			return t, true
		}
	}
	// The assigned inbox went inactive; the caller re-assigns under lock.
	return nil, false
}

func (e *Engine) lock(ctx context.Context, key int64) error {
	for attempt := 0; attempt < lockRetries; attempt++ {
		ok, err := e.store.TryAdvisoryLock(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := e.sleep(ctx, lockInterval); err != nil {
			return err
		}
	}
	return ErrLockTimeout
}
