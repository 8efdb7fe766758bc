package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbkchat/relay/pkg/db"
	"github.com/mbkchat/relay/pkg/db/migrations"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	require.NoError(t, db.RunMigrations(ctx, dbPath, migrations.All()))

	sqlDB, err := db.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return New(sqlDB)
}

func TestLockKeyIsStable(t *testing.T) {
	// The key is shared across processes; it must never change for a
	// given bucket.
	key := LockKey("maksim", "wa")
	assert.Equal(t, key, LockKey("maksim", "wa"))
	assert.NotEqual(t, key, LockKey("maksim", "tg"))
	assert.NotEqual(t, key, LockKey("maksi", "mwa"))
}

func TestAdvisoryLockMutualExclusion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := LockKey("maksim", "wa")

	ok, err := s.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AdvisoryUnlock(ctx, key))
	ok, err = s.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestActivationAndStickyRouting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureInboxes(ctx, []int{3, 15}))
	active, err := s.ActiveInboxes(ctx, []int{3, 15})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 15}, active)

	require.NoError(t, s.SetInboxActive(ctx, 3, false))
	active, err = s.ActiveInboxes(ctx, []int{3, 15})
	require.NoError(t, err)
	assert.Equal(t, []int{15}, active)

	_, found, err := s.GetContactInbox(ctx, "79991112233", "maksim", "wa")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.UpsertContactRouting(ctx, "79991112233", "maksim", "wa", 15))
	inbox, found, err := s.GetContactInbox(ctx, "79991112233", "maksim", "wa")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 15, inbox)

	// Re-assignment overwrites in place.
	require.NoError(t, s.UpsertContactRouting(ctx, "79991112233", "maksim", "wa", 3))
	inbox, _, err = s.GetContactInbox(ctx, "79991112233", "maksim", "wa")
	require.NoError(t, err)
	assert.Equal(t, 3, inbox)
}

func TestRotateCursorWrapsAround(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, want := range []int{0, 1, 0, 1, 0} {
		got, err := s.RotateCursor(ctx, "maksim", "wa", 2)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := s.RotateCursor(ctx, "maksim", "wa", 0)
	assert.Error(t, err)
}

func TestDealUpsertAndMonotonicCursors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	portal := "forestvologda.bitrix24.ru"

	require.NoError(t, s.UpsertDeal(ctx, portal, 1234, "SALES", 7, "NEW"))
	require.NoError(t, s.UpsertDeal(ctx, portal, 1234, "SALES", 7, "PREPARATION"))

	deal, err := s.GetDeal(ctx, portal, 1234)
	require.NoError(t, err)
	require.NotNil(t, deal)
	assert.Equal(t, "PREPARATION", deal.StageID)
	assert.Equal(t, int64(0), deal.LastSyncCommentID)
	assert.Nil(t, deal.LastTranscribedCall)

	require.NoError(t, s.BumpLastSyncCommentID(ctx, portal, 1234, 52))
	require.NoError(t, s.BumpLastSyncCommentID(ctx, portal, 1234, 50)) // no-op, smaller
	deal, err = s.GetDeal(ctx, portal, 1234)
	require.NoError(t, err)
	assert.Equal(t, int64(52), deal.LastSyncCommentID)

	later := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)
	require.NoError(t, s.BumpLastTranscribedCall(ctx, portal, 1234, later))
	require.NoError(t, s.BumpLastTranscribedCall(ctx, portal, 1234, earlier)) // no-op
	deal, err = s.GetDeal(ctx, portal, 1234)
	require.NoError(t, err)
	require.NotNil(t, deal.LastTranscribedCall)
	assert.Equal(t, later, *deal.LastTranscribedCall)
}

func TestDealLinkPrimarySelection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	portal := "forestvologda.bitrix24.ru"

	created, err := s.LinkDealWithConversation(ctx, portal, 1234, 101, 3, 42)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.LinkDealWithConversation(ctx, portal, 1234, 101, 3, 42)
	require.NoError(t, err)
	assert.False(t, created, "duplicate link is a no-op")

	_, err = s.LinkDealWithConversation(ctx, portal, 1234, 102, 15, 42)
	require.NoError(t, err)

	ok, err := s.SetPrimary(ctx, portal, 1234, 101)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetPrimary(ctx, portal, 1234, 999)
	require.NoError(t, err)
	assert.False(t, ok, "unknown conversation cannot become primary")

	links, err := s.GetLinksForDeal(ctx, portal, 1234)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, 101, links[0].ConversationID)
	assert.True(t, links[0].IsPrimary)

	selected, err := s.GetSelectedConversationID(ctx, portal, 1234)
	require.NoError(t, err)
	assert.Equal(t, 101, selected)

	// Primary moves atomically.
	ok, err = s.SetPrimary(ctx, portal, 1234, 102)
	require.NoError(t, err)
	assert.True(t, ok)
	selected, err = s.GetSelectedConversationID(ctx, portal, 1234)
	require.NoError(t, err)
	assert.Equal(t, 102, selected)
}

func TestEventMutex(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	code := DealEventCode("forestvologda.bitrix24.ru", 1234, "STAGE")
	assert.Equal(t, "forestvologda.bitrix24.ru:DEAL:1234:STAGE", code)
	assert.Equal(t, "p:DEAL:1", DealEventCode("p", 1, ""))

	ok, err := s.AcquireEvent(ctx, code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireEvent(ctx, code)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire while running must fail")

	require.NoError(t, s.ReleaseEvent(ctx, code, errors.New("sync failed")))
	ok, err = s.AcquireEvent(ctx, code)
	require.NoError(t, err)
	assert.True(t, ok, "released lock is reacquirable")
}

func TestTranscriptionJobLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	portal := "forestvologda.bitrix24.ru"

	created, err := s.EnqueueTranscription(ctx, portal, 1234)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnqueueTranscription(ctx, portal, 1234)
	require.NoError(t, err)
	assert.False(t, created, "active job dedupes the pair")

	ids, err := s.PickDueJobs(ctx, 6)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	claimed, err := s.ClaimJob(ctx, ids[0], 1500*time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimJob(ctx, ids[0], 1500*time.Second)
	require.NoError(t, err)
	assert.False(t, claimed, "running job with live lease is not claimable")

	job, err := s.GetJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempt)

	// Failure path: reschedule and reclaim after next_run_at.
	require.NoError(t, s.RetryJob(ctx, ids[0], errors.New("download failed"), s.now()))
	created, err = s.EnqueueTranscription(ctx, portal, 1234)
	require.NoError(t, err)
	assert.False(t, created, "retry status still counts as active")

	ids, err = s.PickDueJobs(ctx, 6)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	claimed, err = s.ClaimJob(ctx, ids[0], 1500*time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, s.FinishJob(ctx, ids[0]))
	job, err = s.GetJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)

	created, err = s.EnqueueTranscription(ctx, portal, 1234)
	require.NoError(t, err)
	assert.True(t, created, "done job frees the pair")
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	current := base
	s.SetClock(func() time.Time { return current })

	_, err := s.EnqueueTranscription(ctx, "p", 1)
	require.NoError(t, err)
	ids, err := s.PickDueJobs(ctx, 6)
	require.NoError(t, err)
	claimed, err := s.ClaimJob(ctx, ids[0], 1500*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	// Lease expires; the dispatcher sees the job again.
	current = base.Add(1501 * time.Second)
	ids, err = s.PickDueJobs(ctx, 6)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	claimed, err = s.ClaimJob(ctx, ids[0], 1500*time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)

	job, err := s.GetJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempt)
}

func TestRetryJobTrimsError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.EnqueueTranscription(ctx, "p", 1)
	require.NoError(t, err)
	ids, err := s.PickDueJobs(ctx, 1)
	require.NoError(t, err)

	long := make([]rune, 3000)
	for i := range long {
		long[i] = 'ж'
	}
	require.NoError(t, s.RetryJob(ctx, ids[0], errors.New(string(long)), s.now()))

	var stored string
	require.NoError(t, s.db.Get(&stored, `SELECT last_error FROM transcription_job WHERE id = ?`, ids[0]))
	assert.Len(t, []rune(stored), 2000)
}

func TestProcessedCallUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProcessedCall(ctx, "p", "call-1", 1234, "", "download failed"))
	call, err := s.GetProcessedCall(ctx, "p", "call-1")
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, "download failed", call.Error.String)
	assert.False(t, call.SentToBx)

	require.NoError(t, s.UpsertProcessedCall(ctx, "p", "call-1", 1234, "Здравствуйте ...", ""))
	require.NoError(t, s.MarkCallSent(ctx, "p", "call-1"))
	call, err = s.GetProcessedCall(ctx, "p", "call-1")
	require.NoError(t, err)
	assert.Equal(t, "Здравствуйте ...", call.Transcription.String)
	assert.False(t, call.Error.Valid)
	assert.True(t, call.SentToBx)

	missing, err := s.GetProcessedCall(ctx, "p", "call-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestConversationState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state, err := s.GetConversationState(ctx, 9)
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, s.SetLastMessageID(ctx, 9, 10))
	require.NoError(t, s.SetLastMessageID(ctx, 9, 11))
	id, err := s.GetLastMessageID(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)

	meeting := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetNextMeeting(ctx, 9, meeting))
	require.NoError(t, s.SetAgentContactSent(ctx, 9))
	require.NoError(t, s.BumpWarmup(ctx, 9, meeting))
	require.NoError(t, s.BumpWarmup(ctx, 9, meeting.Add(48*time.Hour)))

	state, err = s.GetConversationState(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.AgentContactSent)
	assert.Equal(t, 2, state.WarmupNumber)
	require.NotNil(t, state.NextMeetingDatetime)
	assert.Equal(t, meeting, *state.NextMeetingDatetime)
	require.NotNil(t, state.LastWarmupDate)
	assert.Equal(t, meeting.Add(48*time.Hour), *state.LastWarmupDate)
}

func TestPortalTokenRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token, err := s.GetPortalToken(ctx, "unknown.bitrix24.ru")
	require.NoError(t, err)
	assert.Nil(t, token)

	refreshedAt := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SavePortalToken(ctx, "p.bitrix24.ru", "access-1", "refresh-1", refreshedAt, true))
	require.NoError(t, s.SavePortalToken(ctx, "p.bitrix24.ru", "access-2", "refresh-2", refreshedAt.Add(time.Hour), false))

	token, err = s.GetPortalToken(ctx, "p.bitrix24.ru")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "access-2", token.AuthToken)
	assert.Equal(t, "refresh-2", token.RefreshToken)
	assert.False(t, token.IsActive)
	assert.Equal(t, refreshedAt.Add(time.Hour), token.RefreshedAt)
}
