package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "calsync.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConnection(t *testing.T, s *Store, workspaceID, userID string) *Connection {
	t.Helper()
	c, err := s.UpsertConnection(context.Background(), &Connection{
		UserID:         userID,
		WorkspaceID:    workspaceID,
		GoogleEmail:    userID + "@example.com",
		AccessToken:    "access",
		RefreshToken:   "refresh",
		TokenExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return c
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", Options{})
	require.Error(t, err)
}

func TestUpsertConnectionResetsExistingGrant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := seedConnection(t, s, "ws-1", "user-1")
	require.NoError(t, s.SetConnectionError(ctx, first.ID, "[retry:3] boom", false))
	require.NoError(t, s.MarkConnectionSynced(ctx, first.ID, time.Now()))
	require.NoError(t, s.SetConnectionError(ctx, first.ID, "[retry:3] boom", false))

	again, err := s.UpsertConnection(ctx, &Connection{
		UserID:         "user-1",
		WorkspaceID:    "ws-1",
		GoogleEmail:    "new@example.com",
		AccessToken:    "access-2",
		TokenExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.IsActive)
	assert.Nil(t, again.SyncError)
	assert.Nil(t, again.LastSyncAt)
	assert.Equal(t, "access-2", again.AccessToken)
	assert.Equal(t, "refresh", again.RefreshToken, "refresh token kept when Google omits it")
	assert.Equal(t, "new@example.com", again.GoogleEmail)
}

func TestUpdateConnectionTokenClearsError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedConnection(t, s, "ws-1", "user-1")

	require.NoError(t, s.SetConnectionError(ctx, c.ID, "refresh failed", true))
	expiry := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateConnectionToken(ctx, c.ID, "fresh", "", expiry))

	got, err := s.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.True(t, expiry.Equal(got.TokenExpiresAt))
	assert.Nil(t, got.SyncError)

	assert.ErrorIs(t, s.UpdateConnectionToken(ctx, "missing", "x", "", expiry), ErrNotFound)
}

func TestListStaleAndErroredConnections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	never := seedConnection(t, s, "ws-1", "never")
	fresh := seedConnection(t, s, "ws-1", "fresh")
	old := seedConnection(t, s, "ws-1", "old")
	broken := seedConnection(t, s, "ws-1", "broken")
	inactive := seedConnection(t, s, "ws-1", "inactive")

	now := time.Now().UTC()
	require.NoError(t, s.MarkConnectionSynced(ctx, fresh.ID, now))
	require.NoError(t, s.MarkConnectionSynced(ctx, old.ID, now.Add(-10*time.Minute)))
	require.NoError(t, s.SetConnectionError(ctx, broken.ID, "[retry:1] boom", true))
	require.NoError(t, s.SetConnectionError(ctx, inactive.ID, "[retry:3] boom", false))

	stale, err := s.ListStaleConnections(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{never.ID, old.ID}, ids)

	errored, err := s.ListErroredConnections(ctx)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, broken.ID, errored[0].ID)
}

func TestDeleteConnectionCascadesSyncs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedConnection(t, s, "ws-1", "user-1")

	sync := &CalendarSync{ConnectionID: c.ID, WorkspaceID: "ws-1", GoogleCalendarID: "primary", SyncEnabled: true}
	require.NoError(t, s.CreateSync(ctx, sync))

	require.NoError(t, s.DeleteConnection(ctx, c.ID))

	_, err := s.GetConnection(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSync(ctx, sync.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteConnection(ctx, c.ID), ErrNotFound)
}

func TestCalendarSyncWebhookLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedConnection(t, s, "ws-1", "user-1")

	sync := &CalendarSync{ConnectionID: c.ID, WorkspaceID: "ws-1", GoogleCalendarID: "primary", SyncEnabled: true}
	require.NoError(t, s.CreateSync(ctx, sync))
	assert.Equal(t, DirectionBoth, sync.SyncDirection)

	exp := time.Now().Add(24 * time.Hour)
	require.NoError(t, s.SetWebhook(ctx, sync.ID, "chan-1", "res-1", exp))

	byChannel, err := s.GetSyncByChannel(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, sync.ID, byChannel.ID)
	assert.Equal(t, "res-1", deref(byChannel.WebhookResourceID))

	expiring, err := s.ListExpiringWebhooks(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, expiring, 1)

	expiring, err = s.ListExpiringWebhooks(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expiring)

	require.NoError(t, s.ClearWebhook(ctx, sync.ID))
	_, err = s.GetSyncByChannel(ctx, "chan-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedConnection(t, s, "ws-1", "user-1")
	sync := &CalendarSync{ConnectionID: c.ID, WorkspaceID: "ws-1", GoogleCalendarID: "primary", SyncEnabled: true}
	require.NoError(t, s.CreateSync(ctx, sync))

	require.NoError(t, s.SetSyncError(ctx, sync.ID, "boom"))
	token := "cursor-1"
	require.NoError(t, s.UpdateSyncCursor(ctx, sync.ID, &token, time.Now()))

	got, err := s.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", deref(got.LastSyncToken))
	assert.Nil(t, got.SyncError)
	assert.NotNil(t, got.LastSyncAt)

	require.NoError(t, s.ClearSyncToken(ctx, sync.ID))
	got, err = s.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastSyncToken)
}

func TestGoogleEventIDUniquePerWorkspace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	gid := "g-1"
	now := time.Now()

	require.NoError(t, s.InsertEvent(ctx, &Event{WorkspaceID: "ws-1", Title: "a", StartTime: now, EndTime: now, GoogleEventID: &gid}))
	require.Error(t, s.InsertEvent(ctx, &Event{WorkspaceID: "ws-1", Title: "b", StartTime: now, EndTime: now, GoogleEventID: &gid}))
	require.NoError(t, s.InsertEvent(ctx, &Event{WorkspaceID: "ws-2", Title: "c", StartTime: now, EndTime: now, GoogleEventID: &gid}))

	// Unlinked local events do not collide.
	require.NoError(t, s.InsertEvent(ctx, &Event{WorkspaceID: "ws-1", Title: "d", StartTime: now, EndTime: now}))
	require.NoError(t, s.InsertEvent(ctx, &Event{WorkspaceID: "ws-1", Title: "e", StartTime: now, EndTime: now}))
}

func TestEventAttendeesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()
	e := &Event{
		WorkspaceID: "ws-1",
		Title:       "standup",
		StartTime:   now,
		EndTime:     now.Add(time.Hour),
		Attendees:   Attendees{{Email: "a@example.com", Name: "A", Status: "accepted"}},
	}
	require.NoError(t, s.InsertEvent(ctx, e))

	got, err := s.GetEvent(ctx, "ws-1", e.ID)
	require.NoError(t, err)
	require.Len(t, got.Attendees, 1)
	assert.Equal(t, "accepted", got.Attendees[0].Status)
	assert.Equal(t, SourceLocal, got.Source)
	assert.Equal(t, StatusConfirmed, got.EventStatus)
}

func TestPendingPushExcludesProviderEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	local := &Event{WorkspaceID: "ws-1", Title: "local", StartTime: now, EndTime: now, NeedsGoogleSync: true}
	remote := &Event{WorkspaceID: "ws-1", Title: "remote", StartTime: now, EndTime: now, NeedsGoogleSync: true, Source: SourceProvider}
	clean := &Event{WorkspaceID: "ws-1", Title: "clean", StartTime: now, EndTime: now}
	for _, e := range []*Event{local, remote, clean} {
		require.NoError(t, s.InsertEvent(ctx, e))
	}

	pending, err := s.ListPendingPush(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, local.ID, pending[0].ID)

	require.NoError(t, s.MarkEventPushed(ctx, local.ID, "g-9", "etag-9", "sync-1", now))
	pending, err = s.ListPendingPush(ctx, "ws-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := s.GetEvent(ctx, "ws-1", local.ID)
	require.NoError(t, err)
	assert.Equal(t, "g-9", deref(got.GoogleEventID))
	assert.Equal(t, "etag-9", deref(got.GoogleEtag))
	assert.False(t, got.NeedsGoogleSync)
}

func TestRecordConflictSnapshotsLocalVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	gid := "g-1"
	now := time.Now()
	e := &Event{WorkspaceID: "ws-1", Title: "local edit", StartTime: now, EndTime: now, GoogleEventID: &gid}
	require.NoError(t, s.InsertEvent(ctx, e))

	_, err := s.RecordConflict(ctx, e, now.Add(time.Minute))
	require.NoError(t, err)

	conflicts, err := s.ListConflicts(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Contains(t, conflicts[0].LocalVersion, "local edit")
	assert.Equal(t, "g-1", conflicts[0].GoogleEventID)
}

func TestEnqueueSwallowsDuplicatePending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Enqueue(ctx, "conn-1", "ws-1", SyncTypeIncremental, PriorityNormal)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "conn-1", "ws-1", SyncTypeWebhook, PriorityWebhook)
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	n, err := s.CountQueue(ctx, "ws-1", QueuePending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClaimPendingOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	s.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	oldManual, err := s.Enqueue(ctx, "conn-a", "ws-1", SyncTypeIncremental, PriorityNormal)
	require.NoError(t, err)
	newManual, err := s.Enqueue(ctx, "conn-b", "ws-1", SyncTypeFull, PriorityNormal)
	require.NoError(t, err)
	webhook, err := s.Enqueue(ctx, "conn-c", "ws-1", SyncTypeWebhook, PriorityWebhook)
	require.NoError(t, err)

	claimed, err := s.ClaimPending(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, webhook.ID, claimed[0].ID)
	assert.Equal(t, oldManual.ID, claimed[1].ID)
	assert.Equal(t, newManual.ID, claimed[2].ID)
	for _, item := range claimed {
		assert.Equal(t, QueueProcessing, item.Status)
		assert.Equal(t, "worker-1", deref(item.WorkerID))
	}

	// Nothing left for a second worker while the leases hold.
	again, err := s.ClaimPending(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimPendingReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	item, err := s.Enqueue(ctx, "conn-a", "ws-1", SyncTypeIncremental, PriorityNormal)
	require.NoError(t, err)

	claimed, err := s.ClaimPending(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	now = now.Add(2 * time.Minute)
	reclaimed, err := s.ClaimPending(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, item.ID, reclaimed[0].ID)

	// The original worker lost the item and cannot finish it.
	assert.ErrorIs(t, s.CompleteItem(ctx, item.ID, "worker-1"), ErrNotFound)
	require.NoError(t, s.CompleteItem(ctx, item.ID, "worker-2"))

	got, err := s.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCompleted, got.Status)
}

func TestPurgeTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	done, err := s.Enqueue(ctx, "conn-a", "ws-1", SyncTypeIncremental, PriorityNormal)
	require.NoError(t, err)
	failed, err := s.Enqueue(ctx, "conn-b", "ws-1", SyncTypeIncremental, PriorityNormal)
	require.NoError(t, err)
	_, err = s.ClaimPending(ctx, "w", 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.CompleteItem(ctx, done.ID, "w"))
	require.NoError(t, s.FailItem(ctx, failed.ID, "w", "boom"))

	recent, err := s.Enqueue(ctx, "conn-c", "ws-1", SyncTypeIncremental, PriorityNormal)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	n, err := s.PurgeTerminal(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.GetQueueItem(ctx, recent.ID)
	require.NoError(t, err, "pending items survive the purge")
}

func TestSyncLogLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	l := &SyncLog{WorkspaceID: "ws-1", Operation: OpWebhookReceived}
	require.NoError(t, s.StartLog(ctx, l))
	require.NoError(t, s.FinishLog(ctx, l.ID, 2, 1, 0, "", 1500*time.Millisecond))

	logs, err := s.RecentLogs(ctx, "ws-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, LogSuccess, logs[0].Status)
	assert.Equal(t, 2, logs[0].EventsCreated)
	require.NotNil(t, logs[0].DurationMS)
	assert.Equal(t, int64(1500), *logs[0].DurationMS)

	failed := &SyncLog{WorkspaceID: "ws-1", Operation: OpManualSync}
	require.NoError(t, s.StartLog(ctx, failed))
	require.NoError(t, s.FinishLog(ctx, failed.ID, 0, 0, 0, "boom", time.Second))
	got, err := s.RecentLogs(ctx, "ws-1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestClaimItemIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	item, err := s.Enqueue(ctx, "conn-1", "ws-1", SyncTypeFull, PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, s.ClaimItem(ctx, item.ID, "manual-a", time.Minute))
	assert.ErrorIs(t, s.ClaimItem(ctx, item.ID, "manual-b", time.Minute), ErrNotFound)

	assert.ErrorIs(t, s.CompleteItem(ctx, item.ID, "manual-b"), ErrNotFound)
	require.NoError(t, s.CompleteItem(ctx, item.ID, "manual-a"))

	got, err := s.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueCompleted, got.Status)
}
