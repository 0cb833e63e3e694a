package calendarsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"calsync-cloud/store"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCalendar records calls and serves canned responses.
type fakeCalendar struct {
	mu sync.Mutex

	list      func(req ListRequest) (*calendar.Events, error)
	insert    func(calendarID string, ev *calendar.Event) (*calendar.Event, error)
	update    func(calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error)
	deleteErr error
	watch     func(calendarID string, ch *calendar.Channel) (*calendar.Channel, error)
	stopErr   error

	listCalls   []ListRequest
	inserted    []*calendar.Event
	updated     []string
	deleted     []string
	watched     []*calendar.Channel
	stopped     []string
	insertCount int
}

func (f *fakeCalendar) ForConnection(string) CalendarAPI { return f }

func (f *fakeCalendar) ListEvents(_ context.Context, req ListRequest) (*calendar.Events, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, req)
	f.mu.Unlock()
	if f.list == nil {
		return &calendar.Events{NextSyncToken: "token-1"}, nil
	}
	return f.list(req)
}

func (f *fakeCalendar) InsertEvent(_ context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	f.inserted = append(f.inserted, ev)
	f.insertCount++
	n := f.insertCount
	f.mu.Unlock()
	if f.insert != nil {
		return f.insert(calendarID, ev)
	}
	return &calendar.Event{Id: fmt.Sprintf("g-new-%d", n), Etag: fmt.Sprintf(`"etag-new-%d"`, n)}, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	f.updated = append(f.updated, eventID)
	f.mu.Unlock()
	if f.update != nil {
		return f.update(calendarID, eventID, ev)
	}
	return &calendar.Event{Id: eventID, Etag: `"etag-updated"`}, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ string, eventID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, eventID)
	f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeCalendar) Watch(_ context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error) {
	f.mu.Lock()
	f.watched = append(f.watched, ch)
	f.mu.Unlock()
	if f.watch != nil {
		return f.watch(calendarID, ch)
	}
	return &calendar.Channel{Id: ch.Id, ResourceId: "resource-" + ch.Id, Expiration: ch.Expiration}, nil
}

func (f *fakeCalendar) StopChannel(_ context.Context, channelID, _ string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, channelID)
	f.mu.Unlock()
	return f.stopErr
}

func (f *fakeCalendar) ListCalendars(context.Context) ([]*calendar.CalendarListEntry, error) {
	return []*calendar.CalendarListEntry{{Id: "primary", Summary: "Primary", Primary: true}}, nil
}

type fixture struct {
	store *store.Store
	conn  *store.Connection
	cal   *store.InternalCalendar
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "calsync.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	st.Now = func() time.Time { return testNow }

	conn, err := st.UpsertConnection(ctx, &store.Connection{
		UserID:         "user-1",
		WorkspaceID:    "ws-1",
		GoogleEmail:    "user@example.com",
		AccessToken:    "access",
		RefreshToken:   "refresh",
		TokenExpiresAt: testNow.Add(time.Hour),
	})
	require.NoError(t, err)

	cal := &store.InternalCalendar{WorkspaceID: "ws-1", Name: "Team", IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))
	return &fixture{store: st, conn: conn, cal: cal}
}

func (f *fixture) addSync(t *testing.T, calendarID, direction string) *store.CalendarSync {
	t.Helper()
	s := &store.CalendarSync{
		ConnectionID:     f.conn.ID,
		WorkspaceID:      f.conn.WorkspaceID,
		GoogleCalendarID: calendarID,
		SyncEnabled:      true,
		SyncDirection:    direction,
	}
	require.NoError(t, f.store.CreateSync(context.Background(), s))
	return s
}

func (f *fixture) addEvent(t *testing.T, e *store.Event) *store.Event {
	t.Helper()
	e.WorkspaceID = f.conn.WorkspaceID
	e.InternalCalendarID = &f.cal.ID
	if e.StartTime.IsZero() {
		e.StartTime = testNow.Add(24 * time.Hour)
		e.EndTime = e.StartTime.Add(time.Hour)
	}
	require.NoError(t, f.store.InsertEvent(context.Background(), e))
	return e
}

func (f *fixture) puller(api Provider) *Puller {
	p := NewPuller(f.store, api, nil, quietLogger())
	p.now = func() time.Time { return testNow }
	return p
}

func (f *fixture) pusher(api Provider) *Pusher {
	p := NewPusher(f.store, api, nil, time.UTC, quietLogger())
	p.now = func() time.Time { return testNow }
	return p
}

func remoteEvent(id, etag, summary string, updated time.Time) *calendar.Event {
	start := testNow.Add(48 * time.Hour)
	return &calendar.Event{
		Id:      id,
		Etag:    etag,
		Status:  "confirmed",
		Summary: summary,
		Updated: updated.Format(time.RFC3339),
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: start.Add(time.Hour).Format(time.RFC3339)},
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
