package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"calsync-cloud/cache"
	"calsync-cloud/calendarsync"
	"calsync-cloud/feed"
	"calsync-cloud/security"
	"calsync-cloud/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "hook-secret"
	testCronSecret    = "cron-secret"
	testAppURL        = "https://app.example.com"
	testOrigin        = "https://app.example.com"
)

var testNow = time.Now().UTC().Truncate(time.Second)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCalendar is an in-memory Google Calendar for one or more connections.
type fakeCalendar struct {
	mu sync.Mutex

	items     []*calendar.Event
	listErr   error
	calendars []*calendar.CalendarListEntry
	deleteErr error
	watchErr  error

	listCalls     int
	calendarCalls int
	inserted      []*calendar.Event
	deleted       []string
	watched       []string
	stopped       []string
	nextID        int
}

func (f *fakeCalendar) ForConnection(string) calendarsync.CalendarAPI { return f }

func (f *fakeCalendar) ListEvents(context.Context, calendarsync.ListRequest) (*calendar.Events, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &calendar.Events{Items: f.items, NextSyncToken: fmt.Sprintf("token-%d", f.listCalls)}, nil
}

func (f *fakeCalendar) InsertEvent(_ context.Context, _ string, ev *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.inserted = append(f.inserted, ev)
	return &calendar.Event{Id: fmt.Sprintf("g-new-%d", f.nextID), Etag: `"new"`}, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _, eventID string, _ *calendar.Event) (*calendar.Event, error) {
	return &calendar.Event{Id: eventID, Etag: `"updated"`}, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, eventID)
	return f.deleteErr
}

func (f *fakeCalendar) Watch(_ context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, calendarID)
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &calendar.Channel{Id: ch.Id, ResourceId: "res-" + calendarID, Expiration: ch.Expiration}, nil
}

func (f *fakeCalendar) StopChannel(_ context.Context, channelID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, channelID)
	return nil
}

func (f *fakeCalendar) ListCalendars(context.Context) ([]*calendar.CalendarListEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendarCalls++
	return f.calendars, nil
}

// storeTokens satisfies tokenValidator without talking to Google.
type storeTokens struct {
	store *store.Store
	err   error
}

func (s *storeTokens) EnsureValidToken(ctx context.Context, connectionID string) (*store.Connection, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.store.GetConnection(ctx, connectionID)
}

// googleStub serves the OAuth token, userinfo and revoke endpoints.
type googleStub struct {
	srv        *httptest.Server
	tokenFails bool
	revoked    []string
	mu         sync.Mutex
}

func newGoogleStub(t *testing.T) *googleStub {
	gs := &googleStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		gs.mu.Lock()
		fail := gs.tokenFails
		gs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		io.WriteString(w, `{"access_token":"fresh","refresh_token":"refresh-2","token_type":"Bearer","expires_in":3600,"scope":"calendar"}`)
	})
	mux.HandleFunc("/oauth2/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"google-123","email":"owner@example.com"}`)
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gs.mu.Lock()
		gs.revoked = append(gs.revoked, r.Form.Get("token"))
		gs.mu.Unlock()
	})
	gs.srv = httptest.NewServer(mux)
	t.Cleanup(gs.srv.Close)
	return gs
}

type testEnv struct {
	store  *store.Store
	mr     *miniredis.Miniredis
	redis  *redis.Client
	api    *fakeCalendar
	google *googleStub
	tokens *storeTokens
	srv    *server
	router *mux.Router
	conn   *store.Connection
	cal    *store.InternalCalendar
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "calsync.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gs := newGoogleStub(t)
	tm := security.NewTokenManager(st, security.OAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://api.example.com/google-oauth/callback",
		Endpoint:     &oauth2.Endpoint{AuthURL: gs.srv.URL + "/auth", TokenURL: gs.srv.URL + "/token"},
	}, quietLogger())
	tm.HTTPClient = gs.srv.Client()

	api := &fakeCalendar{calendars: []*calendar.CalendarListEntry{
		{Id: "primary", Summary: "Me", Primary: true, AccessRole: "owner", BackgroundColor: "#123456"},
		{Id: "team@group.calendar.google.com", Summary: "Team", AccessRole: "writer"},
	}}
	tokens := &storeTokens{store: st}
	bus := feed.NewBus(rdb)
	calendars := cache.NewCalendarListCache(rdb, time.Minute, nil)

	puller := calendarsync.NewPuller(st, api, bus, quietLogger())
	pusher := calendarsync.NewPusher(st, api, bus, time.UTC, quietLogger())
	registrar := calendarsync.NewWebhookRegistrar(st, api, "https://api.example.com/google-webhook", testWebhookSecret, quietLogger())
	runner := NewSyncRunner(st, tokens, puller, pusher)

	oauthHandler := NewGoogleOAuthHandler(st, tm, registrar, calendars, testAppURL)
	oauthHandler.revokeURL = gs.srv.URL + "/revoke"
	oauthHandler.userInfoOpts = []option.ClientOption{option.WithEndpoint(gs.srv.URL + "/")}

	srv := &server{
		store:       st,
		redis:       rdb,
		auth:        security.NewAuthenticator(testJWTSecret, "authenticated"),
		oauth:       oauthHandler,
		calendar:    NewCalendarHandler(st, api, runner, pusher, registrar, calendars),
		webhook:     NewCalendarWebhookHandler(st, puller, rdb, testWebhookSecret),
		feed:        NewSyncFeedHandler(bus, st, []string{testOrigin}),
		cron:        NewCalendarPullSync(st, runner, NewWebhookRenewer(st, registrar, DefaultRenewThreshold)),
		cronSecret:  testCronSecret,
		corsOrigins: []string{testOrigin},
	}

	env := &testEnv{
		store:  st,
		mr:     mr,
		redis:  rdb,
		api:    api,
		google: gs,
		tokens: tokens,
		srv:    srv,
		router: srv.routes(),
	}

	env.conn, err = st.UpsertConnection(ctx, &store.Connection{
		UserID:         "user-1",
		WorkspaceID:    "ws-1",
		GoogleEmail:    "owner@example.com",
		GoogleUserID:   "google-123",
		AccessToken:    "access-1",
		RefreshToken:   "refresh-1",
		TokenExpiresAt: testNow.Add(time.Hour),
	})
	require.NoError(t, err)
	env.cal = &store.InternalCalendar{WorkspaceID: "ws-1", Name: "Team", IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, env.cal))
	return env
}

func (e *testEnv) addSync(t *testing.T, calendarID, direction string) *store.CalendarSync {
	t.Helper()
	s := &store.CalendarSync{
		ConnectionID:     e.conn.ID,
		WorkspaceID:      e.conn.WorkspaceID,
		GoogleCalendarID: calendarID,
		SyncEnabled:      true,
		SyncDirection:    direction,
	}
	require.NoError(t, e.store.CreateSync(context.Background(), s))
	return s
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{"authenticated"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + raw
}

// do sends a request through the full router as userID ("" for anonymous).
func (e *testEnv) do(t *testing.T, method, target, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", bearer(t, userID))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func remoteEvent(id, summary string, start time.Time) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Etag:    `"` + id + `-etag"`,
		Status:  "confirmed",
		Summary: summary,
		Updated: testNow.Format(time.RFC3339),
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: start.Add(time.Hour).Format(time.RFC3339)},
	}
}

func newRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	return httptest.NewRequest(method, target, nil)
}
