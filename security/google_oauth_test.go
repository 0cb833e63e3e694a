package security

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

func TestAuthURLEmbedsState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewTokenManager(newMemConnectionStore(), OAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/google-oauth/callback",
	}, nil)
	m.Now = func() time.Time { return now }

	authURL, err := m.AuthURL("user-1", "ws-1")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", u.Host)
	q := u.Query()
	assert.Equal(t, "test-client-id", q.Get("client_id"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Contains(t, q.Get("scope"), "https://www.googleapis.com/auth/calendar")

	raw, err := base64.StdEncoding.DecodeString(q.Get("state"))
	require.NoError(t, err)
	var state OAuthState
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, OAuthState{UserID: "user-1", WorkspaceID: "ws-1", Timestamp: now.UnixMilli()}, state)

	decoded, err := m.DecodeState(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "ws-1", decoded.WorkspaceID)
}

func TestDecodeState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewTokenManager(newMemConnectionStore(), OAuthConfig{}, nil)
	m.Now = func() time.Time { return now }

	fresh, err := EncodeState(OAuthState{UserID: "u", WorkspaceID: "w", Timestamp: now.Add(-14 * time.Minute).UnixMilli()})
	require.NoError(t, err)
	_, err = m.DecodeState(fresh)
	require.NoError(t, err)

	old, err := EncodeState(OAuthState{UserID: "u", WorkspaceID: "w", Timestamp: now.Add(-16 * time.Minute).UnixMilli()})
	require.NoError(t, err)
	_, err = m.DecodeState(old)
	assert.ErrorIs(t, err, ErrStateExpired)

	_, err = m.DecodeState("not-base64!!")
	assert.ErrorIs(t, err, ErrInvalidState)

	missing, err := EncodeState(OAuthState{UserID: "u", Timestamp: now.UnixMilli()})
	require.NoError(t, err)
	_, err = m.DecodeState(missing)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExchangeAndUserInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "auth-code", r.Form.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"a1","refresh_token":"r1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/oauth2/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer a1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"g-123","email":"someone@example.com"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewTokenManager(newMemConnectionStore(), OAuthConfig{
		ClientID: "id", ClientSecret: "secret",
		Endpoint: &oauth2.Endpoint{TokenURL: srv.URL + "/token"},
	}, nil)
	m.HTTPClient = srv.Client()

	ctx := context.Background()
	tok, err := m.Exchange(ctx, "auth-code")
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)

	user, err := m.UserInfo(ctx, tok, option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	assert.Equal(t, "g-123", user.ID)
	assert.Equal(t, "someone@example.com", user.Email)
}

func TestRevoke(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.Form.Get("token")
		if got == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_token"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewTokenManager(newMemConnectionStore(), OAuthConfig{}, nil)
	m.HTTPClient = srv.Client()

	require.NoError(t, m.Revoke(context.Background(), "tok-1", srv.URL))
	assert.Equal(t, "tok-1", got)

	err := m.Revoke(context.Background(), "bad", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
