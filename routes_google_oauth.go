package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calsync-cloud/cache"
	"calsync-cloud/calendarsync"
	"calsync-cloud/security"
	"calsync-cloud/store"

	"github.com/gorilla/mux"
	"google.golang.org/api/option"
)

// Redirect error codes the frontend understands.
const (
	oauthErrMissingParams = "missing_params"
	oauthErrInvalidState  = "invalid_state"
	oauthErrStateExpired  = "state_expired"
	oauthErrExchange      = "token_exchange_failed"
	oauthErrUserInfo      = "userinfo_failed"
	oauthErrSave          = "save_failed"
)

// GoogleOAuthHandler runs the consent flow and manages a user's connection.
type GoogleOAuthHandler struct {
	store      *store.Store
	tokens     *security.TokenManager
	webhooks   *calendarsync.WebhookRegistrar
	calendars  *cache.CalendarListCache
	appBaseURL string

	// Overridable Google endpoints.
	revokeURL    string
	userInfoOpts []option.ClientOption
}

func NewGoogleOAuthHandler(st *store.Store, tokens *security.TokenManager, webhooks *calendarsync.WebhookRegistrar, calendars *cache.CalendarListCache, appBaseURL string) *GoogleOAuthHandler {
	return &GoogleOAuthHandler{
		store:      st,
		tokens:     tokens,
		webhooks:   webhooks,
		calendars:  calendars,
		appBaseURL: strings.TrimRight(appBaseURL, "/"),
	}
}

// RegisterRoutes mounts the OAuth endpoints. The callback stays public; the
// state parameter carries the caller's identity.
func (h *GoogleOAuthHandler) RegisterRoutes(r *mux.Router, auth func(http.Handler) http.Handler) {
	r.HandleFunc("/google-oauth/callback", h.handleCallback).Methods("GET")
	r.Handle("/google-oauth/auth-url", auth(http.HandlerFunc(h.handleAuthURL))).Methods("GET", "OPTIONS")
	r.Handle("/google-oauth/disconnect", auth(http.HandlerFunc(h.handleDisconnect))).Methods("POST", "OPTIONS")
	r.Handle("/google-oauth/refresh", auth(http.HandlerFunc(h.handleRefresh))).Methods("POST", "OPTIONS")
	r.Handle("/google-oauth/status", auth(http.HandlerFunc(h.handleStatus))).Methods("GET", "OPTIONS")
}

func (h *GoogleOAuthHandler) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	workspaceID := queryParam(r, "workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	authURL, err := h.tokens.AuthURL(userID, workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
}

func (h *GoogleOAuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if providerErr := queryParam(r, "error"); providerErr != "" {
		slog.Warn("google oauth returned an error", "error", providerErr)
		h.redirect(w, r, "google_error", providerErr)
		return
	}

	code, rawState := queryParam(r, "code"), queryParam(r, "state")
	if code == "" || rawState == "" {
		h.redirect(w, r, "google_error", oauthErrMissingParams)
		return
	}

	state, err := h.tokens.DecodeState(rawState)
	if err != nil {
		if errors.Is(err, security.ErrStateExpired) {
			h.redirect(w, r, "google_error", oauthErrStateExpired)
			return
		}
		h.redirect(w, r, "google_error", oauthErrInvalidState)
		return
	}

	tok, err := h.tokens.Exchange(ctx, code)
	if err != nil {
		slog.Error("oauth token exchange failed", "user_id", state.UserID, "error", err)
		h.redirect(w, r, "google_error", oauthErrExchange)
		return
	}

	user, err := h.tokens.UserInfo(ctx, tok, h.userInfoOpts...)
	if err != nil {
		slog.Error("oauth userinfo failed", "user_id", state.UserID, "error", err)
		h.redirect(w, r, "google_error", oauthErrUserInfo)
		return
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = h.tokens.Now().Add(time.Hour)
	}
	scopes, _ := tok.Extra("scope").(string)
	conn, err := h.store.UpsertConnection(ctx, &store.Connection{
		UserID:         state.UserID,
		WorkspaceID:    state.WorkspaceID,
		GoogleEmail:    user.Email,
		GoogleUserID:   user.ID,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: expiry,
		Scopes:         scopes,
	})
	if err != nil {
		slog.Error("save google connection", "user_id", state.UserID, "workspace_id", state.WorkspaceID, "error", err)
		h.redirect(w, r, "google_error", oauthErrSave)
		return
	}

	slog.Info("google calendar connected", "connection_id", conn.ID, "workspace_id", conn.WorkspaceID, "google_email", conn.GoogleEmail)
	h.redirect(w, r, "google_connected", "true")
}

func (h *GoogleOAuthHandler) redirect(w http.ResponseWriter, r *http.Request, key, value string) {
	target := h.appBaseURL + "/calendar?" + url.Values{key: {value}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

type workspaceRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

func (h *GoogleOAuthHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req workspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	conn, err := h.store.GetConnectionForUser(ctx, req.WorkspaceID, userID)
	if err != nil {
		writeStoreError(w, err, "connection not found")
		return
	}

	if err := h.tokens.Revoke(ctx, conn.AccessToken, h.revokeURL); err != nil {
		slog.Warn("revoke google token failed", "connection_id", conn.ID, "error", err)
	}
	h.stopWebhooks(ctx, conn)
	if err := h.calendars.Invalidate(ctx, conn.ID); err != nil {
		slog.Warn("invalidate calendar list cache", "connection_id", conn.ID, "error", err)
	}

	if err := h.store.DeleteConnection(ctx, conn.ID); err != nil {
		slog.Error("delete google connection", "connection_id", conn.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Google Calendar disconnected"})
}

func (h *GoogleOAuthHandler) stopWebhooks(ctx context.Context, conn *store.Connection) {
	if h.webhooks == nil {
		return
	}
	syncs, err := h.store.ListSyncs(ctx, conn.ID)
	if err != nil {
		slog.Warn("list syncs for webhook teardown", "connection_id", conn.ID, "error", err)
		return
	}
	for i := range syncs {
		if syncs[i].WebhookChannelID == nil {
			continue
		}
		if err := h.webhooks.Unregister(ctx, conn, &syncs[i]); err != nil {
			slog.Warn("unregister webhook on disconnect", "sync_id", syncs[i].ID, "error", err)
		}
	}
}

type refreshRequest struct {
	ConnectionID string `json:"connection_id"`
}

func (h *GoogleOAuthHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	conn, err := h.store.GetConnection(ctx, req.ConnectionID)
	if err != nil {
		writeStoreError(w, err, "connection not found")
		return
	}
	if conn.UserID != userID {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	refreshed, err := h.tokens.Refresh(ctx, conn)
	if err != nil {
		// A manual refresh that fails means the grant is unusable.
		if storeErr := h.store.SetConnectionError(ctx, conn.ID, err.Error(), false); storeErr != nil {
			slog.Error("record manual refresh failure", "connection_id", conn.ID, "error", storeErr)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "expires_at": refreshed.TokenExpiresAt})
}

type connectionStatus struct {
	ID               string     `json:"id"`
	GoogleEmail      string     `json:"google_email"`
	IsActive         bool       `json:"is_active"`
	LastSyncAt       *time.Time `json:"last_sync_at"`
	SyncError        *string    `json:"sync_error"`
	CreatedAt        time.Time  `json:"created_at"`
	TokenExpiresSoon bool       `json:"token_expires_soon"`
}

type statusResponse struct {
	Connected  bool                 `json:"connected"`
	Connection *connectionStatus    `json:"connection,omitempty"`
	Calendars  []store.CalendarSync `json:"calendars,omitempty"`
}

func (h *GoogleOAuthHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	workspaceID := queryParam(r, "workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	conn, err := h.store.GetConnectionForUser(ctx, workspaceID, userID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, statusResponse{Connected: false})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	syncs, err := h.store.ListSyncs(ctx, conn.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if syncs == nil {
		syncs = []store.CalendarSync{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Connected: true,
		Connection: &connectionStatus{
			ID:               conn.ID,
			GoogleEmail:      conn.GoogleEmail,
			IsActive:         conn.IsActive,
			LastSyncAt:       conn.LastSyncAt,
			SyncError:        conn.SyncError,
			CreatedAt:        conn.CreatedAt,
			TokenExpiresSoon: h.tokens.ExpiresSoon(conn),
		},
		Calendars: syncs,
	})
}
