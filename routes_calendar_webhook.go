package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"calsync-cloud/calendarsync"
	"calsync-cloud/store"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
)

const (
	webhookPath      = "/google-webhook"
	webhookDedupeTTL = 10 * time.Minute
)

// Google push notification headers.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"
)

// CalendarWebhookHandler receives Google Calendar push notifications and
// pulls the affected calendar right away.
type CalendarWebhookHandler struct {
	store       *store.Store
	puller      *calendarsync.Puller
	redisClient *redis.Client
	secret      string
	now         func() time.Time
}

// NewCalendarWebhookHandler creates the receiver. redisClient is optional
// and only used to drop redelivered notifications.
func NewCalendarWebhookHandler(st *store.Store, puller *calendarsync.Puller, redisClient *redis.Client, secret string) *CalendarWebhookHandler {
	return &CalendarWebhookHandler{
		store:       st,
		puller:      puller,
		redisClient: redisClient,
		secret:      secret,
		now:         time.Now,
	}
}

// RegisterRoutes mounts the receiver. Google calls it without a bearer token.
func (h *CalendarWebhookHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(webhookPath, h.handleNotification)
}

type webhookAck struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

func (h *CalendarWebhookHandler) handleNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()

	channelID := r.Header.Get(headerChannelID)
	resourceID := r.Header.Get(headerResourceID)
	state := r.Header.Get(headerResourceState)
	msgNum := r.Header.Get(headerMessageNumber)

	if h.secret != "" && r.Header.Get(headerChannelToken) != h.secret {
		slog.Warn("webhook token mismatch", "channel_id", channelID)
		writeError(w, http.StatusUnauthorized, "invalid channel token")
		return
	}

	slog.Info("calendar webhook notification", "channel_id", channelID, "resource_id", resourceID,
		"resource_state", state, "message_number", msgNum)

	// Google confirms a new channel with a sync message; nothing changed yet.
	if state == "sync" {
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Status: "sync"})
		return
	}
	if state != "exists" || channelID == "" {
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Status: "ignored"})
		return
	}

	// From here on Google always gets a 200 so it does not back off the channel.
	sync, err := h.store.GetSyncByChannel(ctx, channelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("lookup webhook channel", "channel_id", channelID, "error", err)
		} else {
			slog.Warn("webhook for unknown channel", "channel_id", channelID)
		}
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Status: "unknown_channel"})
		return
	}

	if h.duplicate(r, channelID, msgNum) {
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Status: "duplicate"})
		return
	}

	conn, err := h.store.GetConnection(ctx, sync.ConnectionID)
	if err != nil {
		slog.Error("load connection for webhook", "sync_id", sync.ID, "error", err)
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Status: "error"})
		return
	}

	started := h.now()
	entry := &store.SyncLog{
		CalendarSyncID: &sync.ID,
		ConnectionID:   &conn.ID,
		WorkspaceID:    conn.WorkspaceID,
		UserID:         &conn.UserID,
		Operation:      store.OpWebhookReceived,
	}
	if err := h.store.StartLog(ctx, entry); err != nil {
		slog.Warn("open webhook sync log", "sync_id", sync.ID, "error", err)
		entry = nil
	}

	if _, err := h.store.Enqueue(ctx, conn.ID, conn.WorkspaceID, store.SyncTypeWebhook, store.PriorityWebhook); err != nil && !errors.Is(err, store.ErrAlreadyQueued) {
		slog.Warn("enqueue webhook sync", "connection_id", conn.ID, "error", err)
	}

	stats, syncErr := h.puller.SyncConnection(ctx, conn, calendarsync.WebhookPull(sync.ID))
	if entry != nil {
		msg := ""
		if syncErr != nil {
			msg = syncErr.Error()
		}
		if err := h.store.FinishLog(ctx, entry.ID, stats.Created, stats.Updated, stats.Deleted, msg, h.now().Sub(started)); err != nil {
			slog.Warn("close webhook sync log", "sync_id", sync.ID, "error", err)
		}
	}
	if syncErr != nil {
		slog.Error("webhook-triggered sync failed", "sync_id", sync.ID, "connection_id", conn.ID, "error", syncErr)
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Status: "error"})
		return
	}

	slog.Info("webhook sync complete", "sync_id", sync.ID, "created", stats.Created,
		"updated", stats.Updated, "deleted", stats.Deleted)
	writeJSON(w, http.StatusOK, webhookAck{Received: true, Status: "synced"})
}

// duplicate reports whether this channel message was already handled.
// Redis failures let the notification through.
func (h *CalendarWebhookHandler) duplicate(r *http.Request, channelID, msgNum string) bool {
	if h.redisClient == nil || msgNum == "" {
		return false
	}
	key := fmt.Sprintf("calsync:webhook:%s:%s", channelID, msgNum)
	ok, err := h.redisClient.SetNX(r.Context(), key, h.now().UTC().Format(time.RFC3339), webhookDedupeTTL).Result()
	if err != nil {
		slog.Warn("webhook dedupe check failed", "channel_id", channelID, "error", err)
		return false
	}
	return !ok
}
