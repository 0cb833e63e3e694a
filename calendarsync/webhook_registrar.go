package calendarsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calsync-cloud/store"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
)

// ChannelTTL is the lifetime requested for a notification channel. Google
// caps event channels at seven days.
const ChannelTTL = 7 * 24 * time.Hour

// WebhookRegistrar manages Google Calendar push notification channels for
// calendar syncs.
type WebhookRegistrar struct {
	store      *store.Store
	provider   Provider
	webhookURL string
	secret     string
	log        *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewWebhookRegistrar creates a registrar that points channels at webhookURL
// and stamps them with secret as the channel token.
func NewWebhookRegistrar(st *store.Store, provider Provider, webhookURL, secret string, logger *slog.Logger) *WebhookRegistrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookRegistrar{
		store:      st,
		provider:   provider,
		webhookURL: webhookURL,
		secret:     secret,
		log:        logger.With("component", "webhook_registrar"),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// Register opens a new channel for the sync's calendar and persists it.
func (wr *WebhookRegistrar) Register(ctx context.Context, conn *store.Connection, sync *store.CalendarSync) (*calendar.Channel, error) {
	return wr.register(ctx, conn, sync, store.OpWebhookSetup)
}

// Renew stops the current channel best-effort and registers a replacement.
// If the replacement fails the stored channel fields are cleared so the sync
// no longer points at a dead channel.
func (wr *WebhookRegistrar) Renew(ctx context.Context, conn *store.Connection, sync *store.CalendarSync) (*calendar.Channel, error) {
	wr.stop(ctx, conn.ID, sync)
	ch, err := wr.register(ctx, conn, sync, store.OpWebhookRenew)
	if err != nil {
		if clearErr := wr.store.ClearWebhook(ctx, sync.ID); clearErr != nil {
			wr.log.Error("clear webhook after failed renewal", "sync_id", sync.ID, "error", clearErr)
		}
		return nil, err
	}
	return ch, nil
}

// Unregister stops the channel best-effort and always clears the stored
// channel fields.
func (wr *WebhookRegistrar) Unregister(ctx context.Context, conn *store.Connection, sync *store.CalendarSync) error {
	wr.stop(ctx, conn.ID, sync)
	if err := wr.store.ClearWebhook(ctx, sync.ID); err != nil {
		return fmt.Errorf("clear webhook fields: %w", err)
	}
	wr.log.Info("unregistered webhook", "sync_id", sync.ID)
	return nil
}

func (wr *WebhookRegistrar) register(ctx context.Context, conn *store.Connection, sync *store.CalendarSync, op string) (*calendar.Channel, error) {
	if wr.webhookURL == "" {
		return nil, errors.New("webhook url not configured")
	}
	started := wr.now()
	entry := &store.SyncLog{
		CalendarSyncID: &sync.ID,
		ConnectionID:   &conn.ID,
		WorkspaceID:    conn.WorkspaceID,
		UserID:         &conn.UserID,
		Operation:      op,
	}
	if err := wr.store.StartLog(ctx, entry); err != nil {
		wr.log.Warn("open sync log", "sync_id", sync.ID, "error", err)
		entry = nil
	}

	ch, err := wr.watch(ctx, conn, sync)
	if entry != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if logErr := wr.store.FinishLog(ctx, entry.ID, 0, 0, 0, msg, wr.now().Sub(started)); logErr != nil {
			wr.log.Warn("close sync log", "sync_id", sync.ID, "error", logErr)
		}
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (wr *WebhookRegistrar) watch(ctx context.Context, conn *store.Connection, sync *store.CalendarSync) (*calendar.Channel, error) {
	requested := wr.now().Add(ChannelTTL)
	channel := &calendar.Channel{
		Id:         wr.newID(),
		Type:       "web_hook",
		Address:    wr.webhookURL,
		Token:      wr.secret,
		Expiration: requested.UnixMilli(),
	}

	resp, err := wr.provider.ForConnection(conn.ID).Watch(ctx, sync.GoogleCalendarID, channel)
	if err != nil {
		return nil, fmt.Errorf("register webhook: %w", err)
	}

	expiration := requested
	if resp.Expiration > 0 {
		expiration = time.UnixMilli(resp.Expiration)
	}
	channelID := resp.Id
	if channelID == "" {
		channelID = channel.Id
	}
	if err := wr.store.SetWebhook(ctx, sync.ID, channelID, resp.ResourceId, expiration); err != nil {
		return nil, fmt.Errorf("persist webhook: %w", err)
	}
	sync.WebhookChannelID = &channelID
	sync.WebhookResourceID = optional(resp.ResourceId)
	sync.WebhookExpiration = &expiration

	wr.log.Info("registered webhook", "sync_id", sync.ID, "calendar", sync.GoogleCalendarID,
		"channel_id", channelID, "resource_id", resp.ResourceId, "expires_at", expiration)
	return resp, nil
}

func (wr *WebhookRegistrar) stop(ctx context.Context, connectionID string, sync *store.CalendarSync) {
	if sync.WebhookChannelID == nil || *sync.WebhookChannelID == "" {
		return
	}
	resourceID := ""
	if sync.WebhookResourceID != nil {
		resourceID = *sync.WebhookResourceID
	}
	if err := wr.provider.ForConnection(connectionID).StopChannel(ctx, *sync.WebhookChannelID, resourceID); err != nil {
		wr.log.Warn("stop webhook channel failed", "sync_id", sync.ID, "channel_id", *sync.WebhookChannelID, "error", err)
	}
}
