package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"calsync-cloud/calendarsync"
	"calsync-cloud/store"
)

// DefaultRenewThreshold is how close to expiry a channel gets replaced.
const DefaultRenewThreshold = 48 * time.Hour

// WebhookRenewer replaces notification channels before Google expires them.
type WebhookRenewer struct {
	store     *store.Store
	registrar *calendarsync.WebhookRegistrar
	threshold time.Duration
	now       func() time.Time
}

func NewWebhookRenewer(st *store.Store, registrar *calendarsync.WebhookRegistrar, threshold time.Duration) *WebhookRenewer {
	if threshold <= 0 {
		threshold = DefaultRenewThreshold
	}
	return &WebhookRenewer{
		store:     st,
		registrar: registrar,
		threshold: threshold,
		now:       time.Now,
	}
}

// RenewExpiring renews every enabled channel expiring within the threshold.
// A failed renewal leaves the sync without a channel and is counted, not
// returned.
func (r *WebhookRenewer) RenewExpiring(ctx context.Context) (renewed, failed int, err error) {
	if r == nil || r.registrar == nil {
		return 0, 0, nil
	}
	syncs, err := r.store.ListExpiringWebhooks(ctx, r.now().Add(r.threshold))
	if err != nil {
		return 0, 0, fmt.Errorf("list expiring webhooks: %w", err)
	}

	for i := range syncs {
		sync := &syncs[i]
		conn, err := r.store.GetConnection(ctx, sync.ConnectionID)
		if err != nil {
			slog.Warn("webhook renewal: load connection", "sync_id", sync.ID, "error", err)
			failed++
			continue
		}
		if !conn.IsActive {
			continue
		}
		ch, err := r.registrar.Renew(ctx, conn, sync)
		if err != nil {
			slog.Error("webhook renewal failed", "sync_id", sync.ID, "calendar", sync.GoogleCalendarID, "error", err)
			failed++
			continue
		}
		slog.Info("webhook renewed", "sync_id", sync.ID, "channel_id", ch.Id)
		renewed++
	}
	return renewed, failed, nil
}
