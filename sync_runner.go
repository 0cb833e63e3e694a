package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calsync-cloud/calendarsync"
	"calsync-cloud/store"
)

type tokenValidator interface {
	EnsureValidToken(ctx context.Context, connectionID string) (*store.Connection, error)
}

// SyncRunner runs one pull-then-push pass for a connection and keeps the sync
// log and the connection's sync state in step with the outcome.
type SyncRunner struct {
	store  *store.Store
	tokens tokenValidator
	puller *calendarsync.Puller
	pusher *calendarsync.Pusher
	retry  calendarsync.RetryPolicy
	now    func() time.Time
}

func NewSyncRunner(st *store.Store, tokens tokenValidator, puller *calendarsync.Puller, pusher *calendarsync.Pusher) *SyncRunner {
	return &SyncRunner{
		store:  st,
		tokens: tokens,
		puller: puller,
		pusher: pusher,
		retry:  calendarsync.DefaultRetryPolicy(),
		now:    time.Now,
	}
}

// Run syncs conn and returns the combined counts. On success the connection
// is stamped synced and its sync_error cleared; failures are left to the
// caller, which knows whether retry accounting applies.
func (sr *SyncRunner) Run(ctx context.Context, conn *store.Connection, op string, opts calendarsync.PullOptions) (calendarsync.Stats, time.Duration, error) {
	started := sr.now()
	entry := &store.SyncLog{
		ConnectionID: &conn.ID,
		WorkspaceID:  conn.WorkspaceID,
		UserID:       &conn.UserID,
		Operation:    op,
	}
	if opts.SyncID != "" {
		entry.CalendarSyncID = &opts.SyncID
	}
	if err := sr.store.StartLog(ctx, entry); err != nil {
		slog.Warn("open sync log", "connection_id", conn.ID, "error", err)
		entry = nil
	}

	stats, err := sr.run(ctx, conn, opts)
	elapsed := sr.now().Sub(started)

	if entry != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if logErr := sr.store.FinishLog(ctx, entry.ID, stats.Created, stats.Updated, stats.Deleted, msg, elapsed); logErr != nil {
			slog.Warn("close sync log", "connection_id", conn.ID, "error", logErr)
		}
	}
	if err != nil {
		return stats, elapsed, err
	}
	if err := sr.store.MarkConnectionSynced(ctx, conn.ID, sr.now()); err != nil {
		return stats, elapsed, fmt.Errorf("mark connection synced: %w", err)
	}
	return stats, elapsed, nil
}

func (sr *SyncRunner) run(ctx context.Context, conn *store.Connection, opts calendarsync.PullOptions) (calendarsync.Stats, error) {
	fresh, err := sr.tokens.EnsureValidToken(ctx, conn.ID)
	if err != nil {
		return calendarsync.Stats{}, err
	}

	stats, err := sr.puller.SyncConnection(ctx, fresh, opts)
	if err != nil {
		return stats, fmt.Errorf("pull: %w", err)
	}
	pushed, err := sr.pusher.PushConnection(ctx, fresh)
	stats.Add(pushed)
	if err != nil {
		return stats, fmt.Errorf("push: %w", err)
	}
	return stats, nil
}

// RecordRetryFailure bumps the connection's retry counter and deactivates it
// once the budget is spent.
func (sr *SyncRunner) RecordRetryFailure(ctx context.Context, conn *store.Connection, cause error) {
	msg, active := sr.retry.Failure(conn.SyncError, cause)
	if err := sr.store.SetConnectionError(ctx, conn.ID, msg, active); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("record sync failure", "connection_id", conn.ID, "error", err)
		return
	}
	if !active {
		slog.Warn("retry budget exhausted, connection deactivated", "connection_id", conn.ID, "sync_error", msg)
		return
	}
	slog.Warn("connection sync failed", "connection_id", conn.ID, "sync_error", msg)
}
