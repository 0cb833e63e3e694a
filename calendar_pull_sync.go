package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"calsync-cloud/calendarsync"
	"calsync-cloud/store"

	"github.com/gorilla/mux"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
)

const (
	cronQueueBatch = 10
	cronScanBatch  = 5
	cronLease      = 5 * time.Minute
	cronPassBudget = 4 * time.Minute
	staleAfter     = 60 * time.Second
	purgeAfter     = time.Hour

	cronPath         = "/google-calendar-sync-cron"
	cronSecretHeader = "X-Cron-Secret"

	workerAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

func newWorkerID(prefix string) string {
	id, err := gonanoid.Generate(workerAlphabet, 10)
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return prefix + "-" + id
}

// CronReport summarizes one scheduled pass.
type CronReport struct {
	WorkerID        string             `json:"worker_id"`
	Skipped         bool               `json:"skipped,omitempty"`
	QueueProcessed  int                `json:"queue_processed"`
	QueueFailed     int                `json:"queue_failed"`
	Scanned         int                `json:"connections_scanned"`
	ScanFailed      int                `json:"connections_failed"`
	Purged          int64              `json:"purged"`
	WebhooksRenewed int                `json:"webhooks_renewed"`
	WebhooksFailed  int                `json:"webhooks_failed"`
	Stats           calendarsync.Stats `json:"stats"`
}

// CalendarPullSync is the scheduled driver: it drains the sync queue, falls
// back to scanning stale and retryable connections, purges finished queue
// rows and renews expiring webhooks.
type CalendarPullSync struct {
	store   *store.Store
	runner  *SyncRunner
	renewer *WebhookRenewer
	retry   calendarsync.RetryPolicy
	now     func() time.Time
	newID   func() string

	mu sync.Mutex
}

func NewCalendarPullSync(st *store.Store, runner *SyncRunner, renewer *WebhookRenewer) *CalendarPullSync {
	return &CalendarPullSync{
		store:   st,
		runner:  runner,
		renewer: renewer,
		retry:   calendarsync.DefaultRetryPolicy(),
		now:     time.Now,
		newID:   func() string { return newWorkerID("cron") },
	}
}

// Start schedules RunOnce on the given cron schedule until ctx is done.
func (p *CalendarPullSync) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		passCtx, cancel := context.WithTimeout(ctx, cronPassBudget)
		defer cancel()
		if _, err := p.RunOnce(passCtx); err != nil {
			slog.Error("sync cron pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sync cron %q: %w", schedule, err)
	}
	c.Start()
	slog.Info("sync cron scheduled", "schedule", schedule)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// RunOnce performs one pass. Only one pass runs at a time per process; a
// concurrent call returns a skipped report.
func (p *CalendarPullSync) RunOnce(ctx context.Context) (CronReport, error) {
	report := CronReport{WorkerID: p.newID()}
	if !p.mu.TryLock() {
		report.Skipped = true
		return report, nil
	}
	defer p.mu.Unlock()

	var errs []error
	items, err := p.store.ClaimPending(ctx, report.WorkerID, cronQueueBatch, cronLease)
	if err != nil {
		errs = append(errs, fmt.Errorf("claim queue: %w", err))
	}
	for i := range items {
		p.processItem(ctx, &items[i], &report)
	}

	if err == nil && len(items) == 0 {
		if err := p.scan(ctx, &report); err != nil {
			errs = append(errs, err)
		}
	}

	purged, err := p.store.PurgeTerminal(ctx, p.now().Add(-purgeAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge queue: %w", err))
	}
	report.Purged = purged

	renewed, failed, err := p.renewer.RenewExpiring(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.WebhooksRenewed, report.WebhooksFailed = renewed, failed

	slog.Info("sync cron pass complete", "worker_id", report.WorkerID,
		"queue_processed", report.QueueProcessed, "queue_failed", report.QueueFailed,
		"scanned", report.Scanned, "purged", report.Purged, "webhooks_renewed", report.WebhooksRenewed)
	return report, errors.Join(errs...)
}

func (p *CalendarPullSync) processItem(ctx context.Context, item *store.QueueItem, report *CronReport) {
	fail := func(msg string) {
		report.QueueFailed++
		if err := p.store.FailItem(ctx, item.ID, report.WorkerID, msg); err != nil {
			slog.Warn("fail queue item", "item_id", item.ID, "error", err)
		}
	}

	conn, err := p.store.GetConnection(ctx, item.ConnectionID)
	if err != nil {
		fail(fmt.Sprintf("load connection: %v", err))
		return
	}
	if !conn.IsActive {
		fail("connection inactive")
		return
	}

	opts := calendarsync.CronPull()
	opts.FullSync = item.SyncType == store.SyncTypeFull
	stats, _, err := p.runner.Run(ctx, conn, store.OpCronSync, opts)
	report.Stats.Add(stats)
	if err != nil {
		p.runner.RecordRetryFailure(ctx, conn, err)
		fail(err.Error())
		return
	}
	if err := p.store.CompleteItem(ctx, item.ID, report.WorkerID); err != nil {
		slog.Warn("complete queue item", "item_id", item.ID, "error", err)
	}
	report.QueueProcessed++
}

// scan syncs stale connections first, then errored ones whose backoff has
// elapsed, up to cronScanBatch in total.
func (p *CalendarPullSync) scan(ctx context.Context, report *CronReport) error {
	now := p.now()
	stale, err := p.store.ListStaleConnections(ctx, now.Add(-staleAfter))
	if err != nil {
		return fmt.Errorf("list stale connections: %w", err)
	}
	errored, err := p.store.ListErroredConnections(ctx)
	if err != nil {
		return fmt.Errorf("list errored connections: %w", err)
	}

	seen := make(map[string]bool)
	var batch []store.Connection
	for _, c := range stale {
		if len(batch) == cronScanBatch {
			break
		}
		seen[c.ID] = true
		batch = append(batch, c)
	}
	for _, c := range errored {
		if len(batch) == cronScanBatch {
			break
		}
		if seen[c.ID] || !p.retry.ShouldRetry(&c, now) {
			continue
		}
		batch = append(batch, c)
	}

	for i := range batch {
		conn := &batch[i]
		report.Scanned++
		stats, _, err := p.runner.Run(ctx, conn, store.OpCronSync, calendarsync.CronPull())
		report.Stats.Add(stats)
		if err != nil {
			report.ScanFailed++
			p.runner.RecordRetryFailure(ctx, conn, err)
		}
	}
	return nil
}

// RegisterRoutes exposes the pass for an external scheduler. The route is
// only mounted when a secret is configured.
func (p *CalendarPullSync) RegisterRoutes(r *mux.Router, secret string) {
	if secret == "" {
		return
	}
	r.HandleFunc(cronPath, func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(cronSecretHeader) != secret {
			writeError(w, http.StatusUnauthorized, "invalid cron secret")
			return
		}
		report, err := p.RunOnce(req.Context())
		if err != nil {
			slog.Error("sync cron pass failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	}).Methods("POST")
}
