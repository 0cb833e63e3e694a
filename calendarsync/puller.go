package calendarsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calsync-cloud/feed"
	"calsync-cloud/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/calendar/v3"
)

const (
	// MaxPages caps how many list pages one calendar pass may fetch.
	MaxPages = 10
	// PageSize is the largest page the Events.List endpoint serves.
	PageSize = 250

	otelScope       = "calsync-cloud/calendarsync"
	spanPull        = "calendarsync.pull"
	spanPush        = "calendarsync.push"
	metricCreated   = "calsync.events.created"
	metricUpdated   = "calsync.events.updated"
	metricDeleted   = "calsync.events.deleted"
	metricConflicts = "calsync.events.conflicts"
	metricPushed    = "calsync.events.pushed"
	metricErrors    = "calsync.sync.errors"
)

// Window is the time range a full fetch covers, relative to now.
type Window struct {
	Before time.Duration
	After  time.Duration
}

// Fetch windows by trigger.
var (
	CronWindow    = Window{Before: 7 * 24 * time.Hour, After: 30 * 24 * time.Hour}
	ManualWindow  = Window{Before: 30 * 24 * time.Hour, After: 90 * 24 * time.Hour}
	WebhookWindow = Window{Before: 24 * time.Hour}
)

// PullOptions tune a single pull pass.
type PullOptions struct {
	Window Window
	// SyncID restricts the pass to one calendar sync of the connection.
	SyncID string
	// FullSync ignores stored cursors and fetches the window.
	FullSync bool
	// OrderBy and PageSize override list ordering and page size for
	// windowed fetches. The webhook path asks for recent updates first.
	OrderBy  string
	PageSize int64
}

// CronPull, ManualPull and WebhookPull are the options each trigger uses.
func CronPull() PullOptions { return PullOptions{Window: CronWindow, OrderBy: "startTime"} }

func ManualPull(syncID string, full bool) PullOptions {
	return PullOptions{Window: ManualWindow, SyncID: syncID, FullSync: full, OrderBy: "startTime"}
}

func WebhookPull(syncID string) PullOptions {
	return PullOptions{Window: WebhookWindow, SyncID: syncID, OrderBy: "updated", PageSize: 100}
}

// Stats counts what a sync pass changed.
type Stats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Pushed    int `json:"pushed"`
	Errors    int `json:"errors"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Created += o.Created
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Skipped += o.Skipped
	s.Conflicts += o.Conflicts
	s.Pushed += o.Pushed
	s.Errors += o.Errors
}

// Puller reconciles remote changes into the internal event store.
type Puller struct {
	store    *store.Store
	provider Provider
	feed     *feed.Bus
	log      *slog.Logger
	now      func() time.Time

	tracer       trace.Tracer
	cntCreated   metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewPuller creates a Puller. bus may be nil to disable the change feed.
func NewPuller(st *store.Store, provider Provider, bus *feed.Bus, logger *slog.Logger) *Puller {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter(otelScope)
	return &Puller{
		store:    st,
		provider: provider,
		feed:     bus,
		log:      logger.With("component", "puller"),
		now:      time.Now,

		tracer:       otel.Tracer(otelScope),
		cntCreated:   counter(meter, logger, metricCreated, "Events created from Google"),
		cntUpdated:   counter(meter, logger, metricUpdated, "Events overwritten from Google"),
		cntDeleted:   counter(meter, logger, metricDeleted, "Events cancelled from Google"),
		cntConflicts: counter(meter, logger, metricConflicts, "Local edits overwritten by newer remote edits"),
		cntErrors:    counter(meter, logger, metricErrors, "Calendar-level sync failures"),
	}
}

func counter(meter metric.Meter, logger *slog.Logger, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Error("creating OTel counter", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

// SyncConnection pulls every enabled, pull-capable calendar of the connection.
// A failing calendar records its error on the sync row and the pass moves on;
// only failures that affect the whole connection are returned.
func (p *Puller) SyncConnection(ctx context.Context, conn *store.Connection, opts PullOptions) (Stats, error) {
	ctx, span := p.tracer.Start(ctx, spanPull, trace.WithAttributes(
		attribute.String("connection.id", conn.ID),
		attribute.String("workspace.id", conn.WorkspaceID),
	))
	defer span.End()

	var total Stats
	syncs, err := p.targets(ctx, conn, opts.SyncID)
	if err != nil {
		span.RecordError(err)
		return total, err
	}
	if len(syncs) == 0 {
		return total, nil
	}

	cal, err := p.store.DefaultCalendar(ctx, conn.WorkspaceID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn("workspace has no active internal calendar, skipping pull", "workspace_id", conn.WorkspaceID)
		return total, nil
	}
	if err != nil {
		span.RecordError(err)
		return total, fmt.Errorf("load internal calendar: %w", err)
	}

	api := p.provider.ForConnection(conn.ID)
	for i := range syncs {
		sync := &syncs[i]
		stats, err := p.syncCalendar(ctx, api, conn, cal, sync, opts)
		total.Add(stats)
		if err != nil {
			total.Errors++
			p.cntErrors.Add(ctx, 1)
			p.log.Error("calendar pull failed", "sync_id", sync.ID, "calendar", sync.GoogleCalendarID, "error", err)
			if storeErr := p.store.SetSyncError(ctx, sync.ID, err.Error()); storeErr != nil {
				p.log.Error("record calendar sync error", "sync_id", sync.ID, "error", storeErr)
			}
		}
	}

	p.record(ctx, total)
	span.SetAttributes(
		attribute.Int("sync.created", total.Created),
		attribute.Int("sync.updated", total.Updated),
		attribute.Int("sync.deleted", total.Deleted),
		attribute.Int("sync.conflicts", total.Conflicts),
		attribute.Int("sync.errors", total.Errors),
	)
	return total, nil
}

func (p *Puller) targets(ctx context.Context, conn *store.Connection, syncID string) ([]store.CalendarSync, error) {
	var syncs []store.CalendarSync
	if syncID != "" {
		s, err := p.store.GetSync(ctx, syncID)
		if err != nil {
			return nil, fmt.Errorf("load calendar sync %s: %w", syncID, err)
		}
		if s.ConnectionID != conn.ID {
			return nil, fmt.Errorf("calendar sync %s: %w", syncID, store.ErrNotFound)
		}
		if s.SyncEnabled {
			syncs = append(syncs, *s)
		}
	} else {
		all, err := p.store.ListEnabledSyncs(ctx, conn.ID)
		if err != nil {
			return nil, fmt.Errorf("list calendar syncs: %w", err)
		}
		syncs = all
	}

	out := syncs[:0]
	for _, s := range syncs {
		if s.AllowsPull() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *Puller) syncCalendar(ctx context.Context, api CalendarAPI, conn *store.Connection, cal *store.InternalCalendar, sync *store.CalendarSync, opts PullOptions) (Stats, error) {
	var stats Stats

	token := ""
	if sync.LastSyncToken != nil && !opts.FullSync {
		token = *sync.LastSyncToken
	}
	events, nextToken, err := p.fetch(ctx, api, sync, token, opts)
	if err != nil && token != "" && IsGone(err) {
		p.log.Info("sync token rejected, falling back to full window", "sync_id", sync.ID)
		if err := p.store.ClearSyncToken(ctx, sync.ID); err != nil {
			return stats, fmt.Errorf("clear sync token: %w", err)
		}
		events, nextToken, err = p.fetch(ctx, api, sync, "", opts)
	}
	if err != nil {
		return stats, err
	}

	for _, remote := range events {
		if err := p.reconcile(ctx, conn, cal, sync, remote, &stats); err != nil {
			stats.Errors++
			p.log.Error("reconcile event failed", "sync_id", sync.ID, "google_event_id", remote.Id, "error", err)
		}
	}

	var cursor *string
	if nextToken != "" {
		cursor = &nextToken
	} else if token != "" {
		cursor = &token
	}
	if err := p.store.UpdateSyncCursor(ctx, sync.ID, cursor, p.now()); err != nil {
		return stats, fmt.Errorf("persist sync cursor: %w", err)
	}
	p.log.Info("calendar pulled", "sync_id", sync.ID, "calendar", sync.GoogleCalendarID,
		"created", stats.Created, "updated", stats.Updated, "deleted", stats.Deleted, "skipped", stats.Skipped)
	return stats, nil
}

// fetch walks the result pages for one calendar, stopping at MaxPages.
func (p *Puller) fetch(ctx context.Context, api CalendarAPI, sync *store.CalendarSync, token string, opts PullOptions) ([]*calendar.Event, string, error) {
	now := p.now()
	req := ListRequest{CalendarID: sync.GoogleCalendarID, SyncToken: token, MaxResults: PageSize}
	if opts.PageSize > 0 {
		req.MaxResults = opts.PageSize
	}
	if token == "" {
		req.TimeMin = now.Add(-opts.Window.Before)
		if opts.Window.After > 0 {
			req.TimeMax = now.Add(opts.Window.After)
		}
		req.OrderBy = opts.OrderBy
	}

	var (
		events    []*calendar.Event
		nextToken string
		pages     int
	)
	for {
		resp, err := api.ListEvents(ctx, req)
		if err != nil {
			return nil, "", err
		}
		pages++
		events = append(events, resp.Items...)
		if resp.NextSyncToken != "" {
			nextToken = resp.NextSyncToken
		}
		if resp.NextPageToken == "" {
			break
		}
		if pages >= MaxPages {
			p.log.Warn("page limit reached, remaining events deferred to next pass",
				"sync_id", sync.ID, "pages", pages, "events", len(events))
			break
		}
		req.PageToken = resp.NextPageToken
	}
	return events, nextToken, nil
}

// reconcile applies one remote event to the store.
func (p *Puller) reconcile(ctx context.Context, conn *store.Connection, cal *store.InternalCalendar, sync *store.CalendarSync, remote *calendar.Event, stats *Stats) error {
	if remote.Id == "" {
		return nil
	}
	existing, err := p.store.FindEventByGoogleID(ctx, conn.WorkspaceID, remote.Id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup event: %w", err)
	}

	if remote.Status == store.StatusCancelled {
		if existing == nil || existing.EventStatus == store.StatusCancelled {
			return nil
		}
		if err := p.store.CancelEvent(ctx, existing.ID, optional(remote.Etag)); err != nil {
			return fmt.Errorf("cancel event: %w", err)
		}
		stats.Deleted++
		p.publish(ctx, conn.WorkspaceID, feed.Change{Kind: feed.KindCancelled, EventID: existing.ID, GoogleEventID: remote.Id, SyncID: sync.ID})
		return nil
	}

	incoming, err := remoteToEvent(remote)
	if err != nil {
		return err
	}
	syncID := sync.ID
	incoming.GoogleCalendarSyncID = &syncID

	if existing == nil {
		now := p.now()
		incoming.WorkspaceID = conn.WorkspaceID
		incoming.InternalCalendarID = &cal.ID
		incoming.GoogleSyncedAt = &now
		incoming.CreatedAt = now
		incoming.UpdatedAt = now
		if err := p.store.InsertEvent(ctx, incoming); err != nil {
			return err
		}
		stats.Created++
		p.publish(ctx, conn.WorkspaceID, feed.Change{Kind: feed.KindCreated, EventID: incoming.ID, GoogleEventID: remote.Id, SyncID: sync.ID, Title: incoming.Title})
		return nil
	}

	if existing.GoogleEtag != nil && remote.Etag != "" && *existing.GoogleEtag == remote.Etag {
		stats.Skipped++
		return nil
	}

	var synced time.Time
	if existing.GoogleSyncedAt != nil {
		synced = *existing.GoogleSyncedAt
	}
	updated := remoteUpdated(remote)
	if !updated.After(synced) {
		stats.Skipped++
		return nil
	}

	if existing.UpdatedAt.After(synced) {
		stats.Conflicts++
		p.log.Warn("conflict: local and remote both changed since last sync, keeping remote",
			"event_id", existing.ID, "title", existing.Title,
			"local_updated_at", existing.UpdatedAt, "remote_updated_at", updated)
		if _, err := p.store.RecordConflict(ctx, existing, updated); err != nil {
			return fmt.Errorf("record conflict: %w", err)
		}
		p.publish(ctx, conn.WorkspaceID, feed.Change{Kind: feed.KindConflict, EventID: existing.ID, GoogleEventID: remote.Id, SyncID: sync.ID, Title: existing.Title})
	}

	now := p.now()
	incoming.GoogleSyncedAt = &now
	if err := p.store.ApplyRemoteEvent(ctx, existing.ID, incoming); err != nil {
		return fmt.Errorf("apply remote event: %w", err)
	}
	stats.Updated++
	p.publish(ctx, conn.WorkspaceID, feed.Change{Kind: feed.KindUpdated, EventID: existing.ID, GoogleEventID: remote.Id, SyncID: sync.ID, Title: incoming.Title})
	return nil
}

func (p *Puller) publish(ctx context.Context, workspaceID string, c feed.Change) {
	if p.feed == nil {
		return
	}
	if _, err := p.feed.Append(ctx, workspaceID, c); err != nil {
		p.log.Warn("feed append failed", "workspace_id", workspaceID, "kind", c.Kind, "error", err)
	}
}

func (p *Puller) record(ctx context.Context, s Stats) {
	if s.Created > 0 {
		p.cntCreated.Add(ctx, int64(s.Created))
	}
	if s.Updated > 0 {
		p.cntUpdated.Add(ctx, int64(s.Updated))
	}
	if s.Deleted > 0 {
		p.cntDeleted.Add(ctx, int64(s.Deleted))
	}
	if s.Conflicts > 0 {
		p.cntConflicts.Add(ctx, int64(s.Conflicts))
	}
}
