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
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/calendar/v3"
)

// DefaultTimezone is used for pushed events when none is configured.
const DefaultTimezone = "America/Sao_Paulo"

// Pusher sends locally created or edited events to Google.
type Pusher struct {
	store    *store.Store
	provider Provider
	feed     *feed.Bus
	loc      *time.Location
	log      *slog.Logger
	now      func() time.Time

	tracer    trace.Tracer
	cntPushed metric.Int64Counter
}

// NewPusher creates a Pusher that renders event times in loc. A nil loc
// falls back to DefaultTimezone, then UTC.
func NewPusher(st *store.Store, provider Provider, bus *feed.Bus, loc *time.Location, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		var err error
		if loc, err = time.LoadLocation(DefaultTimezone); err != nil {
			loc = time.UTC
		}
	}
	return &Pusher{
		store:    st,
		provider: provider,
		feed:     bus,
		loc:      loc,
		log:      logger.With("component", "pusher"),
		now:      time.Now,

		tracer:    otel.Tracer(otelScope),
		cntPushed: counter(otel.Meter(otelScope), logger, metricPushed, "Local events written to Google"),
	}
}

// PushTarget returns the calendar sync local events are written to: the
// first enabled row whose direction allows pushing. It returns nil when the
// connection has none.
func (p *Pusher) PushTarget(ctx context.Context, connectionID string) (*store.CalendarSync, error) {
	syncs, err := p.store.ListEnabledSyncs(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list calendar syncs: %w", err)
	}
	for i := range syncs {
		if syncs[i].AllowsPush() {
			return &syncs[i], nil
		}
	}
	return nil, nil
}

// PushConnection pushes every pending local event of the connection's
// workspace. Per-event failures are logged, counted and skipped.
func (p *Pusher) PushConnection(ctx context.Context, conn *store.Connection) (Stats, error) {
	ctx, span := p.tracer.Start(ctx, spanPush, trace.WithAttributes(
		attribute.String("connection.id", conn.ID),
		attribute.String("workspace.id", conn.WorkspaceID),
	))
	defer span.End()

	var stats Stats
	target, err := p.PushTarget(ctx, conn.ID)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}
	if target == nil {
		return stats, nil
	}

	pending, err := p.store.ListPendingPush(ctx, conn.WorkspaceID)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("list pending events: %w", err)
	}
	if len(pending) == 0 {
		return stats, nil
	}

	api := p.provider.ForConnection(conn.ID)
	for i := range pending {
		ev := &pending[i]
		if err := p.pushEvent(ctx, api, target, ev); err != nil {
			stats.Errors++
			p.log.Error("push event failed", "event_id", ev.ID, "title", ev.Title, "error", err)
			continue
		}
		stats.Pushed++
	}

	if stats.Pushed > 0 {
		p.cntPushed.Add(ctx, int64(stats.Pushed))
	}
	span.SetAttributes(attribute.Int("sync.pushed", stats.Pushed), attribute.Int("sync.errors", stats.Errors))
	p.log.Info("pushed local events", "connection_id", conn.ID, "pushed", stats.Pushed, "errors", stats.Errors)
	return stats, nil
}

func (p *Pusher) pushEvent(ctx context.Context, api CalendarAPI, target *store.CalendarSync, ev *store.Event) error {
	owner := p.owningSync(ctx, target, ev)
	payload := eventToRemote(ev, p.loc)

	var (
		resp *calendar.Event
		err  error
	)
	if ev.GoogleEventID != nil && *ev.GoogleEventID != "" {
		resp, err = api.UpdateEvent(ctx, owner.GoogleCalendarID, *ev.GoogleEventID, payload)
		if IsNotFound(err) || IsGone(err) {
			p.log.Warn("linked event missing at Google, recreating", "event_id", ev.ID, "google_event_id", *ev.GoogleEventID)
			owner = target
			resp, err = api.InsertEvent(ctx, owner.GoogleCalendarID, payload)
		}
	} else {
		resp, err = api.InsertEvent(ctx, owner.GoogleCalendarID, payload)
	}
	if err != nil {
		return err
	}

	if err := p.store.MarkEventPushed(ctx, ev.ID, resp.Id, resp.Etag, owner.ID, p.now()); err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	if p.feed != nil {
		if _, err := p.feed.Append(ctx, ev.WorkspaceID, feed.Change{Kind: feed.KindPushed, EventID: ev.ID, GoogleEventID: resp.Id, SyncID: owner.ID, Title: ev.Title}); err != nil {
			p.log.Warn("feed append failed", "workspace_id", ev.WorkspaceID, "error", err)
		}
	}
	return nil
}

// owningSync resolves the calendar an already linked event lives in, so
// updates land where the event was created.
func (p *Pusher) owningSync(ctx context.Context, target *store.CalendarSync, ev *store.Event) *store.CalendarSync {
	if ev.GoogleEventID == nil || ev.GoogleCalendarSyncID == nil || *ev.GoogleCalendarSyncID == target.ID {
		return target
	}
	owner, err := p.store.GetSync(ctx, *ev.GoogleCalendarSyncID)
	if err != nil || owner.ConnectionID != target.ConnectionID {
		return target
	}
	return owner
}

// DeleteEvent removes a linked event at Google and cancels it locally. A
// provider 404 or 410 means it is already gone and counts as success.
func (p *Pusher) DeleteEvent(ctx context.Context, conn *store.Connection, ev *store.Event) error {
	if ev.GoogleEventID != nil && *ev.GoogleEventID != "" {
		calendarID, err := p.calendarFor(ctx, conn, ev)
		if err != nil {
			return err
		}
		err = p.provider.ForConnection(conn.ID).DeleteEvent(ctx, calendarID, *ev.GoogleEventID)
		if err != nil && !IsNotFound(err) && !IsGone(err) {
			return err
		}
	}
	if err := p.store.UnlinkEvent(ctx, ev.ID); err != nil {
		return fmt.Errorf("cancel local event: %w", err)
	}
	if p.feed != nil {
		if _, err := p.feed.Append(ctx, ev.WorkspaceID, feed.Change{Kind: feed.KindCancelled, EventID: ev.ID}); err != nil {
			p.log.Warn("feed append failed", "workspace_id", ev.WorkspaceID, "error", err)
		}
	}
	return nil
}

func (p *Pusher) calendarFor(ctx context.Context, conn *store.Connection, ev *store.Event) (string, error) {
	if ev.GoogleCalendarSyncID != nil {
		s, err := p.store.GetSync(ctx, *ev.GoogleCalendarSyncID)
		if err == nil {
			return s.GoogleCalendarID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	target, err := p.PushTarget(ctx, conn.ID)
	if err != nil {
		return "", err
	}
	if target == nil {
		return "primary", nil
	}
	return target.GoogleCalendarID, nil
}
