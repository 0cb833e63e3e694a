package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"calsync-cloud/cache"
	"calsync-cloud/calendarsync"
	"calsync-cloud/store"

	"github.com/gorilla/mux"
)

const (
	manualLease     = 5 * time.Minute
	recentLogsLimit = 10
)

// CalendarHandler serves calendar selection, manual sync and per-sync
// webhook management for the signed-in user.
type CalendarHandler struct {
	store     *store.Store
	provider  calendarsync.Provider
	runner    *SyncRunner
	pusher    *calendarsync.Pusher
	webhooks  *calendarsync.WebhookRegistrar
	calendars *cache.CalendarListCache

	newWorkerID func() string
}

func NewCalendarHandler(st *store.Store, provider calendarsync.Provider, runner *SyncRunner, pusher *calendarsync.Pusher, webhooks *calendarsync.WebhookRegistrar, calendars *cache.CalendarListCache) *CalendarHandler {
	return &CalendarHandler{
		store:     st,
		provider:  provider,
		runner:    runner,
		pusher:    pusher,
		webhooks:  webhooks,
		calendars: calendars,
		newWorkerID: func() string {
			return newWorkerID("manual")
		},
	}
}

func (h *CalendarHandler) RegisterRoutes(r *mux.Router, auth func(http.Handler) http.Handler) {
	r.Handle("/google-calendar/list-calendars", auth(http.HandlerFunc(h.handleListCalendars))).Methods("GET", "OPTIONS")
	r.Handle("/google-calendar/select-calendars", auth(http.HandlerFunc(h.handleSelectCalendars))).Methods("POST", "OPTIONS")
	r.Handle("/google-calendar/sync", auth(http.HandlerFunc(h.handleSync))).Methods("POST", "OPTIONS")
	r.Handle("/google-calendar/sync-status", auth(http.HandlerFunc(h.handleSyncStatus))).Methods("GET", "OPTIONS")
	r.Handle("/google-calendar/event", auth(http.HandlerFunc(h.handleDeleteEvent))).Methods("DELETE", "OPTIONS")
	r.Handle("/google-calendar/setup-webhook", auth(http.HandlerFunc(h.handleSetupWebhook))).Methods("POST", "OPTIONS")
	r.Handle("/google-calendar/webhook", auth(http.HandlerFunc(h.handleDeleteWebhook))).Methods("DELETE", "OPTIONS")
}

// connectionFor loads the caller's connection for a workspace or writes the
// error response.
func (h *CalendarHandler) connectionFor(w http.ResponseWriter, r *http.Request, workspaceID string) (*store.Connection, bool) {
	userID, ok := callerID(w, r)
	if !ok {
		return nil, false
	}
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return nil, false
	}
	conn, err := h.store.GetConnectionForUser(r.Context(), workspaceID, userID)
	if err != nil {
		writeStoreError(w, err, "google calendar not connected")
		return nil, false
	}
	return conn, true
}

// ownedSync loads a sync and checks it belongs to the caller's workspace
// connection.
func (h *CalendarHandler) ownedSync(w http.ResponseWriter, r *http.Request, workspaceID, syncID string) (*store.Connection, *store.CalendarSync, bool) {
	if syncID == "" {
		writeError(w, http.StatusBadRequest, "sync_id is required")
		return nil, nil, false
	}
	conn, ok := h.connectionFor(w, r, workspaceID)
	if !ok {
		return nil, nil, false
	}
	sync, err := h.store.GetSync(r.Context(), syncID)
	if err != nil {
		writeStoreError(w, err, "calendar sync not found")
		return nil, nil, false
	}
	if sync.ConnectionID != conn.ID {
		writeError(w, http.StatusForbidden, "access denied")
		return nil, nil, false
	}
	return conn, sync, true
}

func (h *CalendarHandler) fetchCalendars(ctx context.Context, conn *store.Connection) ([]cache.Calendar, error) {
	return h.calendars.GetOrFetch(ctx, conn.ID, func(ctx context.Context) ([]cache.Calendar, error) {
		entries, err := h.provider.ForConnection(conn.ID).ListCalendars(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]cache.Calendar, 0, len(entries))
		for _, e := range entries {
			out = append(out, cache.Calendar{
				ID:              e.Id,
				Summary:         e.Summary,
				Description:     e.Description,
				BackgroundColor: e.BackgroundColor,
				Primary:         e.Primary,
				AccessRole:      e.AccessRole,
			})
		}
		return out, nil
	})
}

type calendarView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Color         string `json:"color,omitempty"`
	IsPrimary     bool   `json:"is_primary"`
	AccessRole    string `json:"access_role"`
	IsSelected    bool   `json:"is_selected"`
	SyncID        string `json:"sync_id,omitempty"`
	SyncDirection string `json:"sync_direction,omitempty"`
}

func (h *CalendarHandler) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, ok := h.connectionFor(w, r, queryParam(r, "workspace_id"))
	if !ok {
		return
	}

	cals, err := h.fetchCalendars(ctx, conn)
	if err != nil {
		slog.Error("list google calendars", "connection_id", conn.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	syncs, err := h.store.ListSyncs(ctx, conn.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	selected := make(map[string]store.CalendarSync, len(syncs))
	for _, s := range syncs {
		selected[s.GoogleCalendarID] = s
	}

	views := make([]calendarView, 0, len(cals))
	for _, c := range cals {
		v := calendarView{
			ID:          c.ID,
			Name:        c.Summary,
			Description: c.Description,
			Color:       c.BackgroundColor,
			IsPrimary:   c.Primary,
			AccessRole:  c.AccessRole,
		}
		if s, ok := selected[c.ID]; ok {
			v.IsSelected = true
			v.SyncID = s.ID
			v.SyncDirection = s.Direction()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "calendars": views})
}

type selectCalendarsRequest struct {
	WorkspaceID   string    `json:"workspace_id"`
	CalendarIDs   *[]string `json:"calendar_ids"`
	SyncDirection string    `json:"sync_direction"`
}

func (h *CalendarHandler) handleSelectCalendars(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req selectCalendarsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CalendarIDs == nil {
		writeError(w, http.StatusBadRequest, "calendar_ids is required")
		return
	}
	direction := req.SyncDirection
	if direction == "" {
		direction = store.DirectionBoth
	}
	if !store.ValidDirection(direction) {
		writeError(w, http.StatusBadRequest, "sync_direction must be one of from_provider, to_provider, both")
		return
	}
	conn, ok := h.connectionFor(w, r, req.WorkspaceID)
	if !ok {
		return
	}

	existing, err := h.store.ListSyncs(ctx, conn.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	wanted := make(map[string]bool, len(*req.CalendarIDs))
	for _, id := range *req.CalendarIDs {
		if id != "" {
			wanted[id] = true
		}
	}
	have := make(map[string]bool, len(existing))

	removed := 0
	for i := range existing {
		s := &existing[i]
		have[s.GoogleCalendarID] = true
		if wanted[s.GoogleCalendarID] {
			continue
		}
		if s.WebhookChannelID != nil && h.webhooks != nil {
			if err := h.webhooks.Unregister(ctx, conn, s); err != nil {
				slog.Warn("unregister webhook for deselected calendar", "sync_id", s.ID, "error", err)
			}
		}
		if err := h.store.DeleteSync(ctx, s.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		removed++
	}

	var toAdd []string
	for _, id := range *req.CalendarIDs {
		if id != "" && !have[id] {
			toAdd = append(toAdd, id)
			have[id] = true
		}
	}

	var meta map[string]cache.Calendar
	if len(toAdd) > 0 {
		cals, err := h.fetchCalendars(ctx, conn)
		if err != nil {
			slog.Warn("calendar metadata unavailable for selection", "connection_id", conn.ID, "error", err)
		}
		meta = make(map[string]cache.Calendar, len(cals))
		for _, c := range cals {
			meta[c.ID] = c
		}
	}

	var created []*store.CalendarSync
	for _, id := range toAdd {
		s := &store.CalendarSync{
			ConnectionID:        conn.ID,
			WorkspaceID:         conn.WorkspaceID,
			GoogleCalendarID:    id,
			GoogleCalendarName:  meta[id].Summary,
			GoogleCalendarColor: meta[id].BackgroundColor,
			SyncEnabled:         true,
			SyncDirection:       direction,
		}
		if s.GoogleCalendarName == "" {
			s.GoogleCalendarName = id
		}
		if err := h.store.CreateSync(ctx, s); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		created = append(created, s)
	}

	if h.webhooks != nil {
		for _, s := range created {
			if _, err := h.webhooks.Register(ctx, conn, s); err != nil {
				slog.Warn("register webhook for selected calendar", "sync_id", s.ID, "error", err)
			}
		}
	}
	if err := h.calendars.Invalidate(ctx, conn.ID); err != nil {
		slog.Warn("invalidate calendar list cache", "connection_id", conn.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "added": len(created), "removed": removed})
}

type syncRequest struct {
	WorkspaceID string `json:"workspace_id"`
	SyncID      string `json:"sync_id"`
	FullSync    bool   `json:"full_sync"`
}

type syncResponse struct {
	Success    bool  `json:"success"`
	Created    int   `json:"created"`
	Updated    int   `json:"updated"`
	Deleted    int   `json:"deleted"`
	Pushed     int   `json:"pushed"`
	Conflicts  int   `json:"conflicts"`
	DurationMS int64 `json:"duration_ms"`
}

func (h *CalendarHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, ok := h.connectionFor(w, r, req.WorkspaceID)
	if !ok {
		return
	}

	if req.SyncID != "" {
		sync, err := h.store.GetSync(ctx, req.SyncID)
		if err != nil || sync.ConnectionID != conn.ID {
			writeError(w, http.StatusNotFound, "calendar sync not found")
			return
		}
	} else {
		syncs, err := h.store.ListEnabledSyncs(ctx, conn.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(syncs) == 0 {
			writeError(w, http.StatusBadRequest, "no calendars selected for sync")
			return
		}
	}

	syncType := store.SyncTypeIncremental
	if req.FullSync {
		syncType = store.SyncTypeFull
	}
	workerID := h.newWorkerID()
	item, err := h.store.Enqueue(ctx, conn.ID, conn.WorkspaceID, syncType, store.PriorityNormal)
	switch {
	case errors.Is(err, store.ErrAlreadyQueued):
		item = nil
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	default:
		if err := h.store.ClaimItem(ctx, item.ID, workerID, manualLease); err != nil {
			// The cron worker got there first; it owns the row now.
			item = nil
		}
	}

	stats, elapsed, err := h.runner.Run(ctx, conn, store.OpManualSync, calendarsync.ManualPull(req.SyncID, req.FullSync))
	if err != nil {
		slog.Error("manual sync failed", "connection_id", conn.ID, "error", err)
		if storeErr := h.store.SetConnectionError(ctx, conn.ID, err.Error(), conn.IsActive); storeErr != nil {
			slog.Error("record manual sync failure", "connection_id", conn.ID, "error", storeErr)
		}
		if item != nil {
			if qErr := h.store.FailItem(ctx, item.ID, workerID, err.Error()); qErr != nil {
				slog.Warn("fail manual queue item", "item_id", item.ID, "error", qErr)
			}
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item != nil {
		if qErr := h.store.CompleteItem(ctx, item.ID, workerID); qErr != nil {
			slog.Warn("complete manual queue item", "item_id", item.ID, "error", qErr)
		}
	}

	writeJSON(w, http.StatusOK, syncResponse{
		Success:    true,
		Created:    stats.Created,
		Updated:    stats.Updated,
		Deleted:    stats.Deleted,
		Pushed:     stats.Pushed,
		Conflicts:  stats.Conflicts,
		DurationMS: elapsed.Milliseconds(),
	})
}

type syncStatusResponse struct {
	IsActive     bool            `json:"is_active"`
	LastSyncAt   *time.Time      `json:"last_sync_at"`
	SyncError    *string         `json:"sync_error"`
	RetryCount   int             `json:"retry_count"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	PendingItems int             `json:"pending_queue_items"`
	RecentLogs   []store.SyncLog `json:"recent_logs"`
}

func (h *CalendarHandler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, ok := h.connectionFor(w, r, queryParam(r, "workspace_id"))
	if !ok {
		return
	}
	logs, err := h.store.RecentLogs(ctx, conn.WorkspaceID, recentLogsLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []store.SyncLog{}
	}
	pending, err := h.store.CountQueue(ctx, conn.WorkspaceID, store.QueuePending)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := syncStatusResponse{
		IsActive:     conn.IsActive,
		LastSyncAt:   conn.LastSyncAt,
		SyncError:    conn.SyncError,
		PendingItems: pending,
		RecentLogs:   logs,
	}
	if conn.SyncError != nil && *conn.SyncError != "" {
		resp.RetryCount = calendarsync.RetryCount(*conn.SyncError)
		if at, ok := calendarsync.DefaultRetryPolicy().NextRetryAt(conn); ok {
			resp.NextRetryAt = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type deleteEventRequest struct {
	WorkspaceID string `json:"workspace_id"`
	EventID     string `json:"event_id"`
}

func (h *CalendarHandler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req deleteEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EventID == "" {
		writeError(w, http.StatusBadRequest, "event_id is required")
		return
	}
	conn, ok := h.connectionFor(w, r, req.WorkspaceID)
	if !ok {
		return
	}

	ev, err := h.store.GetEvent(ctx, conn.WorkspaceID, req.EventID)
	if err != nil {
		writeStoreError(w, err, "event not found")
		return
	}
	if ev.GoogleEventID == nil || *ev.GoogleEventID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "event is not linked to Google Calendar"})
		return
	}

	// The event belongs to whichever connection owns its sync row.
	owner := conn
	if ev.GoogleCalendarSyncID != nil {
		if sync, err := h.store.GetSync(ctx, *ev.GoogleCalendarSyncID); err == nil && sync.ConnectionID != conn.ID {
			if other, err := h.store.GetConnection(ctx, sync.ConnectionID); err == nil {
				owner = other
			}
		}
	}

	if err := h.pusher.DeleteEvent(ctx, owner, ev); err != nil {
		slog.Error("delete event from google", "event_id", ev.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "event deleted from Google Calendar"})
}

type webhookRequest struct {
	WorkspaceID string `json:"workspace_id"`
	SyncID      string `json:"sync_id"`
}

type webhookView struct {
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	Expiration time.Time `json:"expiration"`
}

func (h *CalendarHandler) handleSetupWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, sync, ok := h.ownedSync(w, r, req.WorkspaceID, req.SyncID)
	if !ok {
		return
	}

	var err error
	if sync.WebhookChannelID != nil {
		_, err = h.webhooks.Renew(ctx, conn, sync)
	} else {
		_, err = h.webhooks.Register(ctx, conn, sync)
	}
	if err != nil {
		slog.Error("webhook setup failed", "sync_id", sync.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	view := webhookView{}
	if sync.WebhookChannelID != nil {
		view.ChannelID = *sync.WebhookChannelID
	}
	if sync.WebhookResourceID != nil {
		view.ResourceID = *sync.WebhookResourceID
	}
	if sync.WebhookExpiration != nil {
		view.Expiration = *sync.WebhookExpiration
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "webhook": view})
}

func (h *CalendarHandler) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, sync, ok := h.ownedSync(w, r, req.WorkspaceID, req.SyncID)
	if !ok {
		return
	}
	if sync.WebhookChannelID == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "no webhook registered"})
		return
	}
	if err := h.webhooks.Unregister(ctx, conn, sync); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "webhook removed"})
}
