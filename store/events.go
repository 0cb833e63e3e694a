package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const eventColumns = `id, workspace_id, internal_calendar_id, title, description, start_time, end_time,
	location, event_status, attendees, source, google_event_id, google_calendar_sync_id, google_etag,
	google_synced_at, needs_google_sync, created_at, updated_at`

// CreateCalendar inserts an internal calendar.
func (s *Store) CreateCalendar(ctx context.Context, c *InternalCalendar) error {
	if c.ID == "" {
		c.ID = newID()
	}
	c.CreatedAt = s.now()
	_, err := s.exec(ctx, `INSERT INTO internal_calendars (id, workspace_id, name, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)`, c.ID, c.WorkspaceID, c.Name, c.IsActive, c.CreatedAt)
	return err
}

// DefaultCalendar returns the first active internal calendar of a workspace.
func (s *Store) DefaultCalendar(ctx context.Context, workspaceID string) (*InternalCalendar, error) {
	var c InternalCalendar
	err := s.get(ctx, &c, `SELECT id, workspace_id, name, is_active, created_at FROM internal_calendars
		WHERE workspace_id = ? AND is_active = ? ORDER BY created_at ASC, id ASC LIMIT 1`, workspaceID, true)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetEvent loads an event scoped to its workspace.
func (s *Store) GetEvent(ctx context.Context, workspaceID, id string) (*Event, error) {
	var e Event
	err := s.get(ctx, &e, `SELECT `+eventColumns+` FROM internal_events
		WHERE workspace_id = ? AND id = ?`, workspaceID, id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindEventByGoogleID matches a remote event to its internal copy.
func (s *Store) FindEventByGoogleID(ctx context.Context, workspaceID, googleEventID string) (*Event, error) {
	var e Event
	err := s.get(ctx, &e, `SELECT `+eventColumns+` FROM internal_events
		WHERE workspace_id = ? AND google_event_id = ?`, workspaceID, googleEventID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertEvent creates an internal event. Zero timestamps are stamped with now.
func (s *Store) InsertEvent(ctx context.Context, e *Event) error {
	now := s.now()
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	if e.EventStatus == "" {
		e.EventStatus = StatusConfirmed
	}
	if e.Source == "" {
		e.Source = SourceLocal
	}
	_, err := s.exec(ctx, `INSERT INTO internal_events (
		id, workspace_id, internal_calendar_id, title, description, start_time, end_time, location,
		event_status, attendees, source, google_event_id, google_calendar_sync_id, google_etag,
		google_synced_at, needs_google_sync, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkspaceID, e.InternalCalendarID, e.Title, e.Description, e.StartTime.UTC(), e.EndTime.UTC(),
		e.Location, e.EventStatus, e.Attendees, e.Source, e.GoogleEventID, e.GoogleCalendarSyncID,
		e.GoogleEtag, utcPtr(e.GoogleSyncedAt), e.NeedsGoogleSync, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ApplyRemoteEvent overwrites the provider-owned fields of an event with the
// remote version. updated_at follows google_synced_at so later local edits are
// detectable.
func (s *Store) ApplyRemoteEvent(ctx context.Context, id string, remote *Event) error {
	synced := s.now()
	if remote.GoogleSyncedAt != nil {
		synced = remote.GoogleSyncedAt.UTC()
	}
	return s.execOne(ctx, `UPDATE internal_events SET
		title = ?, description = ?, start_time = ?, end_time = ?, location = ?, event_status = ?,
		attendees = ?, source = ?, google_calendar_sync_id = ?, google_etag = ?, google_synced_at = ?,
		needs_google_sync = ?, updated_at = ?
		WHERE id = ?`,
		remote.Title, remote.Description, remote.StartTime.UTC(), remote.EndTime.UTC(), remote.Location,
		remote.EventStatus, remote.Attendees, SourceProvider, remote.GoogleCalendarSyncID, remote.GoogleEtag,
		synced, false, synced, id)
}

// CancelEvent flips an event to cancelled. Events are never hard-deleted.
func (s *Store) CancelEvent(ctx context.Context, id string, etag *string) error {
	now := s.now()
	return s.execOne(ctx, `UPDATE internal_events SET
		event_status = ?, google_etag = COALESCE(?, google_etag), google_synced_at = ?, updated_at = ?
		WHERE id = ?`, StatusCancelled, etag, now, now, id)
}

// ListPendingPush returns local events waiting to be pushed to Google.
func (s *Store) ListPendingPush(ctx context.Context, workspaceID string) ([]Event, error) {
	var out []Event
	err := s.selectAll(ctx, &out, `SELECT `+eventColumns+` FROM internal_events
		WHERE workspace_id = ? AND needs_google_sync = ? AND source <> ?
		ORDER BY updated_at ASC, id ASC`, workspaceID, true, SourceProvider)
	return out, err
}

// MarkEventPushed records the Google identity of a pushed event and clears the
// push flag.
func (s *Store) MarkEventPushed(ctx context.Context, id, googleEventID, etag, syncID string, at time.Time) error {
	return s.execOne(ctx, `UPDATE internal_events SET
		google_event_id = ?, google_etag = ?, google_calendar_sync_id = ?, google_synced_at = ?,
		needs_google_sync = ?, updated_at = ?
		WHERE id = ?`, googleEventID, nullString(etag), syncID, at.UTC(), false, at.UTC(), id)
}

// UnlinkEvent cancels an event and drops its Google identity after a
// provider-side delete.
func (s *Store) UnlinkEvent(ctx context.Context, id string) error {
	now := s.now()
	return s.execOne(ctx, `UPDATE internal_events SET
		event_status = ?, google_event_id = NULL, google_etag = NULL, needs_google_sync = ?, updated_at = ?
		WHERE id = ?`, StatusCancelled, false, now, id)
}

// RecordConflict snapshots the losing local version before it is overwritten.
func (s *Store) RecordConflict(ctx context.Context, local *Event, remoteUpdated time.Time) (*Conflict, error) {
	snapshot, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("encode local version: %w", err)
	}
	c := &Conflict{
		ID:              newID(),
		InternalEventID: local.ID,
		WorkspaceID:     local.WorkspaceID,
		GoogleEventID:   deref(local.GoogleEventID),
		LocalVersion:    string(snapshot),
		LocalUpdatedAt:  local.UpdatedAt.UTC(),
		RemoteUpdatedAt: remoteUpdated.UTC(),
		ResolvedAt:      s.now(),
	}
	_, err = s.exec(ctx, `INSERT INTO google_sync_conflicts (
		id, internal_event_id, workspace_id, google_event_id, local_version, local_updated_at,
		remote_updated_at, resolved_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.InternalEventID, c.WorkspaceID, c.GoogleEventID, c.LocalVersion, c.LocalUpdatedAt,
		c.RemoteUpdatedAt, c.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conflict: %w", err)
	}
	return c, nil
}

// ListConflicts returns the audit trail of an event, newest first.
func (s *Store) ListConflicts(ctx context.Context, internalEventID string) ([]Conflict, error) {
	var out []Conflict
	err := s.selectAll(ctx, &out, `SELECT id, internal_event_id, workspace_id, google_event_id,
		local_version, local_updated_at, remote_updated_at, resolved_at
		FROM google_sync_conflicts WHERE internal_event_id = ? ORDER BY resolved_at DESC`, internalEventID)
	return out, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
