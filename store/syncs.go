package store

import (
	"context"
	"fmt"
	"time"
)

const syncColumns = `id, connection_id, workspace_id, google_calendar_id, google_calendar_name,
	google_calendar_color, sync_enabled, sync_direction, last_sync_at, last_sync_token,
	webhook_channel_id, webhook_resource_id, webhook_expiration, sync_error, created_at, updated_at`

// ListSyncs returns every calendar sync of a connection.
func (s *Store) ListSyncs(ctx context.Context, connectionID string) ([]CalendarSync, error) {
	var out []CalendarSync
	err := s.selectAll(ctx, &out, `SELECT `+syncColumns+` FROM google_calendar_sync
		WHERE connection_id = ? ORDER BY created_at ASC, id ASC`, connectionID)
	return out, err
}

// ListEnabledSyncs returns the enabled calendar syncs of a connection.
func (s *Store) ListEnabledSyncs(ctx context.Context, connectionID string) ([]CalendarSync, error) {
	var out []CalendarSync
	err := s.selectAll(ctx, &out, `SELECT `+syncColumns+` FROM google_calendar_sync
		WHERE connection_id = ? AND sync_enabled = ? ORDER BY created_at ASC, id ASC`, connectionID, true)
	return out, err
}

// GetSync loads one calendar sync.
func (s *Store) GetSync(ctx context.Context, id string) (*CalendarSync, error) {
	var c CalendarSync
	if err := s.get(ctx, &c, `SELECT `+syncColumns+` FROM google_calendar_sync WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetSyncByChannel resolves the calendar sync owning a webhook channel.
func (s *Store) GetSyncByChannel(ctx context.Context, channelID string) (*CalendarSync, error) {
	var c CalendarSync
	if err := s.get(ctx, &c, `SELECT `+syncColumns+` FROM google_calendar_sync
		WHERE webhook_channel_id = ?`, channelID); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateSync inserts a calendar selection.
func (s *Store) CreateSync(ctx context.Context, c *CalendarSync) error {
	now := s.now()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.SyncDirection == "" {
		c.SyncDirection = DirectionBoth
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.exec(ctx, `INSERT INTO google_calendar_sync (
		id, connection_id, workspace_id, google_calendar_id, google_calendar_name,
		google_calendar_color, sync_enabled, sync_direction, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ConnectionID, c.WorkspaceID, c.GoogleCalendarID, c.GoogleCalendarName,
		c.GoogleCalendarColor, c.SyncEnabled, c.SyncDirection, now, now)
	if err != nil {
		return fmt.Errorf("insert calendar sync: %w", err)
	}
	return nil
}

// DeleteSync removes a calendar selection.
func (s *Store) DeleteSync(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM google_calendar_sync WHERE id = ?`, id)
}

// UpdateSyncCursor stores the incremental cursor after a completed pass and
// clears sync_error. A nil token clears the cursor.
func (s *Store) UpdateSyncCursor(ctx context.Context, id string, token *string, at time.Time) error {
	return s.execOne(ctx, `UPDATE google_calendar_sync SET
		last_sync_token = ?, last_sync_at = ?, sync_error = NULL, updated_at = ? WHERE id = ?`,
		token, at.UTC(), s.now(), id)
}

// ClearSyncToken drops an incremental cursor Google rejected.
func (s *Store) ClearSyncToken(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE google_calendar_sync SET
		last_sync_token = NULL, updated_at = ? WHERE id = ?`, s.now(), id)
}

// SetSyncError records a per-calendar failure.
func (s *Store) SetSyncError(ctx context.Context, id, message string) error {
	return s.execOne(ctx, `UPDATE google_calendar_sync SET
		sync_error = ?, updated_at = ? WHERE id = ?`, message, s.now(), id)
}

// SetWebhook persists a registered notification channel.
func (s *Store) SetWebhook(ctx context.Context, id, channelID, resourceID string, expiration time.Time) error {
	return s.execOne(ctx, `UPDATE google_calendar_sync SET
		webhook_channel_id = ?, webhook_resource_id = ?, webhook_expiration = ?, updated_at = ?
		WHERE id = ?`, channelID, nullString(resourceID), expiration.UTC(), s.now(), id)
}

// ClearWebhook forgets the notification channel of a calendar sync.
func (s *Store) ClearWebhook(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE google_calendar_sync SET
		webhook_channel_id = NULL, webhook_resource_id = NULL, webhook_expiration = NULL, updated_at = ?
		WHERE id = ?`, s.now(), id)
}

// ListExpiringWebhooks returns enabled syncs whose channel expires before cutoff.
func (s *Store) ListExpiringWebhooks(ctx context.Context, cutoff time.Time) ([]CalendarSync, error) {
	var out []CalendarSync
	err := s.selectAll(ctx, &out, `SELECT `+syncColumns+` FROM google_calendar_sync
		WHERE sync_enabled = ? AND webhook_channel_id IS NOT NULL AND webhook_expiration < ?
		ORDER BY webhook_expiration ASC`, true, cutoff.UTC())
	return out, err
}
