package store

import (
	"context"
	"fmt"
	"time"
)

const logColumns = `id, google_calendar_sync_id, connection_id, workspace_id, user_id, operation, status,
	events_created, events_updated, events_deleted, error_message, started_at, completed_at, duration_ms`

// StartLog opens a sync log row in the started state.
func (s *Store) StartLog(ctx context.Context, l *SyncLog) error {
	l.ID = newID()
	l.Status = LogStarted
	if l.StartedAt.IsZero() {
		l.StartedAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO google_sync_log (
		id, google_calendar_sync_id, connection_id, workspace_id, user_id, operation, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CalendarSyncID, l.ConnectionID, l.WorkspaceID, l.UserID, l.Operation, l.Status, l.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

// FinishLog closes a sync log row with counts and duration. A non-empty
// errMsg marks the row errored.
func (s *Store) FinishLog(ctx context.Context, id string, created, updated, deleted int, errMsg string, duration time.Duration) error {
	status := LogSuccess
	if errMsg != "" {
		status = LogError
	}
	return s.execOne(ctx, `UPDATE google_sync_log SET
		status = ?, events_created = ?, events_updated = ?, events_deleted = ?, error_message = ?,
		completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		status, created, updated, deleted, nullString(errMsg), s.now(), duration.Milliseconds(), id)
}

// RecentLogs returns the latest log rows of a workspace.
func (s *Store) RecentLogs(ctx context.Context, workspaceID string, limit int) ([]SyncLog, error) {
	var out []SyncLog
	err := s.selectAll(ctx, &out, `SELECT `+logColumns+` FROM google_sync_log
		WHERE workspace_id = ? ORDER BY started_at DESC LIMIT ?`, workspaceID, limit)
	return out, err
}

// CountLogs counts log rows of a workspace.
func (s *Store) CountLogs(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM google_sync_log WHERE workspace_id = ?`, workspaceID)
	return n, err
}
