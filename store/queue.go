package store

import (
	"context"
	"fmt"
	"time"
)

const queueColumns = `id, connection_id, workspace_id, sync_type, priority, status, worker_id,
	lease_expires_at, created_at, started_at, completed_at, error_message`

// Enqueue inserts a pending queue item. A connection holds at most one pending
// item; a second insert returns ErrAlreadyQueued.
func (s *Store) Enqueue(ctx context.Context, connectionID, workspaceID, syncType string, priority int) (*QueueItem, error) {
	item := &QueueItem{
		ID:           newID(),
		ConnectionID: connectionID,
		WorkspaceID:  workspaceID,
		SyncType:     syncType,
		Priority:     priority,
		Status:       QueuePending,
		CreatedAt:    s.now(),
	}
	_, err := s.exec(ctx, `INSERT INTO google_sync_queue (
		id, connection_id, workspace_id, sync_type, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ConnectionID, item.WorkspaceID, item.SyncType, item.Priority, item.Status, item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyQueued
		}
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

// ClaimPending claims up to limit items for workerID, webhook items first and
// oldest first within a priority. Items left in processing by a worker whose
// lease has expired are claimable again. Only items this worker won are
// returned.
func (s *Store) ClaimPending(ctx context.Context, workerID string, limit int, lease time.Duration) ([]QueueItem, error) {
	now := s.now()
	var candidates []QueueItem
	err := s.selectAll(ctx, &candidates, `SELECT `+queueColumns+` FROM google_sync_queue
		WHERE status = ? OR (status = ? AND lease_expires_at < ?)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?`, QueuePending, QueueProcessing, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	claimed := make([]QueueItem, 0, len(candidates))
	leaseUntil := now.Add(lease)
	for _, item := range candidates {
		n, err := s.exec(ctx, `UPDATE google_sync_queue SET
			status = ?, worker_id = ?, lease_expires_at = ?, started_at = ?
			WHERE id = ? AND (status = ? OR (status = ? AND lease_expires_at < ?))`,
			QueueProcessing, workerID, leaseUntil, now,
			item.ID, QueuePending, QueueProcessing, now)
		if err != nil {
			return claimed, fmt.Errorf("claim %s: %w", item.ID, err)
		}
		if n != 1 {
			continue
		}
		item.Status = QueueProcessing
		item.WorkerID = &workerID
		item.LeaseExpiresAt = &leaseUntil
		item.StartedAt = &now
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// ClaimItem claims one specific pending item for workerID. It returns
// ErrNotFound when another worker got there first.
func (s *Store) ClaimItem(ctx context.Context, id, workerID string, lease time.Duration) error {
	now := s.now()
	return s.execOne(ctx, `UPDATE google_sync_queue SET
		status = ?, worker_id = ?, lease_expires_at = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		QueueProcessing, workerID, now.Add(lease), now, id, QueuePending)
}

// CompleteItem marks a claimed item completed. Only the claiming worker can
// finish it.
func (s *Store) CompleteItem(ctx context.Context, id, workerID string) error {
	return s.execOne(ctx, `UPDATE google_sync_queue SET
		status = ?, completed_at = ?, lease_expires_at = NULL
		WHERE id = ? AND worker_id = ? AND status = ?`,
		QueueCompleted, s.now(), id, workerID, QueueProcessing)
}

// FailItem marks a claimed item errored with a message.
func (s *Store) FailItem(ctx context.Context, id, workerID, message string) error {
	return s.execOne(ctx, `UPDATE google_sync_queue SET
		status = ?, completed_at = ?, error_message = ?, lease_expires_at = NULL
		WHERE id = ? AND worker_id = ? AND status = ?`,
		QueueError, s.now(), message, id, workerID, QueueProcessing)
}

// PurgeTerminal deletes completed or errored items finished before cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM google_sync_queue
		WHERE status IN (?, ?) AND completed_at < ?`, QueueCompleted, QueueError, cutoff.UTC())
}

// GetQueueItem loads one queue item.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	var item QueueItem
	if err := s.get(ctx, &item, `SELECT `+queueColumns+` FROM google_sync_queue WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// CountQueue counts items of a workspace in the given status.
func (s *Store) CountQueue(ctx context.Context, workspaceID, status string) (int, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM google_sync_queue
		WHERE workspace_id = ? AND status = ?`, workspaceID, status)
	return n, err
}
