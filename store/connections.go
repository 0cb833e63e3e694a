package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const connectionColumns = `id, user_id, workspace_id, google_email, google_user_id, access_token,
	refresh_token, token_expires_at, scopes, is_active, last_sync_at, sync_error, created_at, updated_at`

// GetConnection loads a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var c Connection
	err := s.get(ctx, &c, `SELECT `+connectionColumns+` FROM google_calendar_connections WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConnectionForUser loads the connection a user holds in a workspace.
func (s *Store) GetConnectionForUser(ctx context.Context, workspaceID, userID string) (*Connection, error) {
	var c Connection
	err := s.get(ctx, &c, `SELECT `+connectionColumns+` FROM google_calendar_connections
		WHERE workspace_id = ? AND user_id = ?`, workspaceID, userID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConnection stores a freshly granted connection. An existing grant for
// the same (user, workspace) is overwritten and reset to a clean, active state.
func (s *Store) UpsertConnection(ctx context.Context, c *Connection) (*Connection, error) {
	now := s.now()
	existing, err := s.GetConnectionForUser(ctx, c.WorkspaceID, c.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		refresh := c.RefreshToken
		if refresh == "" {
			// Google only returns a refresh token on first consent.
			refresh = existing.RefreshToken
		}
		_, err := s.exec(ctx, `UPDATE google_calendar_connections SET
			google_email = ?, google_user_id = ?, access_token = ?, refresh_token = ?,
			token_expires_at = ?, scopes = ?, is_active = ?, sync_error = NULL,
			last_sync_at = NULL, updated_at = ?
			WHERE id = ?`,
			c.GoogleEmail, c.GoogleUserID, c.AccessToken, refresh,
			c.TokenExpiresAt.UTC(), c.Scopes, true, now, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("update connection: %w", err)
		}
		return s.GetConnection(ctx, existing.ID)
	}

	c.ID = newID()
	c.IsActive = true
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err = s.exec(ctx, `INSERT INTO google_calendar_connections (
		id, user_id, workspace_id, google_email, google_user_id, access_token, refresh_token,
		token_expires_at, scopes, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.WorkspaceID, c.GoogleEmail, c.GoogleUserID, c.AccessToken, c.RefreshToken,
		c.TokenExpiresAt.UTC(), c.Scopes, true, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	return c, nil
}

// UpdateConnectionToken persists a refreshed access token and clears sync_error.
// An empty refreshToken keeps the stored one.
func (s *Store) UpdateConnectionToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	if refreshToken == "" {
		return s.execOne(ctx, `UPDATE google_calendar_connections SET
			access_token = ?, token_expires_at = ?, sync_error = NULL, updated_at = ?
			WHERE id = ?`, accessToken, expiresAt.UTC(), s.now(), id)
	}
	return s.execOne(ctx, `UPDATE google_calendar_connections SET
		access_token = ?, refresh_token = ?, token_expires_at = ?, sync_error = NULL, updated_at = ?
		WHERE id = ?`, accessToken, refreshToken, expiresAt.UTC(), s.now(), id)
}

// SetConnectionError records a sync failure. When active is false the
// connection is also deactivated.
func (s *Store) SetConnectionError(ctx context.Context, id, message string, active bool) error {
	return s.execOne(ctx, `UPDATE google_calendar_connections SET
		sync_error = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		message, active, s.now(), id)
}

// MarkConnectionSynced stamps last_sync_at and clears sync_error.
func (s *Store) MarkConnectionSynced(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE google_calendar_connections SET
		last_sync_at = ?, sync_error = NULL, updated_at = ? WHERE id = ?`,
		at.UTC(), s.now(), id)
}

// ListStaleConnections returns active, error-free connections never synced or
// last synced before staleBefore.
func (s *Store) ListStaleConnections(ctx context.Context, staleBefore time.Time) ([]Connection, error) {
	var out []Connection
	err := s.selectAll(ctx, &out, `SELECT `+connectionColumns+` FROM google_calendar_connections
		WHERE is_active = ? AND sync_error IS NULL
		AND (last_sync_at IS NULL OR last_sync_at < ?)
		ORDER BY last_sync_at IS NOT NULL, last_sync_at ASC`, true, staleBefore.UTC())
	return out, err
}

// ListErroredConnections returns active connections carrying a sync_error.
func (s *Store) ListErroredConnections(ctx context.Context) ([]Connection, error) {
	var out []Connection
	err := s.selectAll(ctx, &out, `SELECT `+connectionColumns+` FROM google_calendar_connections
		WHERE is_active = ? AND sync_error IS NOT NULL
		ORDER BY updated_at ASC`, true)
	return out, err
}

// DeleteConnection removes a connection together with its calendar syncs.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM google_calendar_sync WHERE connection_id = ?`), id); err != nil {
		return fmt.Errorf("delete calendar syncs: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM google_calendar_connections WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// HasConnection reports whether userID has connected Google in workspaceID.
func (s *Store) HasConnection(ctx context.Context, workspaceID, userID string) (bool, error) {
	_, err := s.GetConnectionForUser(ctx, workspaceID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
