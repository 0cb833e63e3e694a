package store

// schema is accepted by both Postgres and SQLite. Timestamps are always written
// in UTC so that textual comparison on SQLite matches chronological order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS google_calendar_connections (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		workspace_id     TEXT NOT NULL,
		google_email     TEXT NOT NULL DEFAULT '',
		google_user_id   TEXT NOT NULL DEFAULT '',
		access_token     TEXT NOT NULL,
		refresh_token    TEXT NOT NULL DEFAULT '',
		token_expires_at TIMESTAMP NOT NULL,
		scopes           TEXT NOT NULL DEFAULT '',
		is_active        BOOLEAN NOT NULL DEFAULT TRUE,
		last_sync_at     TIMESTAMP NULL,
		sync_error       TEXT NULL,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_user_workspace
		ON google_calendar_connections (user_id, workspace_id)`,

	`CREATE TABLE IF NOT EXISTS google_calendar_sync (
		id                    TEXT PRIMARY KEY,
		connection_id         TEXT NOT NULL,
		workspace_id          TEXT NOT NULL,
		google_calendar_id    TEXT NOT NULL,
		google_calendar_name  TEXT NOT NULL DEFAULT '',
		google_calendar_color TEXT NOT NULL DEFAULT '',
		sync_enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		sync_direction        TEXT NOT NULL DEFAULT 'both',
		last_sync_at          TIMESTAMP NULL,
		last_sync_token       TEXT NULL,
		webhook_channel_id    TEXT NULL,
		webhook_resource_id   TEXT NULL,
		webhook_expiration    TIMESTAMP NULL,
		sync_error            TEXT NULL,
		created_at            TIMESTAMP NOT NULL,
		updated_at            TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_connection_calendar
		ON google_calendar_sync (connection_id, google_calendar_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_channel
		ON google_calendar_sync (webhook_channel_id)`,

	`CREATE TABLE IF NOT EXISTS internal_calendars (
		id           TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name         TEXT NOT NULL,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS internal_events (
		id                      TEXT PRIMARY KEY,
		workspace_id            TEXT NOT NULL,
		internal_calendar_id    TEXT NULL,
		title                   TEXT NOT NULL,
		description             TEXT NULL,
		start_time              TIMESTAMP NOT NULL,
		end_time                TIMESTAMP NOT NULL,
		location                TEXT NULL,
		event_status            TEXT NOT NULL DEFAULT 'confirmed',
		attendees               TEXT NOT NULL DEFAULT '[]',
		source                  TEXT NOT NULL DEFAULT 'local',
		google_event_id         TEXT NULL,
		google_calendar_sync_id TEXT NULL,
		google_etag             TEXT NULL,
		google_synced_at        TIMESTAMP NULL,
		needs_google_sync       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at              TIMESTAMP NOT NULL,
		updated_at              TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_workspace_google_id
		ON internal_events (workspace_id, google_event_id) WHERE google_event_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_events_push
		ON internal_events (workspace_id, needs_google_sync)`,

	`CREATE TABLE IF NOT EXISTS google_sync_queue (
		id               TEXT PRIMARY KEY,
		connection_id    TEXT NOT NULL,
		workspace_id     TEXT NOT NULL,
		sync_type        TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 1,
		status           TEXT NOT NULL DEFAULT 'pending',
		worker_id        TEXT NULL,
		lease_expires_at TIMESTAMP NULL,
		created_at       TIMESTAMP NOT NULL,
		started_at       TIMESTAMP NULL,
		completed_at     TIMESTAMP NULL,
		error_message    TEXT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_one_pending
		ON google_sync_queue (connection_id) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_queue_drain
		ON google_sync_queue (status, priority, created_at)`,

	`CREATE TABLE IF NOT EXISTS google_sync_log (
		id                      TEXT PRIMARY KEY,
		google_calendar_sync_id TEXT NULL,
		connection_id           TEXT NULL,
		workspace_id            TEXT NOT NULL,
		user_id                 TEXT NULL,
		operation               TEXT NOT NULL,
		status                  TEXT NOT NULL,
		events_created          INTEGER NOT NULL DEFAULT 0,
		events_updated          INTEGER NOT NULL DEFAULT 0,
		events_deleted          INTEGER NOT NULL DEFAULT 0,
		error_message           TEXT NULL,
		started_at              TIMESTAMP NOT NULL,
		completed_at            TIMESTAMP NULL,
		duration_ms             INTEGER NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_log_workspace
		ON google_sync_log (workspace_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS google_sync_conflicts (
		id                TEXT PRIMARY KEY,
		internal_event_id TEXT NOT NULL,
		workspace_id      TEXT NOT NULL,
		google_event_id   TEXT NOT NULL,
		local_version     TEXT NOT NULL,
		local_updated_at  TIMESTAMP NOT NULL,
		remote_updated_at TIMESTAMP NOT NULL,
		resolved_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_event
		ON google_sync_conflicts (internal_event_id)`,
}
