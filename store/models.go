package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Sync directions for a CalendarSync row.
const (
	DirectionFromProvider = "from_provider"
	DirectionToProvider   = "to_provider"
	DirectionBoth         = "both"
)

// Event sources and statuses.
const (
	SourceLocal    = "local"
	SourceProvider = "provider"

	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Queue sync types, priorities and statuses.
const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
	SyncTypeWebhook     = "webhook"

	PriorityWebhook = 0
	PriorityNormal  = 1

	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueError      = "error"
)

// Sync log operations and statuses.
const (
	OpManualSync      = "manual_sync"
	OpCronSync        = "cron_sync"
	OpWebhookReceived = "webhook_received"
	OpWebhookSetup    = "webhook_setup"
	OpWebhookRenew    = "webhook_renew"

	LogStarted = "started"
	LogSuccess = "success"
	LogError   = "error"
)

// Connection is one OAuth grant binding a (user, workspace) pair to a Google account.
type Connection struct {
	ID             string     `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"user_id"`
	WorkspaceID    string     `db:"workspace_id" json:"workspace_id"`
	GoogleEmail    string     `db:"google_email" json:"google_email"`
	GoogleUserID   string     `db:"google_user_id" json:"google_user_id"`
	AccessToken    string     `db:"access_token" json:"-"`
	RefreshToken   string     `db:"refresh_token" json:"-"`
	TokenExpiresAt time.Time  `db:"token_expires_at" json:"token_expires_at"`
	Scopes         string     `db:"scopes" json:"scopes"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	LastSyncAt     *time.Time `db:"last_sync_at" json:"last_sync_at"`
	SyncError      *string    `db:"sync_error" json:"sync_error"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// CalendarSync is one Google calendar selected for synchronization.
type CalendarSync struct {
	ID                  string     `db:"id" json:"id"`
	ConnectionID        string     `db:"connection_id" json:"connection_id"`
	WorkspaceID         string     `db:"workspace_id" json:"workspace_id"`
	GoogleCalendarID    string     `db:"google_calendar_id" json:"google_calendar_id"`
	GoogleCalendarName  string     `db:"google_calendar_name" json:"google_calendar_name"`
	GoogleCalendarColor string     `db:"google_calendar_color" json:"google_calendar_color"`
	SyncEnabled         bool       `db:"sync_enabled" json:"sync_enabled"`
	SyncDirection       string     `db:"sync_direction" json:"sync_direction"`
	LastSyncAt          *time.Time `db:"last_sync_at" json:"last_sync_at"`
	LastSyncToken       *string    `db:"last_sync_token" json:"-"`
	WebhookChannelID    *string    `db:"webhook_channel_id" json:"webhook_channel_id"`
	WebhookResourceID   *string    `db:"webhook_resource_id" json:"webhook_resource_id"`
	WebhookExpiration   *time.Time `db:"webhook_expiration" json:"webhook_expiration"`
	SyncError           *string    `db:"sync_error" json:"sync_error"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Direction returns the effective direction; an empty value means both.
func (c *CalendarSync) Direction() string {
	if c.SyncDirection == "" {
		return DirectionBoth
	}
	return c.SyncDirection
}

// AllowsPull reports whether remote changes flow into the internal store.
func (c *CalendarSync) AllowsPull() bool {
	d := c.Direction()
	return d == DirectionFromProvider || d == DirectionBoth
}

// AllowsPush reports whether local changes flow out to Google.
func (c *CalendarSync) AllowsPush() bool {
	d := c.Direction()
	return d == DirectionToProvider || d == DirectionBoth
}

// ValidDirection reports whether d is a known sync direction.
func ValidDirection(d string) bool {
	switch d {
	case DirectionFromProvider, DirectionToProvider, DirectionBoth:
		return true
	}
	return false
}

// InternalCalendar is the workspace calendar pulled events are filed under.
type InternalCalendar struct {
	ID          string    `db:"id" json:"id"`
	WorkspaceID string    `db:"workspace_id" json:"workspace_id"`
	Name        string    `db:"name" json:"name"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Attendee is one event participant.
type Attendee struct {
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// Attendees is stored as a JSON array.
type Attendees []Attendee

// Value implements driver.Valuer.
func (a Attendees) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (a *Attendees) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("attendees: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*a = nil
		return nil
	}
	return json.Unmarshal(raw, a)
}

// Event is the workspace's canonical calendar event.
type Event struct {
	ID                   string     `db:"id" json:"id"`
	WorkspaceID          string     `db:"workspace_id" json:"workspace_id"`
	InternalCalendarID   *string    `db:"internal_calendar_id" json:"internal_calendar_id"`
	Title                string     `db:"title" json:"title"`
	Description          *string    `db:"description" json:"description"`
	StartTime            time.Time  `db:"start_time" json:"start_time"`
	EndTime              time.Time  `db:"end_time" json:"end_time"`
	Location             *string    `db:"location" json:"location"`
	EventStatus          string     `db:"event_status" json:"event_status"`
	Attendees            Attendees  `db:"attendees" json:"attendees"`
	Source               string     `db:"source" json:"source"`
	GoogleEventID        *string    `db:"google_event_id" json:"google_event_id"`
	GoogleCalendarSyncID *string    `db:"google_calendar_sync_id" json:"google_calendar_sync_id"`
	GoogleEtag           *string    `db:"google_etag" json:"google_etag"`
	GoogleSyncedAt       *time.Time `db:"google_synced_at" json:"google_synced_at"`
	NeedsGoogleSync      bool       `db:"needs_google_sync" json:"needs_google_sync"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// QueueItem is one unit of pending sync work.
type QueueItem struct {
	ID             string     `db:"id" json:"id"`
	ConnectionID   string     `db:"connection_id" json:"connection_id"`
	WorkspaceID    string     `db:"workspace_id" json:"workspace_id"`
	SyncType       string     `db:"sync_type" json:"sync_type"`
	Priority       int        `db:"priority" json:"priority"`
	Status         string     `db:"status" json:"status"`
	WorkerID       *string    `db:"worker_id" json:"worker_id"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at"`
	ErrorMessage   *string    `db:"error_message" json:"error_message"`
}

// SyncLog records one sync attempt.
type SyncLog struct {
	ID             string     `db:"id" json:"id"`
	CalendarSyncID *string    `db:"google_calendar_sync_id" json:"google_calendar_sync_id"`
	ConnectionID   *string    `db:"connection_id" json:"connection_id"`
	WorkspaceID    string     `db:"workspace_id" json:"workspace_id"`
	UserID         *string    `db:"user_id" json:"user_id"`
	Operation      string     `db:"operation" json:"operation"`
	Status         string     `db:"status" json:"status"`
	EventsCreated  int        `db:"events_created" json:"events_created"`
	EventsUpdated  int        `db:"events_updated" json:"events_updated"`
	EventsDeleted  int        `db:"events_deleted" json:"events_deleted"`
	ErrorMessage   *string    `db:"error_message" json:"error_message"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at"`
	DurationMS     *int64     `db:"duration_ms" json:"duration_ms"`
}

// Conflict is the audit record of a local edit overwritten by a remote one.
type Conflict struct {
	ID              string    `db:"id" json:"id"`
	InternalEventID string    `db:"internal_event_id" json:"internal_event_id"`
	WorkspaceID     string    `db:"workspace_id" json:"workspace_id"`
	GoogleEventID   string    `db:"google_event_id" json:"google_event_id"`
	LocalVersion    string    `db:"local_version" json:"local_version"`
	LocalUpdatedAt  time.Time `db:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt time.Time `db:"remote_updated_at" json:"remote_updated_at"`
	ResolvedAt      time.Time `db:"resolved_at" json:"resolved_at"`
}
