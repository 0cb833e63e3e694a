// Package feed publishes calendar changes to a per-workspace Redis stream so
// realtime clients can follow sync activity.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamKeyFormat   = "workspace:%s:calendar"
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
	defaultMaxLen     = 1000
)

// Change kinds.
const (
	KindCreated   = "created"
	KindUpdated   = "updated"
	KindCancelled = "cancelled"
	KindConflict  = "conflict"
	KindPushed    = "pushed"
)

// Change is one event-level mutation made by the sync core.
type Change struct {
	Kind          string
	EventID       string
	GoogleEventID string
	SyncID        string
	Title         string
}

// Event is the typed form of a stream entry as delivered to clients.
type Event struct {
	ID          string         `json:"id"`
	Stream      string         `json:"stream"`
	WorkspaceID string         `json:"workspace_id"`
	Kind        string         `json:"kind"`
	Values      map[string]any `json:"values"`
}

// Bus wraps the workspace calendar streams.
type Bus struct {
	client *redis.Client
	maxLen int64
	now    func() time.Time
}

// NewBus creates a bus on the given redis client.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client, maxLen: defaultMaxLen, now: time.Now}
}

// StreamKey returns the stream key for a workspace.
func StreamKey(workspaceID string) string {
	return fmt.Sprintf(streamKeyFormat, workspaceID)
}

// Append writes a change to the workspace stream. The stream is trimmed
// approximately to the newest entries.
func (b *Bus) Append(ctx context.Context, workspaceID string, c Change) (string, error) {
	if b == nil || b.client == nil {
		return "", errors.New("feed bus not configured")
	}
	if strings.TrimSpace(workspaceID) == "" {
		return "", errors.New("workspace id is required")
	}
	values := map[string]any{
		"kind":     c.Kind,
		"event_id": c.EventID,
		"ts":       b.now().UTC().Format(time.RFC3339Nano),
	}
	if c.GoogleEventID != "" {
		values["google_event_id"] = c.GoogleEventID
	}
	if c.SyncID != "" {
		values["sync_id"] = c.SyncID
	}
	if c.Title != "" {
		values["title"] = c.Title
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(workspaceID),
		MaxLen: b.maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

// Tail blocks for entries after afterID and returns them with the last ID
// observed. An empty afterID starts from new entries only.
func (b *Bus) Tail(ctx context.Context, workspaceID, afterID string) ([]Event, string, error) {
	if b == nil || b.client == nil {
		return nil, afterID, errors.New("feed bus not configured")
	}
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(workspaceID), afterID},
		Count:   defaultBatchCount,
		Block:   defaultBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	var events []Event
	nextID := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			values := make(map[string]any, len(msg.Values))
			for k, v := range msg.Values {
				values[k] = v
			}
			events = append(events, Event{
				ID:          msg.ID,
				Stream:      stream.Stream,
				WorkspaceID: workspaceFromStream(stream.Stream),
				Kind:        stringVal(values["kind"]),
				Values:      values,
			})
			nextID = msg.ID
		}
	}
	return events, nextID, nil
}

// Len returns the number of entries retained for a workspace.
func (b *Bus) Len(ctx context.Context, workspaceID string) (int64, error) {
	return b.client.XLen(ctx, StreamKey(workspaceID)).Result()
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}

func workspaceFromStream(stream string) string {
	parts := strings.Split(stream, ":")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
