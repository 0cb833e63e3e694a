// Package cache holds short-lived copies of provider data that is expensive
// to fetch on every request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCalendarListTTL is how long a connection's calendar list is reused.
const DefaultCalendarListTTL = 5 * time.Minute

// Calendar is one entry of a Google account's calendar list.
type Calendar struct {
	ID              string `json:"id"`
	Summary         string `json:"summary"`
	Description     string `json:"description,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
	Primary         bool   `json:"primary"`
	AccessRole      string `json:"access_role"`
}

type entry struct {
	FetchedAt time.Time  `json:"fetched_at"`
	Calendars []Calendar `json:"calendars"`
}

// CalendarListCache stores calendar lists per connection in Redis. Freshness
// is judged against the injected clock; the Redis TTL only garbage-collects.
type CalendarListCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewCalendarListCache creates a cache. ttl <= 0 uses the default and a nil
// clock uses time.Now.
func NewCalendarListCache(client *redis.Client, ttl time.Duration, now func() time.Time) *CalendarListCache {
	if ttl <= 0 {
		ttl = DefaultCalendarListTTL
	}
	if now == nil {
		now = time.Now
	}
	return &CalendarListCache{client: client, ttl: ttl, now: now}
}

func key(connectionID string) string {
	return fmt.Sprintf("calsync:calendar_list:%s", connectionID)
}

// Get returns the cached list and true when it is younger than the TTL.
func (c *CalendarListCache) Get(ctx context.Context, connectionID string) ([]Calendar, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, key(connectionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read calendar list cache: %w", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is treated as a miss and overwritten by the next Set.
		return nil, false, nil
	}
	if c.now().Sub(e.FetchedAt) >= c.ttl {
		return nil, false, nil
	}
	return e.Calendars, true, nil
}

// Set stores a freshly fetched list.
func (c *CalendarListCache) Set(ctx context.Context, connectionID string, calendars []Calendar) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(entry{FetchedAt: c.now(), Calendars: calendars})
	if err != nil {
		return fmt.Errorf("encode calendar list: %w", err)
	}
	if err := c.client.Set(ctx, key(connectionID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write calendar list cache: %w", err)
	}
	return nil
}

// Invalidate drops a connection's cached list.
func (c *CalendarListCache) Invalidate(ctx context.Context, connectionID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, key(connectionID)).Err()
}

// GetOrFetch returns the cached list or calls fetch and caches its result.
// Cache failures are not fatal; fetch errors are returned as is.
func (c *CalendarListCache) GetOrFetch(ctx context.Context, connectionID string, fetch func(context.Context) ([]Calendar, error)) ([]Calendar, error) {
	if cals, ok, err := c.Get(ctx, connectionID); err == nil && ok {
		return cals, nil
	}
	cals, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.Set(ctx, connectionID, cals)
	return cals, nil
}
