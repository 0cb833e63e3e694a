// Package streams connects to Redis and checks that the stream commands the
// change feed relies on are available.
package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultURL is used when no Redis URL is configured.
	DefaultURL = "redis://localhost:6379/0"

	probeStream = "calsync:health"
)

// Connect parses url, pings the server and verifies XADD/XRANGE/XDEL so the
// feed and the webhook dedupe keys can rely on them.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		url = DefaultURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid url %q: %w", redactURL(url), err)
	}

	client := redis.NewClient(opts)
	if err := Probe(ctx, client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Probe runs the startup health check against an existing client.
func Probe(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	msgID, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: probeStream,
		MaxLen: 10,
		Approx: true,
		Values: map[string]any{
			"msg": "redis-online-check",
			"ts":  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: XADD failed: %w", err)
	}

	msgs, err := client.XRange(ctx, probeStream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("redis: XRANGE failed: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("redis: XRANGE returned no messages for %s", msgID)
	}

	// Keep the probe stream empty between checks.
	if err := client.XDel(ctx, probeStream, msgID).Err(); err != nil {
		return fmt.Errorf("redis: XDEL failed for %s: %w", msgID, err)
	}
	return nil
}

// redactURL hides the password of a redis:// URL for error messages.
func redactURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	creds := url[scheme+3 : at]
	if user, _, ok := strings.Cut(creds, ":"); ok {
		return url[:scheme+3] + user + ":***" + url[at:]
	}
	return url
}
