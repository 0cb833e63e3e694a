package calendarsync

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"calsync-cloud/store"
)

// MaxRetryAttempts is how many failed passes a connection survives before it
// is deactivated.
const MaxRetryAttempts = 3

var retryPrefix = regexp.MustCompile(`^\[retry:(\d+)\]\s*`)

// RetryPolicy decides when an errored connection is attempted again. The
// attempt count lives in sync_error as a "[retry:N] " prefix.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy waits 5, 15 and then 60 minutes between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: MaxRetryAttempts,
		Backoff:     []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour},
	}
}

// RetryCount extracts N from a "[retry:N] ..." sync error. Errors without the
// prefix count as zero.
func RetryCount(syncError string) int {
	m := retryPrefix.FindStringSubmatch(syncError)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// StripRetry removes the retry prefix from a sync error.
func StripRetry(syncError string) string {
	return retryPrefix.ReplaceAllString(syncError, "")
}

// ShouldRetry reports whether an errored connection is due for another
// attempt at now. The backoff is measured from the connection's updated_at.
func (p RetryPolicy) ShouldRetry(c *store.Connection, now time.Time) bool {
	if c.SyncError == nil || *c.SyncError == "" {
		return true
	}
	n := RetryCount(*c.SyncError)
	if n >= p.MaxAttempts {
		return false
	}
	return !now.Before(c.UpdatedAt.Add(p.backoff(n)))
}

// NextRetryAt is when an errored connection becomes eligible again. ok is
// false once the budget is spent.
func (p RetryPolicy) NextRetryAt(c *store.Connection) (time.Time, bool) {
	if c.SyncError == nil || *c.SyncError == "" {
		return time.Time{}, true
	}
	n := RetryCount(*c.SyncError)
	if n >= p.MaxAttempts {
		return time.Time{}, false
	}
	return c.UpdatedAt.Add(p.backoff(n)), true
}

// Failure computes the new sync_error after a failed pass and whether the
// connection stays active.
func (p RetryPolicy) Failure(previous *string, cause error) (string, bool) {
	n := 0
	if previous != nil {
		n = RetryCount(*previous)
	}
	next := n + 1
	return fmt.Sprintf("[retry:%d] %s", next, StripRetry(cause.Error())), next < p.MaxAttempts
}

func (p RetryPolicy) backoff(n int) time.Duration {
	if len(p.Backoff) == 0 {
		return time.Hour
	}
	if n < len(p.Backoff) {
		return p.Backoff[n]
	}
	return p.Backoff[len(p.Backoff)-1]
}
