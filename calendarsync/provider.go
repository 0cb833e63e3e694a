// Package calendarsync moves events between Google Calendar and the
// workspace event store. The Puller reconciles remote changes into the store,
// the Pusher sends local edits out, and the WebhookRegistrar manages the push
// notification channels that tell us when to pull.
package calendarsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"calsync-cloud/security"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

// ListRequest describes one page request against Events.List.
type ListRequest struct {
	CalendarID string
	SyncToken  string
	PageToken  string
	TimeMin    time.Time
	TimeMax    time.Time
	OrderBy    string
	MaxResults int64
}

// CalendarAPI is the subset of Google Calendar the sync core calls. Each
// value is bound to a single connection.
type CalendarAPI interface {
	ListEvents(ctx context.Context, req ListRequest) (*calendar.Events, error)
	InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	Watch(ctx context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
	ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error)
}

// Provider hands out CalendarAPI clients per connection.
type Provider interface {
	ForConnection(connectionID string) CalendarAPI
}

// GoogleProvider builds clients that authenticate through the token manager,
// so every call gets the proactive refresh and the single 401 retry.
type GoogleProvider struct {
	Tokens *security.TokenManager
}

// NewGoogleProvider wraps a token manager.
func NewGoogleProvider(tokens *security.TokenManager) *GoogleProvider {
	return &GoogleProvider{Tokens: tokens}
}

// ForConnection implements Provider.
func (p *GoogleProvider) ForConnection(connectionID string) CalendarAPI {
	return &googleClient{tokens: p.Tokens, connectionID: connectionID}
}

type googleClient struct {
	tokens       *security.TokenManager
	connectionID string
}

func (c *googleClient) ListEvents(ctx context.Context, req ListRequest) (*calendar.Events, error) {
	var out *calendar.Events
	err := c.tokens.WithCalendar(ctx, c.connectionID, func(svc *calendar.Service) error {
		call := svc.Events.List(req.CalendarID).SingleEvents(true).ShowDeleted(true)
		if req.MaxResults > 0 {
			call = call.MaxResults(req.MaxResults)
		}
		if req.SyncToken != "" {
			// The API rejects time bounds and ordering alongside a sync token.
			call = call.SyncToken(req.SyncToken)
		} else {
			if !req.TimeMin.IsZero() {
				call = call.TimeMin(req.TimeMin.UTC().Format(time.RFC3339))
			}
			if !req.TimeMax.IsZero() {
				call = call.TimeMax(req.TimeMax.UTC().Format(time.RFC3339))
			}
			if req.OrderBy != "" {
				call = call.OrderBy(req.OrderBy)
			}
		}
		if req.PageToken != "" {
			call = call.PageToken(req.PageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", req.CalendarID, err)
	}
	return out, nil
}

func (c *googleClient) InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	var out *calendar.Event
	err := c.tokens.WithCalendar(ctx, c.connectionID, func(svc *calendar.Service) error {
		resp, err := svc.Events.Insert(calendarID, ev).Context(ctx).Do()
		out = resp
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return out, nil
}

func (c *googleClient) UpdateEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	var out *calendar.Event
	err := c.tokens.WithCalendar(ctx, c.connectionID, func(svc *calendar.Service) error {
		resp, err := svc.Events.Update(calendarID, eventID, ev).Context(ctx).Do()
		out = resp
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update event %s: %w", eventID, err)
	}
	return out, nil
}

func (c *googleClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.tokens.WithCalendar(ctx, c.connectionID, func(svc *calendar.Service) error {
		return svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}

func (c *googleClient) Watch(ctx context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error) {
	var out *calendar.Channel
	err := c.tokens.WithCalendar(ctx, c.connectionID, func(svc *calendar.Service) error {
		resp, err := svc.Events.Watch(calendarID, ch).Context(ctx).Do()
		out = resp
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("watch calendar %s: %w", calendarID, err)
	}
	return out, nil
}

func (c *googleClient) StopChannel(ctx context.Context, channelID, resourceID string) error {
	err := c.tokens.WithCalendar(ctx, c.connectionID, func(svc *calendar.Service) error {
		return svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("stop channel %s: %w", channelID, err)
	}
	return nil
}

func (c *googleClient) ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	var out []*calendar.CalendarListEntry
	err := c.tokens.WithCalendar(ctx, c.connectionID, func(svc *calendar.Service) error {
		out = nil
		return svc.CalendarList.List().ShowHidden(false).Pages(ctx, func(page *calendar.CalendarList) error {
			out = append(out, page.Items...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return out, nil
}

// IsGone reports whether err is the provider's 410, which it returns when a
// sync token is no longer valid or an event was already deleted.
func IsGone(err error) bool {
	return hasCode(err, http.StatusGone)
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	return hasCode(err, http.StatusNotFound)
}

func hasCode(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
