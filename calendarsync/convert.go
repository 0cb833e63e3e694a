package calendarsync

import (
	"fmt"
	"time"

	"calsync-cloud/store"

	"google.golang.org/api/calendar/v3"
)

const untitled = "(no title)"

// Layouts accepted for provider timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// remoteToEvent maps a provider event onto the internal shape. Identity and
// ownership columns are left for the caller to fill.
func remoteToEvent(ev *calendar.Event) (*store.Event, error) {
	start, err := eventTime(ev.Start, "T00:00:00")
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", ev.Id, err)
	}
	end, err := eventTime(ev.End, "T23:59:59")
	if err != nil {
		return nil, fmt.Errorf("event %s end: %w", ev.Id, err)
	}

	title := ev.Summary
	if title == "" {
		title = untitled
	}
	out := &store.Event{
		Title:       title,
		Description: optional(ev.Description),
		Location:    optional(ev.Location),
		StartTime:   start,
		EndTime:     end,
		EventStatus: store.StatusConfirmed,
		Attendees:   remoteAttendees(ev.Attendees),
		Source:      store.SourceProvider,
	}
	if ev.Etag != "" {
		etag := ev.Etag
		out.GoogleEtag = &etag
	}
	if ev.Id != "" {
		id := ev.Id
		out.GoogleEventID = &id
	}
	return out, nil
}

// eventTime reads a timed or all-day boundary. All-day dates get the given
// clock suffix and are interpreted in UTC.
func eventTime(dt *calendar.EventDateTime, allDaySuffix string) (time.Time, error) {
	if dt == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if dt.DateTime != "" {
		return parseTimestamp(dt.DateTime)
	}
	if dt.Date != "" {
		return parseTimestamp(dt.Date + allDaySuffix)
	}
	return time.Time{}, fmt.Errorf("empty time")
}

func parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// remoteUpdated returns the provider's last-modified time, or the zero time
// when it is missing or malformed.
func remoteUpdated(ev *calendar.Event) time.Time {
	if ev.Updated == "" {
		return time.Time{}
	}
	t, err := parseTimestamp(ev.Updated)
	if err != nil {
		return time.Time{}
	}
	return t
}

func remoteAttendees(in []*calendar.EventAttendee) store.Attendees {
	if len(in) == 0 {
		return nil
	}
	out := make(store.Attendees, 0, len(in))
	for _, a := range in {
		if a == nil || a.Email == "" {
			continue
		}
		out = append(out, store.Attendee{
			Email:  a.Email,
			Name:   a.DisplayName,
			Status: attendeeStatus(a.ResponseStatus),
		})
	}
	return out
}

func attendeeStatus(s string) string {
	switch s {
	case "accepted", "declined":
		return s
	}
	return "pending"
}

// eventToRemote builds the provider payload for a local event. Times are
// rendered as RFC3339 in loc and tagged with its IANA name.
func eventToRemote(e *store.Event, loc *time.Location) *calendar.Event {
	out := &calendar.Event{
		Summary: e.Title,
		Start: &calendar.EventDateTime{
			DateTime: e.StartTime.In(loc).Format(time.RFC3339),
			TimeZone: loc.String(),
		},
		End: &calendar.EventDateTime{
			DateTime: e.EndTime.In(loc).Format(time.RFC3339),
			TimeZone: loc.String(),
		},
	}
	if e.Description != nil {
		out.Description = *e.Description
	}
	if e.Location != nil {
		out.Location = *e.Location
	}
	for _, a := range e.Attendees {
		if a.Email == "" {
			continue
		}
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: a.Email, DisplayName: a.Name})
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
