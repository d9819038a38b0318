package gmail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/sync"
)

const (
	// primaryCalendar is the account's default Google calendar
	primaryCalendar = "primary"
	// lookback is how far before now a fresh calendar sync starts
	lookback = 30 * 24 * time.Hour
)

// CalendarAdapter implements sync.CalendarProvider for Google Calendar
type CalendarAdapter struct {
	svc    *calendar.Service
	now    func() time.Time
	logger *slog.Logger
}

// NewCalendar creates a Google Calendar adapter for an account with a valid access token
func NewCalendar(ctx context.Context, acct *models.Account, opts Options) (*CalendarAdapter, error) {
	clientOpts := []option.ClientOption{option.WithHTTPClient(httpClient(ctx, acct.AccessToken, opts.Timeout))}
	if opts.CalendarEndpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.CalendarEndpoint))
	}

	svc, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarAdapter{
		svc:    svc,
		now:    time.Now,
		logger: logger.With("provider", "google_calendar", "account_id", acct.ID),
	}, nil
}

// FetchEvents lists one page of the primary calendar, recurring events expanded.
// The cursor carries the window start with the page token, since Google
// rejects a page token sent with different query parameters.
func (a *CalendarAdapter) FetchEvents(ctx context.Context, req sync.PageRequest) (*sync.EventPage, error) {
	timeMin := a.now().Add(-lookback).UTC().Format(time.RFC3339)
	token := ""
	if req.Cursor != "" {
		start, pageToken, err := parseEventCursor(req.Cursor)
		if err != nil {
			a.logger.Warn("discarding unreadable calendar cursor", "error", err)
		} else {
			timeMin, token = start, pageToken
		}
	}

	call := a.svc.Events.List(primaryCalendar).
		MaxResults(int64(req.Limit)).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(timeMin).
		Context(ctx)
	if token != "" {
		call = call.PageToken(token)
	}

	events, err := call.Do()
	if err != nil {
		return nil, upstream(fmt.Errorf("failed to list events: %w", err))
	}

	page := &sync.EventPage{
		Calendars: 1,
		Total:     len(events.Items),
	}
	if events.NextPageToken != "" {
		page.NextCursor = timeMin + "|" + events.NextPageToken
	}
	for _, ev := range events.Items {
		appt, err := normalizeEvent(ev)
		if err != nil {
			a.logger.Warn("skipping event", "event_id", ev.Id, "error", err)
			page.Failed++
			continue
		}
		page.Events = append(page.Events, appt)
	}
	return page, nil
}

// parseEventCursor splits "<RFC3339 window start>|<page token>"
func parseEventCursor(cursor string) (string, string, error) {
	start, token, ok := strings.Cut(cursor, "|")
	if !ok || token == "" {
		return "", "", fmt.Errorf("cursor %q has no page token", cursor)
	}
	if _, err := time.Parse(time.RFC3339, start); err != nil {
		return "", "", fmt.Errorf("cursor window start: %w", err)
	}
	return start, token, nil
}

func normalizeEvent(ev *calendar.Event) (models.Appointment, error) {
	start, err := eventTime(ev.Start)
	if err != nil {
		return models.Appointment{}, fmt.Errorf("start: %w", err)
	}
	end, err := eventTime(ev.End)
	if err != nil {
		return models.Appointment{}, fmt.Errorf("end: %w", err)
	}

	appt := models.Appointment{
		CalendarEventID: ev.Id,
		CalendarID:      primaryCalendar,
		Title:           ev.Summary,
		Description:     ev.Description,
		Location:        ev.Location,
		StartTime:       start,
		EndTime:         end,
		Status:          models.StatusScheduled,
	}
	if ev.Status == "cancelled" {
		appt.Status = models.StatusCancelled
	}
	for _, at := range ev.Attendees {
		appt.Attendees = append(appt.Attendees, models.Attendee{
			Email:  at.Email,
			Name:   at.DisplayName,
			Status: at.ResponseStatus,
		})
	}
	return appt, nil
}

// eventTime reads a timed (RFC 3339) or all-day (date only) boundary
func eventTime(t *calendar.EventDateTime) (time.Time, error) {
	if t == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	if t.Date != "" {
		loc := time.UTC
		if t.TimeZone != "" {
			if l, err := time.LoadLocation(t.TimeZone); err == nil {
				loc = l
			}
		}
		return time.ParseInLocation(time.DateOnly, t.Date, loc)
	}
	return time.Time{}, fmt.Errorf("empty time")
}
