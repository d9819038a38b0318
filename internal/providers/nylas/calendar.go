package nylas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/sync"
)

type calendar struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrimary bool   `json:"is_primary"`
	ReadOnly  bool   `json:"read_only"`
}

type when struct {
	Object    string `json:"object"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Time      int64  `json:"time"`
	Date      string `json:"date"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type location struct {
	Name string `json:"name"`
}

type event struct {
	ID           string          `json:"id"`
	CalendarID   string          `json:"calendar_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Location     json.RawMessage `json:"location"`
	When         when            `json:"when"`
	Status       string          `json:"status"`
	Participants []participant   `json:"participants"`
}

// calendarCursor holds the page token of every calendar that has more
// events. An empty token marks a calendar not yet read.
type calendarCursor map[string]string

// FetchEvents lists the grant's calendars, then reads events calendar by
// calendar until req.Limit events are fetched. A non-empty cursor resumes
// only the calendars it names.
func (c *Client) FetchEvents(ctx context.Context, req sync.PageRequest) (*sync.EventPage, error) {
	var resume calendarCursor
	if req.Cursor != "" {
		if err := json.Unmarshal([]byte(req.Cursor), &resume); err != nil {
			c.logger.Warn("discarding unreadable calendar cursor", "error", err)
			resume = nil
		}
	}

	var cals listResponse[calendar]
	if err := c.get(ctx, "calendars", nil, &cals); err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	page := &sync.EventPage{}
	next := calendarCursor{}
	remaining := req.Limit
	for _, cal := range cals.Data {
		token := ""
		if len(resume) > 0 {
			var ok bool
			if token, ok = resume[cal.ID]; !ok {
				continue
			}
		}
		if remaining <= 0 {
			next[cal.ID] = token
			continue
		}

		q := url.Values{}
		q.Set("calendar_id", cal.ID)
		q.Set("limit", strconv.Itoa(remaining))
		if token != "" {
			q.Set("page_token", token)
		}

		var events listResponse[event]
		if err := c.get(ctx, "events", q, &events); err != nil {
			return nil, fmt.Errorf("failed to list events of calendar %s: %w", cal.ID, err)
		}
		page.Calendars++
		remaining -= len(events.Data)
		if events.NextCursor != "" {
			next[cal.ID] = events.NextCursor
		}

		for _, ev := range events.Data {
			page.Total++
			appt, err := normalizeEvent(ev, cal.ID)
			if err != nil {
				c.logger.Warn("skipping event", "event_id", ev.ID, "calendar_id", cal.ID, "error", err)
				page.Failed++
				continue
			}
			page.Events = append(page.Events, appt)
		}
	}

	if len(next) > 0 {
		cursor, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode cursor: %w", err)
		}
		page.NextCursor = string(cursor)
	}
	return page, nil
}

func normalizeEvent(ev event, calendarID string) (models.Appointment, error) {
	if ev.ID == "" {
		return models.Appointment{}, fmt.Errorf("event has no id")
	}
	start, end, err := ev.When.span()
	if err != nil {
		return models.Appointment{}, err
	}

	appt := models.Appointment{
		CalendarEventID: ev.ID,
		CalendarID:      calendarID,
		Title:           ev.Title,
		Description:     ev.Description,
		Location:        locationName(ev.Location),
		StartTime:       start,
		EndTime:         end,
		Status:          models.StatusScheduled,
	}
	if ev.CalendarID != "" {
		appt.CalendarID = ev.CalendarID
	}
	if ev.Status == "cancelled" {
		appt.Status = models.StatusCancelled
	}

	for _, p := range ev.Participants {
		appt.Attendees = append(appt.Attendees, models.Attendee{Email: p.Email, Name: p.Name, Status: p.Status})
	}
	return appt, nil
}

// span converts the four Nylas "when" shapes into start and end instants
func (w when) span() (time.Time, time.Time, error) {
	switch w.Object {
	case "timespan":
		return time.Unix(w.StartTime, 0).UTC(), time.Unix(w.EndTime, 0).UTC(), nil
	case "time":
		t := time.Unix(w.Time, 0).UTC()
		return t, t, nil
	case "date":
		d, err := time.Parse(time.DateOnly, w.Date)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("date: %w", err)
		}
		return d, d.AddDate(0, 0, 1), nil
	case "datespan":
		s, err := time.Parse(time.DateOnly, w.StartDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start_date: %w", err)
		}
		e, err := time.Parse(time.DateOnly, w.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end_date: %w", err)
		}
		return s, e.AddDate(0, 0, 1), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unknown when object %q", w.Object)
}

// locationName accepts both the plain string and the {name} object forms
func locationName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var loc location
	if err := json.Unmarshal(raw, &loc); err == nil {
		return loc.Name
	}
	return ""
}
