package outlook

import (
	"context"
	"fmt"
	"time"

	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/sync"
)

// Graph renders dateTime without offset, with up to 7 fractional digits
const graphDateTime = "2006-01-02T15:04:05.9999999"

var eventFields = []string{
	"id", "subject", "bodyPreview", "location", "start", "end", "isCancelled", "attendees",
}

// FetchEvents reads one page of the default calendar
func (a *Adapter) FetchEvents(ctx context.Context, req sync.PageRequest) (*sync.EventPage, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var (
		result graphmodels.EventCollectionResponseable
		err    error
	)
	if req.Cursor != "" {
		result, err = a.client.Me().Events().WithUrl(req.Cursor).Get(ctx, nil)
	} else {
		top := int32(req.Limit)
		result, err = a.client.Me().Events().Get(ctx, &users.ItemEventsRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemEventsRequestBuilderGetQueryParameters{
				Top:     &top,
				Select:  eventFields,
				Orderby: []string{"start/dateTime"},
			},
		})
	}
	if err != nil {
		return nil, upstream(fmt.Errorf("failed to list events: %w", err))
	}

	page := &sync.EventPage{Calendars: 1, NextCursor: deref(result.GetOdataNextLink())}
	for _, ev := range result.GetValue() {
		page.Total++
		appt, err := normalizeEvent(ev)
		if err != nil {
			a.logger.Warn("skipping event", "event_id", deref(ev.GetId()), "error", err)
			page.Failed++
			continue
		}
		page.Events = append(page.Events, appt)
	}
	return page, nil
}

func normalizeEvent(ev graphmodels.Eventable) (models.Appointment, error) {
	start, err := graphTime(ev.GetStart())
	if err != nil {
		return models.Appointment{}, fmt.Errorf("start: %w", err)
	}
	end, err := graphTime(ev.GetEnd())
	if err != nil {
		return models.Appointment{}, fmt.Errorf("end: %w", err)
	}

	appt := models.Appointment{
		CalendarEventID: deref(ev.GetId()),
		CalendarID:      "default",
		Title:           deref(ev.GetSubject()),
		Description:     deref(ev.GetBodyPreview()),
		StartTime:       start,
		EndTime:         end,
		Status:          models.StatusScheduled,
	}
	if loc := ev.GetLocation(); loc != nil {
		appt.Location = deref(loc.GetDisplayName())
	}
	if cancelled := ev.GetIsCancelled(); cancelled != nil && *cancelled {
		appt.Status = models.StatusCancelled
	}

	for _, at := range ev.GetAttendees() {
		ea := at.GetEmailAddress()
		if ea == nil {
			continue
		}
		attendee := models.Attendee{Email: deref(ea.GetAddress()), Name: deref(ea.GetName())}
		if st := at.GetStatus(); st != nil && st.GetResponse() != nil {
			attendee.Status = st.GetResponse().String()
		}
		appt.Attendees = append(appt.Attendees, attendee)
	}
	return appt, nil
}

func graphTime(t graphmodels.DateTimeTimeZoneable) (time.Time, error) {
	if t == nil || t.GetDateTime() == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}

	loc := time.UTC
	if tz := deref(t.GetTimeZone()); tz != "" && tz != "UTC" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation(graphDateTime, *t.GetDateTime(), loc)
}
