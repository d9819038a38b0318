package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/store"
)

const (
	EventEmailUpserted       = "email.upserted"
	EventAppointmentUpserted = "appointment.upserted"
)

// subjectFor scopes events by organization so CRM consumers can filter per tenant
func subjectFor(orgID, eventType string) string {
	if orgID == "" {
		orgID = "unassigned"
	}
	return fmt.Sprintf("crm.%s.%s", orgID, eventType)
}

func messageEvent(acct *models.Account, m *models.Message, now time.Time) *store.OutboxEvent {
	event := map[string]interface{}{
		"event_id":            uuid.NewString(),
		"ts":                  now.Unix(),
		"provider":            string(acct.Provider),
		"account_id":          acct.ID,
		"user_id":             acct.UserID,
		"organization_id":     acct.OrganizationID,
		"provider_message_id": m.MessageID,
		"provider_thread_id":  m.ThreadID,
		"subject":             m.Subject,
		"sender":              m.From,
		"to_addrs":            m.To,
		"cc_addrs":            m.Cc,
		"folder":              string(m.Folder),
		"is_read":             m.IsRead,
		"received_at":         m.ReceivedAt.Unix(),
	}
	payload, _ := json.Marshal(event)

	return &store.OutboxEvent{
		Subject:   subjectFor(acct.OrganizationID, EventEmailUpserted),
		EventType: EventEmailUpserted,
		Payload:   payload,
		// unchanged re-syncs collapse in the JetStream dedup window
		MsgID: fmt.Sprintf("%s|%s|%s|%s|%t|%t", EventEmailUpserted, acct.ID, m.MessageID, m.Folder, m.IsRead, m.IsStarred),
	}
}

func appointmentEvent(acct *models.Account, a *models.Appointment, now time.Time) *store.OutboxEvent {
	event := map[string]interface{}{
		"event_id":          uuid.NewString(),
		"ts":                now.Unix(),
		"provider":          string(acct.Provider),
		"account_id":        acct.ID,
		"user_id":           acct.UserID,
		"organization_id":   acct.OrganizationID,
		"calendar_event_id": a.CalendarEventID,
		"calendar_id":       a.CalendarID,
		"title":             a.Title,
		"start_time":        a.StartTime.Unix(),
		"end_time":          a.EndTime.Unix(),
		"status":            string(a.Status),
	}
	payload, _ := json.Marshal(event)

	return &store.OutboxEvent{
		Subject:   subjectFor(acct.OrganizationID, EventAppointmentUpserted),
		EventType: EventAppointmentUpserted,
		Payload:   payload,
		MsgID: fmt.Sprintf("%s|%s|%s|%d|%d|%s", EventAppointmentUpserted, acct.ID, a.CalendarEventID,
			a.StartTime.Unix(), a.EndTime.Unix(), a.Status),
	}
}
