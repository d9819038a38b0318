package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/prospaces/mailsync/internal/models"
)

type appointmentRow struct {
	ID              string `db:"id"`
	AccountID       string `db:"account_id"`
	UserID          string `db:"user_id"`
	OrganizationID  string `db:"organization_id"`
	CalendarEventID string `db:"calendar_event_id"`
	CalendarID      string `db:"calendar_id"`
	Title           string `db:"title"`
	Description     string `db:"description"`
	Location        string `db:"location"`
	StartTime       int64  `db:"start_time"`
	EndTime         int64  `db:"end_time"`
	Status          string `db:"status"`
	Attendees       string `db:"attendees"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r appointmentRow) model() *models.Appointment {
	a := &models.Appointment{
		ID:              r.ID,
		AccountID:       r.AccountID,
		UserID:          r.UserID,
		OrganizationID:  r.OrganizationID,
		CalendarEventID: r.CalendarEventID,
		CalendarID:      r.CalendarID,
		Title:           r.Title,
		Description:     r.Description,
		Location:        r.Location,
		StartTime:       fromUnix(r.StartTime),
		EndTime:         fromUnix(r.EndTime),
		Status:          models.AppointmentStatus(r.Status),
	}
	_ = json.Unmarshal([]byte(r.Attendees), &a.Attendees)
	return a
}

// UpsertAppointment inserts or updates an event keyed by (account_id, calendar_event_id)
func (s *Store) UpsertAppointment(ctx context.Context, a *models.Appointment, ev *OutboxEvent) error {
	if a.AccountID == "" || a.CalendarEventID == "" {
		return errors.New("appointment requires account id and calendar event id")
	}
	if a.Status == "" {
		a.Status = models.StatusScheduled
	}
	now := s.now().Unix()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO appointments
			(id, account_id, user_id, organization_id, calendar_event_id, calendar_id, title, description,
			 location, start_time, end_time, status, attendees, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, calendar_event_id) DO UPDATE SET
				calendar_id = excluded.calendar_id,
				title = excluded.title,
				description = excluded.description,
				location = excluded.location,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				status = excluded.status,
				attendees = excluded.attendees,
				updated_at = excluded.updated_at
			RETURNING id
		`, uuid.NewString(), a.AccountID, a.UserID, a.OrganizationID, a.CalendarEventID, a.CalendarID,
			a.Title, a.Description, a.Location, unix(a.StartTime), unix(a.EndTime), string(a.Status),
			jsonList(a.Attendees), now, now).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert appointment: %w", err)
		}
		a.ID = id

		return s.enqueueTx(ctx, tx, ev)
	})
}

// GetAppointment returns an appointment by account and provider event id
func (s *Store) GetAppointment(ctx context.Context, accountID, eventID string) (*models.Appointment, error) {
	var row appointmentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM appointments WHERE account_id = ? AND calendar_event_id = ?`, accountID, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	return row.model(), nil
}

// CountAppointments returns the number of stored events for an account
func (s *Store) CountAppointments(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM appointments WHERE account_id = ?`, accountID); err != nil {
		return 0, fmt.Errorf("failed to count appointments: %w", err)
	}
	return n, nil
}
