package sync

import (
	"context"
	"errors"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
)

var (
	// ErrSyncInProgress is returned when the same account resource is already syncing
	ErrSyncInProgress = errors.New("sync already in progress for this account")
	// ErrUnsupported is returned when a provider lacks the requested capability
	ErrUnsupported = errors.New("operation not supported for this provider")
	// ErrProviderMismatch is returned when an endpoint is used with another provider's account
	ErrProviderMismatch = errors.New("account belongs to a different provider")
	// ErrDisconnected is returned for accounts the user disconnected
	ErrDisconnected = errors.New("account is disconnected")
)

// PageRequest asks an adapter for one page
type PageRequest struct {
	Limit  int
	Cursor string // opaque, "" = start from the beginning
	Query  string // provider search query (Gmail)
}

// MessagePage is one page of canonical messages
type MessagePage struct {
	Messages []models.Message
	// Total is the number of upstream items listed for this page
	Total int
	// Failed counts items that were listed but could not be fetched or parsed
	Failed     int
	NextCursor string
}

// EventPage is one page of canonical appointments
type EventPage struct {
	Events     []models.Appointment
	Calendars  int
	Total      int
	Failed     int
	NextCursor string
}

// MailProvider reads mail for one account
type MailProvider interface {
	FetchMessages(ctx context.Context, req PageRequest) (*MessagePage, error)
}

// CalendarProvider reads calendar events for one account
type CalendarProvider interface {
	FetchEvents(ctx context.Context, req PageRequest) (*EventPage, error)
}

// Sender sends mail as one account and returns the provider message id, if any
type Sender interface {
	Send(ctx context.Context, msg mailfmt.Outgoing) (string, error)
}

// SentMailSyncer is implemented by senders whose mail sync also reads the
// sent folder. Their sent copy arrives with the next sync.
type SentMailSyncer interface {
	SyncsSentMail() bool
}

// MailFactory builds a MailProvider for an account with a valid token
type MailFactory func(ctx context.Context, acct *models.Account) (MailProvider, error)

// CalendarFactory builds a CalendarProvider for an account with a valid token
type CalendarFactory func(ctx context.Context, acct *models.Account) (CalendarProvider, error)

// SenderFactory builds a Sender for an account with a valid token
type SenderFactory func(ctx context.Context, acct *models.Account) (Sender, error)
