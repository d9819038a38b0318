package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/store"
)

const (
	// MaxPageSize caps any single sync request
	MaxPageSize = 500

	ResourceMessages = "messages"
	ResourceEvents   = "events"
)

// Store is what the sync service needs from persistence
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	TouchLastSync(ctx context.Context, id string, at time.Time) error
	SetConnected(ctx context.Context, id string, connected bool) error
	UpsertMessage(ctx context.Context, m *models.Message, ev *store.OutboxEvent) error
	UpsertAppointment(ctx context.Context, a *models.Appointment, ev *store.OutboxEvent) error
	LoadCursor(ctx context.Context, accountID, resource string) (string, error)
	SaveCursor(ctx context.Context, accountID, resource, cursor string) error
}

// TokenRefresher makes sure an account's access token is usable
type TokenRefresher interface {
	Ensure(ctx context.Context, acct *models.Account) (*models.Account, error)
}

// Request identifies one sync call
type Request struct {
	UserID    string
	AccountID string
	// Provider the endpoint serves; "" accepts any
	Provider models.Provider
	Limit    int
	Query    string
}

// Result summarizes one sync call
type Result struct {
	Synced     int
	Failed     int
	Total      int
	Calendars  int
	NextCursor string
	LastSync   time.Time
}

// Service runs token refresh, provider fetch and per-record upserts
type Service struct {
	store        Store
	refresher    TokenRefresher
	mail         map[models.Provider]MailFactory
	calendars    map[models.Provider]CalendarFactory
	senders      map[models.Provider]SenderFactory
	runs         *Manager
	defaultLimit int
	now          func() time.Time
	logger       *slog.Logger
}

// NewService creates a service with no providers registered
func NewService(st Store, refresher TokenRefresher, defaultLimit int, logger *slog.Logger) *Service {
	return &Service{
		store:        st,
		refresher:    refresher,
		mail:         make(map[models.Provider]MailFactory),
		calendars:    make(map[models.Provider]CalendarFactory),
		senders:      make(map[models.Provider]SenderFactory),
		runs:         NewManager(),
		defaultLimit: defaultLimit,
		now:          time.Now,
		logger:       logger,
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) RegisterMail(p models.Provider, f MailFactory)         { s.mail[p] = f }
func (s *Service) RegisterCalendar(p models.Provider, f CalendarFactory) { s.calendars[p] = f }
func (s *Service) RegisterSender(p models.Provider, f SenderFactory)     { s.senders[p] = f }

// HasCalendar reports whether calendar sync is available for p
func (s *Service) HasCalendar(p models.Provider) bool {
	_, ok := s.calendars[p]
	return ok
}

// Running exposes the in-flight sync keys
func (s *Service) Running() []string {
	return s.runs.GetRunningSyncs()
}

func (s *Service) limit(requested int) int {
	switch {
	case requested <= 0:
		return s.defaultLimit
	case requested > MaxPageSize:
		return MaxPageSize
	default:
		return requested
	}
}

// Account loads an account the user owns. Accounts of other users are
// reported as not found.
func (s *Service) Account(ctx context.Context, userID, accountID string, provider models.Provider) (*models.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, store.ErrNotFound
	}
	if provider != "" && acct.Provider != provider {
		return nil, fmt.Errorf("%w: %s", ErrProviderMismatch, acct.Provider)
	}
	if !acct.Connected {
		return nil, ErrDisconnected
	}
	return acct, nil
}

// SyncMessages pulls one page of mail and upserts it record by record
func (s *Service) SyncMessages(ctx context.Context, req Request) (*Result, error) {
	acct, err := s.Account(ctx, req.UserID, req.AccountID, req.Provider)
	if err != nil {
		return nil, err
	}
	factory, ok := s.mail[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s mail sync", ErrUnsupported, acct.Provider)
	}

	resource := ResourceMessages
	if req.Query != "" {
		// page tokens are only valid for the query that produced them
		resource += ":" + req.Query
	}
	done, err := s.runs.Start(acct.ID, resource)
	if err != nil {
		return nil, err
	}
	defer done()

	acct, err = s.refresher.Ensure(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	provider, err := factory(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	cursor, err := s.store.LoadCursor(ctx, acct.ID, resource)
	if err != nil {
		return nil, err
	}

	page, err := provider.FetchMessages(ctx, PageRequest{Limit: s.limit(req.Limit), Cursor: cursor, Query: req.Query})
	if err != nil {
		return nil, err
	}

	res := &Result{Total: page.Total, Failed: page.Failed, NextCursor: page.NextCursor}
	now := s.now()
	for i := range page.Messages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sync interrupted after %d messages: %w", res.Synced, err)
		}

		m := &page.Messages[i]
		m.AccountID = acct.ID
		m.UserID = acct.UserID
		m.OrganizationID = acct.OrganizationID
		if err := s.store.UpsertMessage(ctx, m, messageEvent(acct, m, now)); err != nil {
			s.logger.Warn("failed to store message",
				"account_id", acct.ID,
				"message_id", m.MessageID,
				"error", err,
			)
			res.Failed++
			continue
		}
		res.Synced++
	}

	if err := s.finish(ctx, acct, resource, page.NextCursor, now); err != nil {
		return nil, err
	}
	res.LastSync = now

	s.logger.Info("synced messages",
		"account_id", acct.ID,
		"provider", acct.Provider,
		"synced", res.Synced,
		"failed", res.Failed,
		"total", res.Total,
		"more", page.NextCursor != "",
	)
	return res, nil
}

// SyncCalendar pulls one page of calendar events and upserts them as appointments
func (s *Service) SyncCalendar(ctx context.Context, req Request) (*Result, error) {
	acct, err := s.Account(ctx, req.UserID, req.AccountID, req.Provider)
	if err != nil {
		return nil, err
	}
	factory, ok := s.calendars[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s calendar sync", ErrUnsupported, acct.Provider)
	}

	done, err := s.runs.Start(acct.ID, ResourceEvents)
	if err != nil {
		return nil, err
	}
	defer done()

	acct, err = s.refresher.Ensure(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	provider, err := factory(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	cursor, err := s.store.LoadCursor(ctx, acct.ID, ResourceEvents)
	if err != nil {
		return nil, err
	}

	page, err := provider.FetchEvents(ctx, PageRequest{Limit: s.limit(req.Limit), Cursor: cursor})
	if err != nil {
		return nil, err
	}

	res := &Result{Total: page.Total, Failed: page.Failed, Calendars: page.Calendars, NextCursor: page.NextCursor}
	now := s.now()
	for i := range page.Events {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sync interrupted after %d events: %w", res.Synced, err)
		}

		a := &page.Events[i]
		a.AccountID = acct.ID
		a.UserID = acct.UserID
		a.OrganizationID = acct.OrganizationID
		if err := s.store.UpsertAppointment(ctx, a, appointmentEvent(acct, a, now)); err != nil {
			s.logger.Warn("failed to store appointment",
				"account_id", acct.ID,
				"event_id", a.CalendarEventID,
				"error", err,
			)
			res.Failed++
			continue
		}
		res.Synced++
	}

	if err := s.finish(ctx, acct, ResourceEvents, page.NextCursor, now); err != nil {
		return nil, err
	}
	res.LastSync = now

	s.logger.Info("synced calendar",
		"account_id", acct.ID,
		"provider", acct.Provider,
		"calendars", res.Calendars,
		"synced", res.Synced,
		"failed", res.Failed,
	)
	return res, nil
}

// finish stores the cursor for the next call and stamps last_sync
func (s *Service) finish(ctx context.Context, acct *models.Account, resource, cursor string, now time.Time) error {
	if err := s.store.SaveCursor(ctx, acct.ID, resource, cursor); err != nil {
		return err
	}
	return s.store.TouchLastSync(ctx, acct.ID, now)
}

// Send delivers a message through the account's provider and keeps a copy
// in the sent folder. Failing to store the copy does not fail the send.
func (s *Service) Send(ctx context.Context, userID, accountID string, provider models.Provider, out mailfmt.Outgoing) (*models.Message, error) {
	acct, err := s.Account(ctx, userID, accountID, provider)
	if err != nil {
		return nil, err
	}
	factory, ok := s.senders[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s send", ErrUnsupported, acct.Provider)
	}

	acct, err = s.refresher.Ensure(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	sender, err := factory(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("create sender: %w", err)
	}

	out.From = acct.Email
	id, err := sender.Send(ctx, out)
	if err != nil {
		return nil, err
	}
	synced := false
	if syncer, ok := sender.(SentMailSyncer); ok {
		synced = syncer.SyncsSentMail()
	}
	if id == "" && !synced {
		id = "sent-" + uuid.NewString()
	}

	now := s.now()
	msg := &models.Message{
		AccountID:      acct.ID,
		UserID:         acct.UserID,
		OrganizationID: acct.OrganizationID,
		MessageID:      id,
		Subject:        out.Subject,
		From:           acct.Email,
		To:             out.To,
		Cc:             out.Cc,
		Bcc:            out.Bcc,
		Folder:         models.FolderSent,
		IsRead:         true,
		ReceivedAt:     now,
	}
	if mailfmt.LooksLikeHTML(out.Body) {
		msg.BodyHTML = out.Body
		msg.BodyText, _ = mailfmt.HTMLToText(out.Body)
	} else {
		msg.BodyText = out.Body
	}

	if id == "" {
		// a synthetic row would duplicate the copy sync brings in
		s.logger.Debug("sent copy left to sync", "account_id", acct.ID)
	} else if err := s.store.UpsertMessage(ctx, msg, messageEvent(acct, msg, now)); err != nil {
		s.logger.Warn("sent message not stored", "account_id", acct.ID, "message_id", id, "error", err)
	}

	s.logger.Info("sent message", "account_id", acct.ID, "provider", acct.Provider, "recipients", len(out.Recipients()))
	return msg, nil
}

// Disconnect marks the account disconnected; stored mail is kept
func (s *Service) Disconnect(ctx context.Context, userID, accountID string) error {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.UserID != userID {
		return store.ErrNotFound
	}
	if err := s.store.SetConnected(ctx, acct.ID, false); err != nil {
		return err
	}
	s.logger.Info("account disconnected", "account_id", acct.ID, "provider", acct.Provider)
	return nil
}
