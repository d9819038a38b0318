package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/store"
)

// AccountLister lists the accounts the scheduler walks
type AccountLister interface {
	ListConnectedAccounts(ctx context.Context) ([]*models.Account, error)
}

// Scheduler periodically syncs every connected account
type Scheduler struct {
	svc      *Service
	accounts AccountLister
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler; it does nothing until Run
func NewScheduler(svc *Service, accounts AccountLister, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{svc: svc, accounts: accounts, interval: interval, logger: logger}
}

// Run syncs all accounts every interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sync scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce syncs mail, then calendar, of each connected account. Errors are
// logged per account and never stop the pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	accounts, err := s.accounts.ListConnectedAccounts(ctx)
	if err != nil {
		s.logger.Error("failed to list accounts", "error", err)
		return
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		req := Request{UserID: acct.UserID, AccountID: acct.ID, Provider: acct.Provider}

		if _, err := s.svc.SyncMessages(ctx, req); err != nil {
			s.logResult(acct, ResourceMessages, err)
		}
		if s.svc.HasCalendar(acct.Provider) {
			if _, err := s.svc.SyncCalendar(ctx, req); err != nil {
				s.logResult(acct, ResourceEvents, err)
			}
		}
	}
}

func (s *Scheduler) logResult(acct *models.Account, resource string, err error) {
	level := slog.LevelError
	if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrUnsupported) {
		level = slog.LevelDebug
	}
	s.logger.Log(context.Background(), level, "scheduled sync failed",
		"account_id", acct.ID,
		"provider", acct.Provider,
		"resource", resource,
		"error", err,
	)
}

// Publisher delivers outbox messages to the event bus
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// OutboxStore is the outbox side of the store
type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
	PruneOutbox(ctx context.Context, before time.Time) (int64, error)
}

// Dispatcher moves committed outbox rows to the event bus
type Dispatcher struct {
	store     OutboxStore
	publisher Publisher
	batch     int
	idle      time.Duration
	backoff   time.Duration
	logger    *slog.Logger

	// published rows are kept for retention, swept every pruneEvery
	retention  time.Duration
	pruneEvery time.Duration
	lastPrune  time.Time
	now        func() time.Time
}

// NewDispatcher creates a dispatcher publishing batches of 100
func NewDispatcher(st OutboxStore, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      st,
		publisher:  publisher,
		batch:      100,
		idle:       500 * time.Millisecond,
		backoff:    10 * time.Second,
		logger:     logger,
		retention:  24 * time.Hour,
		pruneEvery: 10 * time.Minute,
		now:        time.Now,
	}
}

// Run dispatches until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error("failed to dequeue outbox", "error", err)
		}
		if d.now().Sub(d.lastPrune) >= d.pruneEvery {
			if _, err := d.PruneOnce(ctx); err != nil {
				d.logger.Warn("failed to prune outbox", "error", err)
			}
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			wait = time.Second
		case n == 0:
			wait = d.idle
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows it handled
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.logger.Warn("failed to publish outbox message", "id", msg.ID, "subject", msg.Subject, "error", err)
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, d.backoff); err != nil {
				d.logger.Error("failed to schedule outbox retry", "id", msg.ID, "error", err)
			}
			continue
		}

		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			d.logger.Error("failed to mark outbox message published", "id", msg.ID, "error", err)
		}
	}
	return len(messages), nil
}

// PruneOnce deletes rows published longer ago than the retention window
func (d *Dispatcher) PruneOnce(ctx context.Context) (int64, error) {
	now := d.now()
	d.lastPrune = now
	n, err := d.store.PruneOutbox(ctx, now.Add(-d.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Debug("pruned outbox", "rows", n)
	}
	return n, nil
}
