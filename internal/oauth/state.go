package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/store"
)

// StateStore persists issued states
type StateStore interface {
	CreateState(ctx context.Context, st *models.OAuthState) error
	ConsumeState(ctx context.Context, state string) (*models.OAuthState, error)
	PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error)
}

// States issues and redeems single-use OAuth state tokens bound to a user and provider
type States struct {
	store  StateStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewStates creates a state manager; ttl bounds how long a user may take to consent
func NewStates(st StateStore, ttl time.Duration, logger *slog.Logger) *States {
	return &States{store: st, ttl: ttl, now: time.Now, logger: logger}
}

// WithClock replaces the clock used for issuing and expiry checks
func (s *States) WithClock(now func() time.Time) *States {
	s.now = now
	return s
}

// Issue creates a fresh state for userID. Expired states are purged first.
func (s *States) Issue(ctx context.Context, userID string, provider models.Provider) (string, error) {
	now := s.now()
	if n, err := s.store.PurgeExpiredStates(ctx, now); err != nil {
		s.logger.Warn("failed to purge expired oauth states", "error", err)
	} else if n > 0 {
		s.logger.Debug("purged expired oauth states", "count", n)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	err := s.store.CreateState(ctx, &models.OAuthState{
		State:     state,
		UserID:    userID,
		Provider:  provider,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	})
	if err != nil {
		return "", err
	}
	return state, nil
}

// Consume redeems a state exactly once. Unknown, replayed, expired and
// cross-provider states all yield ErrInvalidState.
func (s *States) Consume(ctx context.Context, state string, provider models.Provider) (*models.OAuthState, error) {
	if state == "" {
		return nil, ErrInvalidState
	}

	st, err := s.store.ConsumeState(ctx, state)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}

	if !st.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: expired at %s", ErrInvalidState, st.ExpiresAt.Format(time.RFC3339))
	}
	if st.Provider != provider {
		return nil, fmt.Errorf("%w: issued for %s", ErrInvalidState, st.Provider)
	}
	return st, nil
}
