package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prospaces/mailsync/internal/models"
)

// CreateState persists an issued OAuth state
func (s *Store) CreateState(ctx context.Context, st *models.OAuthState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, user_id, provider, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, st.State, st.UserID, string(st.Provider), unix(st.CreatedAt), unix(st.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

// ConsumeState deletes the state and returns it. A state can be consumed at most
// once: the delete and the read are one statement, so a replay gets ErrNotFound.
func (s *Store) ConsumeState(ctx context.Context, state string) (*models.OAuthState, error) {
	var (
		st        models.OAuthState
		provider  string
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRowxContext(ctx, `
		DELETE FROM oauth_states WHERE state = ?
		RETURNING state, user_id, provider, created_at, expires_at
	`, state).Scan(&st.State, &st.UserID, &provider, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	st.Provider = models.Provider(provider)
	st.CreatedAt = fromUnix(createdAt)
	st.ExpiresAt = fromUnix(expiresAt)
	return &st, nil
}

// PurgeExpiredStates removes states that expired at or before now
func (s *Store) PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge oauth states: %w", err)
	}
	return res.RowsAffected()
}

// LoadCursor returns the saved pagination cursor for an account resource ("" when none)
func (s *Store) LoadCursor(ctx context.Context, accountID, resource string) (string, error) {
	var cursor string
	err := s.db.GetContext(ctx, &cursor, `SELECT cursor FROM sync_state WHERE account_id = ? AND resource = ?`, accountID, resource)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor stores the pagination cursor for an account resource
func (s *Store) SaveCursor(ctx context.Context, accountID, resource, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, resource, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, resource) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, accountID, resource, cursor, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
