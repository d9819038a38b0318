package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prospaces/mailsync/internal/models"
)

type accountRow struct {
	ID             string `db:"id"`
	UserID         string `db:"user_id"`
	OrganizationID string `db:"organization_id"`
	Provider       string `db:"provider"`
	Email          string `db:"email"`
	AccessToken    string `db:"access_token"`
	RefreshToken   string `db:"refresh_token"`
	TokenExpiry    int64  `db:"token_expiry"`
	LastSync       int64  `db:"last_sync"`
	Connected      bool   `db:"connected"`
	NylasGrantID   string `db:"nylas_grant_id"`
	NylasProvider  string `db:"nylas_provider"`
	IMAPHost       string `db:"imap_host"`
	IMAPPort       int    `db:"imap_port"`
	IMAPUsername   string `db:"imap_username"`
	IMAPPassword   string `db:"imap_password"`
	SMTPHost       string `db:"smtp_host"`
	SMTPPort       int    `db:"smtp_port"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r accountRow) model() *models.Account {
	return &models.Account{
		ID:             r.ID,
		UserID:         r.UserID,
		OrganizationID: r.OrganizationID,
		Provider:       models.Provider(r.Provider),
		Email:          r.Email,
		AccessToken:    r.AccessToken,
		RefreshToken:   r.RefreshToken,
		TokenExpiry:    fromUnix(r.TokenExpiry),
		LastSync:       fromUnix(r.LastSync),
		Connected:      r.Connected,
		NylasGrantID:   r.NylasGrantID,
		NylasProvider:  r.NylasProvider,
		IMAPHost:       r.IMAPHost,
		IMAPPort:       r.IMAPPort,
		IMAPUsername:   r.IMAPUsername,
		IMAPPassword:   r.IMAPPassword,
		SMTPHost:       r.SMTPHost,
		SMTPPort:       r.SMTPPort,
		CreatedAt:      fromUnix(r.CreatedAt),
		UpdatedAt:      fromUnix(r.UpdatedAt),
	}
}

// UpsertAccount stores a freshly connected account. Reconnecting the same
// (user, provider, email) replaces the credentials and marks it connected again.
// The account's ID is set to the stored row's id.
func (s *Store) UpsertAccount(ctx context.Context, a *models.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now()

	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO email_accounts
		(id, user_id, organization_id, provider, email, access_token, refresh_token, token_expiry,
		 connected, nylas_grant_id, nylas_provider, imap_host, imap_port, imap_username, imap_password,
		 smtp_host, smtp_port, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider, email) DO UPDATE SET
			organization_id = excluded.organization_id,
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE email_accounts.refresh_token END,
			token_expiry = excluded.token_expiry,
			connected = 1,
			nylas_grant_id = excluded.nylas_grant_id,
			nylas_provider = excluded.nylas_provider,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_username = excluded.imap_username,
			imap_password = excluded.imap_password,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			updated_at = excluded.updated_at
		RETURNING id
	`, a.ID, a.UserID, a.OrganizationID, string(a.Provider), a.Email, a.AccessToken, a.RefreshToken,
		unix(a.TokenExpiry), a.NylasGrantID, a.NylasProvider, a.IMAPHost, a.IMAPPort, a.IMAPUsername,
		a.IMAPPassword, a.SMTPHost, a.SMTPPort, now.Unix(), now.Unix()).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	a.ID = id
	a.Connected = true
	return nil
}

// GetAccount returns an account by id
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM email_accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.model(), nil
}

// ListConnectedAccounts returns every account with the connected flag set
func (s *Store) ListConnectedAccounts(ctx context.Context) ([]*models.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM email_accounts WHERE connected = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]*models.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.model())
	}
	return accounts, nil
}

// UpdateTokens writes refreshed credentials only if the stored expiry still equals
// prevExpiry. It reports false when another caller refreshed first.
func (s *Store) UpdateTokens(ctx context.Context, id string, prevExpiry time.Time, accessToken, refreshToken string, expiry time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_accounts
		SET access_token = ?,
		    refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
		    token_expiry = ?,
		    updated_at = ?
		WHERE id = ? AND token_expiry = ?
	`, accessToken, refreshToken, refreshToken, unix(expiry), s.now().Unix(), id, unix(prevExpiry))
	if err != nil {
		return false, fmt.Errorf("failed to update tokens: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// TouchLastSync records the time of the last completed sync
func (s *Store) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE email_accounts SET last_sync = ?, updated_at = ? WHERE id = ?`,
		unix(at), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return nil
}

// SetConnected flips the soft connectivity flag; accounts are never hard-deleted
func (s *Store) SetConnected(ctx context.Context, id string, connected bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE email_accounts SET connected = ?, updated_at = ? WHERE id = ?`,
		connected, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set connected: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProfile maps a user to their organization
func (s *Store) UpsertProfile(ctx context.Context, userID, organizationID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, organization_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET organization_id = excluded.organization_id, updated_at = excluded.updated_at
	`, userID, organizationID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// OrganizationForUser resolves the organization a user belongs to
func (s *Store) OrganizationForUser(ctx context.Context, userID string) (string, error) {
	var org string
	err := s.db.GetContext(ctx, &org, `SELECT organization_id FROM profiles WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}
