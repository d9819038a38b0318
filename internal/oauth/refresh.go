package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/prospaces/mailsync/internal/models"
)

const (
	// DefaultTokenLifetime is assumed when a token response carries no expires_in
	DefaultTokenLifetime = time.Hour
	// DefaultRefreshTimeout bounds a refresh shared by several callers
	DefaultRefreshTimeout = 30 * time.Second
)

// TokenStore is the slice of the account store the refresher writes through
type TokenStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	UpdateTokens(ctx context.Context, id string, prevExpiry time.Time, accessToken, refreshToken string, expiry time.Time) (bool, error)
}

// Refresher renews expired access tokens before a provider call
type Refresher struct {
	store   TokenStore
	configs map[models.Provider]*oauth2.Config
	now     func() time.Time
	timeout time.Duration
	group   singleflight.Group
	logger  *slog.Logger
}

// NewRefresher creates a refresher with no providers; see Register
func NewRefresher(st TokenStore, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:   st,
		configs: make(map[models.Provider]*oauth2.Config),
		now:     time.Now,
		timeout: DefaultRefreshTimeout,
		logger:  logger,
	}
}

// Register enables refresh for accounts of provider p
func (r *Refresher) Register(p models.Provider, cfg *oauth2.Config) {
	r.configs[p] = cfg
}

// WithClock replaces the refresher's clock
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	r.now = now
	return r
}

// WithTimeout bounds each token request; zero or less keeps the default
func (r *Refresher) WithTimeout(d time.Duration) *Refresher {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Ensure returns acct with a usable access token. Only outlook and gmail
// accounts carry refreshable tokens; others are returned as-is.
//
// A refresh happens exactly when the stored expiry is at or before now. The
// write is conditional on the expiry read here, so when two refreshes race
// the loser reloads the winner's tokens instead of overwriting them.
func (r *Refresher) Ensure(ctx context.Context, acct *models.Account) (*models.Account, error) {
	if acct.Provider != models.ProviderOutlook && acct.Provider != models.ProviderGmail {
		return acct, nil
	}

	now := r.now()
	if !acct.TokenExpired(now) {
		return acct, nil
	}

	cfg, ok := r.configs[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("cannot refresh %s token: %s OAuth is %w", acct.Provider, acct.Provider, ErrNotConfigured)
	}
	if acct.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token expired and no refresh token stored", ErrReauthRequired)
	}

	// the shared refresh outlives any single caller; each caller only stops waiting when its own ctx ends
	ch := r.group.DoChan(acct.ID, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.refresh(rctx, cfg, acct, now)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		r.logger.Debug("joined in-flight token refresh", "account_id", acct.ID)
	}
	return res.Val.(*models.Account), nil
}

func (r *Refresher) refresh(ctx context.Context, cfg *oauth2.Config, acct *models.Account, now time.Time) (*models.Account, error) {
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken}).Token()
	if err != nil {
		return nil, upstreamFromOAuth(acct.Provider, fmt.Errorf("token refresh failed: %w", err))
	}

	lifetime := tokenLifetime(tok)
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	// stored with second precision; keep the new expiry strictly after now
	expiry := now.Add(lifetime).Truncate(time.Second)
	if !expiry.After(now) {
		expiry = now.Truncate(time.Second).Add(time.Second)
	}

	updated, err := r.store.UpdateTokens(ctx, acct.ID, acct.TokenExpiry, tok.AccessToken, tok.RefreshToken, expiry)
	if err != nil {
		return nil, err
	}
	if !updated {
		r.logger.Info("token refreshed concurrently, reloading account", "account_id", acct.ID)
		return r.store.GetAccount(ctx, acct.ID)
	}

	r.logger.Info("refreshed access token",
		"account_id", acct.ID,
		"provider", acct.Provider,
		"expires_at", expiry.Format(time.RFC3339),
	)

	out := *acct
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	out.TokenExpiry = expiry
	return &out, nil
}

// tokenLifetime reads expires_in from the raw token response
func tokenLifetime(tok *oauth2.Token) time.Duration {
	var secs int64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		secs = int64(v)
	case int64:
		secs = v
	case json.Number:
		secs, _ = v.Int64()
	case string:
		secs, _ = strconv.ParseInt(v, 10, 64)
	}
	if secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	return 0
}
