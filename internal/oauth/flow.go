package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/prospaces/mailsync/internal/models"
)

var (
	// ErrNotConfigured is returned for a provider whose client credentials are missing
	ErrNotConfigured = errors.New("not configured")
	// ErrInvalidState is returned for unknown, replayed, expired or mismatched state tokens
	ErrInvalidState = errors.New("invalid or expired oauth state")
	// ErrReauthRequired is returned when a token expired and cannot be refreshed
	ErrReauthRequired = errors.New("account must be reconnected")
)

// Grant is what a completed authorization yields
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Email        string

	// Nylas only
	GrantID       string
	GrantProvider string
}

// Flow is one provider's authorization-code flow
type Flow interface {
	AuthURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string) (*Grant, error)
}

// EmailLookup resolves the mailbox address behind a fresh access token
type EmailLookup func(ctx context.Context, token *oauth2.Token) (string, error)

// CodeFlow is the standard OAuth2 code flow used for Microsoft and Google
type CodeFlow struct {
	provider models.Provider
	config   *oauth2.Config
	lookup   EmailLookup
	authOpts []oauth2.AuthCodeOption
}

// NewCodeFlow builds a flow; authOpts are added to every authorization URL
func NewCodeFlow(provider models.Provider, config *oauth2.Config, lookup EmailLookup, authOpts ...oauth2.AuthCodeOption) *CodeFlow {
	return &CodeFlow{provider: provider, config: config, lookup: lookup, authOpts: authOpts}
}

func (f *CodeFlow) AuthURL(state string, opts ...oauth2.AuthCodeOption) string {
	all := append(append([]oauth2.AuthCodeOption{}, f.authOpts...), opts...)
	return f.config.AuthCodeURL(state, all...)
}

func (f *CodeFlow) Exchange(ctx context.Context, code string) (*Grant, error) {
	tok, err := f.config.Exchange(ctx, code)
	if err != nil {
		return nil, upstreamFromOAuth(f.provider, fmt.Errorf("token exchange failed: %w", err))
	}

	email, err := f.lookup(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	return &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Email:        email,
	}, nil
}

// Registry holds the configured flows by provider
type Registry struct {
	flows map[models.Provider]Flow
	names map[models.Provider]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		flows: make(map[models.Provider]Flow),
		names: map[models.Provider]string{
			models.ProviderOutlook: "Microsoft",
			models.ProviderGmail:   "Google",
			models.ProviderNylas:   "Nylas",
		},
	}
}

// Register makes a flow available for a provider
func (r *Registry) Register(p models.Provider, f Flow) {
	r.flows[p] = f
}

// Flow returns the provider's flow or an ErrNotConfigured error
func (r *Registry) Flow(p models.Provider) (Flow, error) {
	f, ok := r.flows[p]
	if !ok {
		name := r.names[p]
		if name == "" {
			name = string(p)
		}
		return nil, fmt.Errorf("%s OAuth is %w", name, ErrNotConfigured)
	}
	return f, nil
}

func upstreamFromOAuth(p models.Provider, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	return &models.UpstreamError{Provider: string(p), Status: status, Body: string(re.Body), Err: err}
}
