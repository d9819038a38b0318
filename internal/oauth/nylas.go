package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/prospaces/mailsync/internal/models"
)

// NylasFlow is Nylas hosted authentication. The result is a grant id that
// later API calls use together with the application API key.
type NylasFlow struct {
	clientID    string
	apiKey      string
	apiURI      string
	redirectURL string
	httpClient  *http.Client
}

// NewNylasFlow creates a hosted-auth flow against apiURI (e.g. https://api.us.nylas.com)
func NewNylasFlow(clientID, apiKey, apiURI, redirectURL string, timeout time.Duration) *NylasFlow {
	return &NylasFlow{
		clientID:    clientID,
		apiKey:      apiKey,
		apiURI:      strings.TrimRight(apiURI, "/"),
		redirectURL: redirectURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// WithProvider hints which mailbox provider the hosted page should start with
func WithProvider(provider string) oauth2.AuthCodeOption {
	return oauth2.SetAuthURLParam("provider", provider)
}

// WithLoginHint prefills the mailbox address on the consent page
func WithLoginHint(email string) oauth2.AuthCodeOption {
	return oauth2.SetAuthURLParam("login_hint", email)
}

func (f *NylasFlow) AuthURL(state string, opts ...oauth2.AuthCodeOption) string {
	cfg := &oauth2.Config{
		ClientID:    f.clientID,
		RedirectURL: f.redirectURL,
		Endpoint:    oauth2.Endpoint{AuthURL: f.apiURI + "/v3/connect/auth"},
	}
	opts = append([]oauth2.AuthCodeOption{oauth2.AccessTypeOnline}, opts...)
	return cfg.AuthCodeURL(state, opts...)
}

type nylasTokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
}

type nylasTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	GrantID      string `json:"grant_id"`
	Email        string `json:"email"`
	Provider     string `json:"provider"`
}

func (f *NylasFlow) Exchange(ctx context.Context, code string) (*Grant, error) {
	body, err := json.Marshal(nylasTokenRequest{
		ClientID:     f.clientID,
		ClientSecret: f.apiKey,
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.redirectURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.apiURI+"/v3/connect/token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &models.UpstreamError{
			Provider: string(models.ProviderNylas),
			Status:   resp.StatusCode,
			Body:     string(respBody),
			Err:      fmt.Errorf("token exchange failed"),
		}
	}

	var tok nylasTokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if tok.GrantID == "" {
		return nil, fmt.Errorf("nylas token response has no grant_id")
	}

	g := &Grant{
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		Email:         tok.Email,
		GrantID:       tok.GrantID,
		GrantProvider: tok.Provider,
	}
	if tok.ExpiresIn > 0 {
		g.Expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return g, nil
}
