package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/oauth"
	"github.com/prospaces/mailsync/internal/store"
)

// beginOAuth issues a state for the caller and returns the provider consent URL
func (s *Server) beginOAuth(c *gin.Context, provider models.Provider, opts ...oauth2.AuthCodeOption) (authURL, state string, err error) {
	flow, err := s.deps.Flows.Flow(provider)
	if err != nil {
		return "", "", err
	}

	state, err = s.deps.States.Issue(c.Request.Context(), currentUser(c).ID, provider)
	if err != nil {
		return "", "", err
	}
	return flow.AuthURL(state, opts...), state, nil
}

func (s *Server) azureInit(c *gin.Context) {
	authURL, _, err := s.beginOAuth(c, models.ProviderOutlook)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "authUrl": authURL})
}

func (s *Server) gmailInit(c *gin.Context) {
	authURL, state, err := s.beginOAuth(c, models.ProviderGmail)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authUrl": authURL, "state": state})
}

type nylasConnectRequest struct {
	// mailbox provider the hosted page starts with (google, microsoft, imap, ...)
	Provider string `json:"provider"`
	Email    string `json:"email"`
}

func (s *Server) nylasConnect(c *gin.Context) {
	// the body is optional; chunked requests report no length, so only
	// an empty stream counts as no body
	var req nylasConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(c, err)
		return
	}

	var opts []oauth2.AuthCodeOption
	if req.Provider != "" {
		opts = append(opts, oauth.WithProvider(req.Provider))
	}
	if req.Email != "" {
		opts = append(opts, oauth.WithLoginHint(req.Email))
	}

	authURL, _, err := s.beginOAuth(c, models.ProviderNylas, opts...)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "authUrl": authURL})
}

// callback completes an authorization and sends the browser back to the app
// with either oauth_success or oauth_error set
func (s *Server) callback(provider models.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, err := s.completeOAuth(c.Request.Context(), provider,
			c.Query("state"), c.Query("code"), c.Query("error"), c.Query("error_description"))
		if err != nil {
			s.logger.Warn("oauth callback failed", "provider", provider, "error", err)
			s.redirect(c, map[string]string{"oauth_error": callbackMessage(err)})
			return
		}

		s.logger.Info("account connected",
			"provider", provider,
			"account_id", acct.ID,
			"user_id", acct.UserID,
		)
		s.redirect(c, map[string]string{"oauth_success": string(provider), "email": acct.Email})
	}
}

func (s *Server) completeOAuth(ctx context.Context, provider models.Provider, state, code, providerErr, providerErrDesc string) (*models.Account, error) {
	// burn the state even when the provider reports an error
	st, err := s.deps.States.Consume(ctx, state, provider)
	if err != nil {
		return nil, err
	}

	if providerErr != "" {
		return nil, &deniedError{code: providerErr, description: providerErrDesc}
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", errBadRequest)
	}

	flow, err := s.deps.Flows.Flow(provider)
	if err != nil {
		return nil, err
	}
	grant, err := flow.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if grant.Email == "" {
		return nil, fmt.Errorf("%s did not return a mailbox address", provider)
	}

	org, err := s.organization(ctx, st.UserID)
	if err != nil {
		return nil, err
	}

	acct := &models.Account{
		UserID:         st.UserID,
		OrganizationID: org,
		Provider:       provider,
		Email:          grant.Email,
		AccessToken:    grant.AccessToken,
		RefreshToken:   grant.RefreshToken,
		TokenExpiry:    grant.Expiry,
		NylasGrantID:   grant.GrantID,
		NylasProvider:  grant.GrantProvider,
	}
	if err := s.deps.Accounts.UpsertAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// organization resolves the user's organization; users without a profile
// get accounts outside any organization
func (s *Server) organization(ctx context.Context, userID string) (string, error) {
	org, err := s.deps.Accounts.OrganizationForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("user has no profile", "user_id", userID)
		return "", nil
	}
	return org, err
}

func (s *Server) redirect(c *gin.Context, params map[string]string) {
	u := *s.appURL
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, u.String())
}

// deniedError is the error a provider reports on the callback URL itself
type deniedError struct {
	code        string
	description string
}

func (e *deniedError) Error() string {
	if e.description != "" {
		return fmt.Sprintf("authorization denied: %s: %s", e.code, e.description)
	}
	return "authorization denied: " + e.code
}

// callbackMessage keeps error details out of the browser URL; the callback
// handler logs them
func callbackMessage(err error) string {
	var upstreamErr *models.UpstreamError
	var denied *deniedError
	switch {
	case errors.Is(err, oauth.ErrInvalidState):
		return "Invalid or expired OAuth state"
	case errors.Is(err, oauth.ErrNotConfigured):
		return err.Error()
	case errors.As(err, &denied):
		return "Authorization denied: " + denied.code
	case errors.As(err, &upstreamErr):
		return fmt.Sprintf("%s authorization failed", upstreamErr.Provider)
	default:
		return "Authorization failed"
	}
}
