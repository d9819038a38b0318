package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prospaces/mailsync/internal/auth"
	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/oauth"
	"github.com/prospaces/mailsync/internal/sync"
)

// AccountStore is the part of the store the handlers write to directly
type AccountStore interface {
	UpsertAccount(ctx context.Context, a *models.Account) error
	OrganizationForUser(ctx context.Context, userID string) (string, error)
	Ping(ctx context.Context) error
}

// MailboxVerifier checks IMAP credentials before they are stored
type MailboxVerifier func(ctx context.Context, acct *models.Account) error

// Deps are the collaborators of the HTTP layer
type Deps struct {
	AppURL     string
	Verifier   auth.Verifier
	Flows      *oauth.Registry
	States     *oauth.States
	Accounts   AccountStore
	Sync       *sync.Service
	VerifyIMAP MailboxVerifier
	Logger     *slog.Logger
}

// Server exposes one route per former edge function
type Server struct {
	deps   Deps
	appURL *url.URL
	router *gin.Engine
	logger *slog.Logger
}

// New builds the router. AppURL must be absolute.
func New(deps Deps) (*Server, error) {
	appURL, err := url.Parse(deps.AppURL)
	if err != nil {
		return nil, err
	}

	s := &Server{deps: deps, appURL: appURL, logger: deps.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := gin.New()
	r.Use(s.requestLogger(), s.recovery(), s.cors())

	r.GET("/health", s.health)

	// browser redirects from the providers carry no bearer token
	r.GET("/azure-oauth-callback", s.callback(models.ProviderOutlook))
	r.GET("/gmail-oauth-callback", s.callback(models.ProviderGmail))
	r.GET("/nylas-callback", s.callback(models.ProviderNylas))

	authed := r.Group("/", s.requireUser())
	authed.POST("/azure-oauth-init", s.azureInit)
	authed.POST("/gmail-oauth-init", s.gmailInit)
	authed.POST("/nylas-connect", s.nylasConnect)

	authed.POST("/azure-sync-emails", s.azureSyncEmails)
	authed.POST("/azure-sync-calendar", s.syncCalendar(models.ProviderOutlook))
	authed.POST("/azure-send-email", s.sendEmail(models.ProviderOutlook))

	authed.POST("/gmail-sync", s.gmailSync)
	authed.POST("/gmail-sync-calendar", s.syncCalendar(models.ProviderGmail))
	authed.POST("/gmail-send-email", s.sendEmail(models.ProviderGmail))

	authed.POST("/nylas-sync-emails", s.nylasSyncEmails)
	authed.POST("/nylas-sync-calendar", s.nylasSyncCalendar)

	authed.POST("/imap-connect", s.imapConnect)
	authed.POST("/imap-sync", s.imapSync)
	authed.POST("/imap-send-email", s.sendEmail(models.ProviderIMAP))

	authed.POST("/email-disconnect", s.disconnect)

	s.router = r
	return s, nil
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Accounts.Ping(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.deps.Sync.Running()})
}

const userKey = "user"

func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.deps.Verifier.UserFromRequest(c.Request)
		if err != nil {
			s.logger.Debug("rejected request", "path", c.FullPath(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet(userKey).(*auth.User)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		switch status := c.Writer.Status(); {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.logger.Error("panic in handler", "path", c.Request.URL.Path, "panic", rec)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

// cors lets the CRM front end at APP_URL call the API from the browser
func (s *Server) cors() gin.HandlerFunc {
	origin := s.appURL.Scheme + "://" + s.appURL.Host
	return func(c *gin.Context) {
		if strings.EqualFold(c.GetHeader("Origin"), origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "authorization, content-type")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
