package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/prospaces/mailsync/internal/api"
	"github.com/prospaces/mailsync/internal/auth"
	"github.com/prospaces/mailsync/internal/config"
	"github.com/prospaces/mailsync/internal/logging"
	"github.com/prospaces/mailsync/internal/models"
	natsjs "github.com/prospaces/mailsync/internal/nats"
	"github.com/prospaces/mailsync/internal/oauth"
	"github.com/prospaces/mailsync/internal/providers/gmail"
	"github.com/prospaces/mailsync/internal/providers/imap"
	"github.com/prospaces/mailsync/internal/providers/nylas"
	"github.com/prospaces/mailsync/internal/providers/outlook"
	"github.com/prospaces/mailsync/internal/store"
	"github.com/prospaces/mailsync/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Quiet: cfg.LogQuiet})
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabasePath, store.WithOutbox(cfg.NATSURL != ""))
	if err != nil {
		return err
	}
	defer st.Close()

	var verifier auth.Verifier
	if cfg.AuthJWKSURL != "" {
		verifier, err = auth.NewJWKSVerifier(ctx, cfg.AuthJWKSURL)
		if err != nil {
			return err
		}
	} else {
		verifier = auth.NewHMACVerifier(cfg.AuthJWTSecret)
	}

	outlookOpts := outlook.Options{BaseURL: cfg.GraphBaseURL, Timeout: cfg.ProviderTimeout, Logger: logger}
	gmailOpts := gmail.Options{Timeout: cfg.ProviderTimeout, Logger: logger}
	nylasOpts := nylas.Options{APIURI: cfg.Nylas.APIURI, APIKey: cfg.Nylas.APIKey, Timeout: cfg.ProviderTimeout, Logger: logger}
	imapOpts := imap.Options{Timeout: cfg.ProviderTimeout, Logger: logger}

	flows := oauth.NewRegistry()
	refresher := oauth.NewRefresher(st, logger).WithTimeout(cfg.ProviderTimeout)

	if cfg.Azure.Enabled() {
		oc := &oauth2.Config{
			ClientID:     cfg.Azure.ClientID,
			ClientSecret: cfg.Azure.ClientSecret,
			RedirectURL:  cfg.Azure.RedirectURL,
			Endpoint:     microsoft.AzureADEndpoint(cfg.Azure.Tenant),
			Scopes:       outlook.Scopes,
		}
		flows.Register(models.ProviderOutlook, oauth.NewCodeFlow(models.ProviderOutlook, oc,
			outlook.ProfileEmail(outlookOpts), oauth2.SetAuthURLParam("prompt", "select_account")))
		refresher.Register(models.ProviderOutlook, oc)
	} else {
		logger.Warn("Microsoft OAuth is not configured")
	}

	if cfg.Google.Enabled() {
		gc := &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       gmail.Scopes,
		}
		// offline + forced consent so Google returns a refresh token on every connect
		flows.Register(models.ProviderGmail, oauth.NewCodeFlow(models.ProviderGmail, gc,
			gmail.ProfileEmail(gmailOpts), oauth2.AccessTypeOffline, oauth2.ApprovalForce))
		refresher.Register(models.ProviderGmail, gc)
	} else {
		logger.Warn("Google OAuth is not configured")
	}

	if cfg.Nylas.Enabled() {
		flows.Register(models.ProviderNylas, oauth.NewNylasFlow(
			cfg.Nylas.ClientID, cfg.Nylas.APIKey, cfg.Nylas.APIURI, cfg.Nylas.RedirectURL, cfg.ProviderTimeout))
	} else {
		logger.Warn("Nylas is not configured")
	}

	svc := sync.NewService(st, refresher, cfg.DefaultSyncLimit, logger)
	registerProviders(svc, outlookOpts, gmailOpts, nylasOpts, imapOpts)

	if cfg.SyncInterval > 0 {
		go sync.NewScheduler(svc, st, cfg.SyncInterval, logger).Run(ctx)
	}

	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			return err
		}
		go sync.NewDispatcher(st, publisher, logger).Run(ctx)
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := api.New(api.Deps{
		AppURL:   cfg.AppURL,
		Verifier: verifier,
		Flows:    flows,
		States:   oauth.NewStates(st, cfg.OAuthStateTTL, logger),
		Accounts: st,
		Sync:     svc,
		VerifyIMAP: func(ctx context.Context, acct *models.Account) error {
			return imap.Verify(ctx, acct, imapOpts)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// a sync page may fetch many messages one by one
		WriteTimeout: 2*cfg.ProviderTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func registerProviders(svc *sync.Service, outlookOpts outlook.Options, gmailOpts gmail.Options, nylasOpts nylas.Options, imapOpts imap.Options) {
	svc.RegisterMail(models.ProviderOutlook, func(ctx context.Context, acct *models.Account) (sync.MailProvider, error) {
		return outlook.New(ctx, acct, outlookOpts)
	})
	svc.RegisterCalendar(models.ProviderOutlook, func(ctx context.Context, acct *models.Account) (sync.CalendarProvider, error) {
		return outlook.New(ctx, acct, outlookOpts)
	})
	svc.RegisterSender(models.ProviderOutlook, func(ctx context.Context, acct *models.Account) (sync.Sender, error) {
		return outlook.New(ctx, acct, outlookOpts)
	})

	svc.RegisterMail(models.ProviderGmail, func(ctx context.Context, acct *models.Account) (sync.MailProvider, error) {
		return gmail.New(ctx, acct, gmailOpts)
	})
	svc.RegisterCalendar(models.ProviderGmail, func(ctx context.Context, acct *models.Account) (sync.CalendarProvider, error) {
		return gmail.NewCalendar(ctx, acct, gmailOpts)
	})
	svc.RegisterSender(models.ProviderGmail, func(ctx context.Context, acct *models.Account) (sync.Sender, error) {
		return gmail.New(ctx, acct, gmailOpts)
	})

	svc.RegisterMail(models.ProviderNylas, func(ctx context.Context, acct *models.Account) (sync.MailProvider, error) {
		return nylas.New(acct, nylasOpts)
	})
	svc.RegisterCalendar(models.ProviderNylas, func(ctx context.Context, acct *models.Account) (sync.CalendarProvider, error) {
		return nylas.New(acct, nylasOpts)
	})

	svc.RegisterMail(models.ProviderIMAP, func(ctx context.Context, acct *models.Account) (sync.MailProvider, error) {
		return imap.New(acct, imapOpts)
	})
	svc.RegisterSender(models.ProviderIMAP, func(ctx context.Context, acct *models.Account) (sync.Sender, error) {
		return imap.New(acct, imapOpts)
	})
}
