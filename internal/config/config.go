package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the whole process configuration, loaded once at start and injected into each component
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	// APP_URL is where OAuth callbacks send the browser back to
	AppURL string `env:"APP_URL,required"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabasePath   string `env:"DATABASE_PATH" envDefault:"./data/prospaces.db"`

	// Bearer tokens are issued by the hosted auth provider: either an HS256 shared secret or a JWKS endpoint
	AuthJWTSecret string `env:"AUTH_JWT_SECRET"`
	AuthJWKSURL   string `env:"AUTH_JWKS_URL"`

	Azure  AzureConfig
	Google GoogleConfig
	Nylas  NylasConfig

	// Overrides for the Microsoft Graph base URL (national clouds, tests)
	GraphBaseURL string `env:"GRAPH_BASE_URL"`

	OAuthStateTTL    time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
	DefaultSyncLimit int           `env:"DEFAULT_SYNC_LIMIT" envDefault:"50"`
	ProviderTimeout  time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	SyncInterval     time.Duration `env:"SYNC_INTERVAL" envDefault:"0s"`

	NATSURL string `env:"NATS_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	// message prefixes logged only at warn and above, e.g. "synced messages"
	LogQuiet []string `env:"LOG_QUIET" envSeparator:","`
}

// AzureConfig holds the Microsoft identity platform app registration
type AzureConfig struct {
	ClientID     string `env:"AZURE_CLIENT_ID"`
	ClientSecret string `env:"AZURE_CLIENT_SECRET"`
	Tenant       string `env:"AZURE_TENANT" envDefault:"common"`
	RedirectURL  string `env:"AZURE_REDIRECT_URL"`
}

// Enabled reports whether Outlook OAuth is configured
func (c AzureConfig) Enabled() bool { return c.ClientID != "" }

// GoogleConfig holds the Google OAuth client
type GoogleConfig struct {
	ClientID     string `env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	RedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
}

// Enabled reports whether Gmail OAuth is configured
func (c GoogleConfig) Enabled() bool { return c.ClientID != "" }

// NylasConfig holds the Nylas application
type NylasConfig struct {
	ClientID    string `env:"NYLAS_CLIENT_ID"`
	APIKey      string `env:"NYLAS_API_KEY"`
	APIURI      string `env:"NYLAS_API_URI" envDefault:"https://api.us.nylas.com"`
	RedirectURL string `env:"NYLAS_REDIRECT_URL"`
}

// Enabled reports whether Nylas hosted auth is configured
func (c NylasConfig) Enabled() bool { return c.ClientID != "" }

// Load reads an optional .env file, parses the environment and validates the result
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express
func (c *Config) Validate() error {
	var errs []error

	if _, err := url.ParseRequestURI(c.AppURL); err != nil {
		errs = append(errs, fmt.Errorf("APP_URL is not a valid URL: %w", err))
	}

	switch c.DatabaseDriver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be sqlite or sqlite3, got %q", c.DatabaseDriver))
	}

	if c.AuthJWTSecret == "" && c.AuthJWKSURL == "" {
		errs = append(errs, errors.New("one of AUTH_JWT_SECRET or AUTH_JWKS_URL is required"))
	}

	if c.Azure.Enabled() && (c.Azure.ClientSecret == "" || c.Azure.RedirectURL == "") {
		errs = append(errs, errors.New("AZURE_CLIENT_SECRET and AZURE_REDIRECT_URL are required when AZURE_CLIENT_ID is set"))
	}
	if c.Google.Enabled() && (c.Google.ClientSecret == "" || c.Google.RedirectURL == "") {
		errs = append(errs, errors.New("GOOGLE_CLIENT_SECRET and GOOGLE_REDIRECT_URL are required when GOOGLE_CLIENT_ID is set"))
	}
	if c.Nylas.Enabled() && (c.Nylas.APIKey == "" || c.Nylas.RedirectURL == "") {
		errs = append(errs, errors.New("NYLAS_API_KEY and NYLAS_REDIRECT_URL are required when NYLAS_CLIENT_ID is set"))
	}

	if c.OAuthStateTTL <= 0 {
		errs = append(errs, errors.New("OAUTH_STATE_TTL must be positive"))
	}
	if c.DefaultSyncLimit <= 0 || c.DefaultSyncLimit > MaxSyncLimit {
		errs = append(errs, fmt.Errorf("DEFAULT_SYNC_LIMIT must be between 1 and %d", MaxSyncLimit))
	}
	if c.SyncInterval < 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must not be negative"))
	}

	return errors.Join(errs...)
}

// MaxSyncLimit caps the page size any caller can request
const MaxSyncLimit = 500
