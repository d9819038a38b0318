package nylas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prospaces/mailsync/internal/models"
)

// Options configures the Nylas v3 API client
type Options struct {
	APIURI  string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client calls the Nylas v3 API on behalf of one grant. Nylas refreshes the
// underlying mailbox tokens itself, requests only carry the application API key.
type Client struct {
	baseURL string
	apiKey  string
	grantID string
	client  *http.Client
	logger  *slog.Logger

	folders map[string]models.Folder
}

// New creates a client for the account's grant
func New(acct *models.Account, opts Options) (*Client, error) {
	if acct.NylasGrantID == "" {
		return nil, fmt.Errorf("account %s has no nylas grant", acct.ID)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("nylas api key is not set")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.APIURI, "/"),
		apiKey:  opts.APIKey,
		grantID: acct.NylasGrantID,
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger.With("provider", "nylas", "account_id", acct.ID),
	}, nil
}

// listResponse is the envelope of every Nylas list endpoint
type listResponse[T any] struct {
	RequestID  string `json:"request_id"`
	Data       []T    `json:"data"`
	NextCursor string `json:"next_cursor"`
}

// get fetches /v3/grants/{grant}/{path} and decodes the JSON body into out
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := fmt.Sprintf("%s/v3/grants/%s/%s", c.baseURL, url.PathEscape(c.grantID), path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return &models.UpstreamError{
			Provider: string(models.ProviderNylas),
			Status:   resp.StatusCode,
			Body:     string(body),
			Err:      fmt.Errorf("GET %s", path),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
