package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/sync"
)

// DefaultQuery is used when a sync request carries no query
const DefaultQuery = "is:unread"

// Scopes requested at consent: read and send mail, read calendars, and the address
var Scopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailSendScope,
	calendar.CalendarReadonlyScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

// Options configures the Google API clients
type Options struct {
	// Endpoint overrides https://gmail.googleapis.com/ (tests)
	Endpoint string
	// CalendarEndpoint overrides https://www.googleapis.com/calendar/v3/ (tests)
	CalendarEndpoint string
	Timeout          time.Duration
	Logger           *slog.Logger
}

// Adapter implements sync.MailProvider and sync.Sender for Gmail
type Adapter struct {
	svc    *gmail.Service
	logger *slog.Logger
}

func httpClient(ctx context.Context, accessToken string, timeout time.Duration) *http.Client {
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	hc.Timeout = timeout
	return hc
}

func newService(ctx context.Context, accessToken string, opts Options) (*gmail.Service, error) {
	clientOpts := []option.ClientOption{option.WithHTTPClient(httpClient(ctx, accessToken, opts.Timeout))}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// New creates a new Gmail adapter for an account with a valid access token
func New(ctx context.Context, acct *models.Account, opts Options) (*Adapter, error) {
	svc, err := newService(ctx, acct.AccessToken, opts)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{svc: svc, logger: logger.With("provider", "gmail", "account_id", acct.ID)}, nil
}

// FetchMessages lists one page of ids, then fetches each message in full.
// Messages that cannot be fetched are counted in Failed.
func (a *Adapter) FetchMessages(ctx context.Context, req sync.PageRequest) (*sync.MessagePage, error) {
	query := req.Query
	if query == "" {
		query = DefaultQuery
	}

	call := a.svc.Users.Messages.List("me").MaxResults(int64(req.Limit)).Q(query).Context(ctx)
	if req.Cursor != "" {
		call = call.PageToken(req.Cursor)
	}

	list, err := call.Do()
	if err != nil {
		return nil, upstream(fmt.Errorf("failed to list messages: %w", err))
	}

	page := &sync.MessagePage{
		Total:      len(list.Messages),
		NextCursor: list.NextPageToken,
	}
	for _, ref := range list.Messages {
		full, err := a.svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			a.logger.Warn("failed to get message", "message_id", ref.Id, "error", err)
			page.Failed++
			continue
		}
		page.Messages = append(page.Messages, normalize(full))
	}
	return page, nil
}

// Send delivers the message and returns the Gmail id of the sent copy
func (a *Adapter) Send(ctx context.Context, msg mailfmt.Outgoing) (string, error) {
	raw, err := mailfmt.Compose(msg, time.Now(), true)
	if err != nil {
		return "", err
	}

	sent, err := a.svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", upstream(fmt.Errorf("failed to send message: %w", err))
	}
	return sent.Id, nil
}

// ProfileEmail returns a lookup resolving the mailbox address of a fresh token
func ProfileEmail(opts Options) func(ctx context.Context, tok *oauth2.Token) (string, error) {
	return func(ctx context.Context, tok *oauth2.Token) (string, error) {
		svc, err := newService(ctx, tok.AccessToken, opts)
		if err != nil {
			return "", err
		}
		profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return "", upstream(fmt.Errorf("failed to get profile: %w", err))
		}
		return profile.EmailAddress, nil
	}
}

// normalize converts a full Gmail message to the canonical row
func normalize(m *gmail.Message) models.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	msg := models.Message{
		MessageID:  m.Id,
		ThreadID:   m.ThreadId,
		Subject:    headers["subject"],
		From:       headers["from"],
		To:         mailfmt.AddressList(headers["to"]),
		Cc:         mailfmt.AddressList(headers["cc"]),
		Bcc:        mailfmt.AddressList(headers["bcc"]),
		Folder:     folderFromLabels(m.LabelIds),
		IsRead:     !hasLabel(m.LabelIds, "UNREAD"),
		IsStarred:  hasLabel(m.LabelIds, "STARRED"),
		ReceivedAt: time.UnixMilli(m.InternalDate),
	}

	msg.BodyText, msg.BodyHTML = bodies(m.Payload)
	if msg.BodyText == "" && msg.BodyHTML != "" {
		msg.BodyText, _ = mailfmt.HTMLToText(msg.BodyHTML)
	}
	if msg.BodyText == "" {
		msg.BodyText = m.Snippet
	}
	return msg
}

// bodies walks the MIME tree and returns the first text/plain and text/html parts
func bodies(part *gmail.MessagePart) (text, html string) {
	if part == nil {
		return "", ""
	}
	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		switch {
		case strings.HasPrefix(part.MimeType, "text/plain"):
			text = decodeBody(part.Body.Data)
		case strings.HasPrefix(part.MimeType, "text/html"):
			html = decodeBody(part.Body.Data)
		}
	}
	for _, child := range part.Parts {
		t, h := bodies(child)
		if text == "" {
			text = t
		}
		if html == "" {
			html = h
		}
	}
	return text, html
}

func decodeBody(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

func folderFromLabels(labels []string) models.Folder {
	switch {
	case hasLabel(labels, "TRASH"):
		return models.FolderTrash
	case hasLabel(labels, "SPAM"):
		return models.FolderSpam
	case hasLabel(labels, "SENT"):
		return models.FolderSent
	default:
		return models.FolderInbox
	}
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// upstream turns googleapi errors into UpstreamError
func upstream(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	body := gerr.Body
	if body == "" {
		body = gerr.Message
	}
	return &models.UpstreamError{Provider: string(models.ProviderGmail), Status: gerr.Code, Body: body, Err: err}
}
