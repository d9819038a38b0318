package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/sync"
)

// Scopes requested at consent; offline_access yields a refresh token
var Scopes = []string{"offline_access", "openid", "email", "User.Read", "Mail.Read", "Mail.Send", "Calendars.Read"}

var messageFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients", "bccRecipients",
	"body", "bodyPreview", "receivedDateTime", "isRead", "flag", "parentFolderId",
}

// wellKnownFolders are the Graph well-known folder names that are not the inbox
var wellKnownFolders = map[string]models.Folder{
	"sentitems":    models.FolderSent,
	"deleteditems": models.FolderTrash,
	"junkemail":    models.FolderSpam,
}

// Options configures the Graph client
type Options struct {
	// BaseURL overrides https://graph.microsoft.com/v1.0 (national clouds, tests)
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Adapter implements sync.MailProvider, sync.CalendarProvider and sync.Sender for Outlook/Microsoft Graph
type Adapter struct {
	client  *msgraphsdk.GraphServiceClient
	timeout time.Duration
	logger  *slog.Logger

	// folder id -> canonical folder, resolved once per adapter
	folders map[string]models.Folder
}

func newClient(accessToken string, opts Options) (*msgraphsdk.GraphServiceClient, error) {
	if opts.BaseURL == "" {
		cred := &staticTokenCredential{token: accessToken}
		client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
		if err != nil {
			return nil, fmt.Errorf("failed to create Graph client: %w", err)
		}
		return client, nil
	}

	authProvider := authentication.NewBaseBearerTokenAuthenticationProvider(&staticTokenProvider{token: accessToken})
	adapter, err := msgraphsdk.NewGraphRequestAdapter(authProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph request adapter: %w", err)
	}
	adapter.SetBaseUrl(strings.TrimRight(opts.BaseURL, "/"))
	return msgraphsdk.NewGraphServiceClient(adapter), nil
}

// New creates a new Outlook adapter for an account with a valid access token
func New(ctx context.Context, acct *models.Account, opts Options) (*Adapter, error) {
	client, err := newClient(acct.AccessToken, opts)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:  client,
		timeout: opts.Timeout,
		logger:  logger.With("provider", "outlook", "account_id", acct.ID),
	}, nil
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

// FetchMessages reads one page of the mailbox, newest first. The cursor is the
// @odata.nextLink of the previous page.
func (a *Adapter) FetchMessages(ctx context.Context, req sync.PageRequest) (*sync.MessagePage, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var (
		result graphmodels.MessageCollectionResponseable
		err    error
	)
	if req.Cursor != "" {
		result, err = a.client.Me().Messages().WithUrl(req.Cursor).Get(ctx, nil)
	} else {
		top := int32(req.Limit)
		result, err = a.client.Me().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:     &top,
				Select:  messageFields,
				Orderby: []string{"receivedDateTime desc"},
			},
		})
	}
	if err != nil {
		return nil, upstream(fmt.Errorf("failed to list messages: %w", err))
	}

	folders, err := a.resolveFolders(ctx)
	if err != nil {
		return nil, err
	}

	page := &sync.MessagePage{NextCursor: deref(result.GetOdataNextLink())}
	for _, m := range result.GetValue() {
		page.Total++
		if m == nil || m.GetId() == nil {
			page.Failed++
			continue
		}
		msg := normalizeOutlook(m)
		if f, ok := folders[deref(m.GetParentFolderId())]; ok {
			msg.Folder = f
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// resolveFolders maps the ids of the sent, deleted and junk folders.
// Messages report their parent folder by id only.
func (a *Adapter) resolveFolders(ctx context.Context) (map[string]models.Folder, error) {
	if a.folders != nil {
		return a.folders, nil
	}

	folders := make(map[string]models.Folder, len(wellKnownFolders))
	for name, folder := range wellKnownFolders {
		mf, err := a.client.Me().MailFolders().ByMailFolderId(name).Get(ctx, nil)
		if err != nil {
			var odataErr *odataerrors.ODataError
			if errors.As(err, &odataErr) && odataErr.ResponseStatusCode == http.StatusNotFound {
				// mailboxes without a junk folder, for example
				a.logger.Debug("well-known folder missing", "folder", name)
				continue
			}
			return nil, upstream(fmt.Errorf("failed to get folder %s: %w", name, err))
		}
		if id := deref(mf.GetId()); id != "" {
			folders[id] = folder
		}
	}
	a.folders = folders
	return folders, nil
}

// Send posts to /me/sendMail. Graph does not return the id of the sent copy;
// it lands in Sent Items and the next sync stores it.
func (a *Adapter) Send(ctx context.Context, out mailfmt.Outgoing) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	message := graphmodels.NewMessage()
	subject := out.Subject
	message.SetSubject(&subject)

	body := graphmodels.NewItemBody()
	contentType := graphmodels.TEXT_BODYTYPE
	if mailfmt.LooksLikeHTML(out.Body) {
		contentType = graphmodels.HTML_BODYTYPE
	}
	content := out.Body
	body.SetContentType(&contentType)
	body.SetContent(&content)
	message.SetBody(body)

	for _, field := range []struct {
		addrs []string
		set   func([]graphmodels.Recipientable)
	}{
		{out.To, message.SetToRecipients},
		{out.Cc, message.SetCcRecipients},
		{out.Bcc, message.SetBccRecipients},
	} {
		recipients, err := toRecipients(field.addrs)
		if err != nil {
			return "", err
		}
		if len(recipients) > 0 {
			field.set(recipients)
		}
	}

	request := users.NewItemSendMailPostRequestBody()
	request.SetMessage(message)
	save := true
	request.SetSaveToSentItems(&save)

	if err := a.client.Me().SendMail().Post(ctx, request, nil); err != nil {
		return "", upstream(fmt.Errorf("failed to send mail: %w", err))
	}
	return "", nil
}

// SyncsSentMail reports that mail sync reads Sent Items, so no local copy is kept after Send
func (a *Adapter) SyncsSentMail() bool { return true }

// ProfileEmail returns a lookup resolving the mailbox address of a fresh token
func ProfileEmail(opts Options) func(ctx context.Context, tok *oauth2.Token) (string, error) {
	return func(ctx context.Context, tok *oauth2.Token) (string, error) {
		client, err := newClient(tok.AccessToken, opts)
		if err != nil {
			return "", err
		}

		me, err := client.Me().Get(ctx, nil)
		if err != nil {
			return "", upstream(fmt.Errorf("failed to get profile: %w", err))
		}
		if mail := deref(me.GetMail()); mail != "" {
			return mail, nil
		}
		// accounts without an Exchange mailbox address fall back to the sign-in name
		if upn := deref(me.GetUserPrincipalName()); upn != "" {
			return upn, nil
		}
		return "", fmt.Errorf("profile has no mail address")
	}
}

// normalizeOutlook converts an Outlook message to the canonical row
func normalizeOutlook(m graphmodels.Messageable) models.Message {
	msg := models.Message{
		MessageID: deref(m.GetId()),
		ThreadID:  deref(m.GetConversationId()),
		Subject:   deref(m.GetSubject()),
		Folder:    models.FolderInbox,
	}

	if from := m.GetFrom(); from != nil {
		msg.From = formatRecipient(from)
	}
	msg.To = extractAddresses(m.GetToRecipients())
	msg.Cc = extractAddresses(m.GetCcRecipients())
	msg.Bcc = extractAddresses(m.GetBccRecipients())

	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == graphmodels.HTML_BODYTYPE {
			msg.BodyHTML = content
			msg.BodyText, _ = mailfmt.HTMLToText(content)
		} else {
			msg.BodyText = content
		}
	}
	if msg.BodyText == "" {
		msg.BodyText = deref(m.GetBodyPreview())
	}

	if read := m.GetIsRead(); read != nil {
		msg.IsRead = *read
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == graphmodels.FLAGGED_FOLLOWUPFLAGSTATUS {
			msg.IsStarred = true
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	return msg
}

func formatRecipient(r graphmodels.Recipientable) string {
	ea := r.GetEmailAddress()
	if ea == nil {
		return ""
	}
	addr, name := deref(ea.GetAddress()), deref(ea.GetName())
	if name == "" || name == addr {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []graphmodels.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

func toRecipients(list []string) ([]graphmodels.Recipientable, error) {
	parsed, err := mailfmt.ParseAddresses(list)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	recipients := make([]graphmodels.Recipientable, 0, len(parsed))
	for _, p := range parsed {
		ea := graphmodels.NewEmailAddress()
		addr := p.Address
		ea.SetAddress(&addr)
		if p.Name != "" {
			name := p.Name
			ea.SetName(&name)
		}
		r := graphmodels.NewRecipient()
		r.SetEmailAddress(ea)
		recipients = append(recipients, r)
	}
	return recipients, nil
}

// upstream turns Graph errors into UpstreamError, keeping the OData code and message
func upstream(err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		body := odataErr.Error()
		if main := odataErr.GetErrorEscaped(); main != nil {
			body = fmt.Sprintf("%s: %s", deref(main.GetCode()), deref(main.GetMessage()))
		}
		return &models.UpstreamError{Provider: string(models.ProviderOutlook), Status: odataErr.ResponseStatusCode, Body: body, Err: err}
	}

	var apiErr *abstractions.ApiError
	if errors.As(err, &apiErr) {
		return &models.UpstreamError{Provider: string(models.ProviderOutlook), Status: apiErr.ResponseStatusCode, Body: apiErr.Message, Err: err}
	}
	return err
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

// staticTokenProvider hands an already-issued token to kiota when the Graph
// host is not the public cloud
type staticTokenProvider struct {
	token string
}

func (p *staticTokenProvider) GetAuthorizationToken(ctx context.Context, uri *url.URL, additionalAuthenticationContext map[string]interface{}) (string, error) {
	return p.token, nil
}

func (p *staticTokenProvider) GetAllowedHostsValidator() *authentication.AllowedHostsValidator {
	return &authentication.AllowedHostsValidator{}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
