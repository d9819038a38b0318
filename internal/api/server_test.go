package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/prospaces/mailsync/internal/auth"
	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/oauth"
	"github.com/prospaces/mailsync/internal/store"
	"github.com/prospaces/mailsync/internal/sync"
)

const appURL = "https://crm.example.com/settings/email"

func init() {
	gin.SetMode(gin.TestMode)
}

// tokenVerifier treats the bearer token as the user id
type tokenVerifier struct{}

func (tokenVerifier) UserFromRequest(r *http.Request) (*auth.User, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return nil, auth.ErrUnauthorized
	}
	return &auth.User{ID: token}, nil
}

type fakeFlow struct {
	grant *oauth.Grant
	err   error
	codes []string
}

func (f *fakeFlow) AuthURL(state string, opts ...oauth2.AuthCodeOption) string {
	cfg := &oauth2.Config{ClientID: "client", Endpoint: oauth2.Endpoint{AuthURL: "https://login.example.com/authorize"}}
	return cfg.AuthCodeURL(state, opts...)
}

func (f *fakeFlow) Exchange(ctx context.Context, code string) (*oauth.Grant, error) {
	f.codes = append(f.codes, code)
	if f.err != nil {
		return nil, f.err
	}
	g := *f.grant
	return &g, nil
}

type noRefresh struct{}

func (noRefresh) Ensure(ctx context.Context, acct *models.Account) (*models.Account, error) {
	return acct, nil
}

type stubMail struct{ page *sync.MessagePage }

func (m stubMail) FetchMessages(ctx context.Context, req sync.PageRequest) (*sync.MessagePage, error) {
	p := *m.page
	p.Messages = append([]models.Message(nil), m.page.Messages...)
	return &p, nil
}

type stubCalendar struct{ page *sync.EventPage }

func (c stubCalendar) FetchEvents(ctx context.Context, req sync.PageRequest) (*sync.EventPage, error) {
	p := *c.page
	p.Events = append([]models.Appointment(nil), c.page.Events...)
	return &p, nil
}

type captureSender struct{ sent []mailfmt.Outgoing }

func (s *captureSender) Send(ctx context.Context, out mailfmt.Outgoing) (string, error) {
	s.sent = append(s.sent, out)
	return "", nil
}

type harness struct {
	t       *testing.T
	srv     *Server
	store   *store.Store
	gmail   *fakeFlow
	mail    map[models.Provider]*sync.MessagePage
	sender  *captureSender
	imapErr error
	logs    *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	ctx := context.Background()

	st, err := store.Open(ctx, store.DriverModernc, filepath.Join(t.TempDir(), "crm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertProfile(ctx, "user-1", "org-1"))

	h := &harness{
		t:     t,
		store: st,
		logs:  logs,
		gmail: &fakeFlow{grant: &oauth.Grant{
			AccessToken:  "ya29.access",
			RefreshToken: "1//refresh",
			Expiry:       time.Now().Add(time.Hour),
			Email:        "jane@gmail.com",
		}},
		mail: map[models.Provider]*sync.MessagePage{
			models.ProviderGmail: {Total: 3, Messages: []models.Message{
				{MessageID: "gm-1", Subject: "one", Folder: models.FolderInbox},
				{MessageID: "gm-2", Subject: "two", Folder: models.FolderInbox},
				{MessageID: "gm-3", Subject: "three", Folder: models.FolderInbox},
			}},
			models.ProviderOutlook: {},
			models.ProviderNylas:   {Total: 1, Messages: []models.Message{{MessageID: "ny-1", Folder: models.FolderInbox}}},
		},
		sender: &captureSender{},
	}

	flows := oauth.NewRegistry()
	flows.Register(models.ProviderGmail, h.gmail)
	flows.Register(models.ProviderNylas, &fakeFlow{grant: &oauth.Grant{Email: "jane@corp.com", GrantID: "grant-9", GrantProvider: "microsoft"}})

	svc := sync.NewService(st, noRefresh{}, 50, logger)
	for p, page := range h.mail {
		page := page
		svc.RegisterMail(p, func(ctx context.Context, acct *models.Account) (sync.MailProvider, error) {
			return stubMail{page: page}, nil
		})
	}
	svc.RegisterCalendar(models.ProviderNylas, func(ctx context.Context, acct *models.Account) (sync.CalendarProvider, error) {
		return stubCalendar{page: &sync.EventPage{Calendars: 2, Total: 1, Events: []models.Appointment{{
			CalendarEventID: "ev-1",
			CalendarID:      "cal-a",
			Title:           "Demo",
			StartTime:       time.Date(2024, 5, 2, 15, 0, 0, 0, time.UTC),
			EndTime:         time.Date(2024, 5, 2, 16, 0, 0, 0, time.UTC),
			Status:          models.StatusScheduled,
		}}}}, nil
	})
	for _, p := range []models.Provider{models.ProviderOutlook, models.ProviderGmail, models.ProviderIMAP} {
		svc.RegisterSender(p, func(ctx context.Context, acct *models.Account) (sync.Sender, error) {
			return h.sender, nil
		})
	}

	h.srv, err = New(Deps{
		AppURL:   appURL,
		Verifier: tokenVerifier{},
		Flows:    flows,
		States:   oauth.NewStates(st, 10*time.Minute, logger),
		Accounts: st,
		Sync:     svc,
		VerifyIMAP: func(ctx context.Context, acct *models.Account) error {
			return h.imapErr
		},
		Logger: logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) do(method, path, user string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(h.t, err)
			rdr = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (h *harness) seed(p models.Provider, user string) *models.Account {
	h.t.Helper()
	acct := &models.Account{
		UserID:         user,
		OrganizationID: "org-1",
		Provider:       p,
		Email:          fmt.Sprintf("%s@%s.example.com", user, p),
		AccessToken:    "access",
		TokenExpiry:    time.Now().Add(time.Hour),
	}
	require.NoError(h.t, h.store.UpsertAccount(context.Background(), acct))
	return acct
}

func redirectQuery(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "crm.example.com", loc.Host)
	assert.Equal(t, "/settings/email", loc.Path)
	return loc.Query()
}

func TestGmailOAuthRoundTrip(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/gmail-oauth-init", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	state := body["state"].(string)
	assert.Len(t, state, 43)
	assert.Contains(t, body["authUrl"], "state="+state)

	rec = h.do(http.MethodGet, "/gmail-oauth-callback?code=auth-code&state="+state, "", nil)
	q := redirectQuery(t, rec)
	assert.Equal(t, "gmail", q.Get("oauth_success"))
	assert.Equal(t, "jane@gmail.com", q.Get("email"))
	assert.Equal(t, []string{"auth-code"}, h.gmail.codes)

	accounts, err := h.store.ListConnectedAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "user-1", accounts[0].UserID)
	assert.Equal(t, "org-1", accounts[0].OrganizationID)
	assert.Equal(t, models.ProviderGmail, accounts[0].Provider)
	assert.Equal(t, "1//refresh", accounts[0].RefreshToken)

	// the state is single use
	rec = h.do(http.MethodGet, "/gmail-oauth-callback?code=auth-code&state="+state, "", nil)
	q = redirectQuery(t, rec)
	assert.Equal(t, "Invalid or expired OAuth state", q.Get("oauth_error"))
	assert.Len(t, h.gmail.codes, 1)
}

func TestCallbackProviderDenied(t *testing.T) {
	h := newHarness(t)
	state := decode(t, h.do(http.MethodPost, "/gmail-oauth-init", "user-1", nil))["state"].(string)

	rec := h.do(http.MethodGet, "/gmail-oauth-callback?error=access_denied&state="+state, "", nil)
	q := redirectQuery(t, rec)
	assert.Contains(t, q.Get("oauth_error"), "access_denied")
	assert.Empty(t, h.gmail.codes)

	// denial still consumed the state
	rec = h.do(http.MethodGet, "/gmail-oauth-callback?code=x&state="+state, "", nil)
	assert.Equal(t, "Invalid or expired OAuth state", redirectQuery(t, rec).Get("oauth_error"))
}

func TestCallbackUpstreamFailure(t *testing.T) {
	h := newHarness(t)
	h.gmail.err = &models.UpstreamError{Provider: "gmail", Status: 400, Body: `{"error":"invalid_grant"}`}
	state := decode(t, h.do(http.MethodPost, "/gmail-oauth-init", "user-1", nil))["state"].(string)

	rec := h.do(http.MethodGet, "/gmail-oauth-callback?code=x&state="+state, "", nil)
	q := redirectQuery(t, rec)
	assert.Equal(t, "gmail authorization failed", q.Get("oauth_error"))
	assert.NotContains(t, rec.Header().Get("Location"), "invalid_grant")
}

func TestCallbackHidesInternalErrors(t *testing.T) {
	h := newHarness(t)
	h.gmail.err = errors.New("dial tcp 10.0.3.7:443: connection refused")
	state := decode(t, h.do(http.MethodPost, "/gmail-oauth-init", "user-1", nil))["state"].(string)

	rec := h.do(http.MethodGet, "/gmail-oauth-callback?code=x&state="+state, "", nil)
	assert.Equal(t, "Authorization failed", redirectQuery(t, rec).Get("oauth_error"))
	assert.NotContains(t, rec.Header().Get("Location"), "10.0.3.7")
	assert.Contains(t, h.logs.String(), "10.0.3.7", "detail is logged server side")
}

func TestCallbackWrongProviderState(t *testing.T) {
	h := newHarness(t)
	state := decode(t, h.do(http.MethodPost, "/gmail-oauth-init", "user-1", nil))["state"].(string)

	rec := h.do(http.MethodGet, "/nylas-callback?code=x&state="+state, "", nil)
	assert.Equal(t, "Invalid or expired OAuth state", redirectQuery(t, rec).Get("oauth_error"))
}

func TestNylasConnectAndCallback(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/nylas-connect", "user-1", map[string]string{"provider": "microsoft", "email": "jane@corp.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	authURL, err := url.Parse(body["authUrl"].(string))
	require.NoError(t, err)
	assert.Equal(t, "microsoft", authURL.Query().Get("provider"))
	assert.Equal(t, "jane@corp.com", authURL.Query().Get("login_hint"))

	rec = h.do(http.MethodGet, "/nylas-callback?code=c&state="+authURL.Query().Get("state"), "", nil)
	assert.Equal(t, "nylas", redirectQuery(t, rec).Get("oauth_success"))

	accounts, err := h.store.ListConnectedAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "grant-9", accounts[0].NylasGrantID)
	assert.Equal(t, "microsoft", accounts[0].NylasProvider)
}

func TestNylasConnectOptionalBody(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name     string
		body     io.Reader
		provider string
		status   int
	}{
		{name: "no body", status: http.StatusOK},
		{name: "empty chunked body", body: io.MultiReader(), status: http.StatusOK},
		{name: "chunked body", body: io.MultiReader(strings.NewReader(`{"provider":"google"}`)), provider: "google", status: http.StatusOK},
		{name: "malformed", body: strings.NewReader(`{"provider":`), status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/nylas-connect", tc.body)
			req.Header.Set("Authorization", "Bearer user-1")
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.srv.Handler().ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.status != http.StatusOK {
				return
			}
			authURL, err := url.Parse(decode(t, rec)["authUrl"].(string))
			require.NoError(t, err)
			assert.Equal(t, tc.provider, authURL.Query().Get("provider"))
		})
	}
}

func TestInitRequiresBearer(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/gmail-oauth-init", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["error"])
}

func TestInitNotConfigured(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/azure-oauth-init", "user-1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Microsoft OAuth is not configured", decode(t, rec)["error"])
}

func TestGmailSyncExample(t *testing.T) {
	h := newHarness(t)
	acct := h.seed(models.ProviderGmail, "user-1")

	rec := h.do(http.MethodPost, "/gmail-sync", "user-1", map[string]interface{}{"accountId": acct.ID, "maxResults": 5, "query": "is:unread"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]interface{}{"success": true, "synced": float64(3), "total": float64(3)}, decode(t, rec))

	for _, id := range []string{"gm-1", "gm-2", "gm-3"} {
		m, err := h.store.GetMessage(context.Background(), acct.ID, id)
		require.NoError(t, err)
		assert.Equal(t, "user-1", m.UserID)
	}
}

func TestAzureSyncEmptyMailbox(t *testing.T) {
	h := newHarness(t)
	acct := h.seed(models.ProviderOutlook, "user-1")

	rec := h.do(http.MethodPost, "/azure-sync-emails", "user-1", map[string]interface{}{"accountId": acct.ID, "limit": 50})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]interface{}{"success": true, "syncedCount": float64(0)}, decode(t, rec))
}

func TestSyncRejects(t *testing.T) {
	h := newHarness(t)
	gmailAcct := h.seed(models.ProviderGmail, "user-1")
	otherAcct := h.seed(models.ProviderOutlook, "user-2")

	cases := []struct {
		name   string
		path   string
		user   string
		body   interface{}
		status int
	}{
		{"missing account id", "/azure-sync-emails", "user-1", map[string]interface{}{}, http.StatusBadRequest},
		{"malformed json", "/azure-sync-emails", "user-1", "{", http.StatusBadRequest},
		{"another user's account", "/azure-sync-emails", "user-1", map[string]string{"accountId": otherAcct.ID}, http.StatusNotFound},
		{"unknown account", "/azure-sync-emails", "user-1", map[string]string{"accountId": "nope"}, http.StatusNotFound},
		{"provider mismatch", "/azure-sync-emails", "user-1", map[string]string{"accountId": gmailAcct.ID}, http.StatusBadRequest},
		{"no calendar for provider", "/gmail-sync-calendar", "user-1", map[string]string{"accountId": gmailAcct.ID}, http.StatusBadRequest},
		{"no bearer", "/gmail-sync", "", map[string]string{"accountId": gmailAcct.ID}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, tc.path, tc.user, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestNylasSync(t *testing.T) {
	h := newHarness(t)
	acct := h.seed(models.ProviderNylas, "user-1")

	rec := h.do(http.MethodPost, "/nylas-sync-emails", "user-1", map[string]string{"accountId": acct.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["syncedCount"])
	assert.NotEmpty(t, body["lastSync"])

	rec = h.do(http.MethodPost, "/nylas-sync-calendar", "user-1", map[string]string{"accountId": acct.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["syncedCount"])
	assert.Equal(t, float64(2), body["calendarsCount"])
	assert.NotEmpty(t, body["lastSync"])

	appt, err := h.store.GetAppointment(context.Background(), acct.ID, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "Demo", appt.Title)
}

func TestSendEmail(t *testing.T) {
	h := newHarness(t)
	acct := h.seed(models.ProviderOutlook, "user-1")

	rec := h.do(http.MethodPost, "/azure-send-email", "user-1", map[string]interface{}{
		"accountId": acct.ID,
		"to":        "bob@example.com, carol@example.com",
		"cc":        []string{"dave@example.com"},
		"subject":   "Proposal",
		"body":      "<p>See attached</p>",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	msg := body["message"].(map[string]interface{})
	assert.Equal(t, "sent", msg["folder"])
	assert.Equal(t, acct.Email, msg["from"])
	assert.True(t, strings.HasPrefix(msg["messageId"].(string), "sent-"))

	require.Len(t, h.sender.sent, 1)
	out := h.sender.sent[0]
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, out.To)
	assert.Equal(t, []string{"dave@example.com"}, out.Cc)
	assert.Equal(t, acct.Email, out.From)

	stored, err := h.store.GetMessage(context.Background(), acct.ID, msg["messageId"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.FolderSent, stored.Folder)
}

func TestSendEmailValidation(t *testing.T) {
	h := newHarness(t)
	acct := h.seed(models.ProviderGmail, "user-1")

	for name, body := range map[string]interface{}{
		"no recipients":   map[string]interface{}{"accountId": acct.ID, "subject": "x", "body": "y"},
		"bad recipient":   map[string]interface{}{"accountId": acct.ID, "to": "not an address", "body": "y"},
		"bad type":        map[string]interface{}{"accountId": acct.ID, "to": 42, "body": "y"},
		"empty message":   map[string]interface{}{"accountId": acct.ID, "to": "bob@example.com"},
		"missing account": map[string]interface{}{"to": "bob@example.com", "body": "y"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/gmail-send-email", "user-1", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, h.sender.sent)
}

func TestIMAPConnect(t *testing.T) {
	h := newHarness(t)
	req := map[string]interface{}{
		"email":    "Jane@Example.org",
		"imapHost": "imap.example.org",
		"imapPort": 993,
		"password": "secret",
		"smtpHost": "smtp.example.org",
		"smtpPort": 465,
	}

	rec := h.do(http.MethodPost, "/imap-connect", "user-1", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decode(t, rec)["accountId"].(string)

	acct, err := h.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderIMAP, acct.Provider)
	assert.Equal(t, "jane@example.org", acct.Email)
	assert.Equal(t, "Jane@Example.org", acct.IMAPUsername)
	assert.Equal(t, "org-1", acct.OrganizationID)
	assert.Equal(t, 465, acct.SMTPPort)

	h.imapErr = errors.New("authentication failed")
	rec = h.do(http.MethodPost, "/imap-connect", "user-1", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "IMAP login failed")

	h.imapErr = nil
	delete(req, "smtpPort")
	rec = h.do(http.MethodPost, "/imap-connect", "user-1", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	acct := h.seed(models.ProviderGmail, "user-1")

	rec := h.do(http.MethodPost, "/email-disconnect", "user-2", map[string]string{"accountId": acct.ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/email-disconnect", "user-1", map[string]string{"accountId": acct.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/gmail-sync", "user-1", map[string]string{"accountId": acct.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, sync.ErrDisconnected.Error(), decode(t, rec)["error"])
}

func TestHealthAndCORS(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	req := httptest.NewRequest(http.MethodOptions, "/gmail-sync", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	rr := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://crm.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/gmail-sync", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rr = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("refresh token: %w", oauth.ErrReauthRequired), http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", sync.ErrSyncInProgress), http.StatusConflict},
		{&models.UpstreamError{Provider: "outlook", Status: 503}, http.StatusBadGateway},
		{fmt.Errorf("failed to list messages: %w", &models.UpstreamError{Status: 401}), http.StatusBadGateway},
		{fmt.Errorf("Microsoft OAuth is %w", oauth.ErrNotConfigured), http.StatusInternalServerError},
		{fmt.Errorf("%w: outlook", sync.ErrProviderMismatch), http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestRecipientsUnmarshal(t *testing.T) {
	var r Recipients
	require.NoError(t, json.Unmarshal([]byte(`"a@example.com, b@example.com"`), &r))
	assert.Equal(t, Recipients{"a@example.com", "b@example.com"}, r)

	require.NoError(t, json.Unmarshal([]byte(`[" a@example.com ", ""]`), &r))
	assert.Equal(t, Recipients{"a@example.com"}, r)

	assert.Error(t, json.Unmarshal([]byte(`{"to":"x"}`), &r))
}
