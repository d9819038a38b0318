package outlook

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/sync"
)

const firstPage = `{
	"@odata.nextLink": "%s/me/messages?$skiptoken=page2",
	"value": [
		{
			"id": "AAMk-1",
			"conversationId": "conv-1",
			"subject": "Pricing",
			"from": {"emailAddress": {"name": "Bob Smith", "address": "bob@example.com"}},
			"toRecipients": [{"emailAddress": {"address": "jane@contoso.com"}}],
			"ccRecipients": [{"emailAddress": {"address": "sales@contoso.com"}}],
			"body": {"contentType": "html", "content": "<p>Hello <b>Jane</b></p>"},
			"bodyPreview": "Hello Jane",
			"receivedDateTime": "2024-05-01T10:00:00Z",
			"isRead": false,
			"flag": {"flagStatus": "flagged"},
			"parentFolderId": "AAMk-inbox"
		},
		{
			"id": "AAMk-2",
			"subject": "Plain",
			"body": {"contentType": "text", "content": "just text"},
			"receivedDateTime": "2024-05-01T09:00:00Z",
			"isRead": true,
			"parentFolderId": "AAMk-sent"
		}
	]
}`

const secondPage = `{
	"value": [
		{"id": "AAMk-3", "subject": "Older", "bodyPreview": "preview only", "receivedDateTime": "2024-04-30T09:00:00Z", "parentFolderId": "AAMk-deleted"}
	]
}`

type fakeGraph struct {
	t        *testing.T
	srv      *httptest.Server
	sendBody map[string]interface{}
	topParam string
	selected string
	// folderGets counts well-known folder lookups
	folderGets int
	// sentStatus overrides the sentitems response when set
	sentStatus int
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") != "Bearer graph-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken","message":"Access token has expired."}}`))
		return
	}

	switch r.URL.Path {
	case "/me/messages":
		if r.URL.Query().Get("$skiptoken") == "page2" {
			_, _ = io.WriteString(w, secondPage)
			return
		}
		f.topParam = r.URL.Query().Get("$top")
		f.selected = r.URL.Query().Get("$select")
		_, _ = io.WriteString(w, fmt.Sprintf(firstPage, f.srv.URL))
	case "/me/sendMail":
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			require.NoError(f.t, err)
			body = gz
		}
		require.NoError(f.t, json.NewDecoder(body).Decode(&f.sendBody))
		w.WriteHeader(http.StatusAccepted)
	case "/me/events":
		_, _ = io.WriteString(w, `{"value": [
			{"id": "ev-1", "subject": "Kickoff", "bodyPreview": "agenda",
			 "location": {"displayName": "Teams"},
			 "start": {"dateTime": "2024-05-02T15:00:00.0000000", "timeZone": "UTC"},
			 "end": {"dateTime": "2024-05-02T16:00:00.0000000", "timeZone": "UTC"},
			 "isCancelled": false,
			 "attendees": [{"emailAddress": {"name": "Bob", "address": "bob@example.com"}, "status": {"response": "accepted"}}]},
			{"id": "ev-2", "subject": "Cancelled sync", "isCancelled": true,
			 "start": {"dateTime": "2024-05-03T08:00:00", "timeZone": "UTC"},
			 "end": {"dateTime": "2024-05-03T08:30:00", "timeZone": "UTC"}},
			{"id": "ev-3", "subject": "No times"}
		]}`)
	case "/me/mailFolders/sentitems":
		f.folderGets++
		if f.sentStatus != 0 {
			w.WriteHeader(f.sentStatus)
			_, _ = w.Write([]byte(`{"error":{"code":"ErrorAccessDenied","message":"denied"}}`))
			return
		}
		_, _ = io.WriteString(w, `{"id": "AAMk-sent", "displayName": "Sent Items"}`)
	case "/me/mailFolders/deleteditems":
		f.folderGets++
		_, _ = io.WriteString(w, `{"id": "AAMk-deleted", "displayName": "Deleted Items"}`)
	case "/me/mailFolders/junkemail":
		// this mailbox has no junk folder
		f.folderGets++
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"ErrorFolderNotFound","message":"not found"}}`))
	case "/me":
		_, _ = io.WriteString(w, `{"id": "u1", "mail": "jane@contoso.com", "userPrincipalName": "jane@contoso.onmicrosoft.com"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"ResourceNotFound","message":"not found"}}`))
	}
}

func newTestAdapter(t *testing.T, token string) (*Adapter, *fakeGraph) {
	t.Helper()
	f := &fakeGraph{t: t}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)

	a, err := New(context.Background(), &models.Account{ID: "acct-1", AccessToken: token}, Options{
		BaseURL: f.srv.URL,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return a, f
}

func TestFetchMessagesPages(t *testing.T) {
	a, f := newTestAdapter(t, "graph-token")
	ctx := context.Background()

	page, err := a.FetchMessages(ctx, sync.PageRequest{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, "2", f.topParam)
	assert.Contains(t, f.selected, "parentFolderId")
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, f.srv.URL+"/me/messages?$skiptoken=page2", page.NextCursor)
	require.Len(t, page.Messages, 2)

	m := page.Messages[0]
	assert.Equal(t, "AAMk-1", m.MessageID)
	assert.Equal(t, "conv-1", m.ThreadID)
	assert.Equal(t, "Bob Smith <bob@example.com>", m.From)
	assert.Equal(t, []string{"jane@contoso.com"}, m.To)
	assert.Equal(t, []string{"sales@contoso.com"}, m.Cc)
	assert.Equal(t, "<p>Hello <b>Jane</b></p>", m.BodyHTML)
	assert.Equal(t, "Hello Jane", m.BodyText)
	assert.False(t, m.IsRead)
	assert.True(t, m.IsStarred)
	assert.Equal(t, models.FolderInbox, m.Folder)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), m.ReceivedAt.UTC())

	assert.Equal(t, "just text", page.Messages[1].BodyText)
	assert.True(t, page.Messages[1].IsRead)
	assert.Equal(t, models.FolderSent, page.Messages[1].Folder)

	next, err := a.FetchMessages(ctx, sync.PageRequest{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Empty(t, next.NextCursor)
	require.Len(t, next.Messages, 1)
	assert.Equal(t, "preview only", next.Messages[0].BodyText)
	assert.Equal(t, models.FolderTrash, next.Messages[0].Folder)
	assert.Equal(t, 3, f.folderGets, "folders resolve once per adapter")
}

func TestFetchMessagesFolderLookupError(t *testing.T) {
	a, f := newTestAdapter(t, "graph-token")
	f.sentStatus = http.StatusForbidden

	_, err := a.FetchMessages(context.Background(), sync.PageRequest{Limit: 2})
	var upstreamErr *models.UpstreamError
	require.True(t, errors.As(err, &upstreamErr), "got %v", err)
	assert.Equal(t, http.StatusForbidden, upstreamErr.Status)
}

func TestSyncsSentMail(t *testing.T) {
	a, _ := newTestAdapter(t, "graph-token")
	var s sync.Sender = a
	synced, ok := s.(sync.SentMailSyncer)
	require.True(t, ok)
	assert.True(t, synced.SyncsSentMail())
}

func TestFetchMessagesUpstreamError(t *testing.T) {
	a, _ := newTestAdapter(t, "expired-token")

	_, err := a.FetchMessages(context.Background(), sync.PageRequest{Limit: 10})
	var upstreamErr *models.UpstreamError
	require.True(t, errors.As(err, &upstreamErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, upstreamErr.Status)
	assert.Contains(t, upstreamErr.Body, "InvalidAuthenticationToken")
	assert.Equal(t, "outlook", upstreamErr.Provider)
}

func TestSendMail(t *testing.T) {
	a, f := newTestAdapter(t, "graph-token")

	id, err := a.Send(context.Background(), mailfmt.Outgoing{
		From:    "jane@contoso.com",
		To:      []string{"Bob <bob@example.com>"},
		Cc:      []string{"carol@example.com"},
		Subject: "Proposal",
		Body:    "<p>Attached</p>",
	})
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NotNil(t, f.sendBody)
	assert.Equal(t, true, f.sendBody["saveToSentItems"])
	msg := f.sendBody["message"].(map[string]interface{})
	assert.Equal(t, "Proposal", msg["subject"])
	body := msg["body"].(map[string]interface{})
	assert.Equal(t, "html", body["contentType"])

	to := msg["toRecipients"].([]interface{})
	require.Len(t, to, 1)
	addr := to[0].(map[string]interface{})["emailAddress"].(map[string]interface{})
	assert.Equal(t, "bob@example.com", addr["address"])
	assert.Equal(t, "Bob", addr["name"])
	assert.Len(t, msg["ccRecipients"], 1)
}

func TestSendRejectsBadRecipient(t *testing.T) {
	a, f := newTestAdapter(t, "graph-token")

	_, err := a.Send(context.Background(), mailfmt.Outgoing{To: []string{"nope"}, Body: "x"})
	assert.Error(t, err)
	assert.Nil(t, f.sendBody)
}

func TestFetchEvents(t *testing.T) {
	a, _ := newTestAdapter(t, "graph-token")

	page, err := a.FetchEvents(context.Background(), sync.PageRequest{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 1, page.Failed)
	require.Len(t, page.Events, 2)

	ev := page.Events[0]
	assert.Equal(t, "ev-1", ev.CalendarEventID)
	assert.Equal(t, "Kickoff", ev.Title)
	assert.Equal(t, "Teams", ev.Location)
	assert.Equal(t, time.Date(2024, 5, 2, 15, 0, 0, 0, time.UTC), ev.StartTime)
	assert.Equal(t, models.StatusScheduled, ev.Status)
	assert.Equal(t, []models.Attendee{{Email: "bob@example.com", Name: "Bob", Status: "accepted"}}, ev.Attendees)

	assert.Equal(t, models.StatusCancelled, page.Events[1].Status)
}

func TestProfileEmail(t *testing.T) {
	f := &fakeGraph{t: t}
	f.srv = httptest.NewServer(f)
	defer f.srv.Close()

	email, err := ProfileEmail(Options{BaseURL: f.srv.URL})(context.Background(), &oauth2.Token{AccessToken: "graph-token"})
	require.NoError(t, err)
	assert.Equal(t, "jane@contoso.com", email)
}
