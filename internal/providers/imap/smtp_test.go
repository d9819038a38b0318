package imap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
)

type smtpBackend struct {
	mu   gosync.Mutex
	from string
	rcpt []string
	data string
	user string
	// tls reports whether the session that received DATA ran over TLS
	tls bool
}

func (b *smtpBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{b: b, conn: c}, nil
}

type smtpSession struct {
	b    *smtpBackend
	conn *smtp.Conn
}

func (s *smtpSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != "username" || password != "password" {
			return errors.New("invalid credentials")
		}
		s.b.mu.Lock()
		s.b.user = username
		s.b.mu.Unlock()
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.rcpt = append(s.b.rcpt, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, isTLS := s.conn.TLSConnectionState()

	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.data = string(data)
	s.b.tls = isTLS
	return nil
}

func (s *smtpSession) Reset()        {}
func (s *smtpSession) Logout() error { return nil }

// startSMTP serves a go-smtp server on a random port. A non-nil tlsConfig
// makes the server offer STARTTLS.
func startSMTP(t *testing.T, acct *models.Account, tlsConfig *tls.Config) *smtpBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	be := &smtpBackend{}
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	s.TLSConfig = tlsConfig
	s.ReadTimeout = 5 * time.Second
	s.WriteTimeout = 5 * time.Second
	go s.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { s.Close() })

	acct.SMTPHost, acct.SMTPPort = hostPort(t, ln.Addr())
	return be
}

// testCertificate borrows the self-signed certificate of an httptest TLS
// server, valid for 127.0.0.1
func testCertificate(t *testing.T) ([]tls.Certificate, *x509.CertPool) {
	t.Helper()
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	return srv.TLS.Certificates, srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
}

func smtpAccount() *models.Account {
	return &models.Account{
		ID:           "acct-imap",
		IMAPHost:     "127.0.0.1",
		IMAPPort:     143,
		IMAPUsername: "username",
		IMAPPassword: "password",
	}
}

var followUp = mailfmt.Outgoing{
	From:    "username@example.org",
	To:      []string{"Bob <bob@example.com>"},
	Cc:      []string{"carol@example.com"},
	Bcc:     []string{"audit@example.org"},
	Subject: "Follow up",
	Body:    "Thanks for the call",
}

func TestSendOverSMTP(t *testing.T) {
	acct := smtpAccount()
	be := startSMTP(t, acct, nil)
	a := newAdapter(t, acct)

	id, err := a.Send(context.Background(), followUp)
	require.NoError(t, err)
	assert.Empty(t, id)

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.False(t, be.tls)
	assert.Equal(t, "username", be.user)
	assert.Equal(t, "username@example.org", be.from)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com", "audit@example.org"}, be.rcpt)
	assert.Contains(t, be.data, "Subject: Follow up")
	assert.Contains(t, be.data, "Thanks for the call")
	assert.False(t, strings.Contains(be.data, "audit@example.org"), "bcc must not appear in headers")
}

func TestSendUpgradesWithSTARTTLS(t *testing.T) {
	certs, roots := testCertificate(t)
	acct := smtpAccount()
	be := startSMTP(t, acct, &tls.Config{Certificates: certs})

	a, err := New(acct, Options{Timeout: 5 * time.Second, TLSConfig: &tls.Config{RootCAs: roots}})
	require.NoError(t, err)

	_, err = a.Send(context.Background(), followUp)
	require.NoError(t, err)

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.True(t, be.tls)
	assert.Equal(t, "username", be.user)
	assert.Contains(t, be.data, "Subject: Follow up")
}

func TestSendSTARTTLSUntrustedCertificate(t *testing.T) {
	certs, _ := testCertificate(t)
	acct := smtpAccount()
	be := startSMTP(t, acct, &tls.Config{Certificates: certs})
	a := newAdapter(t, acct)

	_, err := a.Send(context.Background(), followUp)
	var upstreamErr *models.UpstreamError
	require.True(t, errors.As(err, &upstreamErr), "got %v", err)
	assert.Equal(t, "smtp", upstreamErr.Provider)

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Empty(t, be.data)
}

func TestSendHonoursContext(t *testing.T) {
	acct := smtpAccount()
	startSMTP(t, acct, nil)
	a := newAdapter(t, acct)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Send(ctx, followUp)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendWithoutSMTPServer(t *testing.T) {
	a := newAdapter(t, &models.Account{ID: "acct-imap", IMAPHost: "127.0.0.1", IMAPPort: 143})
	_, err := a.Send(context.Background(), mailfmt.Outgoing{From: "a@example.org", To: []string{"b@example.org"}})
	assert.Error(t, err)
}
