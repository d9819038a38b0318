package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
)

// Send submits the message over SMTP with the account's IMAP credentials.
// SMTP does not assign ids, the returned id is always empty.
func (a *Adapter) Send(ctx context.Context, out mailfmt.Outgoing) (string, error) {
	if a.acct.SMTPHost == "" || a.acct.SMTPPort == 0 {
		return "", fmt.Errorf("account %s has no SMTP server", a.acct.ID)
	}

	recipients, err := mailfmt.ParseAddresses(out.Recipients())
	if err != nil {
		return "", fmt.Errorf("invalid recipient: %w", err)
	}
	if len(recipients) == 0 {
		return "", fmt.Errorf("no recipients")
	}

	// Bcc stays in the envelope only
	raw, err := mailfmt.Compose(out, time.Now(), false)
	if err != nil {
		return "", err
	}

	c, err := a.dialSMTP(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			c.CommandTimeout = d
			c.SubmissionTimeout = d
		}
	}

	if a.acct.IMAPUsername != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := sasl.NewPlainClient("", a.acct.IMAPUsername, a.acct.IMAPPassword)
			if err := c.Auth(auth); err != nil {
				return "", upstreamSMTP(fmt.Errorf("failed to authenticate: %w", err))
			}
		}
	}

	from, err := mailfmt.ParseAddresses([]string{out.From})
	if err != nil || len(from) == 0 {
		return "", fmt.Errorf("invalid sender %q", out.From)
	}
	if err := c.Mail(from[0].Address, nil); err != nil {
		return "", upstreamSMTP(fmt.Errorf("failed to set sender: %w", err))
	}
	for _, r := range recipients {
		if err := c.Rcpt(r.Address, nil); err != nil {
			return "", upstreamSMTP(fmt.Errorf("failed to set recipient %s: %w", r.Address, err))
		}
	}

	w, err := c.Data()
	if err != nil {
		return "", upstreamSMTP(fmt.Errorf("failed to send data command: %w", err))
	}
	if _, err := bytes.NewReader(raw).WriteTo(w); err != nil {
		return "", upstreamSMTP(fmt.Errorf("failed to write message: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", upstreamSMTP(fmt.Errorf("failed to close data writer: %w", err))
	}

	if err := c.Quit(); err != nil {
		a.logger.Debug("smtp quit failed", "error", err)
	}
	return "", nil
}

func (a *Adapter) dialSMTP(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(a.acct.SMTPHost, strconv.Itoa(a.acct.SMTPPort))
	tlsConfig := a.opts.tlsConfig(a.acct.SMTPHost)

	conn, err := a.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if a.acct.SMTPPort == smtpsPort {
		return smtp.NewClient(tls.Client(conn, tlsConfig)), nil
	}

	c := smtp.NewClient(conn)
	ok, _ := c.Extension("STARTTLS")
	if !ok {
		return c, nil
	}

	// go-smtp only upgrades a fresh connection, so reconnect once STARTTLS is known to be offered
	c.Close()
	conn, err = a.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c, err = smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		return nil, upstreamSMTP(fmt.Errorf("failed to start TLS: %w", err))
	}
	return c, nil
}

func (a *Adapter) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: a.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, upstreamSMTP(fmt.Errorf("failed to connect to %s: %w", addr, err))
	}
	return conn, nil
}

func upstreamSMTP(err error) error {
	ue := &models.UpstreamError{Provider: "smtp", Err: err}
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		ue.Status = se.Code
		ue.Body = se.Message
	}
	return ue
}
