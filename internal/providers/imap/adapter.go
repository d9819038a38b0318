package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/sync"
)

const (
	inbox = "INBOX"
	// implicit TLS ports; anything else starts in plain text and upgrades with STARTTLS when offered
	imapsPort = 993
	smtpsPort = 465
)

// Options configures IMAP and SMTP connections
type Options struct {
	Timeout time.Duration
	// TLSConfig is cloned per connection, ServerName is filled from the host
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

func (o Options) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.TLSConfig != nil {
		cfg = o.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// Adapter implements sync.MailProvider and sync.Sender for a plain IMAP/SMTP mailbox
type Adapter struct {
	acct   *models.Account
	opts   Options
	logger *slog.Logger
}

// New creates an adapter for an IMAP account. No connection is opened until a call needs one.
func New(acct *models.Account, opts Options) (*Adapter, error) {
	if acct.IMAPHost == "" || acct.IMAPPort == 0 {
		return nil, fmt.Errorf("account %s has no IMAP server", acct.ID)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		acct:   acct,
		opts:   opts,
		logger: logger.With("provider", "imap", "account_id", acct.ID),
	}, nil
}

// Verify logs in to the IMAP server once, used before storing credentials
func Verify(ctx context.Context, acct *models.Account, opts Options) error {
	a, err := New(acct, opts)
	if err != nil {
		return err
	}
	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	return c.Logout()
}

func (a *Adapter) connect(ctx context.Context) (*client.Client, error) {
	addr := net.JoinHostPort(a.acct.IMAPHost, strconv.Itoa(a.acct.IMAPPort))
	dialer := &net.Dialer{Timeout: a.opts.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		c   *client.Client
		err error
	)
	if a.acct.IMAPPort == imapsPort {
		c, err = client.DialWithDialerTLS(dialer, addr, a.opts.tlsConfig(a.acct.IMAPHost))
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, upstream(fmt.Errorf("failed to connect to %s: %w", addr, err))
	}
	c.Timeout = a.opts.Timeout

	if a.acct.IMAPPort != imapsPort {
		if ok, _ := c.SupportStartTLS(); ok {
			if err := c.StartTLS(a.opts.tlsConfig(a.acct.IMAPHost)); err != nil {
				_ = c.Logout()
				return nil, upstream(fmt.Errorf("failed to start TLS: %w", err))
			}
		}
	}

	if err := c.Login(a.acct.IMAPUsername, a.acct.IMAPPassword); err != nil {
		_ = c.Logout()
		return nil, upstream(fmt.Errorf("failed to login: %w", err))
	}
	return c, nil
}

// FetchMessages reads INBOX messages with a UID above the cursor, oldest
// first. The cursor is "<uidvalidity>:<last uid>" and always advances to the
// highest UID returned, so the next call picks up only newer mail.
func (a *Adapter) FetchMessages(ctx context.Context, req sync.PageRequest) (*sync.MessagePage, error) {
	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout() //nolint:errcheck

	mbox, err := c.Select(inbox, true)
	if err != nil {
		return nil, upstream(fmt.Errorf("failed to select %s: %w", inbox, err))
	}

	validity, last := parseCursor(req.Cursor)
	if validity != mbox.UidValidity {
		// mailbox was recreated, UIDs from the old cursor mean nothing
		last = 0
	}
	page := &sync.MessagePage{NextCursor: formatCursor(mbox.UidValidity, last)}
	if mbox.Messages == 0 {
		return page, nil
	}

	criteria := goimap.NewSearchCriteria()
	criteria.Uid = new(goimap.SeqSet)
	criteria.Uid.AddRange(last+1, 0)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, upstream(fmt.Errorf("failed to search: %w", err))
	}

	// "n:*" always matches the highest UID, even when it is below n
	pending := uids[:0]
	for _, uid := range uids {
		if uid > last {
			pending = append(pending, uid)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	if req.Limit > 0 && len(pending) > req.Limit {
		pending = pending[:req.Limit]
	}
	if len(pending) == 0 {
		return page, nil
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(pending...)
	// INBOX is selected read-only, so fetching the body does not set the seen flag
	section := &goimap.BodySectionName{}
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchFlags, goimap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *goimap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	maxUID := last
	for msg := range messages {
		page.Total++
		if msg.Uid > maxUID {
			maxUID = msg.Uid
		}
		m, err := a.normalize(msg, section, mbox.UidValidity)
		if err != nil {
			a.logger.Warn("failed to parse message", "uid", msg.Uid, "error", err)
			page.Failed++
			continue
		}
		page.Messages = append(page.Messages, m)
	}
	if err := <-done; err != nil {
		return nil, upstream(fmt.Errorf("failed to fetch: %w", err))
	}

	page.NextCursor = formatCursor(mbox.UidValidity, maxUID)
	return page, nil
}

func (a *Adapter) normalize(msg *goimap.Message, section *goimap.BodySectionName, validity uint32) (models.Message, error) {
	body := msg.GetBody(section)
	if body == nil {
		return models.Message{}, fmt.Errorf("server returned no body")
	}
	parsed, err := mailfmt.Parse(body)
	if err != nil {
		return models.Message{}, err
	}

	m := models.Message{
		MessageID:  fmt.Sprintf("%d.%d", validity, msg.Uid),
		ThreadID:   parsed.InReplyTo,
		Subject:    parsed.Subject,
		From:       parsed.From,
		To:         parsed.To,
		Cc:         parsed.Cc,
		Bcc:        parsed.Bcc,
		BodyText:   parsed.Text,
		BodyHTML:   parsed.HTML,
		Folder:     models.FolderInbox,
		ReceivedAt: parsed.Date,
	}
	if m.ThreadID == "" {
		m.ThreadID = parsed.MessageID
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = msg.InternalDate
	}
	for _, flag := range msg.Flags {
		switch flag {
		case goimap.SeenFlag:
			m.IsRead = true
		case goimap.FlaggedFlag:
			m.IsStarred = true
		}
	}
	return m, nil
}

func parseCursor(cursor string) (validity, uid uint32) {
	v, u, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0
	}
	pv, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0
	}
	pu, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0
	}
	return uint32(pv), uint32(pu)
}

func formatCursor(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

// upstream marks network and protocol failures as provider errors
func upstream(err error) error {
	return &models.UpstreamError{Provider: string(models.ProviderIMAP), Err: err}
}
