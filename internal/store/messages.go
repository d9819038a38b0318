package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/prospaces/mailsync/internal/models"
)

// OutboxEvent is a change notification written in the same transaction as the row it describes
type OutboxEvent struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string // JetStream dedup id
}

type messageRow struct {
	ID             string `db:"id"`
	AccountID      string `db:"account_id"`
	UserID         string `db:"user_id"`
	OrganizationID string `db:"organization_id"`
	MessageID      string `db:"message_id"`
	ThreadID       string `db:"thread_id"`
	Subject        string `db:"subject"`
	FromAddr       string `db:"from_addr"`
	ToAddrs        string `db:"to_addrs"`
	CcAddrs        string `db:"cc_addrs"`
	BccAddrs       string `db:"bcc_addrs"`
	BodyText       string `db:"body_text"`
	BodyHTML       string `db:"body_html"`
	Folder         string `db:"folder"`
	IsRead         bool   `db:"is_read"`
	IsStarred      bool   `db:"is_starred"`
	ReceivedAt     int64  `db:"received_at"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r messageRow) model() *models.Message {
	m := &models.Message{
		ID:             r.ID,
		AccountID:      r.AccountID,
		UserID:         r.UserID,
		OrganizationID: r.OrganizationID,
		MessageID:      r.MessageID,
		ThreadID:       r.ThreadID,
		Subject:        r.Subject,
		From:           r.FromAddr,
		BodyText:       r.BodyText,
		BodyHTML:       r.BodyHTML,
		Folder:         models.Folder(r.Folder),
		IsRead:         r.IsRead,
		IsStarred:      r.IsStarred,
		ReceivedAt:     fromUnix(r.ReceivedAt),
	}
	_ = json.Unmarshal([]byte(r.ToAddrs), &m.To)
	_ = json.Unmarshal([]byte(r.CcAddrs), &m.Cc)
	_ = json.Unmarshal([]byte(r.BccAddrs), &m.Bcc)
	return m
}

// UpsertMessage inserts or updates a message keyed by (account_id, message_id) in one
// statement. When the outbox is enabled, ev is enqueued in the same transaction.
func (s *Store) UpsertMessage(ctx context.Context, m *models.Message, ev *OutboxEvent) error {
	if m.AccountID == "" || m.MessageID == "" {
		return errors.New("message requires account id and provider message id")
	}
	if m.Folder == "" {
		m.Folder = models.FolderInbox
	}

	to, cc, bcc := jsonList(m.To), jsonList(m.Cc), jsonList(m.Bcc)
	now := s.now().Unix()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO emails
			(id, account_id, user_id, organization_id, message_id, thread_id, subject, from_addr,
			 to_addrs, cc_addrs, bcc_addrs, body_text, body_html, folder, is_read, is_starred,
			 received_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, message_id) DO UPDATE SET
				thread_id = excluded.thread_id,
				subject = excluded.subject,
				from_addr = excluded.from_addr,
				to_addrs = excluded.to_addrs,
				cc_addrs = excluded.cc_addrs,
				bcc_addrs = excluded.bcc_addrs,
				body_text = excluded.body_text,
				body_html = excluded.body_html,
				folder = excluded.folder,
				is_read = excluded.is_read,
				is_starred = excluded.is_starred,
				received_at = excluded.received_at,
				updated_at = excluded.updated_at
			RETURNING id
		`, uuid.NewString(), m.AccountID, m.UserID, m.OrganizationID, m.MessageID, m.ThreadID, m.Subject,
			m.From, to, cc, bcc, m.BodyText, m.BodyHTML, string(m.Folder), m.IsRead, m.IsStarred,
			unix(m.ReceivedAt), now, now).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert message: %w", err)
		}
		m.ID = id

		return s.enqueueTx(ctx, tx, ev)
	})
}

// GetMessage returns a message by account and provider message id
func (s *Store) GetMessage(ctx context.Context, accountID, messageID string) (*models.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM emails WHERE account_id = ? AND message_id = ?`, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return row.model(), nil
}

// CountMessages returns the number of stored messages for an account
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails WHERE account_id = ?`, accountID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func jsonList(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}
