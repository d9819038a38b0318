package nylas

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/prospaces/mailsync/internal/mailfmt"
	"github.com/prospaces/mailsync/internal/models"
	"github.com/prospaces/mailsync/internal/sync"
)

type participant struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status,omitempty"`
}

type message struct {
	ID       string        `json:"id"`
	ThreadID string        `json:"thread_id"`
	Subject  string        `json:"subject"`
	From     []participant `json:"from"`
	To       []participant `json:"to"`
	Cc       []participant `json:"cc"`
	Bcc      []participant `json:"bcc"`
	Body     string        `json:"body"`
	Snippet  string        `json:"snippet"`
	Date     int64         `json:"date"`
	Unread   bool          `json:"unread"`
	Starred  bool          `json:"starred"`
	Folders  []string      `json:"folders"`
}

type folder struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemFolder bool     `json:"system_folder"`
	Attributes   []string `json:"attributes"`
}

// folderAttributes are the IMAP special-use flags Nylas reports for
// Microsoft and IMAP grants
var folderAttributes = map[string]models.Folder{
	`\Sent`:  models.FolderSent,
	`\Trash`: models.FolderTrash,
	`\Junk`:  models.FolderSpam,
}

// FetchMessages reads one page of the grant's mailbox. The cursor is the
// next_cursor of the previous page.
func (c *Client) FetchMessages(ctx context.Context, req sync.PageRequest) (*sync.MessagePage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(req.Limit))
	if req.Cursor != "" {
		q.Set("page_token", req.Cursor)
	}

	var resp listResponse[message]
	if err := c.get(ctx, "messages", q, &resp); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	folders, err := c.resolveFolders(ctx)
	if err != nil {
		return nil, err
	}

	page := &sync.MessagePage{Total: len(resp.Data), NextCursor: resp.NextCursor}
	for _, m := range resp.Data {
		if m.ID == "" {
			c.logger.Warn("skipping message without id", "request_id", resp.RequestID)
			page.Failed++
			continue
		}
		msg := normalizeMessage(m)
		msg.Folder = folderOf(m.Folders, folders)
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// resolveFolders maps the grant's folder ids to canonical folders, once per client.
// Messages name their folders by id, which is opaque for Microsoft and IMAP grants.
func (c *Client) resolveFolders(ctx context.Context) (map[string]models.Folder, error) {
	if c.folders != nil {
		return c.folders, nil
	}

	folders := map[string]models.Folder{}
	q := url.Values{}
	for {
		var resp listResponse[folder]
		if err := c.get(ctx, "folders", q, &resp); err != nil {
			return nil, fmt.Errorf("failed to list folders: %w", err)
		}
		for _, f := range resp.Data {
			if canonical, ok := canonicalFolder(f); ok {
				folders[f.ID] = canonical
			}
		}
		if resp.NextCursor == "" {
			break
		}
		q.Set("page_token", resp.NextCursor)
	}
	c.folders = folders
	return folders, nil
}

func canonicalFolder(f folder) (models.Folder, bool) {
	for _, attr := range f.Attributes {
		if canonical, ok := folderAttributes[attr]; ok {
			return canonical, true
		}
	}
	if f.SystemFolder {
		if canonical := folderByName(f.Name); canonical != models.FolderInbox {
			return canonical, true
		}
	}
	return "", false
}

func normalizeMessage(m message) models.Message {
	msg := models.Message{
		MessageID: m.ID,
		ThreadID:  m.ThreadID,
		Subject:   m.Subject,
		To:        addresses(m.To),
		Cc:        addresses(m.Cc),
		Bcc:       addresses(m.Bcc),
		IsRead:    !m.Unread,
		IsStarred: m.Starred,
	}
	if len(m.From) > 0 {
		msg.From = mailfmt.FormatAddress(&mail.Address{Name: m.From[0].Name, Address: m.From[0].Email})
	}
	if m.Date > 0 {
		msg.ReceivedAt = time.Unix(m.Date, 0).UTC()
	}

	if mailfmt.LooksLikeHTML(m.Body) {
		msg.BodyHTML = m.Body
		msg.BodyText, _ = mailfmt.HTMLToText(m.Body)
	} else {
		msg.BodyText = m.Body
	}
	if msg.BodyText == "" {
		msg.BodyText = m.Snippet
	}
	return msg
}

func addresses(ps []participant) []string {
	var out []string
	for _, p := range ps {
		if p.Email != "" {
			out = append(out, p.Email)
		}
	}
	return out
}

// folderOf resolves a message's folder ids. Google grants use label ids
// such as SENT directly, so an unknown id falls back to a name match.
func folderOf(ids []string, folders map[string]models.Folder) models.Folder {
	for _, id := range ids {
		if f, ok := folders[id]; ok {
			return f
		}
		if f := folderByName(id); f != models.FolderInbox {
			return f
		}
	}
	return models.FolderInbox
}

func folderByName(name string) models.Folder {
	switch strings.ToUpper(name) {
	case "SENT", "SENT ITEMS":
		return models.FolderSent
	case "TRASH", "DELETED ITEMS":
		return models.FolderTrash
	case "SPAM", "JUNK", "JUNK EMAIL":
		return models.FolderSpam
	}
	return models.FolderInbox
}
