package mailfmt

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Parsed is the subset of a MIME message the sync layer stores
type Parsed struct {
	MessageID string
	InReplyTo string
	Subject   string
	From      string
	To        []string
	Cc        []string
	Bcc       []string
	Date      time.Time
	Text      string
	HTML      string
}

// Parse reads a raw RFC 5322 message. Unreadable parts are skipped; when
// only an HTML part exists its text rendering fills Text.
func Parse(r io.Reader) (*Parsed, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer mr.Close()

	p := &Parsed{}
	h := mr.Header
	p.Subject, _ = h.Subject()
	p.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		p.InReplyTo = ids[0]
	}
	if d, err := h.Date(); err == nil {
		p.Date = d
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		p.From = FormatAddress(from[0])
	}
	p.To = addressStrings(h, "To")
	p.Cc = addressStrings(h, "Cc")
	p.Bcc = addressStrings(h, "Bcc")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// keep whatever was read so far
			break
		}

		ih, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ct, "text/html") && p.HTML == "":
			p.HTML = string(body)
		case strings.HasPrefix(ct, "text/plain") && p.Text == "":
			p.Text = string(body)
		}
	}

	if p.Text == "" && p.HTML != "" {
		if text, err := HTMLToText(p.HTML); err == nil {
			p.Text = text
		}
	}
	return p, nil
}

// FormatAddress renders "Name <addr>" or just the address
func FormatAddress(a *mail.Address) string {
	if a == nil {
		return ""
	}
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

func addressStrings(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// AddressList parses a To/Cc style header value into bare addresses. Values
// that are not valid address lists fall back to a comma split.
func AddressList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(v)
	if err != nil {
		return SplitAddresses(v)
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
