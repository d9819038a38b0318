package mailfmt

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Outgoing is a message to be sent on behalf of an account
type Outgoing struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string
}

// Recipients returns every envelope recipient
func (o Outgoing) Recipients() []string {
	all := make([]string, 0, len(o.To)+len(o.Cc)+len(o.Bcc))
	all = append(all, o.To...)
	all = append(all, o.Cc...)
	return append(all, o.Bcc...)
}

// Compose renders o as an RFC 5322 message. HTML bodies get a plain text
// alternative. The Bcc header is only written when keepBcc is set, for APIs
// (Gmail) that read recipients from the headers instead of an envelope.
func Compose(o Outgoing, date time.Time, keepBcc bool) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(o.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	lists := []struct {
		key   string
		addrs []string
	}{
		{"From", []string{o.From}},
		{"To", o.To},
		{"Cc", o.Cc},
	}
	if keepBcc {
		lists = append(lists, struct {
			key   string
			addrs []string
		}{"Bcc", o.Bcc})
	}
	for _, l := range lists {
		if len(l.addrs) == 0 || (len(l.addrs) == 1 && l.addrs[0] == "") {
			continue
		}
		addrs, err := ParseAddresses(l.addrs)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", l.key, err)
		}
		h.SetAddressList(l.key, addrs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}

	if LooksLikeHTML(o.Body) {
		text, err := HTMLToText(o.Body)
		if err != nil {
			text = o.Body
		}
		if err := writePart(tw, "text/plain", text); err != nil {
			return nil, err
		}
		if err := writePart(tw, "text/html", o.Body); err != nil {
			return nil, err
		}
	} else if err := writePart(tw, "text/plain", o.Body); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

// ParseAddresses parses each entry as an RFC 5322 address ("Name <a@b>" or "a@b")
func ParseAddresses(list []string) ([]*mail.Address, error) {
	addrs := make([]*mail.Address, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		a, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// SplitAddresses splits a comma separated recipient string
func SplitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
