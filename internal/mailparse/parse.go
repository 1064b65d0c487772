// Package mailparse turns raw RFC 5322 messages into the header fields and
// plain text body stored for each message.
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// Parsed holds the fields extracted from a raw message.
type Parsed struct {
	MessageID  string
	Subject    string
	From       model.Address
	Recipients model.Recipients
	Date       time.Time
	Text       string
}

// Parse reads a raw message. The body prefers the first text/plain part
// and falls back to the text of the first text/html part. Attachments are
// skipped. A message whose MIME structure is broken still yields its
// headers and whatever body was readable.
func Parse(raw []byte) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	defer mr.Close()

	p := &Parsed{}
	p.readHeader(&mr.Header)

	var plain, html string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && plain == "":
			plain = string(data)
		case strings.HasPrefix(contentType, "text/html") && html == "":
			html = string(data)
		}
	}

	switch {
	case strings.TrimSpace(plain) != "":
		p.Text = normalizeNewlines(plain)
	case html != "":
		p.Text = HTMLToText(html)
	}
	return p, nil
}

func (p *Parsed) readHeader(h *mail.Header) {
	p.MessageID, _ = h.MessageID()
	if p.MessageID == "" {
		p.MessageID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	if s, err := h.Subject(); err == nil {
		p.Subject = s
	} else {
		p.Subject = h.Get("Subject")
	}
	if d, err := h.Date(); err == nil {
		p.Date = d.UTC()
	}

	from := ParseAddressList(headerText(h, "From"))
	if len(from) > 0 {
		p.From = from[0]
	}
	p.Recipients = model.Recipients{
		To:  ParseAddressList(headerText(h, "To")),
		Cc:  ParseAddressList(headerText(h, "Cc")),
		Bcc: ParseAddressList(headerText(h, "Bcc")),
	}
}

func headerText(h *mail.Header, key string) string {
	if v, err := h.Text(key); err == nil {
		return v
	}
	return h.Get(key)
}

// ParseAddressList parses a header value such as
// `"Ann" <ann@example.com>, bob@example.com`. Entries that do not parse as
// RFC 5322 addresses are kept as bare emails so nothing is silently lost.
func ParseAddressList(value string) []model.Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	addrs, err := mail.ParseAddressList(value)
	if err == nil {
		out := make([]model.Address, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, model.Address{Name: a.Name, Email: strings.ToLower(a.Address)})
		}
		return out
	}

	var out []model.Address
	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if a, err := mail.ParseAddress(raw); err == nil {
			out = append(out, model.Address{Name: a.Name, Email: strings.ToLower(a.Address)})
			continue
		}
		out = append(out, model.Address{Email: strings.Trim(raw, "<>")})
	}
	return out
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
