// Package email adapts a mailbox: inbound RFC 5322 messages and delivery
// status notifications in, SMTP out.
package email

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
)

const (
	eventMessage = "message"
	eventDSN     = "dsn"

	maxBodyText = 64 << 10
)

type Adapter struct {
	channels.HubVerifier

	Transport Transport
	Caller    *channels.Caller
	Now       func() time.Time
}

func New(t Transport, c *channels.Caller) *Adapter {
	return &Adapter{Transport: t, Caller: c, Now: time.Now}
}

func (a *Adapter) Channel() domain.Channel { return domain.ChannelEmail }

// Envelope treats the body as one raw message. The event id is its
// Message-ID, or a digest of the bytes when it has none.
func (a *Adapter) Envelope(body []byte) ([]domain.RawEvent, error) {
	mr, err := openMessage(body)
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	typ := eventMessage
	if isDSN(mr.Header) {
		typ = eventDSN
	}
	return []domain.RawEvent{{ID: "email:" + messageKey(mr.Header, body), Type: typ, Payload: body}}, nil
}

func openMessage(body []byte) (*mail.Reader, error) {
	mr, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, domain.NewValidationError("body", "invalid message: "+err.Error())
	}
	return mr, nil
}

func messageKey(h mail.Header, body []byte) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func isDSN(h mail.Header) bool {
	ct, params, err := h.ContentType()
	return err == nil && ct == "multipart/report" && strings.EqualFold(params["report-type"], "delivery-status")
}

func (a *Adapter) ParseInbound(ev domain.RawEvent) (domain.NormalizedEvent, error) {
	switch ev.Type {
	case eventMessage:
		return parseMessage(ev.Payload)
	case eventDSN:
		return parseDSN(ev.Payload)
	}
	return domain.NormalizedEvent{Kind: domain.KindUnrecognized, Subtype: ev.Type}, nil
}

func parseMessage(body []byte) (domain.NormalizedEvent, error) {
	mr, err := openMessage(body)
	if err != nil {
		return domain.NormalizedEvent{}, err
	}
	defer mr.Close()

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return domain.NormalizedEvent{}, domain.NewValidationError("from", "missing sender address")
	}
	subject, _ := mr.Header.Subject()
	date, err := mr.Header.Date()
	if err != nil || date.IsZero() {
		date = time.Time{}
	}

	content := domain.Content{Type: "email", Subject: subject}
	var html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return domain.NormalizedEvent{}, domain.NewValidationError("body", err.Error())
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			switch {
			case ct == "text/plain" && content.Text == "":
				content.Text = readText(p.Body)
			case ct == "text/html" && html == "":
				html = readText(p.Body)
			}
		case *mail.AttachmentHeader:
			if content.Filename == "" {
				content.Filename, _ = h.Filename()
				content.MediaMime, _, _ = h.ContentType()
			}
		}
	}
	if content.Text == "" && html != "" {
		content.Text = stripTags(html)
	}

	sender := from[0]
	return domain.NormalizedEvent{
		Kind:    domain.KindMessage,
		Subtype: eventMessage,
		Sender: domain.ContactKey{
			ExternalID: strings.ToLower(sender.Address),
			Profile:    domain.Profile{Name: sender.Name},
			ThreadKey:  ThreadKey(mr.Header.Get("References"), mr.Header.Get("In-Reply-To"), subject),
		},
		Message: &domain.InboundMessage{
			ExternalID: messageKey(mr.Header, body),
			Content:    content,
			Timestamp:  date.UTC(),
		},
	}, nil
}

func readText(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxBodyText))
	return strings.TrimSpace(string(b))
}

var (
	tags       = regexp.MustCompile(`(?s)<[^>]*>`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

func stripTags(html string) string {
	s := tags.ReplaceAllString(html, "")
	return strings.TrimSpace(blankLines.ReplaceAllString(s, "\n\n"))
}

// ValidateRecipient returns the lower-cased bare address.
func (a *Adapter) ValidateRecipient(recipient string) (string, error) {
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return "", domain.NewValidationError("recipient", "invalid email address")
	}
	return strings.ToLower(addr.Address), nil
}

func (a *Adapter) Send(ctx context.Context, acct channels.Account, recipient string, c domain.Content) (string, error) {
	to, err := a.ValidateRecipient(recipient)
	if err != nil {
		return "", err
	}
	if c.Text == "" {
		return "", domain.NewValidationError("content", "empty message")
	}
	from := acct.Creds.FromAddress
	if from == "" {
		from = acct.Meta.ExternalID
	}
	if acct.Creds.SMTPHost == "" {
		return "", &domain.DeliveryFailure{Code: "misconfigured", Reason: "account has no smtp host"}
	}

	msg, msgID, err := a.compose(from, acct.Creds.FromName, to, c)
	if err != nil {
		return "", err
	}
	return channels.Call(ctx, a.Caller, acct.Meta.ID, func(ctx context.Context) (string, error) {
		if err := a.Transport.Send(ctx, acct.Creds, from, []string{to}, msg); err != nil {
			return "", err
		}
		return msgID, nil
	})
}

func (a *Adapter) compose(from, fromName, to string, c domain.Content) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(a.Now())
	h.SetAddressList("From", []*mail.Address{{Name: fromName, Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(c.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("message id: %w", err)
	}
	msgID, err := h.MessageID()
	if err != nil {
		return nil, "", err
	}
	var refs []string
	if c.Payload != "" {
		h.SetMsgIDList("In-Reply-To", []string{c.Payload})
		refs = append(refs, c.Payload)
	}
	if c.ThreadRef != "" {
		refs = append(refs, c.ThreadRef+"@"+domainOf(from))
	}
	if len(refs) > 0 {
		h.SetMsgIDList("References", refs)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(w, c.Text); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), msgID, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}
