package email

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"omnigate/internal/domain"
)

// deliveryStatus is the first recipient block of a message/delivery-status
// part (RFC 3464).
type deliveryStatus struct {
	Action     string
	Status     string
	Diagnostic string
	Recipient  string
}

// parseDSN turns a bounce into a status update for the message it reports
// on. Soft bounces and delays are unrecognized: they move nothing.
func parseDSN(body []byte) (domain.NormalizedEvent, error) {
	mr, err := openMessage(body)
	if err != nil {
		return domain.NormalizedEvent{}, err
	}
	defer mr.Close()

	var (
		ds       *deliveryStatus
		original string
	)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			if message.IsUnknownEncoding(err) {
				continue
			}
			return domain.NormalizedEvent{}, domain.NewValidationError("dsn", err.Error())
		}
		// report parts come back as attachments, text parts as inline
		typed, ok := p.Header.(interface {
			ContentType() (string, map[string]string, error)
		})
		if !ok {
			continue
		}
		switch ct, _, _ := typed.ContentType(); ct {
		case "message/delivery-status":
			if ds == nil {
				ds, err = readDeliveryStatus(p.Body)
				if err != nil {
					return domain.NormalizedEvent{}, domain.NewValidationError("dsn", err.Error())
				}
			}
		case "message/rfc822", "text/rfc822-headers":
			if original == "" {
				original = originalMessageID(p.Body)
			}
		}
	}

	if ds == nil || original == "" {
		return domain.NormalizedEvent{}, domain.NewValidationError("dsn", "report without delivery status or original message id")
	}

	sender := domain.ContactKey{ExternalID: strings.ToLower(ds.Recipient)}
	up := domain.StatusUpdate{ExternalMessageID: original, ErrorCode: ds.Status, Reason: ds.Diagnostic}
	if date, err := mr.Header.Date(); err == nil {
		up.Timestamp = date.UTC()
	}

	switch action := strings.ToLower(ds.Action); {
	case action == "failed" && strings.HasPrefix(ds.Status, "5"):
		up.Status = domain.StatusFailed
		if up.Reason == "" {
			up.Reason = "bounced: " + ds.Status
		}
	case action == "delivered":
		up.Status = domain.StatusDelivered
		up.Reason = ""
	default:
		return domain.NormalizedEvent{Kind: domain.KindUnrecognized, Subtype: "dsn:" + action, Sender: sender}, nil
	}
	return domain.NormalizedEvent{Kind: domain.KindStatus, Subtype: eventDSN, Sender: sender, Statuses: []domain.StatusUpdate{up}}, nil
}

func readDeliveryStatus(r io.Reader) (*deliveryStatus, error) {
	br := bufio.NewReader(r)
	// per-message fields come first
	if _, err := textproto.ReadHeader(br); err != nil {
		return nil, err
	}
	for {
		h, err := textproto.ReadHeader(br)
		if err != nil && h.Len() == 0 {
			return nil, io.ErrUnexpectedEOF
		}
		action := h.Get("Action")
		if action == "" {
			if err != nil {
				return nil, io.ErrUnexpectedEOF
			}
			continue
		}
		return &deliveryStatus{
			Action:     strings.TrimSpace(action),
			Status:     strings.TrimSpace(h.Get("Status")),
			Diagnostic: diagnostic(h.Get("Diagnostic-Code")),
			Recipient:  addressField(h.Get("Final-Recipient")),
		}, nil
	}
}

// diagnostic drops the "smtp;" type prefix.
func diagnostic(v string) string {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[i+1:]
	}
	return strings.TrimSpace(v)
}

// addressField reads "rfc822; user@example.com".
func addressField(v string) string {
	return diagnostic(v)
}

func originalMessageID(r io.Reader) string {
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil && h.Len() == 0 {
		return ""
	}
	mh := mail.Header{Header: message.Header{Header: h}}
	id, err := mh.MessageID()
	if err != nil {
		return ""
	}
	return id
}

// BounceFor builds a minimal delivery status notification. Tests and the
// mock platform use it to exercise the bounce path.
func BounceFor(originalID, recipient, action, status, diag string) []byte {
	var b bytes.Buffer
	b.WriteString("From: MAILER-DAEMON@example.net\r\n")
	b.WriteString("To: support@example.com\r\n")
	b.WriteString("Subject: Delivery Status Notification\r\n")
	b.WriteString("Message-ID: <dsn-" + originalID + ">\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/report; report-type=delivery-status; boundary=\"b1\"\r\n\r\n")
	b.WriteString("--b1\r\nContent-Type: text/plain\r\n\r\nDelivery failed.\r\n")
	b.WriteString("--b1\r\nContent-Type: message/delivery-status\r\n\r\n")
	b.WriteString("Reporting-MTA: dns; mx.example.net\r\n\r\n")
	b.WriteString("Final-Recipient: rfc822; " + recipient + "\r\n")
	b.WriteString("Action: " + action + "\r\n")
	b.WriteString("Status: " + status + "\r\n")
	if diag != "" {
		b.WriteString("Diagnostic-Code: smtp; " + diag + "\r\n")
	}
	b.WriteString("\r\n\r\n--b1\r\nContent-Type: text/rfc822-headers\r\n\r\n")
	b.WriteString("Message-ID: <" + originalID + ">\r\n")
	b.WriteString("Subject: Hello\r\n\r\n\r\n")
	b.WriteString("--b1--\r\n")
	return b.Bytes()
}
