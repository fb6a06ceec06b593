package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
)

// Transport hands a composed message to a mail server.
type Transport interface {
	Send(ctx context.Context, creds channels.Credentials, from string, to []string, msg []byte) error
}

// SMTPTransport submits over SMTP with STARTTLS when offered, or implicit
// TLS on port 465.
type SMTPTransport struct {
	Dialer net.Dialer
}

func (t *SMTPTransport) Send(ctx context.Context, creds channels.Credentials, from string, to []string, msg []byte) error {
	port := creds.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(creds.SMTPHost, strconv.Itoa(port))

	conn, err := t.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &domain.TransientError{Op: "smtp.dial", Err: err}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	tlsCfg := &tls.Config{ServerName: creds.SMTPHost}
	if port == 465 {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, creds.SMTPHost)
	if err != nil {
		conn.Close()
		return classifySMTP("smtp.greet", err)
	}
	defer c.Close()

	if port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return classifySMTP("smtp.starttls", err)
			}
		}
	}
	if creds.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", creds.Username, creds.Password, creds.SMTPHost)); err != nil {
				return classifySMTP("smtp.auth", err)
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return classifySMTP("smtp.mail", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return classifySMTP("smtp.rcpt", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return classifySMTP("smtp.data", err)
	}
	if _, err := bytes.NewReader(msg).WriteTo(w); err != nil {
		return classifySMTP("smtp.data", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("smtp.data", err)
	}
	return c.Quit()
}

// classifySMTP maps reply codes onto the shared retry classes: 4xx is
// transient, 530/534/535 reject the credentials, other 5xx are permanent.
func classifySMTP(op string, err error) error {
	var te *textproto.Error
	if !errors.As(err, &te) {
		return &domain.TransientError{Op: op, Err: err}
	}
	ce := &channels.CallError{Op: op, Code: strconv.Itoa(te.Code), Message: te.Msg}
	switch {
	case te.Code == 530 || te.Code == 534 || te.Code == 535:
		ce.Kind = channels.KindCredentials
	case te.Code >= 400 && te.Code < 500:
		ce.Kind = channels.KindTransient
	default:
		ce.Kind = channels.KindPermanent
	}
	return ce
}
