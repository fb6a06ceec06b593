package email

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
	"omnigate/internal/ingest"
)

type AccountLister interface {
	ListAccounts(ctx context.Context, ch domain.Channel) ([]domain.ChannelAccount, error)
}

type Ingester interface {
	Ingest(ctx context.Context, d ingest.Delivery) error
}

// Poller fetches unseen mail from every active email account and hands each
// message to the ingest path. A message is flagged seen only after it was
// accepted, so a crash leaves it for the next poll.
type Poller struct {
	Accounts  AccountLister
	Opener    channels.Opener
	Sink      Ingester
	Mailbox   string
	BatchSize int
	Interval  time.Duration
	Log       *slog.Logger
	Now       func() time.Time
}

func (p *Poller) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

func (p *Poller) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		if err := p.PollOnce(ctx); err != nil {
			p.logger().Error("mail poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// PollOnce polls each active account once. Errors on one account do not
// stop the others.
func (p *Poller) PollOnce(ctx context.Context) error {
	accts, err := p.Accounts.ListAccounts(ctx, domain.ChannelEmail)
	if err != nil {
		return err
	}
	for _, a := range accts {
		if !a.Active() {
			continue
		}
		acct, err := channels.OpenAccount(p.Opener, a)
		if err != nil {
			p.logger().Error("open email account", "account", a.ID, "err", err)
			continue
		}
		n, err := p.pollAccount(ctx, acct)
		if err != nil {
			p.logger().Error("poll mailbox", "account", a.ID, "err", err)
			continue
		}
		if n > 0 {
			p.logger().Info("mail fetched", "account", a.ID, "count", n)
		}
	}
	return nil
}

func dial(creds channels.Credentials) (*client.Client, error) {
	port := creds.IMAPPort
	if port == 0 {
		port = 993
	}
	addr := net.JoinHostPort(creds.IMAPHost, strconv.Itoa(port))
	if creds.InsecureIMAP {
		return client.Dial(addr)
	}
	return client.DialTLS(addr, nil)
}

func (p *Poller) pollAccount(ctx context.Context, acct channels.Account) (int, error) {
	c, err := dial(acct.Creds)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer c.Logout()

	if err := c.Login(acct.Creds.Username, acct.Creds.Password); err != nil {
		return 0, fmt.Errorf("login: %w", err)
	}
	mailbox := p.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, false); err != nil {
		return 0, fmt.Errorf("select %s: %w", mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("search: %w", err)
	}
	if len(uids) == 0 {
		return 0, nil
	}
	if p.BatchSize > 0 && len(uids) > p.BatchSize {
		uids = uids[:p.BatchSize]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{section.FetchItem(), imap.FetchUid}, messages)
	}()

	accepted := new(imap.SeqSet)
	count := 0
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		body, err := io.ReadAll(r)
		if err != nil {
			p.logger().Warn("read message body", "account", acct.Meta.ID, "uid", msg.Uid, "err", err)
			continue
		}
		err = p.Sink.Ingest(ctx, ingest.Delivery{
			Channel:    domain.ChannelEmail,
			AccountID:  acct.Meta.ID,
			Body:       body,
			ReceivedAt: p.now(),
		})
		if err != nil {
			p.logger().Error("ingest message", "account", acct.Meta.ID, "uid", msg.Uid, "err", err)
			continue
		}
		accepted.AddNum(msg.Uid)
		count++
	}
	if err := <-done; err != nil {
		return count, fmt.Errorf("fetch: %w", err)
	}

	if count > 0 {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.UidStore(accepted, item, []interface{}{imap.SeenFlag}, nil); err != nil {
			return count, fmt.Errorf("mark seen: %w", err)
		}
	}
	return count, nil
}
