// Package worker runs queued tasks: outbound sends, orphan status retries,
// read receipts and contact profile fetches.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
	"omnigate/internal/observability"
	"omnigate/internal/store"
	"omnigate/internal/tasks"
)

type OrphanRetrier interface {
	RetryOrphan(ctx context.Context, t tasks.OrphanTask) error
}

type ContactStore interface {
	GetAccount(ctx context.Context, id string) (domain.ChannelAccount, error)
	GetContact(ctx context.Context, id string) (domain.ExternalContact, error)
	UpdateContactProfile(ctx context.Context, contactID string, p domain.Profile, now time.Time) error
}

// Router dispatches a task to its handler by name.
type Router struct {
	Sender   *Sender
	Orphans  OrphanRetrier
	Store    ContactStore
	Adapters *channels.Registry
	Opener   channels.Opener
	Log      *slog.Logger
}

func (r *Router) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// Handle runs one task. Undecodable or unknown tasks are dropped; an error
// return asks the queue to redeliver.
func (r *Router) Handle(ctx context.Context, t tasks.Task) error {
	err := r.handle(ctx, t)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.Tasks.WithLabelValues(t.Name, result).Inc()
	return err
}

func (r *Router) handle(ctx context.Context, t tasks.Task) error {
	switch t.Name {
	case tasks.SendMessage:
		var p tasks.SendTask
		if err := r.decode(t, &p); err != nil {
			return nil
		}
		return r.Sender.Process(ctx, p)

	case tasks.OrphanRetry:
		var p tasks.OrphanTask
		if err := r.decode(t, &p); err != nil {
			return nil
		}
		return r.Orphans.RetryOrphan(ctx, p)

	case tasks.MarkRead:
		var p tasks.MarkReadTask
		if err := r.decode(t, &p); err != nil {
			return nil
		}
		return r.markRead(ctx, p)

	case tasks.FetchProfile:
		var p tasks.ProfileTask
		if err := r.decode(t, &p); err != nil {
			return nil
		}
		return r.fetchProfile(ctx, p)
	}
	r.logger().Warn("unknown task dropped", "task", t.Name)
	return nil
}

func (r *Router) decode(t tasks.Task, v any) error {
	if err := t.Decode(v); err != nil {
		r.logger().Error("bad task payload dropped", "task", t.Name, "err", err)
		return err
	}
	return nil
}

func (r *Router) account(ctx context.Context, id string) (channels.Account, channels.Adapter, error) {
	acct, err := r.Store.GetAccount(ctx, id)
	if err != nil {
		return channels.Account{}, nil, fmt.Errorf("load account: %w", err)
	}
	if !acct.Active() {
		return channels.Account{}, nil, domain.ErrAccountDisabled
	}
	adapter, err := r.Adapters.Get(acct.Channel)
	if err != nil {
		return channels.Account{}, nil, err
	}
	opened, err := channels.OpenAccount(r.Opener, acct)
	if err != nil {
		return channels.Account{}, nil, err
	}
	return opened, adapter, nil
}

// markRead is best effort: only transient platform trouble is retried.
func (r *Router) markRead(ctx context.Context, p tasks.MarkReadTask) error {
	acct, adapter, err := r.account(ctx, p.AccountID)
	if err != nil {
		return r.followUpErr("mark read", err)
	}
	rm, ok := adapter.(channels.ReadMarker)
	if !ok {
		return nil
	}
	return r.followUpErr("mark read", rm.MarkRead(ctx, acct, p.ExternalMessageID))
}

func (r *Router) fetchProfile(ctx context.Context, p tasks.ProfileTask) error {
	c, err := r.Store.GetContact(ctx, p.ContactID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Profile.Name != "" {
		return nil
	}
	acct, adapter, err := r.account(ctx, c.AccountID)
	if err != nil {
		return r.followUpErr("fetch profile", err)
	}
	pf, ok := adapter.(channels.ProfileFetcher)
	if !ok {
		return nil
	}
	prof, err := pf.FetchProfile(ctx, acct, c.ExternalID)
	if err != nil {
		return r.followUpErr("fetch profile", err)
	}
	if prof == (domain.Profile{}) {
		return nil
	}
	if err := r.Store.UpdateContactProfile(ctx, c.ID, prof, time.Now().UTC()); err != nil {
		return fmt.Errorf("update contact profile: %w", err)
	}
	r.logger().Info("contact profile fetched", "contact_id", c.ID)
	return nil
}

// followUpErr drops errors a redelivery cannot fix.
func (r *Router) followUpErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.AsRateLimited(err); ok || channels.ShouldRetry(err) || errors.Is(err, store.ErrUnavailable) {
		return err
	}
	r.logger().Warn(op+" skipped", "err", err)
	return nil
}
