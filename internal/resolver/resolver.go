// Package resolver maps an inbound sender onto a contact and its open
// thread. Concurrent first contacts are settled by the store's uniqueness
// constraints: the loser of an insert race re-reads the winner's row.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnigate/internal/domain"
	"omnigate/internal/observability"
	"omnigate/internal/util"
)

const defaultMaxAttempts = 5

type Store interface {
	FindContact(ctx context.Context, accountID string, ch domain.Channel, externalID string) (domain.ExternalContact, error)
	InsertContact(ctx context.Context, c domain.ExternalContact) error
	UpdateContactProfile(ctx context.Context, contactID string, p domain.Profile, now time.Time) error
	FindOpenThread(ctx context.Context, accountID, contactID string) (domain.Thread, error)
	InsertThread(ctx context.Context, t domain.Thread) error
	CloseThread(ctx context.Context, threadID string, now time.Time) (bool, error)
}

type Resolution struct {
	Contact    domain.ExternalContact
	Thread     domain.Thread
	NewContact bool
	NewThread  bool
}

type Resolver struct {
	Store Store
	// IdleTimeout closes an open thread whose last activity is older than
	// this before a new message attaches. Zero keeps threads open.
	IdleTimeout time.Duration
	MaxAttempts int
	Log         *slog.Logger
	Now         func() time.Time
}

func New(s Store, idle time.Duration, log *slog.Logger) *Resolver {
	return &Resolver{Store: s, IdleTimeout: idle, MaxAttempts: defaultMaxAttempts, Log: log, Now: time.Now}
}

func (r *Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r *Resolver) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

func (r *Resolver) attempts() int {
	if r.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return r.MaxAttempts
}

// ResolveContact returns the contact for key, creating it on first contact.
// The bool reports whether it was created by this call.
func (r *Resolver) ResolveContact(ctx context.Context, acct domain.ChannelAccount, key domain.ContactKey, at time.Time) (domain.ExternalContact, bool, error) {
	if key.ExternalID == "" {
		return domain.ExternalContact{}, false, domain.NewValidationError("sender", "missing external id")
	}
	for i := 0; i < r.attempts(); i++ {
		c, err := r.Store.FindContact(ctx, acct.ID, acct.Channel, key.ExternalID)
		if err == nil {
			return r.refreshProfile(ctx, c, key.Profile)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.ExternalContact{}, false, fmt.Errorf("find contact: %w", err)
		}

		now := r.now()
		c = domain.ExternalContact{
			ID:         util.NewID(util.PrefixContact),
			AccountID:  acct.ID,
			Channel:    acct.Channel,
			ExternalID: key.ExternalID,
			Profile:    key.Profile,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		err = r.Store.InsertContact(ctx, c)
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, domain.ErrConstraintConflict) {
			return domain.ExternalContact{}, false, fmt.Errorf("insert contact: %w", err)
		}
		observability.ThreadConflicts.Inc()
	}
	return domain.ExternalContact{}, false, fmt.Errorf("resolve contact %s: %w", key.ExternalID, domain.ErrConstraintConflict)
}

// refreshProfile fills profile fields the stored contact lacks. Names an
// agent or a profile fetch already set are kept.
func (r *Resolver) refreshProfile(ctx context.Context, c domain.ExternalContact, p domain.Profile) (domain.ExternalContact, bool, error) {
	upd := domain.Profile{}
	if c.Profile.Name == "" && p.Name != "" {
		upd.Name = p.Name
	}
	if c.Profile.Locale == "" && p.Locale != "" {
		upd.Locale = p.Locale
	}
	if upd == (domain.Profile{}) {
		return c, false, nil
	}
	if err := r.Store.UpdateContactProfile(ctx, c.ID, upd, r.now()); err != nil {
		return domain.ExternalContact{}, false, fmt.Errorf("update contact profile: %w", err)
	}
	if upd.Name != "" {
		c.Profile.Name = upd.Name
	}
	if upd.Locale != "" {
		c.Profile.Locale = upd.Locale
	}
	return c, false, nil
}

// Resolve attaches an inbound event from key to the contact's open thread,
// opening one when none exists.
func (r *Resolver) Resolve(ctx context.Context, acct domain.ChannelAccount, key domain.ContactKey, at time.Time) (Resolution, error) {
	if at.IsZero() {
		at = r.now()
	}
	contact, created, err := r.ResolveContact(ctx, acct, key, at)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{Contact: contact, NewContact: created}

	for i := 0; i < r.attempts(); i++ {
		th, err := r.Store.FindOpenThread(ctx, acct.ID, contact.ID)
		if err == nil {
			if r.idle(th, at) {
				if _, err := r.Store.CloseThread(ctx, th.ID, r.now()); err != nil {
					return Resolution{}, fmt.Errorf("close idle thread: %w", err)
				}
				r.log().Info("idle thread closed", "thread_id", th.ID, "last_activity", th.LastActivityAt)
				continue
			}
			res.Thread = th
			return res, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return Resolution{}, fmt.Errorf("find open thread: %w", err)
		}

		th = domain.Thread{
			ID:             util.NewID(util.PrefixThread),
			AccountID:      acct.ID,
			ContactID:      contact.ID,
			Key:            threadKey(key, contact),
			Status:         domain.ThreadOpen,
			LastActivityAt: at,
			CreatedAt:      r.now(),
		}
		err = r.Store.InsertThread(ctx, th)
		if err == nil {
			res.Thread = th
			res.NewThread = true
			return res, nil
		}
		if !errors.Is(err, domain.ErrConstraintConflict) {
			return Resolution{}, fmt.Errorf("insert thread: %w", err)
		}
		observability.ThreadConflicts.Inc()
	}
	return Resolution{}, fmt.Errorf("resolve thread for %s: %w", contact.ID, domain.ErrConstraintConflict)
}

func (r *Resolver) idle(th domain.Thread, at time.Time) bool {
	return r.IdleTimeout > 0 && at.Sub(th.LastActivityAt) > r.IdleTimeout
}

// threadKey is the email conversation key when the channel has one, and
// the contact id for chat channels.
func threadKey(key domain.ContactKey, c domain.ExternalContact) string {
	if key.ThreadKey != "" {
		return key.ThreadKey
	}
	return c.ID
}
