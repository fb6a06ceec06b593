// Package ingest is the webhook event processor. A delivery is split into
// platform events; each is claimed once per (account, event id), parsed by
// the channel adapter and dispatched to identity resolution or status
// reconciliation. Failures are recorded on the event and never returned to
// the platform: only storage outages fail a delivery.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
	"omnigate/internal/observability"
	"omnigate/internal/reconciler"
	"omnigate/internal/resolver"
	"omnigate/internal/store"
	"omnigate/internal/tasks"
	"omnigate/internal/util"
)

// Delivery is one authenticated webhook body (or one fetched mail) for a
// channel account.
type Delivery struct {
	Channel    domain.Channel `json:"channel"`
	AccountID  string         `json:"accountId"`
	Body       []byte         `json:"body"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

type Report struct {
	Events     int
	Processed  int
	Duplicates int
	Failed     int
	Skipped    int
}

type Store interface {
	GetAccount(ctx context.Context, id string) (domain.ChannelAccount, error)
	ClaimWebhookEvent(ctx context.Context, in store.WebhookEventInsert) (store.Claim, error)
	MarkWebhookEvent(ctx context.Context, accountID, eventID string, status domain.EventStatus, reason string, now time.Time) error
	FindContact(ctx context.Context, accountID string, ch domain.Channel, externalID string) (domain.ExternalContact, error)
	InsertMessage(ctx context.Context, m domain.Message) error
	TouchThread(ctx context.Context, threadID string, at time.Time) error
}

type Resolver interface {
	Resolve(ctx context.Context, acct domain.ChannelAccount, key domain.ContactKey, at time.Time) (resolver.Resolution, error)
	ResolveContact(ctx context.Context, acct domain.ChannelAccount, key domain.ContactKey, at time.Time) (domain.ExternalContact, bool, error)
}

type Reconciler interface {
	ApplyStatus(ctx context.Context, accountID, externalMessageID string, status domain.MessageStatus, at time.Time, reason string) (reconciler.Result, error)
	ApplyWatermark(ctx context.Context, accountID, contactID string, status domain.MessageStatus, until time.Time) (int, error)
}

type Notifier interface {
	Notify(ctx context.Context, ev domain.RealtimeEvent) error
}

type Processor struct {
	Store      Store
	Adapters   *channels.Registry
	Resolver   Resolver
	Reconciler Reconciler
	Notifier   Notifier
	Scheduler  tasks.Scheduler
	// StaleAfter lets a crashed worker's claim be taken over.
	StaleAfter time.Duration
	Log        *slog.Logger
	Now        func() time.Time
}

func (p *Processor) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

func (p *Processor) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

// Ingest processes a delivery inline. It satisfies the same contract as the
// queue producer so the webhook handler and the mail poller can use either.
func (p *Processor) Ingest(ctx context.Context, d Delivery) error {
	_, err := p.Process(ctx, d)
	return err
}

// Process runs every platform event of d through claim, parse, dispatch and
// mark. The returned error is non-nil only when the delivery should be
// retried as a whole.
func (p *Processor) Process(ctx context.Context, d Delivery) (Report, error) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = p.now()
	}
	acct, err := p.Store.GetAccount(ctx, d.AccountID)
	if err != nil {
		return Report{}, fmt.Errorf("load account %s: %w", d.AccountID, err)
	}
	log := p.logger().With("account_id", acct.ID, "channel", acct.Channel)

	adapter, err := p.Adapters.Get(acct.Channel)
	if err != nil {
		return Report{}, err
	}

	events, err := adapter.Envelope(d.Body)
	if err != nil {
		log.Error("webhook envelope rejected", "err", err)
		return p.recordUnsplittable(ctx, acct, d, err)
	}

	var rep Report
	for _, ev := range events {
		rep.Events++
		if ev.AccountRef != "" && ev.AccountRef != acct.ExternalID {
			rep.Skipped++
			log.Warn("event addressed to another account", "event_id", ev.ID, "account_ref", ev.AccountRef)
			continue
		}

		claim, err := p.Store.ClaimWebhookEvent(ctx, store.WebhookEventInsert{
			AccountID:  acct.ID,
			EventID:    ev.ID,
			EventType:  ev.Type,
			Payload:    ev.Payload,
			ReceivedAt: d.ReceivedAt,
			StaleAfter: p.StaleAfter,
		})
		if err != nil {
			return rep, fmt.Errorf("claim event %s: %w", ev.ID, err)
		}
		if !claim.Acquired {
			rep.Duplicates++
			observability.WebhookEvents.WithLabelValues(string(acct.Channel), "duplicate").Inc()
			log.Debug("duplicate webhook event", "event_id", ev.ID, "status", claim.Status, "duplicates", claim.DuplicateCount)
			continue
		}

		status, reason := domain.EventProcessed, ""
		if !acct.Active() {
			status, reason = domain.EventFailed, "account not active"
		} else if ev.Invalid != "" {
			status, reason = domain.EventFailed, ev.Invalid
			log.Error("webhook event malformed", "event_id", ev.ID, "reason", ev.Invalid)
		} else if err := p.dispatch(ctx, acct, adapter, ev); err != nil {
			if isStorageOutage(err) {
				// leave the claim to go stale; the platform or queue redelivers
				return rep, err
			}
			status, reason = domain.EventFailed, err.Error()
			log.Error("webhook event failed", "event_id", ev.ID, "type", ev.Type, "err", err)
		}

		if err := p.Store.MarkWebhookEvent(ctx, acct.ID, ev.ID, status, reason, p.now()); err != nil {
			return rep, fmt.Errorf("mark event %s: %w", ev.ID, err)
		}
		if status == domain.EventProcessed {
			rep.Processed++
		} else {
			rep.Failed++
		}
		observability.WebhookEvents.WithLabelValues(string(acct.Channel), string(status)).Inc()
	}
	return rep, nil
}

// recordUnsplittable stores a body that could not be cut into events as one
// failed event keyed by its digest, so the payload is kept for inspection.
func (p *Processor) recordUnsplittable(ctx context.Context, acct domain.ChannelAccount, d Delivery, cause error) (Report, error) {
	sum := sha256.Sum256(d.Body)
	id := "body:" + hex.EncodeToString(sum[:])
	claim, err := p.Store.ClaimWebhookEvent(ctx, store.WebhookEventInsert{
		AccountID:  acct.ID,
		EventID:    id,
		EventType:  "malformed",
		Payload:    d.Body,
		ReceivedAt: d.ReceivedAt,
		StaleAfter: p.StaleAfter,
	})
	if err != nil {
		return Report{}, fmt.Errorf("claim malformed delivery: %w", err)
	}
	rep := Report{Events: 1}
	if !claim.Acquired {
		rep.Duplicates = 1
		return rep, nil
	}
	if err := p.Store.MarkWebhookEvent(ctx, acct.ID, id, domain.EventFailed, cause.Error(), p.now()); err != nil {
		return rep, fmt.Errorf("mark malformed delivery: %w", err)
	}
	rep.Failed = 1
	observability.WebhookEvents.WithLabelValues(string(acct.Channel), "malformed").Inc()
	return rep, nil
}

func (p *Processor) dispatch(ctx context.Context, acct domain.ChannelAccount, adapter channels.Adapter, ev domain.RawEvent) error {
	ne, err := adapter.ParseInbound(ev)
	if err != nil {
		return err
	}
	switch ne.Kind {
	case domain.KindMessage:
		return p.onMessage(ctx, acct, adapter, ne)
	case domain.KindStatus:
		return p.onStatus(ctx, acct, ne)
	case domain.KindOptIn, domain.KindReferral:
		c, created, err := p.Resolver.ResolveContact(ctx, acct, ne.Sender, p.now())
		if err != nil {
			return err
		}
		p.logger().Info("contact event", "kind", ne.Kind, "subtype", ne.Subtype, "contact_id", c.ID, "new_contact", created)
		p.maybeFetchProfile(ctx, acct, adapter, c, created)
		return nil
	}
	p.logger().Info("unrecognized webhook event discarded", "account_id", acct.ID, "event_id", ev.ID, "subtype", ne.Subtype)
	return nil
}

func (p *Processor) onMessage(ctx context.Context, acct domain.ChannelAccount, adapter channels.Adapter, ne domain.NormalizedEvent) error {
	in := ne.Message
	at := in.Timestamp
	if at.IsZero() {
		at = p.now()
	}
	res, err := p.Resolver.Resolve(ctx, acct, ne.Sender, at)
	if err != nil {
		return err
	}

	now := p.now()
	m := domain.Message{
		ID:             util.NewMessageID(),
		AccountID:      acct.ID,
		ThreadID:       res.Thread.ID,
		Direction:      domain.Inbound,
		Content:        in.Content,
		ExternalID:     in.ExternalID,
		IdempotencyKey: "in:" + in.ExternalID,
		Status:         domain.StatusReceived,
		CreatedAt:      at,
		UpdatedAt:      now,
	}
	stored := true
	if err := p.Store.InsertMessage(ctx, m); err != nil {
		if !errors.Is(err, domain.ErrConstraintConflict) {
			return fmt.Errorf("insert inbound message: %w", err)
		}
		// stored by an earlier attempt that may have stopped before the touch
		stored = false
	}
	if err := p.Store.TouchThread(ctx, res.Thread.ID, at); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if !stored {
		return nil
	}

	if p.Notifier != nil {
		if err := p.Notifier.Notify(ctx, domain.NewRealtimeEvent(domain.RealtimeMessageCreated, m, now)); err != nil {
			p.logger().Warn("realtime notify failed", "message_id", m.ID, "err", err)
		}
	}

	if _, ok := adapter.(channels.ReadMarker); ok && acct.AutoMarkRead {
		p.schedule(ctx, tasks.MarkRead, tasks.MarkReadTask{AccountID: acct.ID, ExternalMessageID: in.ExternalID})
	}
	p.maybeFetchProfile(ctx, acct, adapter, res.Contact, res.NewContact)
	return nil
}

func (p *Processor) maybeFetchProfile(ctx context.Context, acct domain.ChannelAccount, adapter channels.Adapter, c domain.ExternalContact, created bool) {
	if _, ok := adapter.(channels.ProfileFetcher); !ok || !created || c.Profile.Name != "" {
		return
	}
	p.schedule(ctx, tasks.FetchProfile, tasks.ProfileTask{ContactID: c.ID})
}

func (p *Processor) schedule(ctx context.Context, name string, payload any) {
	if p.Scheduler == nil {
		return
	}
	if err := p.Scheduler.Schedule(ctx, name, payload, time.Time{}); err != nil {
		// follow-up work only; the message itself is stored
		p.logger().Warn("schedule task failed", "task", name, "err", err)
	}
}

func (p *Processor) onStatus(ctx context.Context, acct domain.ChannelAccount, ne domain.NormalizedEvent) error {
	for _, up := range ne.Statuses {
		res, err := p.Reconciler.ApplyStatus(ctx, acct.ID, up.ExternalMessageID, up.Status, up.Timestamp, statusReason(up))
		if err != nil {
			return err
		}
		p.logger().Debug("status applied", "external_id", up.ExternalMessageID, "status", up.Status, "outcome", res.Outcome)
	}
	if wm := ne.Watermark; wm != nil {
		c, err := p.Store.FindContact(ctx, acct.ID, acct.Channel, ne.Sender.ExternalID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find contact: %w", err)
		}
		n, err := p.Reconciler.ApplyWatermark(ctx, acct.ID, c.ID, wm.Status, wm.Until)
		if err != nil {
			return err
		}
		p.logger().Debug("watermark applied", "contact_id", c.ID, "status", wm.Status, "moved", n)
	}
	return nil
}

func statusReason(up domain.StatusUpdate) string {
	switch {
	case up.ErrorCode != "" && up.Reason != "":
		return up.ErrorCode + ": " + up.Reason
	case up.Reason != "":
		return up.Reason
	}
	return up.ErrorCode
}

// isStorageOutage separates "the database is down" from errors that belong
// to the event itself.
func isStorageOutage(err error) bool {
	if domain.IsValidation(err) {
		return false
	}
	for _, known := range []error{domain.ErrNotFound, domain.ErrConstraintConflict, domain.ErrInvalidTransition} {
		if errors.Is(err, known) {
			return false
		}
	}
	var df *domain.DeliveryFailure
	if errors.As(err, &df) {
		return false
	}
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
