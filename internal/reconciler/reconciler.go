// Package reconciler applies delivery and read receipts to outbound
// messages. Status only moves forward along pending, sent, delivered, read;
// failed is reachable from pending and sent and never left. Receipts for
// messages not stored yet are parked as orphans and matched later.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnigate/internal/domain"
	"omnigate/internal/observability"
	"omnigate/internal/store"
	"omnigate/internal/tasks"
	"omnigate/internal/util"
)

type Store interface {
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	FindMessageByExternalID(ctx context.Context, accountID, externalID string) (domain.Message, error)
	TransitionMessage(ctx context.Context, in store.StatusTransition) (bool, error)
	ListOutboundForContact(ctx context.Context, accountID, contactID string, until time.Time) ([]domain.Message, error)

	InsertOrphan(ctx context.Context, o domain.OrphanStatus) (bool, error)
	GetOrphan(ctx context.Context, id string) (domain.OrphanStatus, error)
	ListOrphans(ctx context.Context, accountID, externalMessageID string) ([]domain.OrphanStatus, error)
	DeleteOrphan(ctx context.Context, id string) error
	BumpOrphan(ctx context.Context, id string) (int, error)
	DeleteExpiredOrphans(ctx context.Context, now time.Time) (int64, error)
}

type Notifier interface {
	Notify(ctx context.Context, ev domain.RealtimeEvent) error
}

type Outcome string

const (
	Applied   Outcome = "applied"
	Unchanged Outcome = "unchanged"
	Rejected  Outcome = "rejected"
	Orphaned  Outcome = "orphaned"
	Ignored   Outcome = "ignored"
)

type Result struct {
	Outcome   Outcome
	MessageID string
	From      domain.MessageStatus
	To        domain.MessageStatus
}

type Config struct {
	OrphanTTL         time.Duration
	OrphanMaxAttempts int
	// OrphanRetryBase is the first orphan retry delay; later ones double.
	OrphanRetryBase time.Duration
	OrphanRetryMax  time.Duration
	// WatermarkSkew widens a read or delivery watermark. Watermarks carry
	// platform time while sent_at is stamped locally once the send call
	// returns, so it trails the platform's own timestamp by up to one send
	// attempt plus clock drift. A message sent locally within the skew after
	// the watermark is counted as covered by it.
	WatermarkSkew time.Duration
}

func DefaultConfig() Config {
	return Config{
		OrphanTTL:         24 * time.Hour,
		OrphanMaxAttempts: 5,
		OrphanRetryBase:   30 * time.Second,
		OrphanRetryMax:    30 * time.Minute,
		WatermarkSkew:     5 * time.Second,
	}
}

type Reconciler struct {
	Store     Store
	Notifier  Notifier
	Scheduler tasks.Scheduler
	Config    Config
	Log       *slog.Logger
	Now       func() time.Time
}

func New(s Store, n Notifier, sch tasks.Scheduler, cfg Config, log *slog.Logger) *Reconciler {
	return &Reconciler{Store: s, Notifier: n, Scheduler: sch, Config: cfg, Log: log, Now: time.Now}
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r *Reconciler) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// ApplyStatus applies one receipt for the message the platform knows as
// externalMessageID. Redelivered and out-of-order receipts are harmless:
// they come back as Unchanged or Rejected.
func (r *Reconciler) ApplyStatus(ctx context.Context, accountID, externalMessageID string, status domain.MessageStatus, at time.Time, reason string) (Result, error) {
	if externalMessageID == "" || !status.Valid() || status == domain.StatusReceived {
		return Result{}, domain.NewValidationError("status", fmt.Sprintf("unusable status %q for %q", status, externalMessageID))
	}
	if at.IsZero() {
		at = r.now()
	}
	m, err := r.Store.FindMessageByExternalID(ctx, accountID, externalMessageID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.park(ctx, accountID, externalMessageID, status, at, reason)
	}
	if err != nil {
		return Result{}, fmt.Errorf("find message: %w", err)
	}
	return r.transition(ctx, m, status, at, reason)
}

func (r *Reconciler) park(ctx context.Context, accountID, externalMessageID string, status domain.MessageStatus, at time.Time, reason string) (Result, error) {
	now := r.now()
	o := domain.OrphanStatus{
		ID:                util.NewID(util.PrefixOrphan),
		AccountID:         accountID,
		ExternalMessageID: externalMessageID,
		Status:            status,
		Reason:            reason,
		OccurredAt:        at,
		ExpiresAt:         now.Add(r.Config.OrphanTTL),
		CreatedAt:         now,
	}
	inserted, err := r.Store.InsertOrphan(ctx, o)
	if err != nil {
		return Result{}, fmt.Errorf("insert orphan: %w", err)
	}
	res := Result{Outcome: Orphaned, To: status}
	if !inserted {
		return res, nil
	}
	observability.Orphans.WithLabelValues("parked").Inc()
	r.log().Info("status parked as orphan", "account_id", accountID, "external_id", externalMessageID, "status", status)
	if err := r.scheduleRetry(ctx, o.ID, 0); err != nil {
		// the orphan is still matched when the send path stores the id
		r.log().Warn("schedule orphan retry failed", "orphan_id", o.ID, "err", err)
	}
	return res, nil
}

func (r *Reconciler) scheduleRetry(ctx context.Context, orphanID string, attempt int) error {
	if r.Scheduler == nil {
		return nil
	}
	return r.Scheduler.Schedule(ctx, tasks.OrphanRetry, tasks.OrphanTask{OrphanID: orphanID}, r.now().Add(r.retryDelay(attempt)))
}

func (r *Reconciler) retryDelay(attempt int) time.Duration {
	d := r.Config.OrphanRetryBase
	if d <= 0 {
		d = 30 * time.Second
	}
	for i := 0; i < attempt && i < 16; i++ {
		d *= 2
	}
	if r.Config.OrphanRetryMax > 0 && d > r.Config.OrphanRetryMax {
		d = r.Config.OrphanRetryMax
	}
	return d
}

// transition moves m to status with a compare-and-set, re-reading the row
// when another worker changed it first.
func (r *Reconciler) transition(ctx context.Context, m domain.Message, to domain.MessageStatus, at time.Time, reason string) (Result, error) {
	if m.Direction != domain.Outbound {
		return Result{Outcome: Ignored, MessageID: m.ID, From: m.Status, To: to}, nil
	}
	for i := 0; i < 3; i++ {
		res := Result{MessageID: m.ID, From: m.Status, To: to}
		switch err := domain.CheckTransition(m.Status, to); {
		case errors.Is(err, domain.ErrStatusUnchanged):
			res.Outcome = Unchanged
			observability.StatusTransitions.WithLabelValues(string(Unchanged)).Inc()
			return res, nil
		case errors.Is(err, domain.ErrInvalidTransition):
			res.Outcome = Rejected
			observability.StatusTransitions.WithLabelValues(string(Rejected)).Inc()
			r.log().Warn("status transition rejected", "message_id", m.ID, "from", m.Status, "to", to)
			return res, nil
		}

		ok, err := r.Store.TransitionMessage(ctx, store.StatusTransition{MessageID: m.ID, From: m.Status, To: to, At: at, Reason: reason})
		if err != nil {
			return Result{}, fmt.Errorf("transition message: %w", err)
		}
		if ok {
			res.Outcome = Applied
			observability.StatusTransitions.WithLabelValues(string(Applied)).Inc()
			m.Status = to
			if reason != "" {
				m.StatusReason = reason
			}
			r.notify(ctx, m, at)
			return res, nil
		}
		if m, err = r.Store.GetMessage(ctx, m.ID); err != nil {
			return Result{}, fmt.Errorf("reload message: %w", err)
		}
	}
	return Result{}, fmt.Errorf("transition %s to %s: %w", m.ID, to, domain.ErrConstraintConflict)
}

func (r *Reconciler) notify(ctx context.Context, m domain.Message, at time.Time) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Notify(ctx, domain.NewRealtimeEvent(domain.RealtimeMessageStatus, m, at)); err != nil {
		r.log().Warn("realtime notify failed", "message_id", m.ID, "err", err)
	}
}

// ApplyWatermark applies status to every outbound message sent to the
// contact up to until, widened by Config.WatermarkSkew. It returns how many
// messages moved.
func (r *Reconciler) ApplyWatermark(ctx context.Context, accountID, contactID string, status domain.MessageStatus, until time.Time) (int, error) {
	msgs, err := r.Store.ListOutboundForContact(ctx, accountID, contactID, until.Add(r.Config.WatermarkSkew))
	if err != nil {
		return 0, fmt.Errorf("list outbound: %w", err)
	}
	n := 0
	for _, m := range msgs {
		if m.Status.Terminal() || domain.CheckTransition(m.Status, status) != nil {
			continue
		}
		res, err := r.transition(ctx, m, status, until, "")
		if err != nil {
			return n, err
		}
		if res.Outcome == Applied {
			n++
		}
	}
	return n, nil
}

// DrainOrphans applies the receipts parked for a message that has just
// been stored with its external id. Receipts are applied oldest first.
func (r *Reconciler) DrainOrphans(ctx context.Context, accountID, externalMessageID string) (int, error) {
	orphans, err := r.Store.ListOrphans(ctx, accountID, externalMessageID)
	if err != nil || len(orphans) == 0 {
		return 0, err
	}
	m, err := r.Store.FindMessageByExternalID(ctx, accountID, externalMessageID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find message: %w", err)
	}

	n := 0
	for _, o := range byRank(orphans) {
		res, err := r.transition(ctx, m, o.Status, o.OccurredAt, o.Reason)
		if err != nil {
			return n, err
		}
		if res.Outcome == Applied {
			m.Status = o.Status
			n++
		}
		if err := r.Store.DeleteOrphan(ctx, o.ID); err != nil {
			return n, fmt.Errorf("delete orphan: %w", err)
		}
		observability.Orphans.WithLabelValues("matched").Inc()
	}
	return n, nil
}

// byRank orders parked receipts so that a delivered and a read that raced
// each other both land, whatever order the platform sent them in.
func byRank(in []domain.OrphanStatus) []domain.OrphanStatus {
	rank := func(s domain.MessageStatus) int {
		switch s {
		case domain.StatusSent:
			return 1
		case domain.StatusDelivered:
			return 2
		case domain.StatusRead:
			return 3
		case domain.StatusFailed:
			return 4
		}
		return 0
	}
	out := append([]domain.OrphanStatus(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rank(out[j].Status) < rank(out[j-1].Status); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// RetryOrphan handles a status.orphan_retry task: it matches the orphan if
// its message has appeared, reschedules it otherwise and drops it once it
// expired or ran out of attempts.
func (r *Reconciler) RetryOrphan(ctx context.Context, t tasks.OrphanTask) error {
	o, err := r.Store.GetOrphan(ctx, t.OrphanID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get orphan: %w", err)
	}

	if _, err := r.Store.FindMessageByExternalID(ctx, o.AccountID, o.ExternalMessageID); err == nil {
		_, err := r.DrainOrphans(ctx, o.AccountID, o.ExternalMessageID)
		return err
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("find message: %w", err)
	}

	if !r.now().Before(o.ExpiresAt) {
		return r.drop(ctx, o, "expired")
	}
	n, err := r.Store.BumpOrphan(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("bump orphan: %w", err)
	}
	if n >= r.Config.OrphanMaxAttempts {
		return r.drop(ctx, o, "exhausted")
	}
	return r.scheduleRetry(ctx, o.ID, n)
}

func (r *Reconciler) drop(ctx context.Context, o domain.OrphanStatus, why string) error {
	if err := r.Store.DeleteOrphan(ctx, o.ID); err != nil {
		return fmt.Errorf("delete orphan: %w", err)
	}
	observability.Orphans.WithLabelValues(why).Inc()
	r.log().Warn("orphan status dropped", "orphan_id", o.ID, "external_id", o.ExternalMessageID, "status", o.Status, "reason", why)
	return nil
}

// ExpireOrphans deletes every orphan past its expiry.
func (r *Reconciler) ExpireOrphans(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.Store.DeleteExpiredOrphans(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.Orphans.WithLabelValues("expired").Add(float64(n))
	}
	return n, nil
}
