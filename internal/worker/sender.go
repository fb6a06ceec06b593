package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
	"omnigate/internal/observability"
	"omnigate/internal/ratelimit"
	"omnigate/internal/store"
	"omnigate/internal/tasks"
)

const defaultMaxDeferrals = 50

type Store interface {
	GetAccount(ctx context.Context, id string) (domain.ChannelAccount, error)
	SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus, reason string, now time.Time) error
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	MarkMessageSent(ctx context.Context, id, externalID string, at time.Time) (bool, error)
	TransitionMessage(ctx context.Context, in store.StatusTransition) (bool, error)
	InsertAttempt(ctx context.Context, in store.SendAttempt) error
}

type OrphanDrainer interface {
	DrainOrphans(ctx context.Context, accountID, externalMessageID string) (int, error)
}

type Notifier interface {
	Notify(ctx context.Context, ev domain.RealtimeEvent) error
}

// Sender delivers pending outbound messages. The per-pod limiter smooths
// bursts; the account Limiter is the budget shared by every replica.
type Sender struct {
	Store     Store
	Adapters  *channels.Registry
	Opener    channels.Opener
	Limiter   ratelimit.Limiter
	Local     *rate.Limiter
	Orphans   OrphanDrainer
	Notifier  Notifier
	Scheduler tasks.Scheduler
	// MaxDeferrals bounds how often one message is pushed back by rate
	// limiting before it is failed.
	MaxDeferrals int
	Log          *slog.Logger
	Now          func() time.Time
}

func (s *Sender) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Sender) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// Process sends one message. A nil return means the task is finished,
// including when the message was failed; an error asks for redelivery.
func (s *Sender) Process(ctx context.Context, t tasks.SendTask) error {
	m, err := s.Store.GetMessage(ctx, t.MessageID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger().Warn("send task for unknown message dropped", "message_id", t.MessageID)
		return nil
	}
	if err != nil {
		return err
	}

	// Idempotent consumer: anything past pending was handled already
	if m.Status != domain.StatusPending || m.Direction != domain.Outbound {
		return nil
	}
	log := s.logger().With("message_id", m.ID, "account_id", m.AccountID)

	acct, err := s.Store.GetAccount(ctx, m.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !acct.Active() {
		observability.Sends.WithLabelValues(string(acct.Channel), "account_disabled").Inc()
		return s.fail(ctx, m, "account_disabled")
	}
	adapter, err := s.Adapters.Get(acct.Channel)
	if err != nil {
		return s.fail(ctx, m, "unsupported_channel")
	}
	account, err := channels.OpenAccount(s.Opener, acct)
	if err != nil {
		log.Error("open account credentials failed", "err", err)
		return s.fail(ctx, m, "credentials_unreadable")
	}

	// 1) Rate limit before calling the platform (per pod)
	if s.Local != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
		err := s.Local.Wait(waitCtx)
		cancelWait()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.deferSend(ctx, m, t, time.Second, "local")
		}
	}

	// 2) Account budget, shared across replicas
	if s.Limiter != nil {
		dec, err := s.Limiter.Allow(ctx, acct)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if !dec.Allowed {
			return s.deferSend(ctx, m, t, dec.Wait, "account")
		}
	}

	// 3) Platform call with retries, every attempt recorded
	var attempts []store.SendAttempt
	callCtx := channels.WithAttemptObserver(ctx, func(n int, err error) {
		attempts = append(attempts, attemptRecord(m, acct.Channel, n, err, s.now()))
	})
	start := time.Now()
	externalID, sendErr := adapter.Send(callCtx, account, m.Recipient, m.Content)
	observability.SendLatency.WithLabelValues(string(acct.Channel)).Observe(time.Since(start).Seconds())

	if sendErr == nil && len(attempts) > 0 {
		attempts[len(attempts)-1].ExternalID = externalID
	}
	for _, a := range attempts {
		if err := s.Store.InsertAttempt(ctx, a); err != nil {
			log.Warn("record send attempt failed", "err", err, "attempt", a.Attempt)
		}
	}

	if sendErr == nil {
		return s.sent(ctx, acct, m, externalID)
	}
	return s.handleSendError(ctx, log, acct, m, t, sendErr)
}

func (s *Sender) sent(ctx context.Context, acct domain.ChannelAccount, m domain.Message, externalID string) error {
	now := s.now()
	ok, err := s.Store.MarkMessageSent(ctx, m.ID, externalID, now)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	observability.Sends.WithLabelValues(string(acct.Channel), "ok").Inc()
	if !ok {
		s.logger().Warn("message left pending before send completed", "message_id", m.ID)
		return nil
	}
	m.Status, m.ExternalID, m.SentAt = domain.StatusSent, externalID, &now
	s.notify(ctx, m)

	// status callbacks may have raced ahead of this write
	if s.Orphans != nil {
		if n, err := s.Orphans.DrainOrphans(ctx, m.AccountID, externalID); err != nil {
			s.logger().Warn("drain orphan statuses failed", "err", err, "message_id", m.ID)
		} else if n > 0 {
			s.logger().Info("orphan statuses applied", "message_id", m.ID, "count", n)
		}
	}
	return nil
}

func (s *Sender) handleSendError(ctx context.Context, log *slog.Logger, acct domain.ChannelAccount, m domain.Message, t tasks.SendTask, err error) error {
	ch := string(acct.Channel)

	if rl, ok := domain.AsRateLimited(err); ok {
		return s.deferSend(ctx, m, t, rl.Wait, rl.Scope)
	}
	// Breaker open: fail fast and let the queue redeliver later
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.Sends.WithLabelValues(ch, "cb_open").Inc()
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, domain.ErrCredentialsRejected) {
		observability.Sends.WithLabelValues(ch, "credentials_rejected").Inc()
		log.Error("platform rejected account credentials", "err", err)
		if serr := s.Store.SetAccountStatus(ctx, acct.ID, domain.AccountError, err.Error(), s.now()); serr != nil {
			log.Error("set account status failed", "err", serr)
		}
		return s.fail(ctx, m, "credentials_rejected")
	}

	var df *domain.DeliveryFailure
	switch {
	case errors.As(err, &df):
		observability.Sends.WithLabelValues(ch, "failed").Inc()
		log.Warn("send failed", "err", err, "code", df.Code)
		return s.fail(ctx, m, failureReason(df))
	case domain.IsValidation(err):
		observability.Sends.WithLabelValues(ch, "invalid").Inc()
		return s.fail(ctx, m, err.Error())
	}
	observability.Sends.WithLabelValues(ch, "error").Inc()
	return err
}

func failureReason(df *domain.DeliveryFailure) string {
	if df.Code != "" && df.Reason != "" {
		return df.Code + ": " + df.Reason
	}
	if df.Reason != "" {
		return df.Reason
	}
	return df.Code
}

// deferSend reschedules the message after wait. Rate limiting never fails
// a message until it has been pushed back MaxDeferrals times.
func (s *Sender) deferSend(ctx context.Context, m domain.Message, t tasks.SendTask, wait time.Duration, scope string) error {
	observability.RateLimited.WithLabelValues(scope).Inc()
	limit := s.MaxDeferrals
	if limit <= 0 {
		limit = defaultMaxDeferrals
	}
	if t.Deferrals >= limit {
		return s.fail(ctx, m, "rate_limited")
	}
	if wait < time.Second {
		wait = time.Second
	}
	next := tasks.SendTask{MessageID: m.ID, Deferrals: t.Deferrals + 1}
	if err := s.Scheduler.Schedule(ctx, tasks.SendMessage, next, s.now().Add(wait)); err != nil {
		return fmt.Errorf("reschedule send: %w", err)
	}
	s.logger().Info("send deferred", "message_id", m.ID, "scope", scope, "wait", wait, "deferrals", next.Deferrals)
	return nil
}

func (s *Sender) fail(ctx context.Context, m domain.Message, reason string) error {
	now := s.now()
	ok, err := s.Store.TransitionMessage(ctx, store.StatusTransition{
		MessageID: m.ID, From: domain.StatusPending, To: domain.StatusFailed, At: now, Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if ok {
		m.Status, m.StatusReason, m.FailedAt = domain.StatusFailed, reason, &now
		s.notify(ctx, m)
	}
	return nil
}

func (s *Sender) notify(ctx context.Context, m domain.Message) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, domain.NewRealtimeEvent(domain.RealtimeMessageStatus, m, s.now())); err != nil {
		s.logger().Warn("realtime notify failed", "message_id", m.ID, "err", err)
	}
}

func attemptRecord(m domain.Message, ch domain.Channel, n int, err error, at time.Time) store.SendAttempt {
	a := store.SendAttempt{MessageID: m.ID, Channel: ch, Attempt: n, At: at}
	if err == nil {
		return a
	}
	a.ErrorMsg = err.Error()
	var ce *channels.CallError
	var te *domain.TransientError
	switch {
	case errors.As(err, &ce):
		a.HTTPStatus, a.ErrorCode = ce.StatusCode, ce.Code
	case errors.As(err, &te):
		a.HTTPStatus = te.StatusCode
	}
	if a.ErrorCode == "" && a.HTTPStatus > 0 {
		a.ErrorCode = "http_" + strconv.Itoa(a.HTTPStatus)
	}
	return a
}
