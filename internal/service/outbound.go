// Package service holds the agent-facing operations: creating outbound
// messages, reading them back and closing threads.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
	"omnigate/internal/observability"
	"omnigate/internal/resolver"
	"omnigate/internal/store"
	"omnigate/internal/tasks"
	"omnigate/internal/util"
)

type Store interface {
	GetAccount(ctx context.Context, id string) (domain.ChannelAccount, error)
	FindMessageByIdempotencyKey(ctx context.Context, accountID, key string) (domain.Message, error)
	InsertMessage(ctx context.Context, m domain.Message) error
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	TransitionMessage(ctx context.Context, in store.StatusTransition) (bool, error)
	CloseThread(ctx context.Context, threadID string, now time.Time) (bool, error)
	GetThread(ctx context.Context, id string) (domain.Thread, error)
}

type Resolver interface {
	Resolve(ctx context.Context, acct domain.ChannelAccount, key domain.ContactKey, at time.Time) (resolver.Resolution, error)
}

type SendRequest struct {
	AccountID      string         `json:"accountId"`
	Recipient      string         `json:"recipient"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Content        domain.Content `json:"content"`
	// Variables fill {name} placeholders in the text and subject.
	Variables map[string]string `json:"variables,omitempty"`
}

func (r SendRequest) Validate() error {
	if r.AccountID == "" || r.Recipient == "" || r.IdempotencyKey == "" {
		return domain.ErrMissingFields
	}
	if r.Content.Text == "" && r.Content.MediaRef == "" && r.Content.Template == nil {
		return domain.NewValidationError("content", "message has no text, media or template")
	}
	return nil
}

type CreateResponse struct {
	MessageID string               `json:"messageId"`
	ThreadID  string               `json:"threadId"`
	Status    domain.MessageStatus `json:"status"`
	Duplicate bool                 `json:"duplicate,omitempty"`
}

type Outbound struct {
	Store     Store
	Adapters  *channels.Registry
	Resolver  Resolver
	Scheduler tasks.Scheduler
	Log       *slog.Logger
	Now       func() time.Time
}

func (s *Outbound) now() time.Time {
	if s.Now == nil {
		return util.NowUTC()
	}
	return s.Now().UTC()
}

func (s *Outbound) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// Create stores a pending outbound message on the recipient's open thread
// and schedules its send. A repeated idempotency key returns the message
// created the first time.
func (s *Outbound) Create(ctx context.Context, req SendRequest) (CreateResponse, error) {
	if err := req.Validate(); err != nil {
		return CreateResponse{}, err
	}
	if req.Content.Type == "" {
		req.Content.Type = "text"
	}

	acct, err := s.Store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("load account: %w", err)
	}

	// 1) idempotency
	if m, err := s.Store.FindMessageByIdempotencyKey(ctx, acct.ID, req.IdempotencyKey); err == nil {
		return CreateResponse{MessageID: m.ID, ThreadID: m.ThreadID, Status: m.Status, Duplicate: true}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return CreateResponse{}, err
	}

	// 2) recipient
	adapter, err := s.Adapters.Get(acct.Channel)
	if err != nil {
		return CreateResponse{}, err
	}
	recipient, err := adapter.ValidateRecipient(req.Recipient)
	if err != nil {
		return CreateResponse{}, err
	}

	// 3) thread
	now := s.now()
	res, err := s.Resolver.Resolve(ctx, acct, domain.ContactKey{ExternalID: recipient}, now)
	if err != nil {
		return CreateResponse{}, err
	}
	content := req.Content
	if len(req.Variables) > 0 {
		content.Text = util.RenderTemplate(content.Text, req.Variables)
		content.Subject = util.RenderTemplate(content.Subject, req.Variables)
	}
	if acct.Channel == domain.ChannelEmail && strings.HasPrefix(res.Thread.Key, "thread_") {
		content.ThreadRef = res.Thread.Key
	}

	m := domain.Message{
		ID:             util.NewMessageID(),
		AccountID:      acct.ID,
		ThreadID:       res.Thread.ID,
		Direction:      domain.Outbound,
		Content:        content,
		Recipient:      recipient,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !acct.Active() {
		m.Status, m.StatusReason = domain.StatusFailed, "account_disabled"
		m.FailedAt = &now
	}

	// 4) create message row
	if err := s.Store.InsertMessage(ctx, m); err != nil {
		if errors.Is(err, domain.ErrConstraintConflict) {
			// a concurrent request with the same key won
			if prev, ferr := s.Store.FindMessageByIdempotencyKey(ctx, acct.ID, req.IdempotencyKey); ferr == nil {
				return CreateResponse{MessageID: prev.ID, ThreadID: prev.ThreadID, Status: prev.Status, Duplicate: true}, nil
			}
		}
		return CreateResponse{}, fmt.Errorf("insert message: %w", err)
	}
	if m.Status == domain.StatusFailed {
		observability.Sends.WithLabelValues(string(acct.Channel), "account_disabled").Inc()
		return CreateResponse{MessageID: m.ID, ThreadID: m.ThreadID, Status: m.Status}, nil
	}

	// 5) enqueue
	if err := s.Scheduler.Schedule(ctx, tasks.SendMessage, tasks.SendTask{MessageID: m.ID}, time.Time{}); err != nil {
		observability.Tasks.WithLabelValues(tasks.SendMessage, "enqueue_error").Inc()
		if _, terr := s.Store.TransitionMessage(ctx, store.StatusTransition{
			MessageID: m.ID, From: domain.StatusPending, To: domain.StatusFailed, At: s.now(), Reason: "enqueue_failed",
		}); terr != nil {
			s.logger().Error("mark unscheduled message failed", "err", terr, "message_id", m.ID)
		}
		return CreateResponse{}, fmt.Errorf("schedule send: %w", err)
	}
	observability.Tasks.WithLabelValues(tasks.SendMessage, "enqueued").Inc()

	return CreateResponse{MessageID: m.ID, ThreadID: m.ThreadID, Status: m.Status}, nil
}

func (s *Outbound) Get(ctx context.Context, id string) (domain.Message, error) {
	return s.Store.GetMessage(ctx, id)
}

// CloseThread closes an open thread. The next inbound message from the
// contact opens a new one. Closing a closed thread is not an error.
func (s *Outbound) CloseThread(ctx context.Context, id string) (domain.Thread, error) {
	th, err := s.Store.GetThread(ctx, id)
	if err != nil {
		return domain.Thread{}, err
	}
	if th.Status == domain.ThreadClosed {
		return th, nil
	}
	now := s.now()
	if _, err := s.Store.CloseThread(ctx, id, now); err != nil {
		return domain.Thread{}, fmt.Errorf("close thread: %w", err)
	}
	th.Status = domain.ThreadClosed
	th.ClosedAt = &now
	s.logger().Info("thread closed", "thread_id", id, "account_id", th.AccountID)
	return th, nil
}
