package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"omnigate/internal/channels"
	"omnigate/internal/channels/email"
	"omnigate/internal/channels/graph"
	"omnigate/internal/channels/whatsapp"
	"omnigate/internal/domain"
	"omnigate/internal/resolver"
	"omnigate/internal/store/memstore"
	"omnigate/internal/tasks"
	"omnigate/internal/tasks/taskstest"
)

var now = time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

type failingScheduler struct{}

func (failingScheduler) Schedule(ctx context.Context, name string, payload any, notBefore time.Time) error {
	return errors.New("queue unavailable")
}

func newOutbound(t *testing.T) (*Outbound, *memstore.Store, *taskstest.Recorder) {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	for _, a := range []domain.ChannelAccount{
		{ID: "acc_wa", Channel: domain.ChannelWhatsApp, ExternalID: "PNID", Status: domain.AccountActive},
		{ID: "acc_mail", Channel: domain.ChannelEmail, ExternalID: "support@example.com", Status: domain.AccountActive},
		{ID: "acc_off", Channel: domain.ChannelWhatsApp, ExternalID: "PNID_OFF", Status: domain.AccountDisabled},
	} {
		if _, err := st.UpsertAccount(ctx, a); err != nil {
			t.Fatalf("seed account: %v", err)
		}
	}
	caller := channels.NewCaller(channels.DefaultRetryPolicy(), nil, time.Second)
	rec := &taskstest.Recorder{}
	res := resolver.New(st, 0, nil)
	res.Now = func() time.Time { return now }
	svc := &Outbound{
		Store:     st,
		Adapters:  channels.NewRegistry(whatsapp.New(graph.NewClient(nil), caller), email.New(nil, caller)),
		Resolver:  res,
		Scheduler: rec,
		Now:       func() time.Time { return now },
	}
	return svc, st, rec
}

func textRequest(account, to, key string) SendRequest {
	return SendRequest{AccountID: account, Recipient: to, IdempotencyKey: key, Content: domain.Content{Text: "Your order shipped"}}
}

func TestCreateStoresPendingAndSchedulesSend(t *testing.T) {
	svc, st, rec := newOutbound(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, textRequest("acc_wa", "+1 (555) 123-4567", "k1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.Status != domain.StatusPending || resp.Duplicate || resp.ThreadID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	m, err := st.GetMessage(ctx, resp.MessageID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Recipient != "15551234567" || m.Direction != domain.Outbound || m.Content.Type != "text" {
		t.Fatalf("unexpected message %+v", m)
	}

	sends := rec.Named(tasks.SendMessage)
	if len(sends) != 1 {
		t.Fatalf("expected one send task, got %d", len(sends))
	}
	var st1 tasks.SendTask
	if err := sends[0].Task.Decode(&st1); err != nil || st1.MessageID != resp.MessageID {
		t.Fatalf("unexpected task %+v %v", st1, err)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	svc, _, rec := newOutbound(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, textRequest("acc_wa", "15551234567", "same"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := svc.Create(ctx, textRequest("acc_wa", "15551234567", "same"))
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if again.MessageID != first.MessageID || !again.Duplicate {
		t.Fatalf("expected the first message back, got %+v", again)
	}
	if n := len(rec.Named(tasks.SendMessage)); n != 1 {
		t.Fatalf("expected one send task, got %d", n)
	}
}

func TestCreateReusesOpenThread(t *testing.T) {
	svc, _, _ := newOutbound(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, textRequest("acc_wa", "15551234567", "a"))
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := svc.Create(ctx, textRequest("acc_wa", "15551234567", "b"))
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if a.ThreadID != b.ThreadID {
		t.Fatalf("expected one thread, got %s and %s", a.ThreadID, b.ThreadID)
	}

	if _, err := svc.CloseThread(ctx, a.ThreadID); err != nil {
		t.Fatalf("close: %v", err)
	}
	c, err := svc.Create(ctx, textRequest("acc_wa", "15551234567", "c"))
	if err != nil {
		t.Fatalf("create c: %v", err)
	}
	if c.ThreadID == a.ThreadID {
		t.Fatalf("closed thread must not be reused")
	}
}

func TestCreateRejectsInvalidRecipient(t *testing.T) {
	svc, _, rec := newOutbound(t)

	_, err := svc.Create(context.Background(), textRequest("acc_wa", "12-34", "bad"))
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := len(rec.Take()); n != 0 {
		t.Fatalf("invalid recipient scheduled %d tasks", n)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newOutbound(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, SendRequest{AccountID: "acc_wa", Recipient: "15551234567"}); !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("expected missing fields, got %v", err)
	}
	req := textRequest("acc_wa", "15551234567", "empty")
	req.Content.Text = ""
	if _, err := svc.Create(ctx, req); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Create(ctx, textRequest("acc_nope", "15551234567", "x")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateOnDisabledAccountFails(t *testing.T) {
	svc, st, rec := newOutbound(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, textRequest("acc_off", "15551234567", "k"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", resp.Status)
	}
	m, _ := st.GetMessage(ctx, resp.MessageID)
	if m.StatusReason != "account_disabled" {
		t.Fatalf("unexpected reason %q", m.StatusReason)
	}
	if n := len(rec.Take()); n != 0 {
		t.Fatalf("disabled account scheduled %d tasks", n)
	}
}

func TestCreateMarksMessageFailedWhenSchedulingFails(t *testing.T) {
	svc, st, _ := newOutbound(t)
	svc.Scheduler = failingScheduler{}
	ctx := context.Background()

	if _, err := svc.Create(ctx, textRequest("acc_wa", "15551234567", "k")); err == nil {
		t.Fatalf("expected error")
	}
	m, err := st.FindMessageByIdempotencyKey(ctx, "acc_wa", "k")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if m.Status != domain.StatusFailed || m.StatusReason != "enqueue_failed" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestEmailReplyCarriesThreadKey(t *testing.T) {
	svc, st, _ := newOutbound(t)
	ctx := context.Background()

	acct, _ := st.GetAccount(ctx, "acc_mail")
	res, err := svc.Resolver.Resolve(ctx, acct, domain.ContactKey{ExternalID: "ada@example.org", ThreadKey: "thread_0123456789abcdef"}, now)
	if err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	resp, err := svc.Create(ctx, textRequest("acc_mail", "Ada <Ada@Example.org>", "m1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.ThreadID != res.Thread.ID {
		t.Fatalf("expected reply on the mail thread")
	}
	m, _ := st.GetMessage(ctx, resp.MessageID)
	if m.Content.ThreadRef != "thread_0123456789abcdef" || m.Recipient != "ada@example.org" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestCloseThreadTwice(t *testing.T) {
	svc, _, _ := newOutbound(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, textRequest("acc_wa", "15551234567", "k"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		th, err := svc.CloseThread(ctx, resp.ThreadID)
		if err != nil || th.Status != domain.ThreadClosed {
			t.Fatalf("close %d: %+v %v", i, th, err)
		}
	}
	if _, err := svc.CloseThread(ctx, "thr_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRendersVariables(t *testing.T) {
	svc, st, _ := newOutbound(t)
	ctx := context.Background()

	req := textRequest("acc_wa", "15551234567", "vars")
	req.Content.Text = "Hi {name}, order {order} shipped. {unknown}"
	req.Variables = map[string]string{"name": "Ana", "order": "A-17"}
	resp, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := st.GetMessage(ctx, resp.MessageID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Content.Text != "Hi Ana, order A-17 shipped. {unknown}" {
		t.Fatalf("unexpected text %q", m.Content.Text)
	}
}
