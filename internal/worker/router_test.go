package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"omnigate/internal/domain"
	"omnigate/internal/reconciler"
	"omnigate/internal/tasks"
)

func mustTask(t *testing.T, name string, payload any) tasks.Task {
	t.Helper()
	task, err := tasks.New(name, payload)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	return task
}

func TestRouterSendsMessage(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) { okSend(w) })
	h.pending(t, "acc_wa", "msg_1")

	if err := h.router.Handle(context.Background(), mustTask(t, tasks.SendMessage, tasks.SendTask{MessageID: "msg_1"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if m := h.message(t, "msg_1"); m.Status != domain.StatusSent {
		t.Fatalf("expected sent, got %s", m.Status)
	}
}

func TestRouterDropsUnknownAndMalformedTasks(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) { okSend(w) })
	ctx := context.Background()

	if err := h.router.Handle(ctx, tasks.Task{Name: "nope", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unknown task: %v", err)
	}
	if err := h.router.Handle(ctx, tasks.Task{Name: tasks.SendMessage, Payload: json.RawMessage(`{"messageId":`)}); err != nil {
		t.Fatalf("malformed task: %v", err)
	}
	if got := h.calls.Load(); got != 0 {
		t.Fatalf("expected no platform calls, got %d", got)
	}
}

func TestRouterMarksRead(t *testing.T) {
	var body string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/PNID/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	task := mustTask(t, tasks.MarkRead, tasks.MarkReadTask{AccountID: "acc_wa", ExternalMessageID: "wamid.IN1"})
	if err := h.router.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(body, `"status":"read"`) || !strings.Contains(body, `"message_id":"wamid.IN1"`) {
		t.Fatalf("unexpected receipt body %s", body)
	}
}

func TestRouterMarkReadPermanentErrorIsDropped(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid parameter","code":100}}`))
	})
	task := mustTask(t, tasks.MarkRead, tasks.MarkReadTask{AccountID: "acc_wa", ExternalMessageID: "wamid.IN1"})
	if err := h.router.Handle(context.Background(), task); err != nil {
		t.Fatalf("permanent receipt failure should not be redelivered, got %v", err)
	}
}

func TestRouterFetchesProfile(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/24000011" || r.URL.Query().Get("fields") != "first_name,last_name,locale" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"first_name":"Grace","last_name":"Hopper","locale":"en_US"}`))
	})
	ctx := context.Background()
	c := domain.ExternalContact{ID: "ctc_1", AccountID: "acc_fb", Channel: domain.ChannelFacebook, ExternalID: "24000011", CreatedAt: base, UpdatedAt: base}
	if err := h.st.InsertContact(ctx, c); err != nil {
		t.Fatalf("insert contact: %v", err)
	}

	if err := h.router.Handle(ctx, mustTask(t, tasks.FetchProfile, tasks.ProfileTask{ContactID: "ctc_1"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, err := h.st.GetContact(ctx, "ctc_1")
	if err != nil {
		t.Fatalf("get contact: %v", err)
	}
	if got.Profile.Name != "Grace Hopper" || got.Profile.Locale != "en_US" {
		t.Fatalf("unexpected profile %+v", got.Profile)
	}

	// a named contact is not fetched again
	if err := h.router.Handle(ctx, mustTask(t, tasks.FetchProfile, tasks.ProfileTask{ContactID: "ctc_1"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls := h.calls.Load(); calls != 1 {
		t.Fatalf("expected one profile call, got %d", calls)
	}
}

func TestRouterRetriesOrphan(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) { okSend(w) })
	ctx := context.Background()

	rc := h.router.Orphans.(*reconciler.Reconciler)
	if res, err := rc.ApplyStatus(ctx, "acc_wa", "wamid.OUT1", domain.StatusRead, base, ""); err != nil || res.Outcome != reconciler.Orphaned {
		t.Fatalf("expected orphan, got %+v %v", res, err)
	}
	retries := h.tasks.Named(tasks.OrphanRetry)
	if len(retries) != 1 {
		t.Fatalf("expected an orphan retry task, got %d", len(retries))
	}

	sent := base
	m := domain.Message{
		ID: "msg_1", AccountID: "acc_wa", ThreadID: "thr_1", Direction: domain.Outbound,
		Content: domain.Content{Type: "text", Text: "hi"}, ExternalID: "wamid.OUT1",
		IdempotencyKey: "k1", Status: domain.StatusSent, SentAt: &sent, CreatedAt: base, UpdatedAt: base,
	}
	if err := h.st.InsertMessage(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := h.router.Handle(ctx, retries[0].Task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := h.message(t, "msg_1"); got.Status != domain.StatusRead {
		t.Fatalf("expected read, got %s", got.Status)
	}
}
