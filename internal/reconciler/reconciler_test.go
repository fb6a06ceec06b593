package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"omnigate/internal/domain"
	"omnigate/internal/store/memstore"
	"omnigate/internal/tasks"
	"omnigate/internal/tasks/taskstest"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.RealtimeEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, ev domain.RealtimeEvent) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Reconciler, *memstore.Store, *taskstest.Recorder, *recordingNotifier) {
	t.Helper()
	st := memstore.New()
	rec := &taskstest.Recorder{}
	n := &recordingNotifier{}
	r := New(st, n, rec, DefaultConfig(), nil)
	r.Now = func() time.Time { return base }
	return r, st, rec, n
}

func outbound(t *testing.T, st *memstore.Store, id, ext string, status domain.MessageStatus) domain.Message {
	t.Helper()
	m := domain.Message{
		ID: id, AccountID: "acc_1", ThreadID: "thr_1", Direction: domain.Outbound,
		Content: domain.Content{Type: "text", Text: "hi"}, ExternalID: ext,
		IdempotencyKey: "key-" + id, Status: status, CreatedAt: base, UpdatedAt: base,
	}
	if status != domain.StatusPending {
		sent := base
		m.SentAt = &sent
	}
	if err := st.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	return m
}

func status(t *testing.T, st *memstore.Store, id string) domain.MessageStatus {
	t.Helper()
	m, err := st.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	return m.Status
}

func permutations(in []domain.MessageStatus) [][]domain.MessageStatus {
	if len(in) <= 1 {
		return [][]domain.MessageStatus{in}
	}
	var out [][]domain.MessageStatus
	for i := range in {
		rest := append(append([]domain.MessageStatus(nil), in[:i]...), in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]domain.MessageStatus{in[i]}, p...))
		}
	}
	return out
}

func TestApplyStatusAnyOrderEndsAtMaximum(t *testing.T) {
	for _, seq := range permutations([]domain.MessageStatus{domain.StatusSent, domain.StatusDelivered, domain.StatusRead}) {
		r, st, _, _ := setup(t)
		outbound(t, st, "msg_1", "wamid.1", domain.StatusPending)
		for _, s := range seq {
			// a second copy of each receipt changes nothing
			for i := 0; i < 2; i++ {
				if _, err := r.ApplyStatus(context.Background(), "acc_1", "wamid.1", s, base, ""); err != nil {
					t.Fatalf("%v: apply %s: %v", seq, s, err)
				}
			}
		}
		if got := status(t, st, "msg_1"); got != domain.StatusRead {
			t.Fatalf("%v: final status %s, want read", seq, got)
		}
	}
}

func TestFailedIsStickyAndOnlyFromEarlyStates(t *testing.T) {
	cases := []struct {
		seq  []domain.MessageStatus
		want domain.MessageStatus
	}{
		{[]domain.MessageStatus{domain.StatusFailed, domain.StatusDelivered, domain.StatusRead}, domain.StatusFailed},
		{[]domain.MessageStatus{domain.StatusSent, domain.StatusFailed, domain.StatusRead}, domain.StatusFailed},
		{[]domain.MessageStatus{domain.StatusDelivered, domain.StatusFailed}, domain.StatusDelivered},
		{[]domain.MessageStatus{domain.StatusRead, domain.StatusFailed, domain.StatusDelivered}, domain.StatusRead},
	}
	for _, tc := range cases {
		r, st, _, _ := setup(t)
		outbound(t, st, "msg_1", "wamid.1", domain.StatusPending)
		for _, s := range tc.seq {
			if _, err := r.ApplyStatus(context.Background(), "acc_1", "wamid.1", s, base, "reason"); err != nil {
				t.Fatalf("%v: %v", tc.seq, err)
			}
		}
		if got := status(t, st, "msg_1"); got != tc.want {
			t.Fatalf("%v: final %s, want %s", tc.seq, got, tc.want)
		}
	}
}

func TestApplyStatusOutcomes(t *testing.T) {
	r, st, _, n := setup(t)
	outbound(t, st, "msg_1", "wamid.1", domain.StatusSent)
	ctx := context.Background()

	res, err := r.ApplyStatus(ctx, "acc_1", "wamid.1", domain.StatusRead, base, "")
	if err != nil || res.Outcome != Applied || res.From != domain.StatusSent {
		t.Fatalf("expected applied, got %+v %v", res, err)
	}
	res, _ = r.ApplyStatus(ctx, "acc_1", "wamid.1", domain.StatusDelivered, base, "")
	if res.Outcome != Rejected {
		t.Fatalf("backward move should be rejected, got %+v", res)
	}
	res, _ = r.ApplyStatus(ctx, "acc_1", "wamid.1", domain.StatusRead, base, "")
	if res.Outcome != Unchanged {
		t.Fatalf("repeat should be unchanged, got %+v", res)
	}
	if len(n.events) != 1 || n.events[0].Type != domain.RealtimeMessageStatus || n.events[0].Status != domain.StatusRead {
		t.Fatalf("expected one status push, got %+v", n.events)
	}

	in := domain.Message{ID: "msg_in", AccountID: "acc_1", Direction: domain.Inbound, ExternalID: "wamid.in", IdempotencyKey: "in", Status: domain.StatusReceived}
	_ = st.InsertMessage(ctx, in)
	res, _ = r.ApplyStatus(ctx, "acc_1", "wamid.in", domain.StatusRead, base, "")
	if res.Outcome != Ignored {
		t.Fatalf("inbound messages are not reconciled, got %+v", res)
	}
}

func TestOrphanMatchedAfterMessageIsStored(t *testing.T) {
	r, st, rec, _ := setup(t)
	ctx := context.Background()

	res, err := r.ApplyStatus(ctx, "acc_1", "wamid.late", domain.StatusDelivered, base, "")
	if err != nil || res.Outcome != Orphaned {
		t.Fatalf("expected orphan, got %+v %v", res, err)
	}
	// a redelivered receipt is parked once
	if _, err := r.ApplyStatus(ctx, "acc_1", "wamid.late", domain.StatusDelivered, base, ""); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	scheduled := rec.Take()
	if len(scheduled) != 1 || scheduled[0].Task.Name != tasks.OrphanRetry {
		t.Fatalf("expected one orphan retry, got %+v", scheduled)
	}
	if !scheduled[0].NotBefore.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("unexpected notBefore %s", scheduled[0].NotBefore)
	}

	outbound(t, st, "msg_1", "wamid.late", domain.StatusSent)

	var task tasks.OrphanTask
	if err := scheduled[0].Task.Decode(&task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := r.RetryOrphan(ctx, task); err != nil {
		t.Fatalf("retry orphan: %v", err)
	}
	if got := status(t, st, "msg_1"); got != domain.StatusDelivered {
		t.Fatalf("orphan not applied, status %s", got)
	}
	if left, _ := st.ListOrphans(ctx, "acc_1", "wamid.late"); len(left) != 0 {
		t.Fatalf("orphan should be deleted, %d left", len(left))
	}
	// the task queue may deliver the retry again
	if err := r.RetryOrphan(ctx, task); err != nil {
		t.Fatalf("second retry: %v", err)
	}
}

func TestDrainOrphansAppliesRacedReceipts(t *testing.T) {
	r, st, _, _ := setup(t)
	ctx := context.Background()

	if _, err := r.ApplyStatus(ctx, "acc_1", "wamid.2", domain.StatusRead, base, ""); err != nil {
		t.Fatalf("apply read: %v", err)
	}
	if _, err := r.ApplyStatus(ctx, "acc_1", "wamid.2", domain.StatusDelivered, base.Add(time.Second), ""); err != nil {
		t.Fatalf("apply delivered: %v", err)
	}
	outbound(t, st, "msg_2", "wamid.2", domain.StatusSent)

	n, err := r.DrainOrphans(ctx, "acc_1", "wamid.2")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both receipts applied, got %d", n)
	}
	m, _ := st.GetMessage(ctx, "msg_2")
	if m.Status != domain.StatusRead || m.DeliveredAt == nil || m.ReadAt == nil {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestRetryOrphanGivesUp(t *testing.T) {
	r, st, rec, _ := setup(t)
	r.Config.OrphanMaxAttempts = 2
	ctx := context.Background()

	if _, err := r.ApplyStatus(ctx, "acc_1", "wamid.never", domain.StatusDelivered, base, ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
	orphans, _ := st.ListOrphans(ctx, "acc_1", "wamid.never")
	task := tasks.OrphanTask{OrphanID: orphans[0].ID}
	rec.Take()

	if err := r.RetryOrphan(ctx, task); err != nil {
		t.Fatalf("retry 1: %v", err)
	}
	again := rec.Take()
	if len(again) != 1 || !again[0].NotBefore.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected rescheduling with backoff, got %+v", again)
	}
	if err := r.RetryOrphan(ctx, task); err != nil {
		t.Fatalf("retry 2: %v", err)
	}
	if _, err := st.GetOrphan(ctx, task.OrphanID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("orphan should be dropped, got %v", err)
	}
	if len(rec.Take()) != 0 {
		t.Fatalf("dropped orphan must not be rescheduled")
	}
}

func TestRetryOrphanExpired(t *testing.T) {
	r, st, _, _ := setup(t)
	ctx := context.Background()
	if _, err := r.ApplyStatus(ctx, "acc_1", "wamid.old", domain.StatusRead, base, ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
	orphans, _ := st.ListOrphans(ctx, "acc_1", "wamid.old")

	r.Now = func() time.Time { return base.Add(25 * time.Hour) }
	if err := r.RetryOrphan(ctx, tasks.OrphanTask{OrphanID: orphans[0].ID}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if left, _ := st.ListOrphans(ctx, "acc_1", "wamid.old"); len(left) != 0 {
		t.Fatalf("expired orphan should be dropped")
	}
}

func TestExpireOrphans(t *testing.T) {
	r, st, _, _ := setup(t)
	ctx := context.Background()
	for _, ext := range []string{"a", "b"} {
		if _, err := r.ApplyStatus(ctx, "acc_1", ext, domain.StatusDelivered, base, ""); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	n, err := r.ExpireOrphans(ctx, base.Add(time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("nothing should expire yet: %d %v", n, err)
	}
	n, err = r.ExpireOrphans(ctx, base.Add(24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 expired, got %d %v", n, err)
	}
	if left, _ := st.ListOrphans(ctx, "acc_1", "a"); len(left) != 0 {
		t.Fatalf("orphan a survived")
	}
}

func TestApplyWatermark(t *testing.T) {
	r, st, _, _ := setup(t)
	ctx := context.Background()
	if err := st.InsertThread(ctx, domain.Thread{ID: "thr_1", AccountID: "acc_1", ContactID: "ctc_1", Status: domain.ThreadOpen}); err != nil {
		t.Fatalf("thread: %v", err)
	}
	outbound(t, st, "msg_a", "m_a", domain.StatusSent)
	outbound(t, st, "msg_b", "m_b", domain.StatusDelivered)
	outbound(t, st, "msg_c", "m_c", domain.StatusRead)
	outbound(t, st, "msg_d", "m_d", domain.StatusPending)

	n, err := r.ApplyWatermark(ctx, "acc_1", "ctc_1", domain.StatusRead, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 messages moved, got %d", n)
	}
	for id, want := range map[string]domain.MessageStatus{
		"msg_a": domain.StatusRead,
		"msg_b": domain.StatusRead,
		"msg_c": domain.StatusRead,
		"msg_d": domain.StatusPending,
	} {
		if got := status(t, st, id); got != want {
			t.Fatalf("%s: %s, want %s", id, got, want)
		}
	}
}

func TestApplyWatermarkToleratesLocalSendStamp(t *testing.T) {
	r, st, _, _ := setup(t)
	ctx := context.Background()
	if err := st.InsertThread(ctx, domain.Thread{ID: "thr_1", AccountID: "acc_1", ContactID: "ctc_1", Status: domain.ThreadOpen}); err != nil {
		t.Fatalf("thread: %v", err)
	}
	watermark := base.Add(time.Minute)
	// sent_at is stamped after the send call returns, so it trails the
	// platform's own timestamp that the watermark is compared with
	for id, sentAt := range map[string]time.Time{
		"msg_lagging": watermark.Add(3 * time.Second),
		"msg_later":   watermark.Add(30 * time.Second),
	} {
		m := outbound(t, st, id, "m_"+id, domain.StatusPending)
		if ok, err := st.MarkMessageSent(ctx, m.ID, m.ExternalID, sentAt); err != nil || !ok {
			t.Fatalf("mark sent %s: %v %v", id, ok, err)
		}
	}

	n, err := r.ApplyWatermark(ctx, "acc_1", "ctc_1", domain.StatusRead, watermark)
	if err != nil || n != 1 {
		t.Fatalf("expected only the lagging message to move, got %d %v", n, err)
	}
	if got := status(t, st, "msg_lagging"); got != domain.StatusRead {
		t.Fatalf("msg_lagging: %s, want read", got)
	}
	if got := status(t, st, "msg_later"); got != domain.StatusSent {
		t.Fatalf("msg_later: %s, want sent", got)
	}

	r.Config.WatermarkSkew = 0
	if n, err := r.ApplyWatermark(ctx, "acc_1", "ctc_1", domain.StatusRead, watermark.Add(10*time.Second)); err != nil || n != 0 {
		t.Fatalf("without skew a watermark before sent_at covers nothing, got %d %v", n, err)
	}
}

func TestApplyStatusValidates(t *testing.T) {
	r, _, _, _ := setup(t)
	if _, err := r.ApplyStatus(context.Background(), "acc_1", "", domain.StatusRead, base, ""); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := r.ApplyStatus(context.Background(), "acc_1", "x", domain.MessageStatus("bogus"), base, ""); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
