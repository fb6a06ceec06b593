package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"omnigate/internal/domain"
	"omnigate/internal/store/memstore"
)

var waAccount = domain.ChannelAccount{ID: "acc_wa", Channel: domain.ChannelWhatsApp, ExternalID: "PNID", Status: domain.AccountActive}

func TestResolveFirstContactOpensThread(t *testing.T) {
	st := memstore.New()
	r := New(st, 0, nil)
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	res, err := r.Resolve(context.Background(), waAccount, domain.ContactKey{ExternalID: "15551234567", Profile: domain.Profile{Name: "Ada"}}, at)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.NewContact || !res.NewThread {
		t.Fatalf("expected new contact and thread, got %+v", res)
	}
	if res.Thread.Status != domain.ThreadOpen || res.Thread.Key != res.Contact.ID || !res.Thread.LastActivityAt.Equal(at) {
		t.Fatalf("unexpected thread %+v", res.Thread)
	}

	again, err := r.Resolve(context.Background(), waAccount, domain.ContactKey{ExternalID: "15551234567"}, at.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again.NewContact || again.NewThread || again.Thread.ID != res.Thread.ID {
		t.Fatalf("expected existing thread, got %+v", again)
	}
}

func TestResolveConcurrentFirstContact(t *testing.T) {
	st := memstore.New()
	r := New(st, 0, nil)
	key := domain.ContactKey{ExternalID: "15551234567"}

	const n = 32
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := r.Resolve(context.Background(), waAccount, key, time.Now())
			ids[i], errs[i] = res.Thread.ID, err
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("resolve %d got thread %s, want %s", i, ids[i], ids[0])
		}
	}
	c, err := st.FindContact(context.Background(), waAccount.ID, waAccount.Channel, key.ExternalID)
	if err != nil {
		t.Fatalf("find contact: %v", err)
	}
	if got := st.Threads(waAccount.ID, c.ID); len(got) != 1 {
		t.Fatalf("expected exactly one thread, got %d", len(got))
	}
}

// racingStore lets a competing writer win every first insert, the way a
// concurrent webhook worker would.
type racingStore struct {
	*memstore.Store
	contactRaced, threadRaced bool
}

func (s *racingStore) InsertContact(ctx context.Context, c domain.ExternalContact) error {
	if !s.contactRaced {
		s.contactRaced = true
		rival := c
		rival.ID = "ctc_rival"
		if err := s.Store.InsertContact(ctx, rival); err != nil {
			return err
		}
	}
	return s.Store.InsertContact(ctx, c)
}

func (s *racingStore) InsertThread(ctx context.Context, th domain.Thread) error {
	if !s.threadRaced {
		s.threadRaced = true
		rival := th
		rival.ID = "thr_rival"
		if err := s.Store.InsertThread(ctx, rival); err != nil {
			return err
		}
	}
	return s.Store.InsertThread(ctx, th)
}

func TestResolveRereadsAfterConflict(t *testing.T) {
	st := &racingStore{Store: memstore.New()}
	r := New(st, 0, nil)

	res, err := r.Resolve(context.Background(), waAccount, domain.ContactKey{ExternalID: "15551234567"}, time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Contact.ID != "ctc_rival" || res.Thread.ID != "thr_rival" {
		t.Fatalf("expected the rival rows, got %s / %s", res.Contact.ID, res.Thread.ID)
	}
	if res.NewContact || res.NewThread {
		t.Fatalf("loser of the race must not report creation: %+v", res)
	}
}

func TestResolveAfterCloseOpensNewThread(t *testing.T) {
	st := memstore.New()
	r := New(st, 0, nil)
	ctx := context.Background()
	key := domain.ContactKey{ExternalID: "15551234567"}

	first, err := r.Resolve(ctx, waAccount, key, time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := st.CloseThread(ctx, first.Thread.ID, time.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := r.Resolve(ctx, waAccount, key, time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !second.NewThread || second.Thread.ID == first.Thread.ID {
		t.Fatalf("expected a new thread, got %+v", second.Thread)
	}
}

func TestResolveClosesIdleThread(t *testing.T) {
	st := memstore.New()
	r := New(st, time.Hour, nil)
	ctx := context.Background()
	key := domain.ContactKey{ExternalID: "15551234567"}
	t0 := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	first, err := r.Resolve(ctx, waAccount, key, t0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	same, err := r.Resolve(ctx, waAccount, key, t0.Add(30*time.Minute))
	if err != nil || same.Thread.ID != first.Thread.ID {
		t.Fatalf("active thread should be reused: %+v %v", same.Thread, err)
	}

	later, err := r.Resolve(ctx, waAccount, key, t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if later.Thread.ID == first.Thread.ID {
		t.Fatalf("idle thread should have been closed")
	}
	old, _ := st.GetThread(ctx, first.Thread.ID)
	if old.Status != domain.ThreadClosed {
		t.Fatalf("expected old thread closed, got %s", old.Status)
	}
}

func TestResolveContactFillsMissingProfile(t *testing.T) {
	st := memstore.New()
	r := New(st, 0, nil)
	ctx := context.Background()

	c, created, err := r.ResolveContact(ctx, waAccount, domain.ContactKey{ExternalID: "15551234567"}, time.Now())
	if err != nil || !created {
		t.Fatalf("create: %v %v", created, err)
	}
	c, created, err = r.ResolveContact(ctx, waAccount, domain.ContactKey{ExternalID: "15551234567", Profile: domain.Profile{Name: "Ada"}}, time.Now())
	if err != nil || created || c.Profile.Name != "Ada" {
		t.Fatalf("profile not refreshed: %+v %v %v", c, created, err)
	}
	c, _, _ = r.ResolveContact(ctx, waAccount, domain.ContactKey{ExternalID: "15551234567", Profile: domain.Profile{Name: "Someone Else"}}, time.Now())
	if c.Profile.Name != "Ada" {
		t.Fatalf("known name must not be overwritten, got %q", c.Profile.Name)
	}

	if _, _, err := r.ResolveContact(ctx, waAccount, domain.ContactKey{}, time.Now()); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
