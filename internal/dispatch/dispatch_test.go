package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailcast/internal/eventbus"
	"mailcast/internal/ledger"
	"mailcast/internal/models"
	"mailcast/internal/storage"
	"mailcast/internal/transport"
	logx "mailcast/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) Send(_ context.Context, address, _, _ string) error {
	r.mu.Lock()
	r.sent = append(r.sent, address)
	r.mu.Unlock()
	if strings.HasPrefix(address, "bounce") {
		return transport.Errorf(550, "mailbox unavailable")
	}
	return nil
}

func seed(t *testing.T, st *storage.Memory, addrs ...string) models.Campaign {
	t.Helper()
	ctx := context.Background()
	msg, err := st.CreateMessage(ctx, models.Message{Subject: "News", Body: "Hello"})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	var ids []int64
	for _, a := range addrs {
		r, err := st.CreateRecipient(ctx, models.Recipient{Address: a})
		if err != nil {
			t.Fatalf("recipient: %v", err)
		}
		ids = append(ids, r.ID)
	}
	c, err := st.CreateCampaign(ctx, models.Campaign{Name: "c", FireAt: time.Now(), MessageID: msg.ID, RecipientIDs: ids})
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	return c
}

func newDispatcher(st *storage.Memory, attempts storage.AttemptStore, s transport.Sender, cfg Config) *Dispatcher {
	if attempts == nil {
		attempts = st
	}
	return New(st, ledger.New(attempts), s, cfg, logx.Nop(), nil)
}

func status(t *testing.T, st *storage.Memory, id int64) models.CampaignStatus {
	t.Helper()
	c, err := st.GetCampaign(context.Background(), id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c.Status
}

func TestInvalidRecipientDoesNotStopPass(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "a@example.com", "not an address", "c@example.com")
	rec := &recorder{}
	mux, err := transport.NewMux(transport.ModeAuto, rec, nil, logx.Nop())
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	d := newDispatcher(st, nil, mux, Config{})

	res, err := d.Dispatch(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Status != models.CampaignSent || res.Attempts != 3 || res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := status(t, st, c.ID); got != models.CampaignSent {
		t.Fatalf("status = %s, want sent", got)
	}

	attempts, _ := st.ListAttempts(context.Background(), c.ID)
	want := []struct {
		addr    string
		outcome models.Outcome
		code    int
	}{
		{"a@example.com", models.OutcomeSucceeded, 200},
		{"not an address", models.OutcomeFailed, 400},
		{"c@example.com", models.OutcomeSucceeded, 200},
	}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %d, want %d", len(attempts), len(want))
	}
	for i, w := range want {
		a := attempts[i]
		if a.Address != w.addr || a.Outcome != w.outcome || a.StatusCode != w.code || a.PassID != res.PassID {
			t.Fatalf("attempt %d = %+v, want %+v", i, a, w)
		}
	}
	if len(rec.sent) != 2 {
		t.Fatalf("transport calls = %v", rec.sent)
	}
}

func TestAttemptPerRecipient(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		parallelism int
		n           int
	}{
		{"sequential", 1, 7},
		{"parallel", 4, 25},
		{"empty", 3, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := storage.NewMemory()
			var addrs []string
			for i := 0; i < tc.n; i++ {
				addr := fmt.Sprintf("user%d@example.com", i)
				if i%3 == 0 {
					addr = fmt.Sprintf("bounce%d@example.com", i)
				}
				addrs = append(addrs, addr)
			}
			c := seed(t, st, addrs...)
			d := newDispatcher(st, nil, &recorder{}, Config{Parallelism: tc.parallelism})

			res, err := d.Dispatch(context.Background(), c.ID)
			if err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			attempts, _ := st.ListAttempts(context.Background(), c.ID)
			if len(attempts) != tc.n || res.Attempts != tc.n {
				t.Fatalf("attempts = %d (result %d), want %d", len(attempts), res.Attempts, tc.n)
			}
			seen := map[int64]bool{}
			for _, a := range attempts {
				if seen[a.RecipientID] {
					t.Fatalf("recipient %d recorded twice", a.RecipientID)
				}
				seen[a.RecipientID] = true
				if strings.HasPrefix(a.Address, "bounce") && (a.Outcome != models.OutcomeFailed || a.StatusCode != 550) {
					t.Fatalf("bounce attempt = %+v", a)
				}
			}
			if res.Status != models.CampaignSent {
				t.Fatalf("status = %s", res.Status)
			}
		})
	}
}

func TestUnknownCampaign(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	d := newDispatcher(st, nil, &recorder{}, Config{})

	_, err := d.Dispatch(context.Background(), 999)
	if !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("err = %v, want ErrCampaignNotFound", err)
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		t.Fatalf("not-found must not be an engine error: %v", err)
	}
	if attempts, _ := st.ListAttempts(context.Background(), 999); len(attempts) != 0 {
		t.Fatalf("attempts = %d, want 0", len(attempts))
	}
}

func TestMissingMessageFailsCampaign(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "a@example.com")
	st.DeleteMessage(c.MessageID)
	rec := &recorder{}
	d := newDispatcher(st, nil, rec, Config{})

	res, err := d.Dispatch(context.Background(), c.ID)
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Op != "load message" || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if res.Status != models.CampaignFailed || status(t, st, c.ID) != models.CampaignFailed {
		t.Fatalf("status = %s / %s", res.Status, status(t, st, c.ID))
	}
	if len(rec.sent) != 0 {
		t.Fatalf("transport called: %v", rec.sent)
	}
}

type brokenAttempts struct {
	storage.AttemptStore
	after int32
	n     atomic.Int32
}

func (b *brokenAttempts) AppendAttempt(ctx context.Context, a models.Attempt) error {
	if b.n.Add(1) > b.after {
		return errors.New("disk full")
	}
	return b.AttemptStore.AppendAttempt(ctx, a)
}

func TestLedgerFailureFailsCampaign(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "a@example.com", "b@example.com", "c@example.com")
	rec := &recorder{}
	d := newDispatcher(st, &brokenAttempts{AttemptStore: st, after: 1}, rec, Config{})

	res, err := d.Dispatch(context.Background(), c.ID)
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Op != "append attempt" {
		t.Fatalf("err = %v", err)
	}
	if status(t, st, c.ID) != models.CampaignFailed {
		t.Fatalf("status = %s, want failed", status(t, st, c.ID))
	}
	if res.Attempts != 1 || len(rec.sent) != 2 {
		t.Fatalf("attempts = %d, sends = %v", res.Attempts, rec.sent)
	}
}

func TestCampaignVanishesMidPass(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "a@example.com")
	sender := transport.SenderFunc(func(context.Context, string, string, string) error {
		st.DeleteCampaign(c.ID)
		return nil
	})
	d := newDispatcher(st, nil, sender, Config{})

	_, err := d.Dispatch(context.Background(), c.ID)
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Op != "save status" {
		t.Fatalf("err = %v", err)
	}
}

func TestTransportPanicIsARecipientFailure(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "a@example.com", "boom@example.com", "c@example.com")
	sender := transport.SenderFunc(func(_ context.Context, addr, _, _ string) error {
		if strings.HasPrefix(addr, "boom") {
			panic("driver bug")
		}
		return nil
	})
	d := newDispatcher(st, nil, sender, Config{Parallelism: 2})

	res, err := d.Dispatch(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Status != models.CampaignSent || res.Failed != 1 || res.Succeeded != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSendTimeoutAndDetachedPass(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "slow@example.com", "b@example.com")
	sender := transport.SenderFunc(func(ctx context.Context, addr, _, _ string) error {
		if strings.HasPrefix(addr, "slow") {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	d := newDispatcher(st, nil, sender, Config{SendTimeout: 20 * time.Millisecond})

	// An already-cancelled caller does not stop the pass.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Dispatch(ctx, c.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	attempts, _ := st.ListAttempts(context.Background(), c.ID)
	if len(attempts) != 2 || attempts[0].StatusCode != 504 || attempts[1].Outcome != models.OutcomeSucceeded {
		t.Fatalf("attempts = %+v", attempts)
	}
	if res.Status != models.CampaignSent {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestSameCampaignNeverOverlaps(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "a@example.com", "b@example.com")
	var inflight, peak atomic.Int32
	sender := transport.SenderFunc(func(context.Context, string, string, string) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return nil
	})
	d := newDispatcher(st, nil, sender, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(context.Background(), c.ID); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("peak concurrent sends = %d, want 1", peak.Load())
	}
	if attempts, _ := st.ListAttempts(context.Background(), c.ID); len(attempts) != 6 {
		t.Fatalf("attempts = %d, want 6", len(attempts))
	}
}

func TestPublishesPassEvents(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "a@example.com", "b@example.com")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	d := New(st, ledger.New(st), &recorder{}, Config{}, logx.Nop(), bus)

	if _, err := d.Dispatch(context.Background(), c.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var types []string
	timeout := time.After(time.Second)
	for len(types) < 4 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("events = %v", types)
		}
	}
	want := []string{eventbus.DispatchStarted, eventbus.DispatchAttempt, eventbus.DispatchAttempt, eventbus.DispatchFinished}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestCallerDeadlineDoesNotBoundPass(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "a@example.com", "b@example.com")
	sender := transport.SenderFunc(func(ctx context.Context, _, _, _ string) error {
		time.Sleep(30 * time.Millisecond)
		return ctx.Err()
	})
	d := newDispatcher(st, nil, sender, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res, err := d.Dispatch(ctx, c.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Status != models.CampaignSent || res.Succeeded != 2 {
		t.Fatalf("result = %+v, want both sends to outlive the caller deadline", res)
	}
}

func TestLimiterFailureIsEngineError(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := seed(t, st, "a@example.com")
	rec := &recorder{}
	d := newDispatcher(st, nil, rec, Config{})
	// a zero burst makes every Wait fail
	d.limiter.SetLimit(1)
	d.limiter.SetBurst(0)

	res, err := d.Dispatch(context.Background(), c.ID)
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Op != "rate limit" {
		t.Fatalf("err = %v, want rate limit EngineError", err)
	}
	if res.Status != models.CampaignFailed || status(t, st, c.ID) != models.CampaignFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if len(rec.sent) != 0 {
		t.Fatalf("transport called: %v", rec.sent)
	}
}
