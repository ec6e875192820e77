package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailcast/internal/models"
	"mailcast/internal/storage"
	"mailcast/internal/task/engine"
	logx "mailcast/pkg/logx"
)

type fires struct {
	mu  sync.Mutex
	ids []int64
	at  []time.Time
	// a dispatch of a gated campaign blocks until its channel is closed
	gates map[int64]chan struct{}
}

func (f *fires) dispatch(_ context.Context, id int64) error {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.at = append(f.at, time.Now())
	gate := f.gates[id]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (f *fires) count(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.ids {
		if v == id {
			n++
		}
	}
	return n
}

type flakyStore struct {
	storage.TriggerStore
	failPut atomic.Bool
}

func (s *flakyStore) PutTrigger(ctx context.Context, t models.Trigger) error {
	if s.failPut.Load() {
		return errors.New("disk full")
	}
	return s.TriggerStore.PutTrigger(ctx, t)
}

func newScheduler(t *testing.T, store storage.TriggerStore, f *fires) *Service {
	t.Helper()
	s, _ := newSchedulerWith(t, store, f, engine.Config{Enabled: true, Workers: 2})
	return s
}

func newSchedulerWith(t *testing.T, store storage.TriggerStore, f *fires, ec engine.Config) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(ec, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Enabled: true, SyncEvery: "-"}, store, eng, f.dispatch, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, eng
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func storedTriggers(t *testing.T, st storage.TriggerStore) []models.Trigger {
	t.Helper()
	list, err := st.ListTriggers(context.Background())
	if err != nil {
		t.Fatalf("list triggers: %v", err)
	}
	return list
}

func TestDoubleRegisterFiresOnceAtLatest(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &fires{}
	s := newScheduler(t, st, f)
	ctx := context.Background()

	first := time.Now().Add(30 * time.Millisecond)
	latest := time.Now().Add(80 * time.Millisecond)
	if err := s.Register(ctx, 1, first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(ctx, 1, latest); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if got := storedTriggers(t, st); len(got) != 1 || !got[0].FireAt.Equal(latest) {
		t.Fatalf("stored = %+v", got)
	}

	eventually(t, func() bool { return f.count(1) == 1 })
	time.Sleep(100 * time.Millisecond)
	if f.count(1) != 1 {
		t.Fatalf("fired %d times", f.count(1))
	}
	if f.at[0].Before(latest) {
		t.Fatalf("fired at %v, before latest fire time %v", f.at[0], latest)
	}
	if got := storedTriggers(t, st); len(got) != 0 {
		t.Fatalf("trigger not consumed: %+v", got)
	}
}

func TestRescheduleMovesFireTime(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &fires{}
	s := newScheduler(t, st, f)
	ctx := context.Background()

	if err := s.Register(ctx, 7, time.Now().Add(40*time.Millisecond)); err != nil {
		t.Fatalf("register T1: %v", err)
	}
	t2 := time.Now().Add(200 * time.Millisecond)
	if err := s.Register(ctx, 7, t2); err != nil {
		t.Fatalf("register T2: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if f.count(7) != 0 {
		t.Fatal("fired at the replaced time")
	}
	eventually(t, func() bool { return f.count(7) == 1 })
	time.Sleep(50 * time.Millisecond)
	if f.count(7) != 1 {
		t.Fatalf("fired %d times", f.count(7))
	}
}

func TestOverdueTriggerFiresOnceAfterReload(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	if err := st.PutTrigger(context.Background(), models.Trigger{CampaignID: 3, FireAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	f := &fires{}
	s := newScheduler(t, st, f)
	eventually(t, func() bool { return f.count(3) == 1 })
	eventually(t, func() bool { return len(storedTriggers(t, st)) == 0 })

	// A restart on the same store has nothing left to fire.
	ctx := context.Background()
	s.Stop(ctx)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if f.count(3) != 1 {
		t.Fatalf("fired %d times across restart", f.count(3))
	}
}

func TestPersistFailureKeepsPreviousTrigger(t *testing.T) {
	t.Parallel()
	st := &flakyStore{TriggerStore: storage.NewMemory()}
	f := &fires{}
	s := newScheduler(t, st, f)
	ctx := context.Background()

	t1 := time.Now().Add(80 * time.Millisecond)
	if err := s.Register(ctx, 9, t1); err != nil {
		t.Fatalf("register: %v", err)
	}
	st.failPut.Store(true)
	if err := s.Register(ctx, 9, time.Now().Add(time.Hour)); err == nil {
		t.Fatal("expected persistence error")
	}
	snap := s.Snapshot()
	if len(snap.Triggers) != 1 || !snap.Triggers[0].FireAt.Equal(t1) {
		t.Fatalf("armed = %+v, want original T1", snap.Triggers)
	}
	eventually(t, func() bool { return f.count(9) == 1 })
}

func TestCancel(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &fires{}
	s := newScheduler(t, st, f)
	ctx := context.Background()

	if err := s.Register(ctx, 4, time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("register: %v", err)
	}
	ok, err := s.Cancel(ctx, 4)
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	ok, err = s.Cancel(ctx, 4)
	if err != nil || ok {
		t.Fatalf("second cancel = %v, %v; want false, nil", ok, err)
	}
	time.Sleep(100 * time.Millisecond)
	if f.count(4) != 0 || len(storedTriggers(t, st)) != 0 {
		t.Fatal("cancelled trigger fired or stayed persisted")
	}
}

func TestSyncFollowsExternalWrites(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &fires{}
	s := newScheduler(t, st, f)
	ctx := context.Background()

	// Another process adds one trigger and removes another.
	if err := s.Register(ctx, 11, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := st.DeleteTrigger(ctx, 11); err != nil {
		t.Fatalf("external delete: %v", err)
	}
	if err := st.PutTrigger(ctx, models.Trigger{CampaignID: 12, FireAt: time.Now().Add(20 * time.Millisecond)}); err != nil {
		t.Fatalf("external put: %v", err)
	}

	rep, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(rep.Armed) != 1 || rep.Armed[0] != 12 || len(rep.Disarmed) != 1 || rep.Disarmed[0] != 11 {
		t.Fatalf("report = %+v", rep)
	}
	eventually(t, func() bool { return f.count(12) == 1 })

	rep, err = s.Sync(ctx)
	if err != nil || len(rep.Armed) != 0 || len(rep.Disarmed) != 0 {
		t.Fatalf("second sync = %+v, %v", rep, err)
	}
}

func TestStoppedSchedulerOnlyPersists(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &fires{}
	s := New(Config{Enabled: true}, st, nil, f.dispatch, logx.Nop(), nil)

	if err := s.Register(context.Background(), 2, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if f.count(2) != 0 {
		t.Fatal("stopped scheduler fired")
	}
	if len(storedTriggers(t, st)) != 1 || len(s.Snapshot().Triggers) != 0 {
		t.Fatal("trigger should be persisted but not armed")
	}
}

func TestQueuedTriggerSurvivesPoolReshape(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	release := make(chan struct{})
	f := &fires{gates: map[int64]chan struct{}{1: release}}
	s, eng := newSchedulerWith(t, st, f, engine.Config{Enabled: true, Workers: 1, QueueSize: 4})
	defer close(release)
	ctx := context.Background()

	if err := s.Register(ctx, 1, time.Now().Add(10*time.Millisecond)); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if err := s.Register(ctx, 2, time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("register 2: %v", err)
	}
	// 1 occupies the only worker; 2 waits in the queue.
	eventually(t, func() bool { return f.count(1) == 1 && eng.Pending(dispatchKey(2)) })

	eng.Apply(ctx, engine.Config{Enabled: true, Workers: 2, QueueSize: 4})

	eventually(t, func() bool { return f.count(2) == 1 })
	for _, tr := range storedTriggers(t, st) {
		if tr.CampaignID == 2 {
			t.Fatal("trigger 2 not consumed")
		}
	}
	rep, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(rep.Armed) != 0 || len(rep.Rearmed) != 0 {
		t.Fatalf("sync after reshape = %+v", rep)
	}
	time.Sleep(50 * time.Millisecond)
	if f.count(2) != 1 {
		t.Fatalf("campaign 2 fired %d times", f.count(2))
	}
}

func TestSyncRearmsTriggerLostByEngine(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	release := make(chan struct{})
	f := &fires{gates: map[int64]chan struct{}{1: release}}
	s, eng := newSchedulerWith(t, st, f, engine.Config{Enabled: true, Workers: 1, QueueSize: 4})
	ctx := context.Background()

	if err := s.Register(ctx, 1, time.Now().Add(10*time.Millisecond)); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if err := s.Register(ctx, 2, time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("register 2: %v", err)
	}
	eventually(t, func() bool { return f.count(1) == 1 && eng.Pending(dispatchKey(2)) })

	// Stopping drops the queued hand-off of 2 once the running pass ends.
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	eng.Stop(stopCtx)
	cancel()
	close(release)
	eventually(t, func() bool { return !eng.Pending(dispatchKey(2)) })
	if f.count(2) != 0 {
		t.Fatal("campaign 2 ran on a stopping engine")
	}
	if got := storedTriggers(t, st); len(got) != 1 || got[0].CampaignID != 2 {
		t.Fatalf("stored = %+v, want trigger 2 kept", got)
	}

	eng.Start(ctx)
	rep, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(rep.Rearmed) != 1 || rep.Rearmed[0] != 2 {
		t.Fatalf("sync = %+v, want 2 re-armed", rep)
	}
	eventually(t, func() bool { return f.count(2) == 1 })
	eventually(t, func() bool { return len(storedTriggers(t, st)) == 0 })
	time.Sleep(50 * time.Millisecond)
	if f.count(2) != 1 {
		t.Fatalf("campaign 2 fired %d times", f.count(2))
	}
}
