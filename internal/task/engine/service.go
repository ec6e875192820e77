// Package engine runs tasks on a fixed pool of supervised workers fed by a
// bounded queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mailcast/internal/eventbus"
	rtsup "mailcast/internal/runtime/supervisor"
	logx "mailcast/pkg/logx"
)

// queue-full warnings are logged at most this often
const dropWarnEvery = 5 * time.Second

// generation is one worker pool and its queue. A pool reshape retires the
// current generation and moves its queued jobs to a new one.
type generation struct {
	queue    chan job
	quit     chan struct{}
	sup      *rtsup.Supervisor
	stopping chan struct{} // non-nil once Stop began; closed when it is done

	// senders hold sendMu.RLock while sending to queue; taking the write
	// lock after quit is closed freezes the queue for draining.
	sendMu sync.RWMutex
}

type job struct {
	task     Task
	queuedAt time.Time
	timeout  time.Duration
	gated    bool
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	gen      *generation
	parent   context.Context
	retiring sync.WaitGroup

	gateMu  sync.Mutex
	busy    map[string]bool
	pending map[string]int

	histMu  sync.Mutex
	history []Record

	inFlight   atomic.Int32
	dropped    atomic.Uint64
	lastDropAt atomic.Int64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     normalize(cfg),
		log:     log.With(logx.String("comp", "taskengine")),
		bus:     bus,
		busy:    make(map[string]bool),
		pending: make(map[string]int),
	}
}

func normalize(cfg Config) Config {
	cfg.Workers = cmp0(cfg.Workers, 2)
	cfg.QueueSize = cmp0(cfg.QueueSize, 256)
	cfg.HistorySize = cmp0(cfg.HistorySize, 200)
	return cfg
}

func cmp0(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor of the running generation, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == nil {
		return nil
	}
	return s.gen.sup
}

// Apply swaps the config. A change of pool shape replaces the workers;
// queued tasks move to the new pool and running ones finish on the old.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	old := s.gen
	live := old != nil && old.stopping == nil
	s.mu.Unlock()

	reshape := prev.Enabled != cfg.Enabled || prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize
	switch {
	case !reshape || !live:
	case !cfg.Enabled:
		s.Stop(ctx)
	default:
		s.replace(old)
	}
}

func (s *Service) replace(old *generation) {
	s.mu.Lock()
	if s.gen != old || old.stopping != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	next := s.spawnLocked(cfg)
	old.stopping = make(chan struct{})
	close(old.quit)
	s.retiring.Add(1)
	s.mu.Unlock()

	s.launch(next, cfg)

	old.sendMu.Lock()
	old.sendMu.Unlock()
	moved, lost := 0, 0
	for {
		var j job
		select {
		case j = <-old.queue:
		default:
			s.log.Info("task engine pool replaced",
				logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize),
				logx.Int("moved", moved), logx.Int("lost", lost))
			s.retire(old)
			return
		}
		select {
		case next.queue <- j:
			moved++
		default:
			lost++
			s.noteDrop(j.task, next.queue)
			s.release(j)
		}
	}
}

// retire waits in the background for the old pool's running tasks.
func (s *Service) retire(g *generation) {
	go func() {
		defer s.retiring.Done()
		g.sup.Cancel()
		_ = g.sup.Wait(context.Background())
		close(g.stopping)
	}()
}

// Start launches the workers. It is a no-op when disabled or already running,
// and waits out a Stop that is still in progress.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		g := s.gen
		if g == nil {
			break
		}
		stopping := g.stopping
		s.mu.Unlock()
		if stopping == nil {
			return
		}
		select {
		case <-stopping:
		case <-ctx.Done():
			return
		}
	}
	s.parent = ctx
	cfg := s.cfg
	g := s.spawnLocked(cfg)
	s.mu.Unlock()

	s.launch(g, cfg)
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// spawnLocked installs a new generation as current. Call with s.mu held.
func (s *Service) spawnLocked(cfg Config) *generation {
	parent := s.parent
	if parent == nil {
		parent = context.Background()
	}
	g := &generation{
		queue: make(chan job, cfg.QueueSize),
		quit:  make(chan struct{}),
		// a failing worker is restarted, never fatal to the process
		sup: rtsup.New(parent, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.gen = g
	return g
}

func (s *Service) launch(g *generation, cfg Config) {
	for i := 0; i < cfg.Workers; i++ {
		g.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.drain(c, g)
			if c.Err() != nil || isClosed(g.quit) {
				return nil
			}
			return errors.New("worker returned while engine running")
		})
	}
}

// Stop closes the queue to new work and waits for the workers. A task that is
// already running keeps its own context and finishes.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	g := s.gen
	if g == nil {
		s.mu.Unlock()
		return
	}
	first := g.stopping == nil
	if first {
		g.stopping = make(chan struct{})
		close(g.quit)
	}
	s.mu.Unlock()

	if first {
		go func() {
			g.sup.Cancel()
			_ = g.sup.Wait(context.Background())
			s.retiring.Wait()
			g.sendMu.Lock()
			g.sendMu.Unlock()
			for len(g.queue) > 0 {
				s.release(<-g.queue)
			}
			s.mu.Lock()
			if s.gen == g {
				s.gen = nil
			}
			s.mu.Unlock()
			close(g.stopping)
		}()
	}

	select {
	case <-g.stopping:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds t without waiting; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.push(context.Background(), t, false)
}

// Submit waits for queue space until ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.push(ctx, t, true)
}

func (s *Service) push(ctx context.Context, t Task, wait bool) error {
	t.Name = strings.TrimSpace(t.Name)
	switch {
	case t.Run == nil:
		return errors.New("engine: task has no Run func")
	case t.Name == "":
		return errors.New("engine: task has no name")
	}
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}

	s.mu.Lock()
	cfg, g := s.cfg, s.gen
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case g == nil:
		return ErrStopped
	case isClosed(g.quit) && !s.replacedBy(g):
		return ErrStopping
	}

	j := job{task: t, queuedAt: time.Now(), timeout: t.Timeout, gated: t.Exclusive}
	if j.timeout <= 0 {
		j.timeout = cfg.DefaultTimeout
	}
	if !s.hold(j) {
		s.log.Debug("exclusive task already pending", logx.String("task", t.Name))
		return ErrAlreadyQueued
	}
	for {
		s.mu.Lock()
		g = s.gen
		s.mu.Unlock()
		if g == nil {
			s.release(j)
			return ErrStopped
		}
		retry, err := s.sendTo(ctx, g, j, wait)
		if retry {
			continue
		}
		if err != nil {
			s.release(j)
		}
		return err
	}
}

// sendTo offers j to g's queue. retry is true when g was replaced by a newer
// pool meanwhile, so the caller should try the current one.
func (s *Service) sendTo(ctx context.Context, g *generation, j job, wait bool) (retry bool, err error) {
	g.sendMu.RLock()
	defer g.sendMu.RUnlock()
	if isClosed(g.quit) {
		return s.replacedBy(g), ErrStopping
	}
	if !wait {
		select {
		case g.queue <- j:
			return false, nil
		default:
			s.noteDrop(j.task, g.queue)
			return false, ErrQueueFull
		}
	}
	select {
	case g.queue <- j:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-g.quit:
		return s.replacedBy(g), ErrStopping
	}
}

// replacedBy reports whether a live generation other than g is current.
func (s *Service) replacedBy(g *generation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != nil && s.gen != g && s.gen.stopping == nil
}

// hold marks j pending under its gate key. An exclusive j fails when the key
// is already taken.
func (s *Service) hold(j job) bool {
	key := j.task.gateKey()
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if j.gated {
		if s.busy[key] {
			return false
		}
		s.busy[key] = true
	}
	s.pending[key]++
	return true
}

// release undoes hold once j has run or was dropped.
func (s *Service) release(j job) {
	key := j.task.gateKey()
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if j.gated {
		delete(s.busy, key)
	}
	if s.pending[key] <= 1 {
		delete(s.pending, key)
	} else {
		s.pending[key]--
	}
}

// Pending reports whether a task with key (Task.Key, or Name when Key is
// empty) is queued or running.
func (s *Service) Pending(key string) bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	return s.pending[key] > 0
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, g := s.cfg, s.gen
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Dropped:        s.dropped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
	}
	if g != nil {
		snap.QueueLen, snap.QueueCap = len(g.queue), cap(g.queue)
	}
	s.histMu.Lock()
	snap.History = append([]Record(nil), s.history...)
	s.histMu.Unlock()
	return snap
}

func (s *Service) remember(r Record) {
	s.mu.Lock()
	keep := s.cfg.HistorySize
	s.mu.Unlock()

	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, r)
	if over := len(s.history) - keep; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

func (s *Service) noteDrop(t Task, q chan job) {
	total := s.dropped.Add(1)
	now := time.Now()
	eventbus.Publish(s.bus, eventbus.TaskDropped, Record{ID: t.ID, Name: t.Name, Started: now, Error: ErrQueueFull.Error()})

	last := s.lastDropAt.Load()
	if last != 0 && time.Duration(now.UnixNano()-last) < dropWarnEvery {
		return
	}
	if s.lastDropAt.CompareAndSwap(last, now.UnixNano()) {
		s.log.Warn("task dropped, queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_total", total),
		)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
