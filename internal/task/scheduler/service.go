package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mailcast/internal/eventbus"
	"mailcast/internal/storage"
	"mailcast/internal/task/engine"
	logx "mailcast/pkg/logx"
)

func New(cfg Config, store storage.TriggerStore, eng *engine.Service, dispatch DispatchFunc, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		store:       store,
		engine:      eng,
		dispatch:    dispatch,
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers:      map[int64]*armed{},
		gone:        map[int64]uint64{},
		lastEnqWarn: map[int64]time.Time{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx != nil
}

// Apply swaps the config. A timezone or sweep change restarts the sync cron;
// armed timers are absolute and stay as they are.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) || old.SyncEvery != cfg.SyncEvery {
		<-s.c.Stop().Done()
		if err := s.startCronLocked(); err != nil {
			s.log.Error("sync sweep restart failed", logx.Err(err))
		}
	}
}

// Start reloads persisted triggers and arms them; overdue ones fire at once.
// It also starts the sync sweep.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled; triggers are persisted but not armed")
		return nil
	}
	if s.runCtx != nil {
		s.mu.Unlock()
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.loc = s.loadLocationLocked()
	s.mu.Unlock()

	n, err := s.reload(ctx)
	if err != nil {
		s.Stop(ctx)
		return fmt.Errorf("reload triggers: %w", err)
	}

	s.mu.Lock()
	err = s.startCronLocked()
	loc := s.loc
	s.mu.Unlock()
	if err != nil {
		s.Stop(ctx)
		return err
	}
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("triggers", n))
	return nil
}

func (s *Service) reload(ctx context.Context) (int, error) {
	list, err := s.store.ListTriggers(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	overdue := 0
	for _, t := range list {
		unlock := s.locks.Lock(t.CampaignID)
		s.arm(t.CampaignID, t.FireAt)
		unlock()
		if !t.FireAt.After(now) {
			overdue++
		}
	}
	if overdue > 0 {
		s.log.Info("overdue triggers fire now", logx.Int("count", overdue))
	}
	return len(list), nil
}

// startCronLocked (re)creates the sync sweep. Call with s.mu held.
func (s *Service) startCronLocked() error {
	spec := strings.TrimSpace(s.cfg.SyncEvery)
	if spec == "" {
		spec = DefaultSyncEvery
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if spec == "-" {
		return nil
	}
	if _, err := s.c.AddFunc(spec, s.enqueueSync); err != nil {
		s.c = nil
		return fmt.Errorf("scheduler sync_every %q: %w", spec, err)
	}
	s.c.Start()
	return nil
}

func (s *Service) enqueueSync() {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:      "scheduler.sync",
		Timeout:   time.Minute,
		Exclusive: true,
		Run: func(ctx context.Context) error {
			_, err := s.Sync(ctx)
			return err
		},
	})
	if err != nil && !errors.Is(err, engine.ErrAlreadyQueued) {
		s.log.Warn("sync sweep not queued", logx.Err(err))
	}
}

// Stop disarms every timer and stops the sweep. Persisted triggers stay and
// are re-armed by the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for id, a := range s.timers {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.timers, id)
	}
	s.tmu.Unlock()
	s.setPendingGauge()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// SyncReport is what one reconcile sweep changed.
type SyncReport struct {
	Armed    []int64 `json:"armed,omitempty"`
	Disarmed []int64 `json:"disarmed,omitempty"`
	Rearmed  []int64 `json:"rearmed,omitempty"`
}

// Sync reconciles the in-memory timers with the store: rows written by
// another process are armed and rows removed elsewhere are disarmed.
func (s *Service) Sync(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	if !s.running() {
		return rep, nil
	}
	s.tmu.Lock()
	mark := s.seq
	s.tmu.Unlock()

	list, err := s.store.ListTriggers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list triggers: %w", err)
	}
	stored := make(map[int64]time.Time, len(list))
	for _, t := range list {
		stored[t.CampaignID] = t.FireAt
	}

	for id, fireAt := range stored {
		unlock := s.locks.Lock(id)
		s.tmu.Lock()
		a := s.timers[id]
		stale := s.gone[id] > mark || (a != nil && a.ver > mark)
		same := a != nil && a.fireAt.Equal(fireAt)
		var ver uint64
		fired := a != nil && a.fired
		if a != nil {
			ver = a.ver
		}
		s.tmu.Unlock()
		switch {
		case stale:
		case !same:
			s.arm(id, fireAt)
			rep.Armed = append(rep.Armed, id)
		case fired && s.engine != nil && !s.engine.Pending(dispatchKey(id)):
			// fired, but the engine lost the task before it ran
			if s.rearmFired(id, ver, 0) {
				rep.Rearmed = append(rep.Rearmed, id)
			}
		}
		unlock()
	}

	s.tmu.Lock()
	var orphans []int64
	for id, a := range s.timers {
		if _, ok := stored[id]; !ok && a.ver <= mark {
			orphans = append(orphans, id)
		}
	}
	s.tmu.Unlock()
	for _, id := range orphans {
		unlock := s.locks.Lock(id)
		s.tmu.Lock()
		if a := s.timers[id]; a != nil && a.ver <= mark {
			s.disarmLocked(id)
			rep.Disarmed = append(rep.Disarmed, id)
		}
		s.tmu.Unlock()
		unlock()
	}

	s.tmu.Lock()
	for id, seq := range s.gone {
		if seq <= mark {
			delete(s.gone, id)
		}
	}
	s.tmu.Unlock()
	s.setPendingGauge()

	if len(rep.Armed) > 0 || len(rep.Disarmed) > 0 || len(rep.Rearmed) > 0 {
		s.log.Info("triggers reconciled with store",
			logx.Any("armed", rep.Armed), logx.Any("disarmed", rep.Disarmed), logx.Any("rearmed", rep.Rearmed))
	}
	return rep, nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}
