package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"mailcast/internal/eventbus"
	"mailcast/internal/models"
	"mailcast/internal/observability/metrics"
	"mailcast/internal/task/engine"
	logx "mailcast/pkg/logx"
)

// Register persists a trigger for campaignID at fireAt and arms it,
// replacing any previous trigger for the same campaign. If the store write
// fails the previous trigger (if any) is left exactly as it was.
func (s *Service) Register(ctx context.Context, campaignID int64, fireAt time.Time) error {
	if campaignID <= 0 {
		return fmt.Errorf("register trigger: invalid campaign id %d", campaignID)
	}
	if fireAt.IsZero() {
		return fmt.Errorf("register trigger for campaign %d: fire time required", campaignID)
	}
	unlock, err := s.locks.LockContext(ctx, campaignID)
	if err != nil {
		return err
	}
	defer unlock()

	t := models.Trigger{CampaignID: campaignID, FireAt: fireAt, CreatedAt: time.Now().UTC()}
	if err := s.store.PutTrigger(ctx, t); err != nil {
		return fmt.Errorf("persist trigger for campaign %d: %w", campaignID, err)
	}
	if s.running() {
		s.arm(campaignID, fireAt)
	}
	s.setPendingGauge()

	s.log.Info("trigger registered",
		logx.Int64("campaign_id", campaignID),
		logx.String("fire_at", fireAt.In(s.location()).Format(time.RFC3339)),
		logx.Duration("in", time.Until(fireAt).Round(time.Second)),
	)
	eventbus.Publish(s.bus, eventbus.TriggerRegistered, t)
	return nil
}

// Cancel removes the trigger for campaignID. It reports whether one existed.
func (s *Service) Cancel(ctx context.Context, campaignID int64) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, campaignID)
	if err != nil {
		return false, err
	}
	defer unlock()

	removed, err := s.store.DeleteTrigger(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("delete trigger for campaign %d: %w", campaignID, err)
	}
	s.tmu.Lock()
	if s.disarmLocked(campaignID) {
		removed = true
	}
	s.seq++
	s.gone[campaignID] = s.seq
	s.tmu.Unlock()
	s.setPendingGauge()

	if removed {
		s.log.Info("trigger cancelled", logx.Int64("campaign_id", campaignID))
		eventbus.Publish(s.bus, eventbus.TriggerCancelled, map[string]any{"campaign_id": campaignID})
	}
	return removed, nil
}

// arm replaces the in-memory timer for id. Call with the id lock held.
func (s *Service) arm(id int64, fireAt time.Time) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.disarmLocked(id)
	delete(s.gone, id)
	s.seq++
	a := &armed{fireAt: fireAt, ver: s.seq}
	s.timers[id] = a

	ver := a.ver
	a.timer = time.AfterFunc(max(time.Until(fireAt), 0), func() { s.fire(id, ver) })
}

// disarmLocked stops and forgets the timer for id. Call with s.tmu held.
func (s *Service) disarmLocked(id int64) bool {
	a, ok := s.timers[id]
	if !ok {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(s.timers, id)
	return true
}

// fireRetry is how long a fired trigger waits before another hand-off when
// the engine refused it while the scheduler kept running.
const fireRetry = time.Second

func dispatchKey(id int64) string { return fmt.Sprintf("campaign:%d", id) }

// fire runs on the timer goroutine and hands the trigger to the engine.
func (s *Service) fire(id int64, ver uint64) {
	s.tmu.Lock()
	a := s.timers[id]
	current := a != nil && a.ver == ver
	if current {
		a.fired = true
	}
	s.tmu.Unlock()
	if !current {
		return
	}

	s.mu.Lock()
	runCtx := s.runCtx
	timeout := s.cfg.ConsumeTimeout
	s.mu.Unlock()
	if runCtx == nil || s.engine == nil {
		return
	}

	metrics.TriggersFired.Inc()
	eventbus.Publish(s.bus, eventbus.TriggerFired, map[string]any{"campaign_id": id})
	s.log.Debug("trigger fired", logx.Int64("campaign_id", id))

	// Submit blocks for queue space and follows the engine across a pool
	// reshape. A scheduler stop while waiting leaves the row for the next Start.
	err := s.engine.Submit(runCtx, engine.Task{
		Name:    "campaign.dispatch",
		Key:     dispatchKey(id),
		Timeout: timeout,
		Run:     func(ctx context.Context) error { return s.consume(ctx, id, ver) },
	})
	if err == nil {
		return
	}
	retry := runCtx.Err() == nil && s.rearmFired(id, ver, fireRetry)
	s.reportEnqueueError(id, err, retry)
}

// rearmFired restarts the timer of a fired entry that never reached a worker.
// It is a no-op when the entry was replaced, cancelled or consumed meanwhile.
func (s *Service) rearmFired(id int64, ver uint64, after time.Duration) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	a := s.timers[id]
	if a == nil || a.ver != ver || !a.fired {
		return false
	}
	a.fired = false
	a.timer = time.AfterFunc(after, func() { s.fire(id, ver) })
	return true
}

// consume removes the trigger and then dispatches. A trigger that was
// replaced or cancelled after the timer fired is ignored.
func (s *Service) consume(ctx context.Context, id int64, ver uint64) error {
	unlock := s.locks.Lock(id)
	s.tmu.Lock()
	a := s.timers[id]
	if a == nil || a.ver != ver {
		s.tmu.Unlock()
		unlock()
		s.log.Debug("stale trigger ignored", logx.Int64("campaign_id", id))
		return nil
	}
	delete(s.timers, id)
	s.tmu.Unlock()

	_, derr := s.store.DeleteTrigger(ctx, id)
	s.tmu.Lock()
	s.seq++
	s.gone[id] = s.seq
	if derr != nil {
		// The row may still be there; keep the sweep from re-arming it.
		s.gone[id] = math.MaxUint64
	}
	s.tmu.Unlock()
	unlock()
	s.setPendingGauge()
	if derr != nil {
		s.log.Error("consume trigger: delete failed; dispatching anyway", logx.Int64("campaign_id", id), logx.Err(derr))
	}

	if s.dispatch == nil {
		return errors.New("no dispatch func")
	}
	return s.dispatch(ctx, id)
}

func (s *Service) setPendingGauge() {
	s.tmu.Lock()
	n := len(s.timers)
	s.tmu.Unlock()
	metrics.TriggersPending.Set(float64(n))
}
