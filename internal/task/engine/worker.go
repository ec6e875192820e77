package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"mailcast/internal/eventbus"
	"mailcast/internal/observability/metrics"
	logx "mailcast/pkg/logx"
)

// slower tasks are logged at info instead of debug
const slowTask = 750 * time.Millisecond

func (s *Service) drain(ctx context.Context, g *generation) {
	for {
		// quit wins over a non-empty queue
		if isClosed(g.quit) || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-g.quit:
			return
		case j := <-g.queue:
			s.inFlight.Add(1)
			s.run(j)
			s.inFlight.Add(-1)
		}
	}
}

// run executes j on a context detached from the worker, bounded only by the
// task timeout, so stopping the engine does not cut a dispatch pass short.
func (s *Service) run(j job) {
	defer s.release(j)

	rec := Record{ID: j.task.ID, Name: j.task.Name, Started: time.Now()}
	rec.QueueDelay = max(rec.Started.Sub(j.queuedAt), 0)
	metrics.TaskQueueDelay.Observe(rec.QueueDelay.Seconds())
	eventbus.Publish(s.bus, eventbus.TaskStarted, rec)

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if j.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
	}
	err := s.call(ctx, j.task)
	cancel()
	rec.Duration = time.Since(rec.Started)

	attrs := []logx.Field{
		logx.String("task", rec.Name),
		logx.Duration("queue_delay", rec.QueueDelay),
		logx.Duration("dur", rec.Duration),
	}
	switch {
	case err != nil:
		rec.Error = err.Error()
		metrics.TasksFinished.WithLabelValues("failed").Inc()
		s.log.Warn("task failed", append(attrs, logx.Err(err))...)
		eventbus.Publish(s.bus, eventbus.TaskFailed, rec)
	default:
		metrics.TasksFinished.WithLabelValues("ok").Inc()
		if rec.Duration >= slowTask {
			s.log.Info("task completed", attrs...)
		} else {
			s.log.Debug("task completed", attrs...)
		}
		eventbus.Publish(s.bus, eventbus.TaskFinished, rec)
	}
	s.remember(rec)
}

func (s *Service) call(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
