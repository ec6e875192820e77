package scheduler

import (
	"context"
	"errors"
	"time"

	"mailcast/internal/task/engine"
	logx "mailcast/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a refused hand-off. retry reports whether the entry
// was re-armed to fire again shortly.
func (s *Service) reportEnqueueError(campaignID int64, err error, retry bool) {
	if err == nil {
		return
	}
	// Stopping while a fire waits for queue space is normal shutdown.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) || errors.Is(err, context.Canceled) {
		if retry {
			s.log.Debug("trigger hand-off refused; retrying", logx.Int64("campaign_id", campaignID), logx.Err(err))
		} else {
			s.log.Debug("trigger left for next start", logx.Int64("campaign_id", campaignID), logx.Err(err))
		}
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[campaignID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[campaignID] = now
	s.enqMu.Unlock()

	s.log.Warn("fired trigger not queued; it stays persisted",
		logx.Int64("campaign_id", campaignID),
		logx.Bool("retrying", retry),
		logx.Err(err),
	)
}
