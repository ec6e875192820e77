package scheduler

import (
	"sort"
	"strings"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	running := s.runCtx != nil
	spec := strings.TrimSpace(s.cfg.SyncEvery)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if spec == "" {
		spec = DefaultSyncEvery
	}
	snap := Snapshot{Enabled: enabled, Running: running, Timezone: loc.String(), SyncEvery: spec}
	if c != nil {
		if entries := c.Entries(); len(entries) > 0 {
			snap.NextSync = entries[0].Next
		}
	}

	now := time.Now()
	s.tmu.Lock()
	snap.Triggers = make([]TriggerInfo, 0, len(s.timers))
	for id, a := range s.timers {
		snap.Triggers = append(snap.Triggers, TriggerInfo{CampaignID: id, FireAt: a.fireAt.In(loc), Overdue: !a.fireAt.After(now)})
	}
	s.tmu.Unlock()
	sort.Slice(snap.Triggers, func(i, j int) bool {
		if !snap.Triggers[i].FireAt.Equal(snap.Triggers[j].FireAt) {
			return snap.Triggers[i].FireAt.Before(snap.Triggers[j].FireAt)
		}
		return snap.Triggers[i].CampaignID < snap.Triggers[j].CampaignID
	})

	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
