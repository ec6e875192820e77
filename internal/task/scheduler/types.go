package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailcast/internal/eventbus"
	"mailcast/internal/runtime/keylock"
	"mailcast/internal/storage"
	"mailcast/internal/task/engine"
	logx "mailcast/pkg/logx"
)

const DefaultSyncEvery = "@every 30s"

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; used for logs and the sync cron

	// SyncEvery is a cron spec for the store reconcile sweep. "" uses
	// DefaultSyncEvery, "-" disables the sweep.
	SyncEvery string

	// ConsumeTimeout bounds the context a fired trigger is consumed with.
	// Removing the row honours it; the dispatch pass detaches and does not.
	// 0 leaves it unbounded.
	ConsumeTimeout time.Duration
}

// DispatchFunc runs a campaign pass for a fired trigger.
type DispatchFunc func(ctx context.Context, campaignID int64) error

// armed is the in-memory half of a trigger.
type armed struct {
	fireAt time.Time
	ver    uint64
	timer  *time.Timer // nil until the timer is started
	// fired is set once the timer went off and the trigger was handed to the
	// engine; consume removes the entry.
	fired bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	store    storage.TriggerStore
	engine   *engine.Service
	dispatch DispatchFunc

	parser    cron.Parser
	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc

	// Register, Cancel and consume serialize per campaign id.
	locks keylock.Map[int64]

	tmu    sync.Mutex
	seq    uint64
	timers map[int64]*armed
	// gone records the seq at which a trigger was consumed or cancelled, so a
	// sync sweep working from an older listing does not resurrect it.
	gone map[int64]uint64

	enqMu       sync.Mutex
	lastEnqWarn map[int64]time.Time
}

type TriggerInfo struct {
	CampaignID int64     `json:"campaign_id"`
	FireAt     time.Time `json:"fire_at"`
	Overdue    bool      `json:"overdue"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Running   bool            `json:"running"`
	Timezone  string          `json:"timezone"`
	SyncEvery string          `json:"sync_every"`
	NextSync  time.Time       `json:"next_sync,omitempty"`
	Triggers  []TriggerInfo   `json:"triggers"`
	Engine    engine.Snapshot `json:"engine"`
}
