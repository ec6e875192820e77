package engine

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("engine: disabled")
	ErrStopped       = errors.New("engine: not running")
	ErrStopping      = errors.New("engine: stopping")
	ErrQueueFull     = errors.New("engine: queue full")
	ErrAlreadyQueued = errors.New("engine: exclusive task already queued or running")
)

// Config is the task_engine section after mapping. Fired triggers and sync
// sweeps run here; the scheduler only decides when.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int
	// DefaultTimeout applies to tasks without their own Timeout. 0 = none.
	DefaultTimeout time.Duration
	HistorySize    int
}

// Task is one unit of work.
//
// An Exclusive task is refused with ErrAlreadyQueued while another task with
// the same Key (Name when Key is empty) is queued or running.
type Task struct {
	ID        string
	Name      string
	Key       string
	Exclusive bool
	Timeout   time.Duration
	Run       func(ctx context.Context) error
}

func (t Task) gateKey() string {
	if t.Key != "" {
		return t.Key
	}
	return t.Name
}

// Record describes a finished (or dropped) task. It is kept in the history
// ring and published on the bus.
type Record struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled        bool          `json:"enabled"`
	Workers        int           `json:"workers"`
	QueueLen       int           `json:"queue_len"`
	QueueCap       int           `json:"queue_cap"`
	InFlight       int           `json:"in_flight"`
	Dropped        uint64        `json:"dropped"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	History        []Record      `json:"history"`
}
