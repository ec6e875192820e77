package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	logx "mailcast/pkg/logx"
)

// ConfigManager owns the current Config: it loads the file, overlays
// MAILCAST_* variables and, while Watch runs, republishes validated edits.
type ConfigManager struct {
	path string
	log  logx.Logger

	// validator is an extra check Watch runs before committing a reload.
	validator func(ctx context.Context, cfg *Config) error

	mu      sync.RWMutex
	cfg     *Config
	printed uint64 // fingerprint of cfg

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

// NewConfigManager returns a manager for path. With an empty path the config
// is Default plus environment, and Watch just waits for ctx.
func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path: strings.TrimSpace(path),
		subs: make(map[chan *Config]struct{}),
	}
}

func (m *ConfigManager) Path() string              { return m.path }
func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file (if any) over Default and applies MAILCAST_* overrides.
// It neither validates nor commits.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := Default()
	if m.path != "" {
		raw, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if err := decodeStrict(m.path, raw, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is Parse, Validate and Commit.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	fp := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.printed = cfg, fp
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload. A slow
// reader only ever misses intermediate versions, never the newest one.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown or already removed channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped, subscriber slow", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest sends cfg, evicting one stale entry when ch is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload re-reads the file and commits it when it changed and passes checks.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	fp := fingerprint(cfg)
	m.mu.RLock()
	same := fp != 0 && fp == m.printed
	m.mu.RUnlock()
	if same {
		m.log.Debug("config file touched but content unchanged", logx.String("path", m.path))
		return
	}

	if err := m.check(ctx, cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.broadcast(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("fingerprint", fmt.Sprintf("%016x", fp)))
}

func (m *ConfigManager) check(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.validator(vctx, cfg)
}
