package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards lines at or above MinLevel to an AlertSender,
// at most RatePerSec per second.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./mailcast.log"

// Service owns the sinks behind every Logger it hands out. Apply rebuilds the
// sinks and swaps them atomically.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu     sync.Mutex
	file   *os.File
	alerts *alerter
}

// New applies cfg and returns the service with its root Logger. sender may be
// nil, in which case alerts are dropped.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	s := &Service{alerts: newAlerter(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) SetAlertSender(sender AlertSender) { s.alerts.setSender(sender) }

// Apply is safe to call while other goroutines log.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	old := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.alerts.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		sinks = append(sinks, s.alerts)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if old != nil {
		_ = old.Close()
	}
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	s.alerts.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
