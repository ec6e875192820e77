package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "mailcast/pkg/logx"
)

const (
	settleDelay    = 250 * time.Millisecond
	rewatchInitial = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

var errWatchClosed = errors.New("fsnotify channels closed")

// Watch reloads the file after it changes, until ctx is done. Bursts of
// events (editors write, rename and chmod for one save) collapse into one
// reload after settleDelay. A failed fsnotify watcher is recreated with
// jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	delay := rewatchInitial
	for {
		err := m.watchDir(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errWatchClosed) {
			delay = rewatchInitial
		}
		wait := delay + time.Duration(rand.Int63n(int64(delay/2+1)))
		m.log.Warn("config watcher restarting", logx.String("path", m.path), logx.Duration("backoff", wait), logx.Err(err))
		delay = min(2*delay, rewatchMax)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchDir watches the file's directory (so replace-on-save is seen) and
// returns only on ctx or watcher failure.
func (m *ConfigManager) watchDir(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatchClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatchClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were lost; reload to be safe
				settle.Reset(settleDelay)
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}
