package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertSender delivers one rendered alert, e.g. to a Telegram chat.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

const (
	alertMaxLen     = 3500
	alertFieldLen   = 600
	alertStackLen   = 900
	alertSendBudget = 10 * time.Second
)

// alerter is a zerolog LevelWriter that queues qualifying lines for a
// background sender. Logging never waits on it.
type alerter struct {
	queue chan string

	mu      sync.Mutex
	sender  AlertSender
	min     zerolog.Level
	limit   *rate.Limiter
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newAlerter(sender AlertSender) *alerter {
	return &alerter{
		queue:  make(chan string, 256),
		sender: sender,
		min:    LevelWarn,
		limit:  rate.NewLimiter(1, 1),
	}
}

func (a *alerter) setSender(sender AlertSender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

func (a *alerter) configure(cfg AlertConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.min = parseLevel(cfg.MinLevel, LevelWarn)
	perSec := max(cfg.RatePerSec, 1)
	a.limit = rate.NewLimiter(rate.Limit(perSec), perSec)
	if !cfg.Enabled || a.running {
		return
	}
	if a.sender == nil {
		fmt.Fprintln(os.Stderr, "logx: alerts enabled without a sender; they will be dropped")
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.running, a.cancel, a.done = true, cancel, make(chan struct{})
	go a.loop(ctx, a.done)
}

func (a *alerter) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.running, a.cancel, a.done = false, nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *alerter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendBudget)
			_ = sender.SendAlert(sctx, text)
			cancel()
		}
	}
}

func (a *alerter) Write(p []byte) (int, error) { return a.WriteLevel(LevelInfo, p) }

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && level >= a.min && a.limit.Allow()
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := renderAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// renderAlert turns a JSON log line into "[LEVEL] message" followed by one
// "- key=value" line per field, sorted by key. time and caller are dropped.
func renderAlert(line []byte) string {
	line = bytes.TrimSpace(line)
	var rec map[string]any
	if err := json.Unmarshal(line, &rec); err != nil {
		return clip(string(line), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.CallerFieldName, "stack":
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), alertFieldLen))
	}
	if st, ok := rec["stack"]; ok {
		fmt.Fprintf(&b, "\n- stack=\n%s", clip(fmt.Sprint(st), alertStackLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
