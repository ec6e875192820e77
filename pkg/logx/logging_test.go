package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{raw: "debug", want: zerolog.DebugLevel},
		{raw: " WARNING ", want: zerolog.WarnLevel},
		{raw: "error", want: zerolog.ErrorLevel},
		{raw: "bogus", want: zerolog.InfoLevel},
		{raw: "", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("pass finished", Int64("campaign", 7), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	if m["comp"] != "dispatch" {
		t.Fatalf("comp = %v, want dispatch", m["comp"])
	}
	if m["campaign"] != float64(7) {
		t.Fatalf("campaign = %v, want 7", m["campaign"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v, want boom", m["err"])
	}
	if m["message"] != "pass finished" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled at warn level")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
}

func TestRenderAlert(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","message":"send failed","campaign":3,"time":"x"}`)
	got := renderAlert(line)
	if !strings.HasPrefix(got, "[WARN] send failed") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "- campaign=3") {
		t.Fatalf("missing field: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be dropped: %q", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestServiceAlertSink(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/mailcast.log"},
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("dispatch failed", Int64("campaign", 1))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sender.count(); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
}
