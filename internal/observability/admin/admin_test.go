package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailcast/internal/ledger"
	"mailcast/internal/models"
	"mailcast/internal/storage"
	"mailcast/internal/task/scheduler"
	logx "mailcast/pkg/logx"
)

type fixedTriggers struct{ snap scheduler.Snapshot }

func (f fixedTriggers) Snapshot() scheduler.Snapshot { return f.snap }

func newTestHandler(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	return New(Config{Enabled: true}, deps, logx.Nop()).Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		health func() error
		want   int
	}{
		{"no health func", nil, http.StatusOK},
		{"healthy", func() error { return nil }, http.StatusOK},
		{"unhealthy", func() error { return errors.New("scheduler loop stopped") }, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := get(t, newTestHandler(t, Deps{Health: tc.health}), "/healthz")
			if rec.Code != tc.want {
				t.Fatalf("code = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestMetricsAndProfiler(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, Deps{})
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mailcast_") {
		t.Fatalf("metrics: code = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: code = %d", rec.Code)
	}
}

func TestTriggers(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newTestHandler(t, Deps{Triggers: fixedTriggers{scheduler.Snapshot{
		Enabled:  true,
		Running:  true,
		Triggers: []scheduler.TriggerInfo{{CampaignID: 7, FireAt: at}},
	}}})

	rec := get(t, h, "/api/triggers")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got scheduler.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Triggers) != 1 || got.Triggers[0].CampaignID != 7 || !got.Triggers[0].FireAt.Equal(at) {
		t.Fatalf("triggers = %+v", got.Triggers)
	}
}

func TestAttempts(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	l := ledger.New(st)
	ctx := context.Background()
	for i, o := range []models.Outcome{models.OutcomeSucceeded, models.OutcomeFailed, models.OutcomeSucceeded} {
		if _, err := l.Append(ctx, models.Attempt{PassID: "p1", CampaignID: 3, RecipientID: int64(i + 1), Outcome: o}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	h := newTestHandler(t, Deps{Attempts: l})

	rec := get(t, h, "/api/campaigns/3/attempts")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	var got attemptsResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Summary.Total != 3 || got.Summary.Succeeded != 2 || got.Summary.Failed != 1 || got.Summary.Passes != 1 {
		t.Fatalf("summary = %+v", got.Summary)
	}
	if len(got.Attempts) != 3 || got.Attempts[0].RecipientID != 1 {
		t.Fatalf("attempts = %+v", got.Attempts)
	}

	// Unknown campaigns have an empty ledger, not an error.
	rec = get(t, h, "/api/campaigns/99/attempts")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"attempts":[]`) {
		t.Fatalf("empty: code = %d body = %s", rec.Code, rec.Body.String())
	}

	if rec := get(t, h, "/api/campaigns/abc/attempts"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: code = %d", rec.Code)
	}
}

func TestRoutesAbsentWithoutDeps(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, Deps{})
	for _, p := range []string{"/api/triggers", "/api/campaigns/1/attempts"} {
		if rec := get(t, h, p); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: code = %d", p, rec.Code)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server still running after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:80":   true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.2:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
