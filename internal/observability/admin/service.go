// Package admin serves health, metrics, pprof and a read-only view of
// triggers and attempts over HTTP.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "mailcast/internal/runtime/supervisor"
	logx "mailcast/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

type Config struct {
	Enabled      bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// listenAddr is Addr with the default filled in.
func (c Config) listenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// run is one Start..Stop cycle of the server.
type run struct {
	cfg     Config
	sup     *rtsup.Supervisor
	closing chan struct{} // set by Stop, closed once the loop has exited

	srv   *http.Server
	bound string
}

type Service struct {
	log  logx.Logger
	deps Deps

	mu  sync.Mutex
	cfg Config
	cur *run
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "admin"))}
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Addr is the bound address, or "" while nothing is listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.bound
}

// Reconfigure starts, stops or rebinds the server to match cfg.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	var active Config
	live := s.cur != nil
	if live {
		active = s.cur.cfg
	}
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !live:
		s.Start(ctx)
	case active != cfg:
		s.log.Info("admin server rebinding", logx.String("addr", cfg.listenAddr()))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start serves in the background; listen failures are retried with backoff
// and never reach the caller.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.cur != nil && s.cur.closing != nil {
		closing := s.cur.closing
		s.mu.Unlock()
		select {
		case <-closing:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	r := &run{
		cfg: s.cfg,
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.cur = r
	s.mu.Unlock()

	r.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, r) },
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	first := r.closing == nil
	if first {
		r.closing = make(chan struct{})
	}
	closing, srv := r.closing, r.srv
	s.mu.Unlock()

	if first {
		go func() {
			if srv != nil {
				_ = srv.Shutdown(ctx)
			}
			r.sup.Cancel()
			_ = r.sup.Wait(context.Background())
			s.mu.Lock()
			if s.cur == r {
				s.cur = nil
			}
			s.mu.Unlock()
			close(closing)
			s.log.Info("admin server stopped")
		}()
	}
	select {
	case <-closing:
	case <-ctx.Done():
		r.sup.Cancel()
	}
}

// serve binds and serves once. It returns nil when the run is being stopped
// and an error (so the supervisor retries) otherwise.
func (s *Service) serve(ctx context.Context, r *run) error {
	addr := r.cfg.listenAddr()
	if !isLoopbackAddr(addr) {
		s.log.Warn("admin server bound to a non-loopback address; it has no auth", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Error("admin listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       r.cfg.ReadTimeout,
		WriteTimeout:      r.cfg.WriteTimeout,
		IdleTimeout:       r.cfg.IdleTimeout,
	}
	s.mu.Lock()
	r.srv, r.bound = srv, ln.Addr().String()
	s.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stopWatch()

	s.log.Info("admin server started", logx.String("addr", r.bound))
	err = srv.Serve(ln)
	_ = srv.Close()

	s.mu.Lock()
	r.srv, r.bound = nil, ""
	stopping := r.closing != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return nil
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("admin server closed while running")
	default:
		return err
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
