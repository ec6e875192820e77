// Package app wires storage, the dispatch engine, the trigger scheduler and
// the lifecycle manager into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailcast/internal/campaign"
	"mailcast/internal/config"
	"mailcast/internal/dispatch"
	"mailcast/internal/eventbus"
	"mailcast/internal/ledger"
	"mailcast/internal/observability/admin"
	rtsup "mailcast/internal/runtime/supervisor"
	"mailcast/internal/storage"
	"mailcast/internal/task/engine"
	"mailcast/internal/task/scheduler"
	"mailcast/internal/transport"
	logx "mailcast/pkg/logx"
	"mailcast/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	journal *storage.TriggerJournal
	ledger  *ledger.Ledger
	sender  *transport.Mux

	disp      *dispatch.Dispatcher
	engine    *engine.Service
	sched     *scheduler.Service
	campaigns *campaign.Manager
	admin     *admin.Service
}

// NewApp loads the config and builds every component without starting any
// background loop. Commands that only read or edit campaigns use it as is;
// the server additionally calls Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "transport"))
	mux, tg, err := buildTransport(cfg, bootLog)
	if err != nil {
		return nil, err
	}

	var alerts logx.AlertSender
	if tg != nil {
		alerts = tg
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg), alerts)
	if cfg.Logging.Alert.Enabled && tg == nil {
		log.Warn("logging.alert enabled without transport.telegram.token; alerts are dropped")
	}

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: eventbus.New(), sender: mux}
	if err := a.build(cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, a.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	var triggers storage.TriggerStore = st
	if path, ok := triggerJournalPath(cfg); ok {
		j, err := storage.OpenTriggerJournal(path, a.log)
		if err != nil {
			return fmt.Errorf("open trigger journal: %w", err)
		}
		a.journal = j
		triggers = j
		a.log.Info("triggers kept in journal", logx.String("path", path))
	}

	a.ledger = ledger.New(st)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(st, a.ledger, a.sender, dc, a.log, a.bus)

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ec, a.log, a.bus)

	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schc, triggers, a.engine, a.dispatchFired, a.log, a.bus)

	cc, err := mapCampaignConfig(cfg)
	if err != nil {
		return err
	}
	a.campaigns = campaign.New(st, a.sched, cc, a.log)

	a.admin = admin.New(mapAdminConfig(cfg), admin.Deps{
		Health:   a.health,
		Triggers: a.sched,
		Attempts: a.ledger,
	}, a.log)
	return nil
}

// dispatchFired runs the pass for a fired trigger. A trigger that outlived
// its campaign is consumed quietly.
func (a *App) dispatchFired(ctx context.Context, campaignID int64) error {
	_, err := a.disp.Dispatch(ctx, campaignID)
	if errors.Is(err, dispatch.ErrCampaignNotFound) {
		a.log.Warn("trigger fired for a missing campaign", logx.Int64("campaign_id", campaignID))
		return nil
	}
	return err
}

func (a *App) Config() *config.Config           { return a.cfgm.Get() }
func (a *App) Campaigns() *campaign.Manager     { return a.campaigns }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Scheduler() *scheduler.Service    { return a.sched }
func (a *App) Ledger() *ledger.Ledger           { return a.ledger }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Logger() logx.Logger              { return a.log }

// UsesTriggerJournal reports whether triggers live outside the database.
func (a *App) UsesTriggerJournal() bool { return a.journal != nil }

// Triggers is the store the scheduler persists triggers in.
func (a *App) Triggers() storage.TriggerStore {
	if a.journal != nil {
		return a.journal
	}
	return a.store
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if a.sup != nil && !a.sup.Healthy() {
		return fmt.Errorf("app: %w", a.sup.Err())
	}
	if sup := a.engine.Supervisor(); sup != nil && !sup.Healthy() {
		return fmt.Errorf("task engine: %w", sup.Err())
	}
	if a.sched.Enabled() && !a.sched.Snapshot().Running {
		return errors.New("scheduler not running")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		var errs []error
		collect := func(err error) {
			if err != nil {
				errs = append(errs, err)
			}
		}
		_, err := mapStorageConfig(cfg)
		collect(err)
		_, err = mapTaskEngineConfig(cfg)
		collect(err)
		_, err = mapSchedulerConfig(cfg)
		collect(err)
		_, err = mapDispatchConfig(cfg)
		collect(err)
		_, err = mapCampaignConfig(cfg)
		collect(err)
		return errors.Join(errs...)
	})

	runCtx := a.sup.Context()
	a.engine.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		a.sup.Cancel()
		return err
	}
	a.admin.Start(runCtx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.RunWatchdog(c, iv, func() bool { return a.health() == nil })
		})
	}
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(c context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if dc, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
	}
	if cc, err := mapCampaignConfig(next); err != nil {
		a.log.Warn("invalid campaign config; keeping previous", logx.Err(err))
	} else {
		a.campaigns.Apply(cc)
	}
	if ec, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		// The enable flag follows the scheduler and needs a restart.
		ec.Enabled = a.engine.Enabled()
		a.engine.Apply(c, ec)
	}
	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		sc.Enabled = a.sched.Enabled()
		a.sched.Apply(sc)
	}
	a.admin.Reconfigure(c, mapAdminConfig(next))

	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// The scheduler stops arming before the engine drains running passes.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.Close()
	return nil
}

// Close releases storage and the log sinks. Stop calls it; commands that
// never Start call it directly.
func (a *App) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("trigger journal close failed", logx.Err(err))
		}
		a.journal = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
