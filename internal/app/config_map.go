package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailcast/internal/campaign"
	"mailcast/internal/config"
	"mailcast/internal/dispatch"
	"mailcast/internal/observability/admin"
	"mailcast/internal/storage"
	"mailcast/internal/task/engine"
	"mailcast/internal/task/scheduler"
	"mailcast/internal/transport"
	"mailcast/internal/transport/smtp"
	"mailcast/internal/transport/telegram"
	logx "mailcast/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// triggerJournalPath returns the journal path when triggers live in a file
// instead of the database.
func triggerJournalPath(cfg *config.Config) (string, bool) {
	if !strings.EqualFold(strings.TrimSpace(cfg.Scheduler.Store), "file") {
		return "", false
	}
	p := strings.TrimSpace(cfg.Scheduler.JournalPath)
	if p == "" {
		p = "./data/triggers.jsonl"
	}
	return p, true
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	tc := cfg.TaskEngine
	timeout, err := config.ParseDurationField("task_engine.default_timeout", tc.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	workers := tc.Workers
	if workers == 0 {
		workers = 2
	}
	queue := tc.QueueSize
	if queue == 0 {
		queue = 256
	}
	history := tc.HistorySize
	if history == 0 {
		history = 200
	}
	return engine.Config{
		// The engine only exists to run what the scheduler fires.
		Enabled:        cfg.Scheduler.IsEnabled(),
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: timeout,
		HistorySize:    history,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	consume, err := config.ParseDurationField("scheduler.consume_timeout", cfg.Scheduler.ConsumeTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.IsEnabled(),
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
		SyncEvery:      strings.TrimSpace(cfg.Scheduler.SyncEvery),
		ConsumeTimeout: consume,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	st, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RatePerSec:  cfg.Dispatch.RatePerSec,
		Parallelism: cfg.Dispatch.Parallelism,
		SendTimeout: st,
	}, nil
}

func mapCampaignConfig(cfg *config.Config) (campaign.Config, error) {
	ttl, err := config.ParseDurationField("campaign.list_cache_ttl", cfg.Campaign.ListCacheTTL)
	if err != nil {
		return campaign.Config{}, err
	}
	return campaign.Config{CancelOnFinish: cfg.Campaign.CancelsOnFinish(), ListCacheTTL: ttl}, nil
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	addr := strings.TrimSpace(cfg.Admin.Addr)
	if addr == "" {
		addr = admin.DefaultAddr
	}
	return admin.Config{
		Enabled:      cfg.Admin.Enabled,
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // pprof profile runs 30s by default
		IdleTimeout:  60 * time.Second,
	}
}

// buildTransport constructs the configured senders. tg is nil when no bot
// token is set.
func buildTransport(cfg *config.Config, log logx.Logger) (*transport.Mux, *telegram.Sender, error) {
	var email, tgSender transport.Sender
	var tg *telegram.Sender

	if host := strings.TrimSpace(cfg.Transport.SMTP.Host); host != "" {
		s, err := smtp.New(smtp.Config{
			Host:     host,
			Port:     cfg.Transport.SMTP.Port,
			Username: cfg.Transport.SMTP.Username,
			Password: cfg.Transport.SMTP.Password,
			From:     cfg.Transport.SMTP.From,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("transport.smtp: %w", err)
		}
		email = s
	}
	if token := strings.TrimSpace(cfg.Transport.Telegram.Token); token != "" {
		s, err := telegram.New(telegram.Config{Token: token, ParseMode: cfg.Transport.Telegram.ParseMode}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("transport.telegram: %w", err)
		}
		tg = s.WithAlertChat(cfg.Logging.Alert.ChatID)
		tgSender = tg
	}

	mux, err := transport.NewMux(cfg.Transport.Default, email, tgSender, log)
	if err != nil {
		return nil, nil, err
	}
	return mux, tg, nil
}

// Migrate applies pending sqlite migrations for the config at cfgPath.
func Migrate(ctx context.Context, cfgPath string) ([]string, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if sc.Driver != "sqlite" {
		return nil, fmt.Errorf("migrate: storage.driver %q has no schema", sc.Driver)
	}
	return storage.Migrate(ctx, sc)
}
