package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate rejects configs the service cannot run with. Empty fields are fine;
// defaults are applied where the config is mapped onto components.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	switch s := strings.ToLower(strings.TrimSpace(cfg.Scheduler.Store)); s {
	case "", "db", "file":
	default:
		errs = append(errs, fmt.Errorf("scheduler.store: unknown store %q", cfg.Scheduler.Store))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if spec := strings.TrimSpace(cfg.Scheduler.SyncEvery); spec != "" {
		p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := p.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.sync_every: %w", err))
		}
	}
	if _, err := ParseDurationField("scheduler.consume_timeout", cfg.Scheduler.ConsumeTimeout); err != nil {
		errs = append(errs, err)
	}

	if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 || cfg.TaskEngine.HistorySize < 0 {
		errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}
	if _, err := ParseDurationField("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}

	if cfg.Dispatch.Parallelism < 0 {
		errs = append(errs, errors.New("dispatch.parallelism must be >= 0"))
	}
	if _, err := ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout); err != nil {
		errs = append(errs, err)
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Transport.Default)); d {
	case "", "auto", "smtp", "telegram", "log":
	default:
		errs = append(errs, fmt.Errorf("transport.default: unknown transport %q", cfg.Transport.Default))
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Transport.Default)); d == "smtp" && strings.TrimSpace(cfg.Transport.SMTP.Host) == "" {
		errs = append(errs, errors.New("transport.smtp.host is required when transport.default is smtp"))
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Transport.Default)); d == "telegram" && strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
		errs = append(errs, errors.New("transport.telegram.token is required when transport.default is telegram"))
	}
	if cfg.Logging.Alert.Enabled && cfg.Logging.Alert.ChatID == 0 {
		errs = append(errs, errors.New("logging.alert.chat_id is required when alerts are enabled"))
	}

	if _, err := ParseDurationField("campaign.list_cache_ttl", cfg.Campaign.ListCacheTTL); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
