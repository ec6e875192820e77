package config

import (
	"reflect"
	"strings"

	logx "mailcast/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (SMTP password, bot token) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.store", newCfg.Scheduler.Store),
			logx.String("scheduler.sync_every", newCfg.Scheduler.SyncEvery),
		)
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs, logx.Int("task_engine.workers", newCfg.TaskEngine.Workers))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.parallelism", newCfg.Dispatch.Parallelism),
			logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout),
		)
	}
	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.default", newCfg.Transport.Default),
			logx.String("transport.smtp.host", newCfg.Transport.SMTP.Host),
			logx.Bool("transport.smtp.password_set", strings.TrimSpace(newCfg.Transport.SMTP.Password) != ""),
			logx.Bool("transport.telegram.token_set", strings.TrimSpace(newCfg.Transport.Telegram.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Campaign, newCfg.Campaign) {
		changed = append(changed, "campaign")
		attrs = append(attrs, logx.Bool("campaign.cancel_on_finish", newCfg.Campaign.CancelsOnFinish()))
	}
	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs, logx.Bool("admin.enabled", newCfg.Admin.Enabled), logx.String("admin.addr", newCfg.Admin.Addr))
	}
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart. Logging, dispatch, campaign, task_engine and admin are applied
// live; for scheduler only the enable flag and the trigger store need one.
func RestartRequired(oldCfg, newCfg *Config) []string {
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	out := make([]string, 0, len(changed))
	for _, s := range changed {
		switch s {
		case "logging", "dispatch", "campaign", "task_engine", "admin":
			continue
		case "scheduler":
			o, n := oldCfg.Scheduler, newCfg.Scheduler
			if o.IsEnabled() == n.IsEnabled() && o.Store == n.Store && o.JournalPath == n.JournalPath {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}
