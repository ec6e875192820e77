package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Scheduler controls how campaign triggers are kept and armed.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine runs fired triggers off the timer goroutines.
	TaskEngine TaskEngineConfig `json:"task_engine"`

	Dispatch  DispatchConfig  `json:"dispatch"`
	Transport TransportConfig `json:"transport"`
	Campaign  CampaignConfig  `json:"campaign"`
	Admin     AdminConfig     `json:"admin"`
}

type LoggingConfig struct {
	Level   string             `json:"level"`
	Console bool               `json:"console"`
	File    LoggingFileConfig  `json:"file"`
	Alert   LoggingAlertConfig `json:"alert"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlertConfig forwards warn+ log lines to a Telegram chat.
// Requires transport.telegram.token.
type LoggingAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mailcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls trigger persistence and timers.
//
// Enabled is a pointer so an omitted block means enabled.
//
// Defaults:
//   - store: "db" (triggers table); "file" keeps a JSONL journal at journal_path
//   - sync_every: "@every 30s" (cron spec; reconciles timers with the store)
//   - consume_timeout: "0s" (no bound); it limits removing the fired trigger
//     row, never the dispatch pass, which always runs to completion
type SchedulerConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	Store          string `json:"store,omitempty"`
	JournalPath    string `json:"journal_path,omitempty"`
	SyncEvery      string `json:"sync_every,omitempty"`
	ConsumeTimeout string `json:"consume_timeout,omitempty"`
}

func (c SchedulerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// TaskEngineConfig controls the worker pool that executes fired triggers.
//
// Defaults: workers 2, queue_size 256, default_timeout "0s", history_size 200.
// default_timeout bounds a task's context; dispatch passes detach from it.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// DispatchConfig bounds a dispatch pass.
//
// rate_per_sec <= 0 disables the limiter. parallelism <= 1 sends sequentially.
// send_timeout defaults to "30s".
type DispatchConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Parallelism int    `json:"parallelism,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// TransportConfig picks the sender for each recipient address.
//
// default: "auto" routes tg:<chat id> to Telegram and everything else to SMTP;
// "smtp", "telegram" and "log" force one sender.
type TransportConfig struct {
	Default  string                  `json:"default,omitempty"`
	SMTP     SMTPConfig              `json:"smtp"`
	Telegram TelegramTransportConfig `json:"telegram"`
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // prefer MAILCAST_SMTP_PASSWORD
	From     string `json:"from,omitempty"`
}

type TelegramTransportConfig struct {
	Token     string `json:"token,omitempty"` // prefer MAILCAST_TELEGRAM_TOKEN
	ParseMode string `json:"parse_mode,omitempty"`
}

type CampaignConfig struct {
	// CancelOnFinish cancels the pending trigger when a campaign is
	// force-finished. Defaults to true.
	CancelOnFinish *bool  `json:"cancel_on_finish,omitempty"`
	ListCacheTTL   string `json:"list_cache_ttl,omitempty"`
}

func (c CampaignConfig) CancelsOnFinish() bool { return c.CancelOnFinish == nil || *c.CancelOnFinish }

// AdminConfig controls the HTTP server for health, metrics, pprof and the
// read-only trigger/attempt API. Prefer a loopback address.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/mailcast.db"},
	}
}
