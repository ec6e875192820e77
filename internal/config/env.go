package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides are deployment settings read from MAILCAST_* variables. Secrets
// belong here rather than in the config file.
type EnvOverrides struct {
	LogLevel      string `env:"MAILCAST_LOG_LEVEL"`
	StorageDriver string `env:"MAILCAST_STORAGE_DRIVER"`
	StoragePath   string `env:"MAILCAST_STORAGE_PATH"`
	SMTPHost      string `env:"MAILCAST_SMTP_HOST"`
	SMTPUsername  string `env:"MAILCAST_SMTP_USERNAME"`
	SMTPPassword  string `env:"MAILCAST_SMTP_PASSWORD"`
	SMTPFrom      string `env:"MAILCAST_SMTP_FROM"`
	TelegramToken string `env:"MAILCAST_TELEGRAM_TOKEN"`
	AdminAddr     string `env:"MAILCAST_ADMIN_ADDR"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyEnv overlays non-empty MAILCAST_* values onto cfg.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var o EnvOverrides
	if err := ParseEnv(&o); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Transport.SMTP.Host, o.SMTPHost)
	set(&cfg.Transport.SMTP.Username, o.SMTPUsername)
	set(&cfg.Transport.SMTP.Password, o.SMTPPassword)
	set(&cfg.Transport.SMTP.From, o.SMTPFrom)
	set(&cfg.Transport.Telegram.Token, o.TelegramToken)
	if a := strings.TrimSpace(o.AdminAddr); a != "" {
		cfg.Admin.Addr = a
		cfg.Admin.Enabled = true
	}
	return nil
}
