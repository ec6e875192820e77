package transport

import (
	"context"
	"fmt"
	"strings"

	logx "mailcast/pkg/logx"
)

// Mode selects how Mux routes.
const (
	ModeAuto     = "auto"
	ModeSMTP     = "smtp"
	ModeTelegram = "telegram"
	ModeLog      = "log"
)

// Mux validates the address and hands the send to the sender for its kind,
// or to a single forced sender.
type Mux struct {
	mode     string
	email    Sender
	telegram Sender
	dryRun   Sender
}

func NewMux(mode string, email, telegram Sender, log logx.Logger) (*Mux, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeAuto
	}
	m := &Mux{mode: mode, email: email, telegram: telegram, dryRun: NewLogSender(log)}
	switch mode {
	case ModeAuto, ModeLog:
	case ModeSMTP:
		if email == nil {
			return nil, fmt.Errorf("transport %s: %w", mode, ErrNotConfigured)
		}
	case ModeTelegram:
		if telegram == nil {
			return nil, fmt.Errorf("transport %s: %w", mode, ErrNotConfigured)
		}
	default:
		return nil, fmt.Errorf("unknown transport mode %q", mode)
	}
	return m, nil
}

func (m *Mux) Mode() string { return m.mode }

func (m *Mux) Send(ctx context.Context, address, subject, body string) error {
	kind, _, err := ParseAddress(address)
	if err != nil {
		return err
	}
	s := m.route(kind)
	if s == nil {
		return &Error{Code: 503, Err: fmt.Errorf("%s recipients: %w", kind, ErrNotConfigured)}
	}
	return s.Send(ctx, address, subject, body)
}

func (m *Mux) route(kind Kind) Sender {
	switch m.mode {
	case ModeLog:
		return m.dryRun
	case ModeSMTP:
		return m.email
	case ModeTelegram:
		return m.telegram
	}
	if kind == KindTelegram {
		return m.telegram
	}
	return m.email
}
