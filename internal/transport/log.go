package transport

import (
	"context"

	logx "mailcast/pkg/logx"
)

// LogSender is the dry-run transport: every send succeeds and is logged.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log.With(logx.String("comp", "transport.log"))}
}

func (s *LogSender) Send(ctx context.Context, address, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("dry-run send",
		logx.String("to", address),
		logx.String("subject", subject),
		logx.Int("body_len", len(body)),
	)
	return nil
}
