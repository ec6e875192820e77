// Package telegram delivers campaign messages to Telegram chats addressed as
// "tg:<chat id>" and doubles as the log alert sink.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mailcast/internal/transport"
	logx "mailcast/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token     string
	ParseMode string
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL  string
	Timeout time.Duration
}

// Sender wraps a send-only bot. It never polls for updates.
type Sender struct {
	bot       *tele.Bot
	parseMode tele.ParseMode
	log       logx.Logger

	alertChat int64
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimSpace(cfg.APIURL),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		bot:       b,
		parseMode: tele.ParseMode(cfg.ParseMode),
		log:       log.With(logx.String("comp", "transport.telegram")),
	}, nil
}

// WithAlertChat sets the chat SendAlert posts to.
func (s *Sender) WithAlertChat(chatID int64) *Sender {
	s.alertChat = chatID
	return s
}

func (s *Sender) Send(ctx context.Context, address, subject, body string) error {
	chatID, err := transport.TelegramChatID(address)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(body)
	if subj := strings.TrimSpace(subject); subj != "" {
		text = subj + "\n\n" + text
	}
	return s.sendText(ctx, chatID, text)
}

// SendAlert implements logx.AlertSender.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	if s.alertChat == 0 {
		return nil
	}
	return s.sendText(ctx, s.alertChat, text)
}

func (s *Sender) sendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{ParseMode: s.parseMode, DisableWebPagePreview: true}
	for _, chunk := range splitText(text, textLimit, string(s.parseMode)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, opts); err != nil {
			return wrap(err)
		}
	}
	return nil
}

// wrap keeps the Bot API error code (400 bad chat, 403 blocked, 429 flood).
func wrap(err error) error {
	var te *tele.Error
	if errors.As(err, &te) && te.Code > 0 {
		return &transport.Error{Code: te.Code, Err: fmt.Errorf("telegram: %w", err)}
	}
	return &transport.Error{Code: 502, Err: fmt.Errorf("telegram: %w", err)}
}

const textLimit = 4000

// splitText cuts text into chunks under limit runes, preferring newline
// boundaries and, for HTML, never ending a chunk inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if strings.EqualFold(parseMode, "HTML") {
				open, closed := -1, -1
				for i := start; i < end; i++ {
					switch rs[i] {
					case '<':
						open = i
					case '>':
						closed = i
					}
				}
				if open > closed && open > start+1 {
					end = open
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
