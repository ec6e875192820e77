// Package transport delivers one message to one address.
//
// Senders report pass/fail only and never retry. A failure may carry a
// status code (see Error); callers record it with the attempt.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"mailcast/internal/models"
)

type Sender interface {
	Send(ctx context.Context, address, subject, body string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, address, subject, body string) error

func (f SenderFunc) Send(ctx context.Context, address, subject, body string) error {
	return f(ctx, address, subject, body)
}

// Error is a delivery failure with a status code.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error %d", e.Code)
	}
	return fmt.Sprintf("transport error %d: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with the given code.
func Errorf(code int, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrNotConfigured  = errors.New("transport not configured")
)

// StatusCode maps a send result onto the code stored with an attempt.
func StatusCode(err error) int {
	if err == nil {
		return models.StatusCodeOK
	}
	var te *Error
	if errors.As(err, &te) && te.Code > 0 {
		return te.Code
	}
	if errors.Is(err, ErrInvalidAddress) {
		return 400
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 504
	}
	return models.StatusCodeError
}

// Kind is the address family a recipient belongs to.
type Kind string

const (
	KindEmail    Kind = "email"
	KindTelegram Kind = "telegram"
)

const telegramPrefix = "tg:"

// ParseAddress classifies an address. "tg:<chat id>" is a Telegram chat,
// anything mail.ParseAddress accepts is email.
func ParseAddress(address string) (Kind, string, error) {
	a := strings.TrimSpace(address)
	if rest, ok := strings.CutPrefix(strings.ToLower(a), telegramPrefix); ok {
		if _, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err != nil {
			return "", "", &Error{Code: 400, Err: fmt.Errorf("%w: %q is not a telegram chat id", ErrInvalidAddress, address)}
		}
		return KindTelegram, strings.TrimSpace(rest), nil
	}
	parsed, err := mail.ParseAddress(a)
	if err != nil {
		return "", "", &Error{Code: 400, Err: fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)}
	}
	return KindEmail, parsed.Address, nil
}

// TelegramChatID extracts the chat id from a "tg:" address.
func TelegramChatID(address string) (int64, error) {
	kind, rest, err := ParseAddress(address)
	if err != nil {
		return 0, err
	}
	if kind != KindTelegram {
		return 0, &Error{Code: 400, Err: fmt.Errorf("%w: %q is not a telegram address", ErrInvalidAddress, address)}
	}
	return strconv.ParseInt(rest, 10, 64)
}
