// Package smtp sends campaign messages through an SMTP relay.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	netsmtp "net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"mailcast/internal/transport"
	logx "mailcast/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// DialTimeout bounds the TCP connect when ctx has no deadline.
	DialTimeout time.Duration
}

// Sender opens one SMTP session per message. Sessions are short and the
// relay decides per recipient, so there is no connection reuse.
type Sender struct {
	cfg  Config
	from *mail.Address
	log  logx.Logger
	now  func() time.Time
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("smtp host is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	fromRaw := strings.TrimSpace(cfg.From)
	if fromRaw == "" {
		fromRaw = "mailcast@" + cfg.Host
	}
	from, err := mail.ParseAddress(fromRaw)
	if err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, from: from, log: log.With(logx.String("comp", "transport.smtp")), now: time.Now}, nil
}

func (s *Sender) addr() string { return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)) }

func (s *Sender) Send(ctx context.Context, address, subject, body string) error {
	to, err := mail.ParseAddress(address)
	if err != nil {
		return &transport.Error{Code: 400, Err: fmt.Errorf("%w: %v", transport.ErrInvalidAddress, err)}
	}

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		return &transport.Error{Code: 503, Err: fmt.Errorf("dial %s: %w", s.addr(), err)}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock the session if ctx is cancelled mid-conversation.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := netsmtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return wrap("greeting", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return wrap("starttls", err)
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := netsmtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return wrap("auth", err)
			}
		}
	}
	if err := c.Mail(s.from.Address); err != nil {
		return wrap("mail from", err)
	}
	if err := c.Rcpt(to.Address); err != nil {
		return wrap("rcpt to", err)
	}
	w, err := c.Data()
	if err != nil {
		return wrap("data", err)
	}
	if _, err := w.Write(s.buildMessage(to, subject, body)); err != nil {
		_ = w.Close()
		return wrap("write body", err)
	}
	if err := w.Close(); err != nil {
		return wrap("end data", err)
	}
	if err := c.Quit(); err != nil {
		// The relay already accepted the message.
		s.log.Debug("smtp quit failed", logx.Err(err))
	}
	return nil
}

func (s *Sender) buildMessage(to *mail.Address, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// wrap keeps the relay's reply code so the attempt records it.
func wrap(stage string, err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return &transport.Error{Code: tp.Code, Err: fmt.Errorf("smtp %s: %w", stage, err)}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &transport.Error{Code: 504, Err: fmt.Errorf("smtp %s: %w", stage, err)}
	}
	return &transport.Error{Code: 502, Err: fmt.Errorf("smtp %s: %w", stage, err)}
}
