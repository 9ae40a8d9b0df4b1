package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// SMTPSender opens one connection per message.
type SMTPSender struct {
	cfg SMTPConfig
	log *zap.Logger
	now func() time.Time
}

func NewSMTPSender(cfg SMTPConfig, log *zap.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPSender{cfg: cfg, log: log.Named("smtp"), now: time.Now}
}

func (s *SMTPSender) Send(ctx context.Context, env Envelope) (string, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	d := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", errors.Wrapf(err, "dial %s", addr)
	}
	deadline := time.Now().Add(s.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return "", errors.Wrap(err, "smtp greeting")
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return "", errors.Wrap(err, "starttls")
		}
	}
	if ok, _ := c.Extension("AUTH"); ok && s.cfg.User != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)); err != nil {
			return "", errors.Wrap(err, "smtp auth")
		}
	}

	id := "<" + uuid.NewString() + "@" + s.cfg.Host + ">"
	if err := c.Mail(env.From); err != nil {
		return "", errors.Wrap(err, "mail from")
	}
	if err := c.Rcpt(env.To); err != nil {
		return "", errors.Wrap(err, "rcpt to")
	}
	w, err := c.Data()
	if err != nil {
		return "", errors.Wrap(err, "data")
	}
	if _, err := w.Write(buildMessage(env, id, s.now())); err != nil {
		return "", errors.Wrap(err, "write body")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "end data")
	}
	if err := c.Quit(); err != nil {
		s.log.Debug("smtp quit", zap.Error(err))
	}
	return id, nil
}

func headerValue(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

func buildMessage(env Envelope, id string, at time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(env.From))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(env.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(env.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(env.Body)
	return b.Bytes()
}
