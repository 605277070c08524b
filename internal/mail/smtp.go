// Package mail delivers customer alerts over SMTP or a signed webhook and
// keeps a file outbox for alerts that could not be delivered.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/notify"
)

var ErrNoRecipient = errors.New("mail: recipient is required")

// sendFunc is smtp.SendMail with a context.
type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers alerts through an SMTP relay.
type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth
	send sendFunc
}

// NewSMTPSender creates a sender for addr (host:port). Username and
// password are optional; when set, PLAIN auth is used.
func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	s := &SMTPSender{addr: addr, from: from, send: sendMail}
	if username != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

// Channel reports the delivery channel recorded for this sender.
func (s *SMTPSender) Channel() cases.Channel { return cases.ChannelMail }

// Send delivers msg. The SMTP conversation is bounded by ctx; when ctx
// ends the connection is torn down, so a timed out send cannot complete
// later.
func (s *SMTPSender) Send(ctx context.Context, msg notify.Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	raw := buildMIME(s.from, msg, time.Now())

	if err := s.send(ctx, s.addr, s.auth, s.from, []string{msg.To}, raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp send to %s: %w (%v)", msg.To, ctxErr, err)
		}
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

// sendMail follows smtp.SendMail over a connection bound to ctx.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	// Expiring the connection once ctx is done unblocks any pending read
	// or write.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildMIME(from string, msg notify.Message, now time.Time) []byte {
	var b strings.Builder
	writeHeader(&b, "From", from)
	writeHeader(&b, "To", msg.To)
	writeHeader(&b, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&b, "Date", now.UTC().Format(time.RFC1123Z))
	if msg.ID != "" {
		writeHeader(&b, "Message-ID", "<"+msg.ID+"@sentinel>")
	}
	writeHeader(&b, "MIME-Version", "1.0")
	writeHeader(&b, "Content-Type", `text/html; charset="utf-8"`)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.HTML, "\n", "\r\n"))
	return []byte(b.String())
}

// writeHeader drops CR and LF from values so a field cannot add headers.
func writeHeader(b *strings.Builder, key, value string) {
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	b.WriteString(key + ": " + value + "\r\n")
}

var _ notify.MailSender = (*SMTPSender)(nil)
