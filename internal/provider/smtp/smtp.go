// Package smtp implements a Sender that submits the message over one SMTP
// session, one MAIL transaction per recipient.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"syscall"

	"github.com/nfd/majordummo/internal/provider"
)

// Sender submits messages to a fixed SMTP endpoint. Each Send call opens
// exactly one session for the whole recipient set and closes it on every
// exit path.
type Sender struct {
	host     string
	port     int
	mailFrom string
}

// New creates a Sender for the given endpoint. mailFrom is the envelope
// sender used for every recipient.
func New(host string, port int, mailFrom string) *Sender {
	return &Sender{host: host, port: port, mailFrom: mailFrom}
}

// Name returns the backend name.
func (s *Sender) Name() string {
	return "smtp"
}

// Send delivers raw to each recipient in order within one session. A
// recipient whose transaction fails with anything other than a lost
// connection is recorded as failed and the loop continues; a lost connection
// bulk-fails every recipient not already delivered and ends the session.
// The returned error covers session establishment only.
func (s *Sender) Send(ctx context.Context, raw []byte, recipients []string) (*provider.Outcome, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake with %s failed: %w", addr, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			slog.Warn("starttls failed, continuing without TLS", "host", s.host, "error", err)
		}
	}

	outcome := provider.NewOutcome()
	for _, recipient := range recipients {
		slog.Info("sending message", "recipient", recipient)

		err := s.sendOne(client, recipient, raw)
		if err == nil {
			outcome.Succeed(recipient)
			continue
		}

		if isDisconnect(err) {
			slog.Warn("smtp server disconnected, abandoning remaining recipients",
				"recipient", recipient,
				"error", err,
			)
			outcome.FailRemaining(recipients)
			return outcome, nil
		}

		slog.Error("failed to send message", "recipient", recipient, "error", err)
		outcome.Fail(recipient)

		// Clear the aborted transaction before the next recipient.
		if rerr := client.Reset(); rerr != nil && isDisconnect(rerr) {
			outcome.FailRemaining(recipients)
			return outcome, nil
		}
	}

	if err := client.Quit(); err != nil {
		slog.Debug("smtp quit failed", "error", err)
	}
	return outcome, nil
}

// sendOne runs a single MAIL transaction for one recipient.
func (s *Sender) sendOne(client *smtp.Client, recipient string, raw []byte) error {
	if err := client.Mail(s.mailFrom); err != nil {
		return fmt.Errorf("MAIL FROM %s: %w", s.mailFrom, err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", recipient, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message data: %w", err)
	}
	return nil
}

// isDisconnect reports whether err means the server connection is gone, as
// opposed to the server rejecting this particular transaction.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.As(err, &opErr)
}
