/**
 * @description
 * This package provides the notification channels the dispatcher can deliver
 * through: SMTP email, an HTTP webhook, and a log-only sink, plus a wrapper
 * that simulates failing deliveries.
 */
package notifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig configures the SMTP notifier.
type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	To       []string
	Subject  string
	// ImplicitTLS dials TLS directly (port 465). Otherwise the connection is
	// plain and upgraded with STARTTLS when the server offers it.
	ImplicitTLS bool
	DialTimeout time.Duration
}

// EmailNotifier sends an HTML notification mail per transfer.
type EmailNotifier struct {
	cfg EmailConfig
}

func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.Port) == "" {
		return nil, errors.New("smtp host and port are required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("at least one smtp recipient is required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Subject == "" {
		cfg.Subject = "Notification"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &EmailNotifier{cfg: cfg}, nil
}

func (e *EmailNotifier) message(subjectID string) []byte {
	body := fmt.Sprintf("<h1>Transfer completed</h1><p>Transaction <b>%s</b> has been executed.</p>", subjectID)
	return []byte(
		fmt.Sprintf("From: %s\r\n", e.cfg.From) +
			fmt.Sprintf("To: %s\r\n", strings.Join(e.cfg.To, ", ")) +
			fmt.Sprintf("Subject: %s\r\n", e.cfg.Subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=\"utf-8\"\r\n" +
			"\r\n" +
			body,
	)
}

// Notify delivers one mail. Any SMTP failure is returned so the dispatcher
// can retry.
func (e *EmailNotifier) Notify(ctx context.Context, subjectID string) error {
	serverAddr := net.JoinHostPort(e.cfg.Host, e.cfg.Port)
	tlsConfig := &tls.Config{ServerName: e.cfg.Host}

	dialer := &net.Dialer{Timeout: e.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if e.cfg.ImplicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", serverAddr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", serverAddr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if !e.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if e.cfg.Username != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range e.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(e.message(subjectID)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return client.Quit()
}
