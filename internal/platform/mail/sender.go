// Package mail delivers transactional email over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gomail "gopkg.in/gomail.v2"
)

// Message is a single plain-text email.
type Message struct {
	To       string
	Subject  string
	TextBody string
}

// Sender delivers messages to a single recipient.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config carries SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers messages through an SMTP relay using STARTTLS when offered.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender validates the configuration and constructs a sender.
func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("mail: smtp host is required")
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, errors.New("mail: from address is required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}

	return &SMTPSender{
		dialer: gomail.NewDialer(host, port, cfg.Username, cfg.Password),
		from:   from,
	}, nil
}

// Send delivers the message. gomail dials synchronously, so only context
// cancellation observed before the dial is honoured.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mail: %w", err)
	}
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return errors.New("mail: recipient is required")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.TextBody)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	return nil
}
