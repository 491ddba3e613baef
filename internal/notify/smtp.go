package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/tabarochristian/loop-to-result/internal/config"
)

// SMTP sends notifications as plain-text mail. With UseTLS the connection is
// upgraded with STARTTLS, otherwise implicit TLS is used.
type SMTP struct {
	cfg config.SMTPConfig
}

func NewSMTP(cfg config.SMTPConfig) *SMTP {
	return &SMTP{cfg: cfg}
}

func (s *SMTP) message(n Notification) (*mail.Msg, error) {
	if n.Recipient == "" {
		return nil, errors.New("notification has no recipient")
	}

	m := mail.NewMsg()
	if err := m.From(s.cfg.Username); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", s.cfg.Username, err)
	}
	if err := m.To(n.Recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", n.Recipient, err)
	}
	m.Subject(n.Subject)
	m.SetBodyString(mail.TypeTextPlain, n.Body)
	return m, nil
}

func (s *SMTP) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Username),
		mail.WithPassword(s.cfg.Password),
	}
	if s.cfg.UseTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithSSL())
	}
	return mail.NewClient(s.cfg.Host, opts...)
}

func (s *SMTP) Notify(ctx context.Context, n Notification) error {
	m, err := s.message(n)
	if err != nil {
		return err
	}
	c, err := s.client()
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", n.Recipient, err)
	}
	return nil
}
