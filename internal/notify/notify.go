// Package notify delivers the end-of-experiment summary.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tabarochristian/loop-to-result/internal/config"
	"github.com/tabarochristian/loop-to-result/internal/models"
)

// Notification is one outbound summary message.
type Notification struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Recipient string `json:"recipient,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Compose renders the summary of a finished experiment.
func Compose(exp *models.Experiment, transcript []*models.Message, recipient string) Notification {
	entries := make([]string, 0, len(transcript))
	for _, m := range transcript {
		entries = append(entries, fmt.Sprintf("%s: %s", m.Sender, m.Content))
	}

	return Notification{
		Subject: fmt.Sprintf("Experiment %s finished with status: %s", exp.ID, strings.ToUpper(string(exp.Status))),
		Body: fmt.Sprintf("Final status: %s\n\nConversation history:\n%s",
			exp.Status, strings.Join(entries, "\n\n")),
		Recipient: recipient,
	}
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to a logger.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(_ context.Context, n Notification) error {
	l.Logger.Info().
		Str("recipient", n.Recipient).
		Str("subject", n.Subject).
		Int("body_bytes", len(n.Body)).
		Msg("Experiment finished")
	return nil
}

// FromConfig assembles the configured notifiers. Logging is always on; the
// outbox and SMTP are added when configured.
func FromConfig(cfg config.NotifyConfig, logger zerolog.Logger) (Notifier, error) {
	notifiers := Multi{Log{Logger: logger}}

	if cfg.Outbox != "" {
		outbox, err := NewOutbox(cfg.Outbox)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, outbox)
	}

	if cfg.SMTP.Enabled() {
		if cfg.Recipient == "" {
			return nil, errors.New("notify.recipient is required when smtp is configured")
		}
		notifiers = append(notifiers, NewSMTP(cfg.SMTP))
	}

	return notifiers, nil
}
