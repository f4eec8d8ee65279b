package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"

	"parkwatch/internal/config"
)

type Kind string

const (
	KindWarning Kind = "warning"
	KindFine    Kind = "fine"
)

type Message struct {
	Kind      Kind   `json:"kind"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	VehicleID string `json:"vehicle_id"`
	EpisodeID string `json:"episode_id"`
}

// Notifier delivers one message. Implementations may block for the duration of
// a network round trip; callers go through a Dispatcher.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

var ErrNoRecipient = errors.New("message has no recipient")

func New(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	if !cfg.Enabled {
		return &LogNotifier{logger: logger}
	}
	return &SMTPNotifier{cfg: cfg}
}

type SMTPNotifier struct {
	cfg config.NotifyConfig
}

func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	m := mail.NewMsg()
	if err := m.From(n.cfg.From); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	opts := []mail.Option{
		mail.WithPort(n.cfg.SMTPPort),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTimeout(n.cfg.SendTimeout),
	}
	if n.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Username),
			mail.WithPassword(n.cfg.Password),
		)
	}
	client, err := mail.NewClient(n.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct {
	logger *slog.Logger
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	if n.logger != nil {
		n.logger.Info("notification (delivery disabled)",
			"kind", msg.Kind,
			"to", msg.To,
			"subject", msg.Subject,
			"vehicle_id", msg.VehicleID,
			"episode_id", msg.EpisodeID,
		)
	}
	return nil
}
