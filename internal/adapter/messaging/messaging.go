// Package messaging delivers notification messages over email and chat.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

// New builds the sender selected by cfg.Backend.
func New(cfg config.NotifyConfig, logger *slog.Logger) (domain.MessageSender, error) {
	switch cfg.Backend {
	case "smtp":
		return NewSMTP(cfg.SMTP, logger)
	case "slack":
		return NewSlack(cfg.Slack.Token, logger), nil
	case "discord":
		return NewDiscord(cfg.Discord.Token, logger)
	case "", "log":
		return NewLog(logger), nil
	default:
		return nil, domain.NewDomainError("messaging.New", domain.ErrInvalidInput, fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
}

func validate(op string, msg domain.Message) error {
	var missing []string
	if strings.TrimSpace(msg.Recipient) == "" {
		missing = append(missing, "recipient")
	}
	if strings.TrimSpace(msg.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(msg.Body) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "missing "+strings.Join(missing, ", "))
	}
	return nil
}

// Log writes messages to the structured log. It is the default backend.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sender.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{logger: logger.With("component", "messaging")}
}

// Name implements domain.MessageSender.
func (l *Log) Name() string { return "log" }

// Send implements domain.MessageSender.
func (l *Log) Send(ctx context.Context, msg domain.Message) error {
	if err := validate("Log.Send", msg); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "report", "recipient", msg.Recipient, "subject", msg.Subject, "body", msg.Body)
	return nil
}

var _ domain.MessageSender = (*Log)(nil)
