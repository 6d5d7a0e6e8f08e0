package messaging

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"

	"netconverge/internal/domain"
)

// Slack posts the report to a channel. The recipient is the channel id or name.
type Slack struct {
	api    *slack.Client
	logger *slog.Logger
}

// NewSlack creates a Slack sender. Options are passed to the slack client.
func NewSlack(token string, logger *slog.Logger, opts ...slack.Option) *Slack {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Slack{api: slack.New(token, opts...), logger: logger.With("component", "messaging", "backend", "slack")}
}

// Name implements domain.MessageSender.
func (s *Slack) Name() string { return "slack" }

// Send implements domain.MessageSender.
func (s *Slack) Send(ctx context.Context, msg domain.Message) error {
	const op = "Slack.Send"
	if err := validate(op, msg); err != nil {
		return err
	}
	text := "*" + msg.Subject + "*\n```\n" + msg.Body + "\n```"
	_, ts, err := s.api.PostMessageContext(ctx, msg.Recipient, slack.MsgOptionText(text, false))
	if err != nil {
		return domain.WrapOp(op, err)
	}
	s.logger.Debug("slack message posted", "channel", msg.Recipient, "ts", ts)
	return nil
}

var _ domain.MessageSender = (*Slack)(nil)
