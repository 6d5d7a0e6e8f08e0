package messaging

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"netconverge/internal/domain"
)

// discordLimit is the maximum message length Discord accepts.
const discordLimit = 2000

type channelPoster interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts the report to a channel. The recipient is the channel id.
type Discord struct {
	session channelPoster
	logger  *slog.Logger
}

// NewDiscord creates a Discord sender using the REST API only.
func NewDiscord(token string, logger *slog.Logger) (*Discord, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, domain.NewDomainError("messaging.NewDiscord", domain.ErrInvalidInput, err.Error())
	}
	return &Discord{session: s, logger: logger.With("component", "messaging", "backend", "discord")}, nil
}

// Name implements domain.MessageSender.
func (d *Discord) Name() string { return "discord" }

// Send implements domain.MessageSender. Long reports are truncated.
func (d *Discord) Send(ctx context.Context, msg domain.Message) error {
	const op = "Discord.Send"
	if err := validate(op, msg); err != nil {
		return err
	}
	content := truncate("**"+msg.Subject+"**\n```\n"+msg.Body+"\n```", discordLimit)
	if _, err := d.session.ChannelMessageSend(msg.Recipient, content, discordgo.WithContext(ctx)); err != nil {
		return domain.WrapOp(op, err)
	}
	return nil
}

// truncate cuts s to at most limit runes, marking the cut.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	const marker = "\n…(truncated)"
	return string(r[:limit-len([]rune(marker))]) + marker
}

var _ domain.MessageSender = (*Discord)(nil)
