package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

const defaultSMTPTimeout = 15 * time.Second

type mailClient interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTP sends plain-text email through a relay.
type SMTP struct {
	from   string
	client mailClient
	logger *slog.Logger
}

// NewSMTP creates an SMTP sender.
func NewSMTP(cfg config.SMTPConfig, logger *slog.Logger) (*SMTP, error) {
	const op = "messaging.NewSMTP"
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Host == "" || cfg.From == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "smtp host and from are required")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultSMTPTimeout
	}

	opts := []mail.Option{mail.WithPort(port), mail.WithTimeout(timeout)}
	switch strings.ToLower(cfg.TLS) {
	case "", "mandatory":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "opportunistic":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("unknown tls policy %q", cfg.TLS))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}
	return &SMTP{from: cfg.From, client: client, logger: logger.With("component", "messaging", "backend", "smtp")}, nil
}

// Name implements domain.MessageSender.
func (s *SMTP) Name() string { return "smtp" }

// Send implements domain.MessageSender. Recipient may list several
// addresses separated by commas.
func (s *SMTP) Send(ctx context.Context, msg domain.Message) error {
	const op = "SMTP.Send"
	if err := validate(op, msg); err != nil {
		return err
	}
	m, err := s.build(msg)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return domain.WrapOp(op, err)
	}
	s.logger.Debug("mail sent", "to", msg.Recipient)
	return nil
}

func (s *SMTP) build(msg domain.Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, err
	}
	var to []string
	for _, r := range strings.Split(msg.Recipient, ",") {
		if r = strings.TrimSpace(r); r != "" {
			to = append(to, r)
		}
	}
	if err := m.To(to...); err != nil {
		return nil, err
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

var _ domain.MessageSender = (*SMTP)(nil)
