// Package device implements Device Agents: a CLI agent driven over an SSH
// session or an in-memory lab device, a read-only SNMP agent, and a retry
// wrapper for transport failures.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"netconverge/internal/domain"
	"netconverge/internal/ios"
)

// Session is an interactive CLI connection to one device.
type Session interface {
	// Exec runs one exec-mode command and returns its output.
	Exec(ctx context.Context, command string) (string, error)
	// Configure enters configuration mode, sends lines and leaves it.
	Configure(ctx context.Context, lines []string) (string, error)
	Close() error
}

// Binding is the identity a CLI agent is bound to.
type Binding struct {
	DeviceID  string
	Name      string
	Address   string
	Transport string
	Platform  string
}

// CLIAgent is a Device Agent that speaks IOS-style CLI over a Session.
type CLIAgent struct {
	binding Binding
	session Session
	limiter *rate.Limiter
	logger  *slog.Logger
}

// CLIOption configures a CLIAgent.
type CLIOption func(*CLIAgent)

// WithCommandRate limits how many commands per second reach the device.
func WithCommandRate(perSecond float64) CLIOption {
	return func(a *CLIAgent) {
		if perSecond > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithLogger sets the agent logger.
func WithLogger(logger *slog.Logger) CLIOption {
	return func(a *CLIAgent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewCLIAgent binds a session to one device identity.
func NewCLIAgent(b Binding, session Session, opts ...CLIOption) *CLIAgent {
	a := &CLIAgent{
		binding: b,
		session: session,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "device", "device", b.Name, "transport", b.Transport)
	return a
}

// Identity returns the inventory identifier of the bound device.
func (a *CLIAgent) Identity() string { return a.binding.DeviceID }

// Describe reports what the agent is bound to.
func (a *CLIAgent) Describe(_ context.Context) (domain.Description, error) {
	return domain.Description{
		DeviceID:  a.binding.DeviceID,
		Name:      a.binding.Name,
		Address:   a.binding.Address,
		Transport: a.binding.Transport,
		Platform:  a.binding.Platform,
		Writable:  true,
	}, nil
}

// Diagnose runs a read-only command. Error text printed by the device is
// returned as output, not as an error; callers parse it.
func (a *CLIAgent) Diagnose(ctx context.Context, command string) (string, error) {
	if err := ios.ValidateDiagnose(command); err != nil {
		return "", err
	}
	return a.exec(ctx, strings.TrimSpace(command))
}

// ApplyConfiguration reads the interface, renders only the lines that differ
// from intent and sends them. A converged interface produces no commands.
func (a *CLIAgent) ApplyConfiguration(ctx context.Context, intent domain.ConfigIntent) (domain.ApplyResult, error) {
	const op = "CLIAgent.ApplyConfiguration"
	if intent.DeviceID != a.binding.DeviceID {
		return domain.ApplyResult{}, domain.NewDomainError(op, domain.ErrRejected,
			fmt.Sprintf("intent for device %q sent to %q", intent.DeviceID, a.binding.DeviceID))
	}
	if intent.Empty() {
		return domain.ApplyResult{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty intent")
	}

	out, err := a.exec(ctx, ios.ShowInterface(intent.Interface))
	if err != nil {
		return domain.ApplyResult{}, err
	}
	obs := ios.ParseInterface(out)
	if !obs.Present {
		return domain.ApplyResult{}, domain.NewDomainError(op, domain.ErrRejected,
			fmt.Sprintf("interface %s not present on %s", intent.Interface, a.binding.Name))
	}

	lines, err := ios.ConfigLines(intent, obs)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if len(lines) == 0 {
		a.logger.Debug("interface already converged", "interface", intent.Interface)
		return domain.ApplyResult{Changed: false}, nil
	}

	if err := a.wait(ctx); err != nil {
		return domain.ApplyResult{}, err
	}
	out, err = a.session.Configure(ctx, lines)
	if err != nil {
		return domain.ApplyResult{}, transportError(op, err)
	}
	if ios.IsError(out) {
		return domain.ApplyResult{}, domain.NewDomainError(op, domain.ErrRejected, strings.TrimSpace(out))
	}
	a.logger.Info("configuration applied", "interface", intent.Interface, "commands", len(lines))
	return domain.ApplyResult{Changed: true, Commands: lines}, nil
}

// Close releases the session.
func (a *CLIAgent) Close() error { return a.session.Close() }

func (a *CLIAgent) exec(ctx context.Context, command string) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	out, err := a.session.Exec(ctx, command)
	if err != nil {
		return "", transportError("CLIAgent.Exec", err)
	}
	return out, nil
}

func (a *CLIAgent) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return domain.AsTimeout("CLIAgent.wait", ctx.Err(), domain.ErrUnreachable)
		}
		// the limiter refuses waits that would outlive the deadline
		return domain.NewDomainError("CLIAgent.wait", domain.ErrUnreachable, err.Error())
	}
	return nil
}

// transportError keeps taxonomy errors and maps everything else to Unreachable.
func transportError(op string, err error) error {
	if errors.Is(err, domain.ErrRejected) || errors.Is(err, domain.ErrUnreachable) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewDomainError(op, domain.ErrUnreachable, err.Error())
}

var _ domain.DeviceAgent = (*CLIAgent)(nil)
