package device

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
	"netconverge/internal/infra/metrics"
)

// RetryingAgent retries transport failures of the wrapped agent with
// exponential backoff. Every other error is returned on first sight.
type RetryingAgent struct {
	inner  domain.DeviceAgent
	cfg    config.RetryConfig
	logger *slog.Logger
}

// NewRetryingAgent wraps inner with the configured retry bound.
func NewRetryingAgent(inner domain.DeviceAgent, cfg config.RetryConfig, logger *slog.Logger) *RetryingAgent {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RetryingAgent{inner: inner, cfg: cfg, logger: logger}
}

// Identity returns the wrapped agent's identity.
func (r *RetryingAgent) Identity() string { return r.inner.Identity() }

// Describe is not retried.
func (r *RetryingAgent) Describe(ctx context.Context) (domain.Description, error) {
	return r.inner.Describe(ctx)
}

// Diagnose retries Unreachable failures.
func (r *RetryingAgent) Diagnose(ctx context.Context, command string) (string, error) {
	return retry(ctx, r, "diagnose", func() (string, error) {
		return r.inner.Diagnose(ctx, command)
	})
}

// ApplyConfiguration retries Unreachable failures. The agent reads before it
// writes, so a retry after a lost reply makes no second change.
func (r *RetryingAgent) ApplyConfiguration(ctx context.Context, intent domain.ConfigIntent) (domain.ApplyResult, error) {
	return retry(ctx, r, "configure", func() (domain.ApplyResult, error) {
		return r.inner.ApplyConfiguration(ctx, intent)
	})
}

func (r *RetryingAgent) backOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		bo.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		bo.MaxInterval = r.cfg.MaxInterval
	}
	bo.RandomizationFactor = 0.2
	return bo
}

func retry[T any](ctx context.Context, r *RetryingAgent, what string, fn func() (T, error)) (T, error) {
	operation := func() (T, error) {
		v, err := fn()
		if err != nil && !domain.IsRetryableError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		metrics.RetriesTotal.WithLabelValues(r.inner.Identity()).Inc()
		r.logger.Warn("device unreachable, retrying",
			"device_id", r.inner.Identity(),
			"op", what,
			"wait", wait,
			"error", err,
		)
	}
	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return v, domain.AsTimeout("RetryingAgent."+what, err, domain.ErrUnreachable)
	}
	return v, nil
}

var _ domain.DeviceAgent = (*RetryingAgent)(nil)
