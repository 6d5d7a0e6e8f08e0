package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"netconverge/internal/adapter/gateway"
	"netconverge/internal/adapter/natsink"
	"netconverge/internal/usecase/scheduler"
)

const auditRetentionJob = "audit-retention"

func newServeCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduled checks and event publishing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

// serve runs until ctx is cancelled or the gateway fails.
func serve(ctx context.Context, a *app) error {
	cfg, log := a.cfg, a.logger

	if cfg.Events.NATS.URL != "" {
		sink, err := natsink.Connect(cfg.Events.NATS, log)
		if err != nil {
			return err
		}
		sink.Attach(a.bus)
		a.onClose(sink.Close)
	}

	sched, err := newScheduler(a)
	if err != nil {
		return err
	}

	var auth gateway.Authenticator
	if len(cfg.Server.Tokens) > 0 {
		auth = gateway.NewStaticTokenAuth(cfg.Server.Tokens)
	}
	srv, err := gateway.NewServer(cfg.Server, gateway.Deps{
		Runner:   a.orch,
		Reports:  a.store,
		Devices:  a.router,
		Bus:      a.bus,
		Auth:     auth,
		Schedule: func() int { return len(sched.Entries()) },
		Version:  version,
	}, log)
	if err != nil {
		return err
	}

	sched.Start(ctx)
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if len(a.unbound) > 0 {
		log.Warn("serving with unbound devices", "count", len(a.unbound))
	}
	log.Info("netconverge serving", "addr", cfg.Server.Addr, "devices", len(a.router.Describe(ctx)), "checks", len(cfg.Schedule.Checks))
	return g.Wait()
}

// newScheduler registers the configured checks and, when audit retention is
// set, a periodic sweep of the audit log.
func newScheduler(a *app) (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.orch, a.cfg.Server.RequestTimeout, a.logger)
	for _, check := range a.cfg.Schedule.Checks {
		if err := sched.AddCheck(check); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", check.Name, err)
		}
	}
	if a.auditFile != nil && a.cfg.Audit.MaxAge > 0 {
		fl, log := a.auditFile, a.logger
		err := sched.AddFunc(auditRetentionJob, "@hourly", func(context.Context) error {
			removed, err := fl.EnforceRetention()
			if removed > 0 {
				log.Info("audit entries expired", slog.Int("removed", removed))
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return sched, nil
}
