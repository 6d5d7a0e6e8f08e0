package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"netconverge/internal/adapter/device"
	"netconverge/internal/adapter/messaging"
	"netconverge/internal/adapter/netbox"
	"netconverge/internal/adapter/staticinv"
	"netconverge/internal/adapter/store"
	"netconverge/internal/adapter/ticketing"
	"netconverge/internal/domain"
	"netconverge/internal/infra/audit"
	"netconverge/internal/infra/config"
	"netconverge/internal/infra/logger"
	"netconverge/internal/infra/tracer"
	"netconverge/internal/usecase/eventbus"
	"netconverge/internal/usecase/inventory"
	"netconverge/internal/usecase/notify"
	"netconverge/internal/usecase/remediation"
	"netconverge/internal/usecase/router"
)

func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	return cfg, nil
}

// unboundDevice is a configured agent that could not be registered.
type unboundDevice struct {
	Name   string
	Reason string
}

// app is the fully wired process. Close releases everything in reverse
// order of construction.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *eventbus.Bus
	sot       domain.SourceOfTruth
	router    *router.Router
	labs      map[string]*device.LabDevice
	fabric    *device.LabFabric
	unbound   []unboundDevice
	incidents domain.IncidentSystem
	sender    domain.MessageSender
	store     *store.SQLiteReportStore
	audit     domain.AuditLogger
	auditFile *audit.FileLogger
	orch      *remediation.Orchestrator

	closers []func() error
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close runs the registered closers last-first and joins their errors.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newLogger builds the process logger. forceStderr keeps stdout clean for
// protocols that own it.
func newLogger(cfg *config.Config, forceStderr bool) (*slog.Logger, func() error, error) {
	lc := cfg.Logger
	if forceStderr && (lc.Output == "" || lc.Output == "stdout") {
		lc.Output = "stderr"
	}
	return logger.New(lc)
}

// buildApp wires config into running components. Agents whose device cannot
// be resolved in the source of truth are skipped and listed in app.unbound.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: log, labs: make(map[string]*device.LabDevice), fabric: device.NewLabFabric()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return shutdownTracer(sctx)
	})

	a.bus = eventbus.New(log)

	if a.sot, err = newSourceOfTruth(cfg, log); err != nil {
		return nil, err
	}

	if cfg.Audit.Enabled {
		fl, err := audit.NewFileLogger(cfg.Audit.Path, cfg.Audit.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		a.audit, a.auditFile = fl, fl
		a.onClose(fl.Close)
		unsub := audit.Bridge(a.bus, fl, log)
		a.onClose(func() error { unsub(); return nil })
	} else {
		a.audit = audit.Nop{}
	}
	// Closed before the audit log so queued events reach it.
	a.onClose(func() error { a.bus.Close(); return nil })

	a.router = router.New(router.Config{
		Concurrency: cfg.Remediation.DispatchConcurrency,
		TaskTimeout: cfg.Remediation.TaskTimeout,
		QueueDepth:  cfg.Remediation.QueueDepth,
	}, a.bus, log)
	var sessions []io.Closer
	a.onClose(func() error {
		a.router.Close()
		var errs []error
		for _, c := range sessions {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	})

	if sessions, err = a.registerAgents(ctx); err != nil {
		return nil, err
	}

	if a.incidents, err = newIncidentSystem(cfg, log); err != nil {
		return nil, err
	}
	if a.sender, err = messaging.New(cfg.Notify, log); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}

	if a.store, err = store.NewSQLiteReportStore(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("report store: %w", err)
	}
	a.onClose(a.store.Close)

	a.orch, err = remediation.New(remediation.Config{
		MaxRetries:       cfg.Remediation.MaxRetries,
		InventoryTimeout: cfg.Inventory.Timeout,
		CallTimeout:      cfg.Remediation.CallTimeout,
		Notify: notify.Config{
			Recipient:     cfg.Notify.Recipient,
			SubjectPrefix: cfg.Notify.SubjectPrefix,
			Timeout:       cfg.Remediation.CallTimeout,
		},
	}, remediation.Deps{
		SoT:        a.sot,
		Dispatcher: a.router,
		Incidents:  a.incidents,
		Sender:     a.sender,
		Store:      a.store,
		Bus:        a.bus,
		Audit:      a.audit,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newSourceOfTruth(cfg *config.Config, log *slog.Logger) (domain.SourceOfTruth, error) {
	switch cfg.Inventory.Backend {
	case "static":
		inv, err := staticinv.New(cfg.Inventory.Static)
		if err != nil {
			return nil, fmt.Errorf("static inventory: %w", err)
		}
		return inv, nil
	case "netbox":
		c, err := netbox.New(cfg.Inventory, cfg.CircuitBreaker, log)
		if err != nil {
			return nil, fmt.Errorf("netbox: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown inventory backend %q", cfg.Inventory.Backend)
	}
}

func newIncidentSystem(cfg *config.Config, log *slog.Logger) (domain.IncidentSystem, error) {
	switch cfg.Incidents.Backend {
	case "memory":
		return ticketing.NewMemory(), nil
	case "servicenow":
		sn, err := ticketing.NewServiceNow(cfg.Incidents.ServiceNow, cfg.CircuitBreaker, log)
		if err != nil {
			return nil, fmt.Errorf("servicenow: %w", err)
		}
		return sn, nil
	default:
		return nil, fmt.Errorf("unknown incident backend %q", cfg.Incidents.Backend)
	}
}

// registerAgents binds one agent per configured device to the identity the
// source of truth gives it, and returns the sessions to close after the
// router drains.
func (a *app) registerAgents(ctx context.Context) (sessions []io.Closer, err error) {
	sot := inventory.NewClient(a.sot, a.cfg.Inventory.Timeout, a.logger)
	for _, dc := range a.cfg.Devices {
		dev, err := sot.ResolveDevice(ctx, dc.Name)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return sessions, err
			}
			a.logger.Warn("device agent not registered", "device", dc.Name, "error", err)
			a.unbound = append(a.unbound, unboundDevice{Name: dc.Name, Reason: err.Error()})
			continue
		}

		addr := dc.Address
		if addr == "" {
			addr = dev.ManagementAddress
		}
		b := device.Binding{
			DeviceID:  dev.ID,
			Name:      dev.Name,
			Address:   addr,
			Transport: dc.Transport,
			Platform:  dev.Platform,
		}
		agent, closer, err := a.newAgent(b, dc)
		if err != nil {
			return sessions, fmt.Errorf("device %s: %w", dc.Name, err)
		}
		if closer != nil {
			sessions = append(sessions, closer)
		}
		retrying := device.NewRetryingAgent(agent, a.cfg.Retry, a.logger)
		if err := a.router.Register(retrying, dc.Name, addr, dev.Name); err != nil {
			return sessions, fmt.Errorf("device %s: %w", dc.Name, err)
		}
	}
	return sessions, nil
}

func (a *app) newAgent(b device.Binding, dc config.DeviceConfig) (domain.DeviceAgent, io.Closer, error) {
	log := a.logger
	switch dc.Transport {
	case "ssh":
		sess, err := device.NewSSHSession(dc)
		if err != nil {
			return nil, nil, err
		}
		agent := device.NewCLIAgent(b, sess, device.WithCommandRate(dc.CommandsPerSecond), device.WithLogger(log))
		return agent, agent, nil
	case "snmp":
		return device.NewSNMPAgent(b, dc), nil, nil
	case "lab":
		if dc.Lab == nil {
			return nil, nil, errors.New("lab transport needs a lab section")
		}
		lab := device.NewLabDevice(dc.Name, *dc.Lab)
		a.labs[dc.Name] = lab
		a.fabric.Attach(lab)
		agent := device.NewLabAgent(b, lab, device.WithCommandRate(dc.CommandsPerSecond), device.WithLogger(log))
		return agent, agent, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", dc.Transport)
	}
}

// openStore opens only the report store, for commands that read reports.
func openStore(cfg *config.Config) (*store.SQLiteReportStore, error) {
	s, err := store.NewSQLiteReportStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("report store: %w", err)
	}
	return s, nil
}
