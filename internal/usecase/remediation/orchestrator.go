// Package remediation runs one request through the remediation state
// machine: resolve the scope, diagnose, open an incident on drift, push
// declared state back onto the devices, verify with the same check and
// report exactly once.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"netconverge/internal/domain"
	"netconverge/internal/infra/logger"
	"netconverge/internal/infra/metrics"
	"netconverge/internal/infra/tracer"
	"netconverge/internal/usecase/convergence"
	"netconverge/internal/usecase/incident"
	"netconverge/internal/usecase/inventory"
	"netconverge/internal/usecase/notify"
)

// DefaultMaxRetries bounds the extra remediation passes after the first.
const DefaultMaxRetries = 2

// Config holds the limits of every run.
type Config struct {
	MaxRetries       int
	InventoryTimeout time.Duration
	CallTimeout      time.Duration // incident system and notifier calls
	Notify           notify.Config
}

// Deps are the collaborators shared by all runs. Store, Bus and Audit may be nil.
type Deps struct {
	SoT        domain.SourceOfTruth
	Dispatcher convergence.Dispatcher
	Incidents  domain.IncidentSystem
	Sender     domain.MessageSender
	Store      domain.ReportStore
	Bus        domain.EventBus
	Audit      domain.AuditLogger
	Logger     *slog.Logger
}

// Orchestrator accepts requests and runs each through its own state machine.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.SoT == nil:
		return nil, domain.NewDomainError("remediation.New", domain.ErrInvalidInput, "source of truth is required")
	case deps.Dispatcher == nil:
		return nil, domain.NewDomainError("remediation.New", domain.ErrInvalidInput, "dispatcher is required")
	case deps.Incidents == nil:
		return nil, domain.NewDomainError("remediation.New", domain.ErrInvalidInput, "incident system is required")
	case deps.Sender == nil:
		return nil, domain.NewDomainError("remediation.New", domain.ErrInvalidInput, "message sender is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.OrDiscard(deps.Logger).With("component", "remediation")}, nil
}

// Run executes the request to completion and returns its report. The only
// error returned is a request that fails validation, in which case no state
// machine starts and no report exists. Collaborator failures are reported
// in the Report with outcome failed.
func (o *Orchestrator) Run(ctx context.Context, req domain.Request) (domain.Report, error) {
	req, err := Normalize(req)
	if err != nil {
		return domain.Report{}, err
	}

	r := o.newRun(req)
	r.logger.Info("request accepted", "endpoints", req.Endpoints, "intent", req.Intent)
	r.publish(ctx, domain.EventRequestAccepted, map[string]any{
		"description": req.Description,
		"endpoints":   req.Endpoints,
	})
	r.audit(ctx, domain.AuditRequestReceived, "accepted", map[string]string{"requester": req.Requester})

	for r.state != StateDone {
		stepCtx := ctx
		if !r.state.cancellable() {
			stepCtx = context.WithoutCancel(ctx)
		}
		next := r.step(stepCtx)
		if err := r.transition(stepCtx, next); err != nil {
			r.logger.Error("invalid transition", "error", err)
			r.fail(err)
			r.force(stepCtx, StateFailed)
		}
	}
	return r.report, nil
}

func (o *Orchestrator) newRun(req domain.Request) *run {
	log := logger.ForRequest(o.logger, req.ID)
	return &run{
		o:       o,
		req:     req,
		logger:  log,
		state:   StateResolving,
		started: time.Now().UTC(),
		checker: convergence.New(o.deps.Dispatcher, log),
		recorder: incident.NewRecorder(o.deps.Incidents, req.ID, incident.Options{
			Timeout: o.cfg.CallTimeout,
			Bus:     o.deps.Bus,
			Audit:   o.deps.Audit,
			Logger:  log,
		}),
	}
}

// run is the state of a single request. It is owned by one goroutine.
type run struct {
	o        *Orchestrator
	req      domain.Request
	logger   *slog.Logger
	checker  *convergence.Checker
	recorder *incident.Recorder

	state       State
	terminal    State // state that entered Reporting
	transitions []domain.Transition
	started     time.Time

	scope        inventory.Scope
	initial      []domain.DriftRecord // first check, all records
	current      []domain.DriftRecord // latest check
	verification []domain.DriftRecord
	tasks        []domain.TaskOutcome
	diagnostics  int
	attempts     int

	err          error  // cause of Failed
	rejected     error  // configuration refused by a device
	escalation   string // why the run escalated
	reportErr    error  // collaborator failures during Reporting
	report       domain.Report
	stepFailures int
}

func (r *run) step(ctx context.Context) State {
	if r.state.cancellable() && ctx.Err() != nil {
		r.fail(domain.NewDomainError("remediation.Run", domain.ErrCancelled, fmt.Sprintf("cancelled in %s", r.state)))
		return StateFailed
	}

	ctx, span := tracer.StartState(ctx, r.req.ID, string(r.state), r.attempts)
	failures := r.stepFailures

	var next State
	switch r.state {
	case StateResolving:
		next = r.resolve(ctx)
	case StateDiagnosing:
		next = r.diagnose(ctx)
	case StateDrifted:
		next = r.openIncident(ctx)
	case StateRemediating:
		next = r.remediate(ctx)
	case StateVerifying:
		next = r.verify(ctx)
	case StateClean, StateResolved, StateEscalated, StateFailed:
		next = StateReporting
	case StateReporting:
		r.finish(ctx)
		next = StateDone
	}

	var spanErr error
	if r.stepFailures > failures {
		spanErr = r.err
	}
	tracer.End(span, spanErr)
	return next
}

func (r *run) transition(ctx context.Context, next State) error {
	if err := checkTransition(r.state, next); err != nil {
		return err
	}
	r.force(ctx, next)
	return nil
}

func (r *run) force(ctx context.Context, next State) {
	from := r.state
	r.state = next
	if next == StateReporting {
		r.terminal = from
	}
	r.transitions = append(r.transitions, domain.Transition{From: string(from), To: string(next), At: time.Now().UTC()})
	metrics.StateTransitions.WithLabelValues(string(from), string(next)).Inc()
	r.logger.Debug("state changed", "from", from, "to", next)
	r.publish(ctx, domain.EventStateChanged, map[string]string{"from": string(from), "to": string(next)})
}

func (r *run) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.stepFailures++
}

func (r *run) resolve(ctx context.Context) State {
	client := inventory.NewClient(r.o.deps.SoT, r.o.cfg.InventoryTimeout, r.logger)
	scope, err := client.ResolveScope(ctx, r.req.Endpoints)
	if err != nil {
		r.logger.Warn("scope resolution failed", "error", err)
		r.fail(err)
		return StateFailed
	}
	r.scope = scope
	r.logger.Info("scope resolved", "devices", scope.DeviceNames(), "interfaces", len(scope.Interfaces))
	return StateDiagnosing
}

func (r *run) diagnose(ctx context.Context) State {
	res, err := r.checker.Check(ctx, r.req.ID, r.scope.Interfaces)
	r.diagnostics += len(res.Diagnostics)
	if err != nil {
		r.logger.Warn("diagnosis failed", "error", err)
		r.fail(err)
		return StateFailed
	}
	r.initial = res.Records
	r.current = res.Records
	if len(domain.DriftedOnly(res.Records)) == 0 {
		return StateClean
	}
	return StateDrifted
}

func (r *run) openIncident(ctx context.Context) State {
	if _, err := r.recorder.Open(ctx, incident.OpenInput{
		Description: r.req.Description,
		Endpoints:   r.req.Endpoints,
		Drift:       r.initial,
	}); err != nil {
		r.fail(err)
		return StateFailed
	}
	// last point at which the request may be abandoned
	if ctx.Err() != nil {
		r.fail(domain.NewDomainError("remediation.Run", domain.ErrCancelled, "cancelled before remediation"))
		return StateFailed
	}
	return StateRemediating
}

func (r *run) remediate(ctx context.Context) State {
	r.attempts++
	tasks := correctiveTasks(r.req.ID, r.scope.Interfaces, r.current)
	if len(tasks) == 0 {
		r.logger.Warn("no configurable drift", "attempt", r.attempts)
		return StateVerifying
	}

	outcomes := r.o.deps.Dispatcher.DispatchAll(ctx, tasks)
	r.tasks = append(r.tasks, outcomes...)
	for _, out := range outcomes {
		result := "success"
		switch {
		case out.Err == nil:
		case errors.Is(out.Err, domain.ErrRejected):
			result = "rejected"
			if r.rejected == nil {
				r.rejected = out.Err
			}
		case domain.IsStructuralError(out.Err):
			result = "failure"
			r.fail(out.Err)
		default:
			result = "failure"
		}
		r.audit(ctx, domain.AuditConfigChange, result, map[string]string{
			"target":  out.Task.Target,
			"payload": out.Task.Payload(),
			"task_id": out.Task.ID,
		})
	}
	r.logger.Info("remediation pass done", "attempt", r.attempts, "tasks", len(outcomes))

	note := fmt.Sprintf("Remediation attempt %d:\n%s", r.attempts, incident.FormatTasks(outcomes))
	if err := r.recorder.Update(ctx, note); err != nil {
		r.logger.Warn("incident update failed", "error", err)
	}
	return StateVerifying
}

func (r *run) verify(ctx context.Context) State {
	res, err := r.checker.Check(ctx, r.req.ID, r.scope.Interfaces)
	r.diagnostics += len(res.Diagnostics)
	if err != nil {
		r.logger.Warn("verification failed", "error", err)
		r.fail(err)
		return StateFailed
	}
	r.current = res.Records
	r.verification = res.Records

	switch {
	case domain.AllMatch(res.Records):
		return StateResolved
	case r.err != nil:
		return StateFailed
	case r.rejected != nil:
		r.escalation = "device rejected the declared configuration: " + r.rejected.Error()
		return StateEscalated
	case r.attempts <= r.o.cfg.MaxRetries:
		r.logger.Info("drift persists, retrying", "attempt", r.attempts, "max_retries", r.o.cfg.MaxRetries)
		return StateRemediating
	default:
		r.escalation = fmt.Sprintf("drift persists after %d remediation attempts", r.attempts)
		return StateEscalated
	}
}

// finish closes or annotates the incident, builds and stores the report and
// notifies once. Every failure here is recorded but none stops the others.
func (r *run) finish(ctx context.Context) {
	r.settleIncident(ctx)
	r.report = r.buildReport()

	store := r.o.deps.Store
	if store != nil {
		if err := store.Save(ctx, r.report); err != nil {
			r.logger.Error("report save failed", "report_id", r.report.ID, "error", err)
		}
	}
	r.publish(ctx, domain.EventReportBuilt, map[string]any{"report_id": r.report.ID, "outcome": r.report.Outcome})

	notifier := notify.New(r.o.deps.Sender, r.notifyConfig(), r.o.deps.Bus, r.o.deps.Audit, r.logger)
	sendErr := notifier.Send(ctx, r.report)
	if store != nil {
		if err := store.MarkNotified(ctx, r.report.ID, sendErr); err != nil {
			r.logger.Error("notification status not stored", "report_id", r.report.ID, "error", err)
		}
	}

	metrics.RequestsTotal.WithLabelValues(string(r.report.Outcome)).Inc()
	if r.attempts > 0 {
		metrics.RemediationAttempts.Observe(float64(r.attempts))
	}
	r.audit(ctx, domain.AuditRequestCompleted, string(r.report.Outcome), map[string]string{"report_id": r.report.ID})
	r.logger.Info("request finished", "outcome", r.report.Outcome, "report_id", r.report.ID, "attempts", r.attempts)
}

func (r *run) settleIncident(ctx context.Context) {
	if r.recorder.State() != domain.IncidentOpen {
		return
	}
	if r.terminal == StateResolved {
		err := r.recorder.Resolve(ctx, incident.Evidence{
			Resolved:     r.initial,
			Tasks:        r.tasks,
			Verification: r.verification,
		})
		if err == nil {
			return
		}
		r.reportErr = err
	}
	if err := r.recorder.AnnotateUnresolved(ctx, r.unresolvedReason()); err != nil && r.reportErr == nil {
		r.reportErr = err
	}
}

func (r *run) unresolvedReason() string {
	switch {
	case r.escalation != "":
		return r.escalation
	case r.err != nil:
		return r.err.Error()
	case r.reportErr != nil:
		return "incident could not be resolved: " + r.reportErr.Error()
	default:
		return "remediation did not complete"
	}
}

func (r *run) notifyConfig() notify.Config {
	cfg := r.o.cfg.Notify
	if cfg.Timeout == 0 {
		cfg.Timeout = r.o.cfg.CallTimeout
	}
	return cfg
}

func (r *run) publish(ctx context.Context, t domain.EventType, payload any) {
	if r.o.deps.Bus != nil {
		r.o.deps.Bus.Publish(ctx, domain.NewEvent(t, r.req.ID, payload))
	}
}

func (r *run) audit(ctx context.Context, t domain.AuditEventType, outcome string, detail map[string]string) {
	if r.o.deps.Audit == nil {
		return
	}
	ev := domain.NewAuditEvent(t, r.req.ID, outcome).With(detail)
	ev.Actor = r.req.Requester
	err := r.o.deps.Audit.Log(context.WithoutCancel(ctx), ev)
	if err != nil {
		r.logger.Warn("audit write failed", "error", err)
	}
}
