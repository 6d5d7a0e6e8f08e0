// Package incident drives the external incident record of one request
// through none -> open -> resolved.
package incident

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"netconverge/internal/domain"
)

// correlationNamespace scopes incident correlation ids derived from request ids.
var correlationNamespace = uuid.MustParse("6f1c2a4e-8d3b-5e7a-9c10-4b2f8e6d1a35")

// CorrelationID derives the stable external correlation id of a request, so
// a retried open finds the incident created by an earlier attempt.
func CorrelationID(requestID string) string {
	return uuid.NewSHA1(correlationNamespace, []byte(requestID)).String()
}

// Options carries the optional collaborators of a Recorder.
type Options struct {
	Timeout time.Duration
	Bus     domain.EventBus
	Audit   domain.AuditLogger
	Logger  *slog.Logger
}

// Recorder owns the incident of exactly one request.
type Recorder struct {
	system    domain.IncidentSystem
	requestID string
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	state      domain.IncidentState
	ticket     domain.TicketRef
	unresolved bool
}

// NewRecorder creates a recorder in state none.
func NewRecorder(system domain.IncidentSystem, requestID string, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		system:    system,
		requestID: requestID,
		opts:      opts,
		logger:    logger.With("component", "incident", "request_id", requestID),
		state:     domain.IncidentNone,
	}
}

// State returns the current incident state.
func (r *Recorder) State() domain.IncidentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ref returns the reference held by the orchestrator, or nil before open.
func (r *Recorder) Ref() *domain.IncidentRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == domain.IncidentNone {
		return nil
	}
	return &domain.IncidentRef{Ticket: r.ticket, State: r.state, Unresolved: r.unresolved}
}

// OpenInput describes the drift that triggers an incident.
type OpenInput struct {
	Description string
	Endpoints   []string
	Drift       []domain.DriftRecord
}

// Open creates the incident. It requires at least one drifted record and is
// only valid from state none.
func (r *Recorder) Open(ctx context.Context, in OpenInput) (domain.TicketRef, error) {
	const op = "Recorder.Open"
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != domain.IncidentNone {
		return domain.TicketRef{}, domain.NewDomainError(op, domain.ErrInvalidTransition,
			fmt.Sprintf("incident already %s", r.state))
	}
	drifted := domain.DriftedOnly(in.Drift)
	if len(drifted) == 0 {
		return domain.TicketRef{}, domain.NewDomainError(op, domain.ErrInvalidInput, "no drift to record")
	}

	summary := domain.IncidentSummary{
		CorrelationID:    CorrelationID(r.requestID),
		ShortDescription: shortDescription(drifted),
		Description:      openBody(r.requestID, in, drifted),
		Urgency:          urgency(drifted),
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	ticket, err := r.system.Open(ctx, summary)
	if err != nil {
		r.logger.Error("incident open failed", "error", err)
		r.audit(ctx, domain.AuditIncidentOpen, "failure", map[string]string{"error": err.Error()})
		return domain.TicketRef{}, recorderError(op, err)
	}

	r.state = domain.IncidentOpen
	r.ticket = ticket
	r.logger.Info("incident opened", "ticket", ticket.Display(), "drift", len(drifted))
	r.publish(ctx, domain.EventIncidentOpened, map[string]any{"ticket": ticket, "drift": len(drifted)})
	r.audit(ctx, domain.AuditIncidentOpen, "success", map[string]string{"ticket": ticket.Display()})
	return ticket, nil
}

// Update appends a work note to the open incident.
func (r *Recorder) Update(ctx context.Context, body string) error {
	const op = "Recorder.Update"
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != domain.IncidentOpen {
		return domain.NewDomainError(op, domain.ErrInvalidTransition, fmt.Sprintf("incident is %s", r.state))
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.system.Update(ctx, r.ticket, body); err != nil {
		r.logger.Warn("incident update failed", "ticket", r.ticket.Display(), "error", err)
		return recorderError(op, err)
	}
	r.publish(ctx, domain.EventIncidentUpdated, map[string]any{"ticket": r.ticket})
	r.audit(ctx, domain.AuditIncidentUpdate, "success", map[string]string{"ticket": r.ticket.Display()})
	return nil
}

// Evidence is what a resolution is based on.
type Evidence struct {
	Resolved     []domain.DriftRecord // drift found before remediation
	Tasks        []domain.TaskOutcome // corrective tasks executed
	Verification []domain.DriftRecord // post-remediation check
}

// Resolve closes the incident. The verification must be all-match.
func (r *Recorder) Resolve(ctx context.Context, ev Evidence) error {
	const op = "Recorder.Resolve"
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != domain.IncidentOpen {
		return domain.NewDomainError(op, domain.ErrInvalidTransition, fmt.Sprintf("incident is %s", r.state))
	}
	if !domain.AllMatch(ev.Verification) {
		return domain.NewDomainError(op, domain.ErrInvalidTransition, "verification is not all-match")
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.system.Resolve(ctx, r.ticket, resolutionBody(ev)); err != nil {
		r.logger.Error("incident resolve failed", "ticket", r.ticket.Display(), "error", err)
		r.audit(ctx, domain.AuditIncidentResolve, "failure", map[string]string{"error": err.Error()})
		return recorderError(op, err)
	}
	r.state = domain.IncidentResolved
	r.logger.Info("incident resolved", "ticket", r.ticket.Display())
	r.publish(ctx, domain.EventIncidentResolved, map[string]any{"ticket": r.ticket})
	r.audit(ctx, domain.AuditIncidentResolve, "success", map[string]string{"ticket": r.ticket.Display()})
	return nil
}

// AnnotateUnresolved leaves the incident open and records why. The
// reference is marked unresolved even when the annotation cannot be written.
func (r *Recorder) AnnotateUnresolved(ctx context.Context, reason string) error {
	const op = "Recorder.AnnotateUnresolved"
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != domain.IncidentOpen {
		return domain.NewDomainError(op, domain.ErrInvalidTransition, fmt.Sprintf("incident is %s", r.state))
	}
	r.unresolved = true

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.system.Update(ctx, r.ticket, "UNRESOLVED: "+reason); err != nil {
		r.logger.Error("incident annotation failed", "ticket", r.ticket.Display(), "error", err)
		return recorderError(op, err)
	}
	r.logger.Warn("incident left open", "ticket", r.ticket.Display(), "reason", reason)
	r.publish(ctx, domain.EventIncidentUpdated, map[string]any{"ticket": r.ticket, "unresolved": true})
	r.audit(ctx, domain.AuditIncidentUpdate, "unresolved", map[string]string{"ticket": r.ticket.Display(), "reason": reason})
	return nil
}

func (r *Recorder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}

func recorderError(op string, err error) error {
	return domain.NewSubSystemError("ticketing", op, domain.ErrRecorder, err.Error())
}

func (r *Recorder) publish(ctx context.Context, t domain.EventType, payload any) {
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(ctx, domain.NewEvent(t, r.requestID, payload))
	}
}

func (r *Recorder) audit(ctx context.Context, t domain.AuditEventType, outcome string, detail map[string]string) {
	if r.opts.Audit == nil {
		return
	}
	ev := domain.NewAuditEvent(t, r.requestID, outcome).With(detail)
	ev.Resource = r.ticket.Display()
	if err := r.opts.Audit.Log(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Warn("audit write failed", "error", err)
	}
}

// maxShortDescription is the ServiceNow short_description limit, in
// characters.
const maxShortDescription = 160

func shortDescription(drifted []domain.DriftRecord) string {
	parts := make([]string, 0, len(drifted))
	for _, d := range drifted {
		if d.Classification == domain.ClassUnreachable {
			parts = append(parts, d.Interface.String()+" (unreachable)")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", d.Interface, d.FieldNames()))
	}
	s := []rune("Network drift: " + strings.Join(parts, "; "))
	if len(s) > maxShortDescription {
		return string(s[:maxShortDescription-3]) + "..."
	}
	return string(s)
}

func urgency(drifted []domain.DriftRecord) int {
	for _, d := range drifted {
		if d.Classification == domain.ClassUnreachable {
			return 1
		}
	}
	return 2
}

func openBody(requestID string, in OpenInput, drifted []domain.DriftRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request %s: %s\n", requestID, in.Description)
	if len(in.Endpoints) > 0 {
		fmt.Fprintf(&b, "Endpoints: %s\n", strings.Join(in.Endpoints, ", "))
	}
	b.WriteString("\nDrift detected before any change was made:\n")
	b.WriteString(FormatDrift(drifted))
	return b.String()
}

func resolutionBody(ev Evidence) string {
	var b strings.Builder
	b.WriteString("Resolved drift:\n")
	b.WriteString(FormatDrift(domain.DriftedOnly(ev.Resolved)))
	b.WriteString("\nCorrective tasks:\n")
	b.WriteString(FormatTasks(ev.Tasks))
	b.WriteString("\nVerification:\n")
	b.WriteString(FormatDrift(ev.Verification))
	return b.String()
}

// FormatDrift renders drift records one per line.
func FormatDrift(records []domain.DriftRecord) string {
	if len(records) == 0 {
		return "  (none)\n"
	}
	var b strings.Builder
	for _, d := range records {
		fmt.Fprintf(&b, "  - %s: %s (expected %s, observed %s)", d.Interface, d.Classification, d.Expected, d.Observed)
		if d.Error != "" {
			fmt.Fprintf(&b, " error: %s", d.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatTasks renders task outcomes one per line.
func FormatTasks(tasks []domain.TaskOutcome) string {
	if len(tasks) == 0 {
		return "  (none)\n"
	}
	var b strings.Builder
	for _, o := range tasks {
		status := "ok"
		switch {
		case o.Error != "":
			status = "failed: " + o.Error
		case o.Result.Apply != nil && !o.Result.Apply.Changed:
			status = "no change needed"
		}
		fmt.Fprintf(&b, "  - %s %s on %s: %s\n", o.Task.Kind, o.Task.Payload(), targetLabel(o.Task), status)
	}
	return b.String()
}

func targetLabel(t domain.Task) string {
	if t.Intent != nil && t.Intent.Interface != "" {
		return t.Target + "/" + t.Intent.Interface
	}
	return t.Target
}
