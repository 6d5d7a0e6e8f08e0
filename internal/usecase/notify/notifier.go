// Package notify delivers the final report of a request exactly once.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"netconverge/internal/domain"
	"netconverge/internal/infra/metrics"
	"netconverge/internal/usecase/incident"
)

// Config addresses notifications.
type Config struct {
	Recipient     string
	SubjectPrefix string
	Timeout       time.Duration
}

// Notifier sends one report for one request.
type Notifier struct {
	sender domain.MessageSender
	cfg    Config
	bus    domain.EventBus
	audit  domain.AuditLogger
	logger *slog.Logger

	mu   sync.Mutex
	sent bool
}

// New creates a per-request notifier. bus and audit may be nil.
func New(sender domain.MessageSender, cfg Config, bus domain.EventBus, audit domain.AuditLogger, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{
		sender: sender,
		cfg:    cfg,
		bus:    bus,
		audit:  audit,
		logger: logger.With("component", "notify", "backend", sender.Name()),
	}
}

// Send delivers the report. The first call consumes the notifier whether or
// not delivery succeeds; later calls return ErrAlreadySent.
func (n *Notifier) Send(ctx context.Context, report domain.Report) error {
	const op = "Notifier.Send"
	n.mu.Lock()
	if n.sent {
		n.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrAlreadySent, report.ID)
	}
	n.sent = true
	n.mu.Unlock()

	msg := domain.Message{
		Recipient: n.cfg.Recipient,
		Subject:   Subject(n.cfg.SubjectPrefix, report),
		Body:      Body(report),
	}
	if msg.Recipient == "" {
		err := domain.NewDomainError(op, domain.ErrNotifier, "no recipient configured")
		metrics.Notifications.WithLabelValues(n.sender.Name(), "error").Inc()
		return err
	}

	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}
	err := n.sender.Send(ctx, msg)
	metrics.Notifications.WithLabelValues(n.sender.Name(), metrics.Result(err)).Inc()

	outcome := "success"
	if err != nil {
		outcome = "failure"
		n.logger.Error("notification failed", "request_id", report.RequestID, "report_id", report.ID, "error", err)
	} else {
		n.logger.Info("notification sent", "request_id", report.RequestID, "report_id", report.ID, "recipient", msg.Recipient)
		if n.bus != nil {
			n.bus.Publish(ctx, domain.NewEvent(domain.EventNotificationSent, report.RequestID, map[string]any{
				"report_id": report.ID,
				"backend":   n.sender.Name(),
			}))
		}
	}
	if n.audit != nil {
		ev := domain.NewAuditEvent(domain.AuditReportSent, report.RequestID, outcome).
			With(map[string]string{"backend": n.sender.Name(), "recipient": msg.Recipient})
		ev.Resource, ev.Action = report.ID, "send"
		_ = n.audit.Log(context.WithoutCancel(ctx), ev)
	}
	if err != nil {
		return domain.NewSubSystemError("notify", op, domain.ErrNotifier, err.Error())
	}
	return nil
}

var outcomeLabel = map[domain.Outcome]string{
	domain.OutcomeNoIssue:   "NO ISSUE",
	domain.OutcomeResolved:  "RESOLVED",
	domain.OutcomeEscalated: "ESCALATED",
	domain.OutcomeFailed:    "FAILED",
}

// Subject renders the message subject.
func Subject(prefix string, r domain.Report) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteString(" ")
	}
	b.WriteString(outcomeLabel[r.Outcome])
	b.WriteString(": ")
	b.WriteString(r.Description)
	if r.Incident != nil {
		fmt.Fprintf(&b, " (%s)", r.Incident.Ticket.Display())
	}
	return b.String()
}

// Body renders the structured report: problem, root cause, actions taken,
// proof of resolution and ticket reference.
func Body(r domain.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report %s for request %s\n", r.ID, r.RequestID)
	fmt.Fprintf(&b, "Outcome: %s\n", r.Outcome)
	if len(r.Devices) > 0 {
		fmt.Fprintf(&b, "Devices: %s\n", strings.Join(r.Devices, ", "))
	}
	fmt.Fprintf(&b, "Endpoints: %s\n\n", strings.Join(r.Endpoints, ", "))

	fmt.Fprintf(&b, "PROBLEM\n  %s\n\n", orNone(r.Problem))
	fmt.Fprintf(&b, "ROOT CAUSE\n  %s\n\n", orNone(r.RootCause))

	b.WriteString("DRIFT OBSERVED\n")
	b.WriteString(incident.FormatDrift(r.Drift))
	b.WriteString("\nACTIONS TAKEN\n")
	b.WriteString(incident.FormatTasks(r.Tasks))
	fmt.Fprintf(&b, "  (%d diagnostic commands, %d remediation attempts)\n", r.Diagnostics, r.Attempts)

	fmt.Fprintf(&b, "\nPROOF OF RESOLUTION\n  %s\n", orNone(r.Proof))
	if len(r.Verification) > 0 {
		b.WriteString(incident.FormatDrift(r.Verification))
	}

	b.WriteString("\nTICKET\n")
	if r.Incident == nil {
		b.WriteString("  none opened\n")
	} else {
		fmt.Fprintf(&b, "  %s (%s", r.Incident.Ticket.Display(), r.Incident.State)
		if r.Incident.Unresolved {
			b.WriteString(", unresolved")
		}
		b.WriteString(")\n")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "\nERROR\n  [%s] %s\n", r.ErrorCode, r.Error)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
