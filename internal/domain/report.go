package domain

import (
	"context"
	"time"
)

// Outcome is the terminal classification of a request.
type Outcome string

const (
	OutcomeNoIssue   Outcome = "no_issue"
	OutcomeResolved  Outcome = "resolved"
	OutcomeEscalated Outcome = "escalated"
	OutcomeFailed    Outcome = "failed"
)

// Transition is one step of the orchestrator state machine.
type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Report is the final summary of a request. It is built once and not
// modified afterwards; delivery status is tracked outside it.
type Report struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	Description string    `json:"description"`
	Endpoints   []string  `json:"endpoints"`
	Devices     []string  `json:"devices,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Problem     string    `json:"problem"`
	RootCause   string    `json:"root_cause"`
	Proof       string    `json:"proof"`
	ErrorCode   ErrorCode `json:"error_code,omitempty"`
	Error       string    `json:"error,omitempty"`

	Drift        []DriftRecord `json:"drift,omitempty"`        // records from the first check that were not a match
	Verification []DriftRecord `json:"verification,omitempty"` // last post-remediation check
	Tasks        []TaskOutcome `json:"tasks,omitempty"`        // corrective tasks executed
	Diagnostics  int           `json:"diagnostics"`            // diagnose tasks executed
	Attempts     int           `json:"attempts"`

	Incident    *IncidentRef `json:"incident,omitempty"`
	Transitions []Transition `json:"transitions"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// ReportSummary is a listing row for stored reports.
type ReportSummary struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	Outcome     Outcome   `json:"outcome"`
	Description string    `json:"description"`
	Ticket      string    `json:"ticket,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
	Notified    bool      `json:"notified"`
	NotifyError string    `json:"notify_error,omitempty"`
}

// ReportStore persists reports for later retrieval by reference.
type ReportStore interface {
	Save(ctx context.Context, report Report) error
	Get(ctx context.Context, id string) (Report, error)
	List(ctx context.Context, limit int) ([]ReportSummary, error)
	MarkNotified(ctx context.Context, id string, notifyErr error) error
}

// Message is one outbound notification.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// MessageSender is the notification boundary.
type MessageSender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}
