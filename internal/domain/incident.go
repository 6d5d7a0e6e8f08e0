package domain

import "context"

// IncidentState is the lifecycle of the incident tied to one request.
type IncidentState string

const (
	IncidentNone     IncidentState = "none"
	IncidentOpen     IncidentState = "open"
	IncidentResolved IncidentState = "resolved"
)

// TicketRef identifies a record in the external incident system.
type TicketRef struct {
	ID     string `json:"id"`               // system identifier used for updates (sys_id)
	Number string `json:"number,omitempty"` // human-facing number (INC0010001)
}

// Display returns the most human-friendly reference available.
func (t TicketRef) Display() string {
	if t.Number != "" {
		return t.Number
	}
	return t.ID
}

// IncidentSummary is the content of a newly opened incident.
type IncidentSummary struct {
	CorrelationID    string `json:"correlation_id"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	Urgency          int    `json:"urgency"`
}

// IncidentRef is what the orchestrator and report hold about an incident.
type IncidentRef struct {
	Ticket     TicketRef     `json:"ticket"`
	State      IncidentState `json:"state"`
	Unresolved bool          `json:"unresolved,omitempty"`
}

// IncidentSystem is the external ticketing boundary. Calls for one incident
// happen in the order Open, Update*, Resolve.
type IncidentSystem interface {
	Open(ctx context.Context, summary IncidentSummary) (TicketRef, error)
	Update(ctx context.Context, ticket TicketRef, body string) error
	Resolve(ctx context.Context, ticket TicketRef, resolution string) error
}
