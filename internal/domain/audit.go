package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditRequestReceived  AuditEventType = "request_received"
	AuditIncidentOpen     AuditEventType = "incident_open"
	AuditIncidentUpdate   AuditEventType = "incident_update"
	AuditIncidentResolve  AuditEventType = "incident_resolve"
	AuditConfigChange     AuditEventType = "config_change"
	AuditReportSent       AuditEventType = "report_sent"
	AuditRequestCompleted AuditEventType = "request_completed"
	AuditDomainEvent      AuditEventType = "domain_event"
)

var auditTypes = map[AuditEventType]bool{
	AuditRequestReceived:  true,
	AuditIncidentOpen:     true,
	AuditIncidentUpdate:   true,
	AuditIncidentResolve:  true,
	AuditConfigChange:     true,
	AuditReportSent:       true,
	AuditRequestCompleted: true,
	AuditDomainEvent:      true,
}

// Known reports whether t is one of the declared audit types.
func (t AuditEventType) Known() bool { return auditTypes[t] }

// AuditEvent is one line of the audit trail. Every change pushed to a device
// and every ticket transition produces one.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`

	Actor    string `json:"actor,omitempty"`    // requester or "scheduler"
	Resource string `json:"resource,omitempty"` // ticket number, report id
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// NewAuditEvent stamps an event of type t for a request. Action defaults to
// the type name.
func NewAuditEvent(t AuditEventType, requestID, outcome string) AuditEvent {
	return AuditEvent{
		Timestamp: time.Now().UTC(),
		Type:      t,
		RequestID: requestID,
		Action:    string(t),
		Outcome:   outcome,
	}
}

// With returns a copy of e carrying the given detail fields in addition to
// the ones it already has.
func (e AuditEvent) With(detail map[string]string) AuditEvent {
	if len(detail) == 0 {
		return e
	}
	merged := make(map[string]string, len(e.Detail)+len(detail))
	for k, v := range e.Detail {
		merged[k] = v
	}
	for k, v := range detail {
		merged[k] = v
	}
	e.Detail = merged
	return e
}

// Validate rejects events an audit sink must not persist.
func (e AuditEvent) Validate() error {
	if !e.Type.Known() {
		return NewDomainError("AuditEvent.Validate", ErrInvalidInput, "unknown audit type "+string(e.Type))
	}
	return nil
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
