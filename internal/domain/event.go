package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// EventType names a domain event as "<category>.<what happened>".
type EventType string

const (
	EventRequestAccepted  EventType = "request.accepted"
	EventStateChanged     EventType = "request.state_changed"
	EventTaskDispatched   EventType = "task.dispatched"
	EventTaskCompleted    EventType = "task.completed"
	EventIncidentOpened   EventType = "incident.opened"
	EventIncidentUpdated  EventType = "incident.updated"
	EventIncidentResolved EventType = "incident.resolved"
	EventReportBuilt      EventType = "report.built"
	EventNotificationSent EventType = "notification.sent"
	EventAgentRegistered  EventType = "agent.registered"
)

// EventTypes lists every event the system publishes, in lifecycle order.
func EventTypes() []EventType {
	return []EventType{
		EventRequestAccepted, EventStateChanged,
		EventTaskDispatched, EventTaskCompleted,
		EventIncidentOpened, EventIncidentUpdated, EventIncidentResolved,
		EventReportBuilt, EventNotificationSent,
		EventAgentRegistered,
	}
}

// Known reports whether t is a published event type.
func (t EventType) Known() bool {
	for _, k := range EventTypes() {
		if k == t {
			return true
		}
	}
	return false
}

// Category is the part of t before the first dot.
func (t EventType) Category() string {
	cat, _, _ := strings.Cut(string(t), ".")
	return cat
}

// ExpandEventFilter turns a list of event types or bare categories
// ("task", "incident") into the set of matching types. Unknown names are
// returned separately.
func ExpandEventFilter(names []string) (map[EventType]bool, []string) {
	out := make(map[EventType]bool)
	var unknown []string
	for _, name := range names {
		if t := EventType(name); t.Known() {
			out[t] = true
			continue
		}
		matched := false
		for _, t := range EventTypes() {
			if t.Category() == name {
				out[t] = true
				matched = true
			}
		}
		if !matched {
			unknown = append(unknown, name)
		}
	}
	return out, unknown
}

// Event is the envelope published on the bus, streamed to websocket clients
// and republished on NATS.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an event envelope. A payload that cannot be
// marshalled is dropped rather than failing the publisher.
func NewEvent(t EventType, requestID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now().UTC(), RequestID: requestID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return NewDomainError("Event.Decode", ErrInvalidInput, string(e.Type)+": "+err.Error())
	}
	return nil
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus delivers domain events to in-process subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for one event type and returns its
	// unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
