package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"netconverge/internal/domain"
)

// bridged lists the bus events that have no direct audit call site.
var bridged = map[domain.EventType]bool{
	domain.EventStateChanged:    true,
	domain.EventTaskDispatched:  true,
	domain.EventTaskCompleted:   true,
	domain.EventAgentRegistered: true,
}

// Bridge copies selected bus events into the audit log. It returns the
// unsubscribe function.
func Bridge(bus domain.EventBus, sink domain.AuditLogger, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return bus.SubscribeAll(func(ctx context.Context, ev domain.Event) {
		if !bridged[ev.Type] {
			return
		}
		entry := domain.AuditEvent{
			Timestamp: ev.Timestamp,
			Type:      domain.AuditDomainEvent,
			RequestID: ev.RequestID,
			Action:    string(ev.Type),
			Detail:    flatten(ev.Payload),
		}
		if err := sink.Log(ctx, entry); err != nil {
			logger.Warn("audit bridge write failed", "event", ev.Type, "error", err)
		}
	})
}

// flatten turns the top-level fields of a JSON object into strings. Nested
// values are kept as their JSON text.
func flatten(payload json.RawMessage) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return map[string]string{"payload": string(payload)}
	}
	out := make(map[string]string, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		switch x := v.(type) {
		case string:
			out[k] = x
		case float64, bool:
			out[k] = fmt.Sprint(x)
		case nil:
		default:
			out[k] = string(raw)
		}
	}
	return out
}
