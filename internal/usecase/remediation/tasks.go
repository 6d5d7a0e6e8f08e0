package remediation

import (
	"github.com/oklog/ulid/v2"

	"netconverge/internal/domain"
)

type ifaceKey struct{ deviceID, name string }

// correctiveTasks builds one configure task per drifted record that has a
// configurable mismatch. The payload carries only declared values.
// Unreachable records and mismatches limited to peer, line protocol or
// reachability produce no task.
func correctiveTasks(requestID string, declared []domain.Interface, records []domain.DriftRecord) []domain.Task {
	byRef := make(map[ifaceKey]domain.Interface, len(declared))
	for _, i := range declared {
		byRef[ifaceKey{i.DeviceID, i.Name}] = i
	}

	var tasks []domain.Task
	for _, rec := range records {
		if rec.Classification != domain.ClassMismatch {
			continue
		}
		iface, ok := byRef[ifaceKey{rec.Interface.DeviceID, rec.Interface.Interface}]
		if !ok {
			continue
		}
		intent := domain.ConfigIntent{DeviceID: iface.DeviceID, Interface: iface.Name}
		if rec.HasField(domain.FieldAddress) {
			intent.Address = iface.Address
			if p, err := domain.CanonicalPrefix(iface.Address); err == nil {
				intent.Address = p
			}
		}
		if rec.HasField(domain.FieldAdminState) {
			intent.AdminState = iface.AdminState
		}
		if intent.Empty() {
			continue
		}
		tasks = append(tasks, domain.Task{
			ID:        ulid.Make().String(),
			RequestID: requestID,
			Kind:      domain.TaskConfigure,
			Target:    iface.DeviceID,
			Intent:    &intent,
		})
	}
	return tasks
}
