package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskKind distinguishes read-only diagnostics from configuration changes.
type TaskKind string

const (
	TaskDiagnose  TaskKind = "diagnose"
	TaskConfigure TaskKind = "configure"
)

// Task is one unit of work addressed to exactly one device.
type Task struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	Kind      TaskKind      `json:"kind"`
	Target    string        `json:"target"` // device identity
	Command   string        `json:"command,omitempty"`
	Intent    *ConfigIntent `json:"intent,omitempty"`
}

// Payload renders the task payload for logs and reports.
func (t Task) Payload() string {
	if t.Kind == TaskConfigure && t.Intent != nil {
		return t.Intent.String()
	}
	return t.Command
}

// Validate checks the task is addressable and carries a payload for its kind.
func (t Task) Validate() error {
	if t.Target == "" {
		return NewDomainError("Task.Validate", ErrUnknownDevice, "task has no target")
	}
	switch t.Kind {
	case TaskDiagnose:
		if strings.TrimSpace(t.Command) == "" {
			return NewDomainError("Task.Validate", ErrInvalidInput, "diagnose task without command")
		}
	case TaskConfigure:
		if t.Intent == nil || t.Intent.Empty() {
			return NewDomainError("Task.Validate", ErrInvalidInput, "configure task without intent")
		}
		if t.Intent.DeviceID != t.Target {
			return NewDomainError("Task.Validate", ErrRejected,
				fmt.Sprintf("intent for %q addressed to %q", t.Intent.DeviceID, t.Target))
		}
	default:
		return NewDomainError("Task.Validate", ErrInvalidInput, fmt.Sprintf("unknown task kind %q", t.Kind))
	}
	return nil
}

// ConfigIntent is the declared state to realize on one interface.
// Empty fields are left untouched.
type ConfigIntent struct {
	DeviceID   string     `json:"device_id"`
	Interface  string     `json:"interface"`
	Address    string     `json:"address,omitempty"`
	AdminState AdminState `json:"admin_state,omitempty"`
}

// Empty reports whether the intent changes nothing.
func (c ConfigIntent) Empty() bool {
	return c.Interface == "" || (c.Address == "" && c.AdminState == "")
}

func (c ConfigIntent) String() string {
	var parts []string
	if c.Address != "" {
		parts = append(parts, c.Address)
	}
	if c.AdminState != "" {
		parts = append(parts, "admin "+string(c.AdminState))
	}
	return strings.Join(parts, ", ")
}

// ApplyResult reports what a configuration application did.
type ApplyResult struct {
	Changed  bool     `json:"changed"`
	Commands []string `json:"commands,omitempty"`
}

// TaskResult is the outcome of a dispatched task.
type TaskResult struct {
	Output   string        `json:"output,omitempty"`
	Apply    *ApplyResult  `json:"apply,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TaskOutcome pairs a task with its result or error.
type TaskOutcome struct {
	Task   Task       `json:"task"`
	Result TaskResult `json:"result"`
	Err    error      `json:"-"`
	Error  string     `json:"error,omitempty"`
}

// NewTaskOutcome builds an outcome, copying the error text for serialization.
func NewTaskOutcome(task Task, result TaskResult, err error) TaskOutcome {
	o := TaskOutcome{Task: task, Result: result, Err: err}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}
