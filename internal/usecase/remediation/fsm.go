package remediation

import (
	"fmt"
	"slices"

	"netconverge/internal/domain"
)

// State is a node of the remediation state machine.
type State string

const (
	StateResolving   State = "Resolving"
	StateDiagnosing  State = "Diagnosing"
	StateClean       State = "Clean"
	StateDrifted     State = "Drifted"
	StateRemediating State = "Remediating"
	StateVerifying   State = "Verifying"
	StateResolved    State = "Resolved"
	StateEscalated   State = "Escalated"
	StateFailed      State = "Failed"
	StateReporting   State = "Reporting"
	StateDone        State = "Done"
)

// transitions is the complete edge set. Every state except Done reaches
// Reporting, and Reporting always reaches Done.
var transitions = map[State][]State{
	StateResolving:   {StateDiagnosing, StateFailed},
	StateDiagnosing:  {StateClean, StateDrifted, StateFailed},
	StateClean:       {StateReporting},
	StateDrifted:     {StateRemediating, StateFailed},
	StateRemediating: {StateVerifying},
	StateVerifying:   {StateResolved, StateRemediating, StateEscalated, StateFailed},
	StateResolved:    {StateReporting},
	StateEscalated:   {StateReporting},
	StateFailed:      {StateReporting},
	StateReporting:   {StateDone},
}

// CanTransition reports whether from -> to is an edge of the machine.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return domain.NewDomainError("remediation.transition", domain.ErrInvalidTransition,
			fmt.Sprintf("%s -> %s", from, to))
	}
	return nil
}

// cancellable reports whether a request in state s may still be abandoned.
// Once remediation starts the run continues to Verifying and Reporting.
func (s State) cancellable() bool {
	switch s {
	case StateResolving, StateDiagnosing, StateDrifted:
		return true
	default:
		return false
	}
}

// outcome maps the state that preceded Reporting to a report outcome.
func (s State) outcome() domain.Outcome {
	switch s {
	case StateClean:
		return domain.OutcomeNoIssue
	case StateResolved:
		return domain.OutcomeResolved
	case StateEscalated:
		return domain.OutcomeEscalated
	default:
		return domain.OutcomeFailed
	}
}
