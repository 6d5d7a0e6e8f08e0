package remediation

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"netconverge/internal/domain"
)

// buildReport assembles the immutable report from everything the run
// gathered. Delivery status is tracked by the store, not here.
func (r *run) buildReport() domain.Report {
	rep := domain.Report{
		ID:           ulid.Make().String(),
		RequestID:    r.req.ID,
		Description:  r.req.Description,
		Endpoints:    r.req.Endpoints,
		Devices:      r.scope.DeviceNames(),
		Outcome:      r.terminal.outcome(),
		Drift:        domain.DriftedOnly(r.initial),
		Verification: r.verification,
		Tasks:        r.tasks,
		Diagnostics:  r.diagnostics,
		Attempts:     r.attempts,
		Incident:     r.recorder.Ref(),
		Transitions:  append([]domain.Transition(nil), r.transitions...),
		StartedAt:    r.started,
		FinishedAt:   time.Now().UTC(),
	}
	rep.Problem = r.problem(rep)
	rep.RootCause = r.rootCause(rep)
	rep.Proof = r.proof(rep)

	cause := r.err
	if cause == nil && r.terminal == StateEscalated {
		cause = r.rejected
	}
	if cause == nil {
		cause = r.reportErr
	}
	if cause != nil {
		rep.ErrorCode = domain.ErrorCodeOf(cause)
		rep.Error = cause.Error()
	}
	return rep
}

func (r *run) problem(rep domain.Report) string {
	devices := strings.Join(rep.Devices, ", ")
	switch {
	case len(r.initial) == 0 && r.err != nil:
		return fmt.Sprintf("%s: the request could not be evaluated", r.req.Description)
	case len(rep.Drift) == 0:
		return fmt.Sprintf("%s: no drift between declared and observed state on %d interfaces of %s",
			r.req.Description, len(r.initial), devices)
	default:
		return fmt.Sprintf("%s: %d of %d interfaces on %s drifted from declared state",
			r.req.Description, len(rep.Drift), len(r.initial), devices)
	}
}

func (r *run) rootCause(rep domain.Report) string {
	if len(rep.Drift) == 0 {
		if r.err != nil {
			return r.err.Error()
		}
		return "none, observed state matches the source of truth"
	}
	parts := make([]string, 0, len(rep.Drift))
	for _, d := range rep.Drift {
		if d.Classification == domain.ClassUnreachable {
			parts = append(parts, d.Interface.String()+" unreachable")
			continue
		}
		for _, f := range d.Fields {
			parts = append(parts, fmt.Sprintf("%s %s is %s, declared %s", d.Interface, f.Field, f.Observed, f.Expected))
		}
	}
	return strings.Join(parts, "; ")
}

func (r *run) proof(rep domain.Report) string {
	switch rep.Outcome {
	case domain.OutcomeNoIssue:
		return fmt.Sprintf("initial check: all %d interfaces match declared state", len(r.initial))
	case domain.OutcomeResolved:
		return fmt.Sprintf("post-remediation check after %d attempt(s): all %d interfaces match declared state",
			r.attempts, len(r.verification))
	case domain.OutcomeEscalated:
		return fmt.Sprintf("not resolved, %s; %d of %d interfaces still drifted",
			r.escalation, len(domain.DriftedOnly(r.verification)), len(r.verification))
	default:
		if len(r.verification) > 0 {
			return fmt.Sprintf("not resolved, last check shows %d of %d interfaces drifted",
				len(domain.DriftedOnly(r.verification)), len(r.verification))
		}
		return "not resolved, no verification was performed"
	}
}
