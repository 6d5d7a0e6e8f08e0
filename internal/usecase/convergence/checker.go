// Package convergence compares declared interface state with what the
// devices report and classifies every interface as match, mismatch or
// unreachable. The same check serves diagnosis and verification.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"netconverge/internal/domain"
	"netconverge/internal/infra/metrics"
	"netconverge/internal/ios"
)

const absent = "absent"

// Dispatcher runs tasks and returns outcomes in input order.
type Dispatcher interface {
	DispatchAll(ctx context.Context, tasks []domain.Task) []domain.TaskOutcome
}

// Result is one check pass.
type Result struct {
	Records     []domain.DriftRecord
	Diagnostics []domain.TaskOutcome
}

// Checker issues diagnose tasks and classifies interfaces.
type Checker struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Checker.
func New(d Dispatcher, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{dispatcher: d, logger: logger.With("component", "convergence"), now: time.Now}
}

// ifacePlan indexes the diagnose tasks issued for one interface. An index
// is -1 when the task was not needed.
type ifacePlan struct {
	iface    domain.Interface
	ifTask   int
	peerTask int
	pingTask int
	pingHost string
}

// Check diagnoses every interface and returns one record per interface, in
// input order. Identity and routing failures abort the check with an error;
// transport failures become unreachable records.
func (c *Checker) Check(ctx context.Context, requestID string, interfaces []domain.Interface) (Result, error) {
	var (
		tasks []domain.Task
		plans []ifacePlan
	)
	for _, iface := range interfaces {
		p := ifacePlan{iface: iface, ifTask: len(tasks), peerTask: -1, pingTask: -1}
		tasks = append(tasks, diagnoseTask(requestID, iface.DeviceID, ios.ShowInterface(iface.Name)))
		if iface.Peer != nil {
			p.peerTask = len(tasks)
			tasks = append(tasks, diagnoseTask(requestID, iface.DeviceID, ios.ShowNeighbors(iface.Name)))
			if host := peerHost(iface.Peer.Address); host != "" {
				p.pingTask, p.pingHost = len(tasks), host
				tasks = append(tasks, diagnoseTask(requestID, iface.DeviceID, ios.Ping(host)))
			}
		}
		plans = append(plans, p)
	}

	outcomes := c.dispatcher.DispatchAll(ctx, tasks)
	res := Result{Diagnostics: outcomes}

	for _, p := range plans {
		rec, err := c.classify(ctx, p, outcomes)
		if err != nil {
			return res, err
		}
		metrics.DriftRecords.WithLabelValues(string(rec.Classification)).Inc()
		if rec.Drifted() {
			c.logger.Info("drift detected",
				"request_id", requestID,
				"interface", rec.Interface.String(),
				"classification", rec.Classification,
				"fields", rec.FieldNames(),
			)
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func diagnoseTask(requestID, target, command string) domain.Task {
	return domain.Task{
		ID:        ulid.Make().String(),
		RequestID: requestID,
		Kind:      domain.TaskDiagnose,
		Target:    target,
		Command:   command,
	}
}

// peerHost returns the host part of a declared peer address, or "" when
// none is declared.
func peerHost(address string) string {
	if address == "" {
		return ""
	}
	if p, err := netip.ParsePrefix(address); err == nil {
		return p.Addr().String()
	}
	if a, err := netip.ParseAddr(address); err == nil {
		return a.String()
	}
	return ""
}

func (c *Checker) classify(ctx context.Context, p ifacePlan, outcomes []domain.TaskOutcome) (domain.DriftRecord, error) {
	iface := p.iface
	rec := domain.DriftRecord{Interface: iface.Ref(), CheckedAt: c.now().UTC()}

	used := []*domain.TaskOutcome{&outcomes[p.ifTask]}
	if p.peerTask >= 0 {
		used = append(used, &outcomes[p.peerTask])
	}
	var pingOut *domain.TaskOutcome
	if p.pingTask >= 0 {
		pingOut = &outcomes[p.pingTask]
		// an agent that cannot ping (SNMP) leaves reachability unchecked
		if errors.Is(pingOut.Err, domain.ErrRejected) {
			c.logger.DebugContext(ctx, "reachability not checked", "interface", rec.Interface.String(), "error", pingOut.Err)
			pingOut = nil
		} else {
			used = append(used, pingOut)
		}
	}
	for _, out := range used {
		if err := fatal(out.Err); err != nil {
			return rec, err
		}
	}
	for _, out := range used {
		if out.Err != nil {
			rec.Classification = domain.ClassUnreachable
			rec.Expected = declaredSummary(iface)
			rec.Observed = "unreachable"
			rec.Error = out.Err.Error()
			return rec, nil
		}
	}

	obs := ios.ParseInterface(outcomes[p.ifTask].Result.Output)
	var neighbors []string
	if p.peerTask >= 0 {
		for _, n := range ios.ParseNeighbors(outcomes[p.peerTask].Result.Output) {
			neighbors = append(neighbors, n.ShortName())
		}
	}

	rec.Fields = compare(iface, obs, neighbors)
	if pingOut != nil {
		if d, ok := reachability(p.pingHost, pingOut.Result.Output); !ok {
			rec.Fields = append(rec.Fields, d)
		}
	}
	if len(rec.Fields) == 0 {
		rec.Classification = domain.ClassMatch
		rec.Expected = declaredSummary(iface)
		rec.Observed = rec.Expected
		return rec, nil
	}
	rec.Classification = domain.ClassMismatch
	rec.Expected, rec.Observed = diffSummary(rec.Fields)
	return rec, nil
}

// reachability reads a ping of the declared peer address. Any reply counts;
// the first echo is often lost to ARP.
func reachability(host, output string) (domain.FieldDiff, bool) {
	percent, ok := ios.ParsePing(output)
	if ok && percent > 0 {
		return domain.FieldDiff{}, true
	}
	observed := host + " unreachable"
	if ok {
		observed = fmt.Sprintf("%s unreachable (success rate %d%%)", host, percent)
	}
	return domain.FieldDiff{Field: domain.FieldReachability, Expected: host + " reachable", Observed: observed}, false
}

// fatal passes through errors that no amount of checking can classify.
func fatal(err error) error {
	if err == nil || errors.Is(err, domain.ErrUnreachable) {
		return nil
	}
	return err
}

// compare lists every declared attribute that differs from observed state.
func compare(iface domain.Interface, obs ios.ObservedInterface, neighbors []string) []domain.FieldDiff {
	var diffs []domain.FieldDiff
	observed := func(v string) string {
		if !obs.Present {
			return absent
		}
		if v == "" {
			return "none"
		}
		return v
	}

	if iface.Address != "" {
		want, err := domain.CanonicalPrefix(iface.Address)
		if err != nil {
			want = iface.Address
		}
		if !obs.Present || obs.Address != want {
			diffs = append(diffs, domain.FieldDiff{Field: domain.FieldAddress, Expected: want, Observed: observed(obs.Address)})
		}
	}

	if iface.AdminState != "" {
		if !obs.Present || obs.AdminState() != iface.AdminState {
			diffs = append(diffs, domain.FieldDiff{
				Field: domain.FieldAdminState, Expected: string(iface.AdminState), Observed: observed(string(obs.AdminState())),
			})
		}
		// line protocol is expected up exactly when the interface is enabled
		if !obs.Present || obs.OperState() != iface.AdminState {
			diffs = append(diffs, domain.FieldDiff{
				Field: domain.FieldOperState, Expected: string(iface.AdminState), Observed: observed(string(obs.OperState())),
			})
		}
	}

	if iface.Peer != nil && iface.Peer.Device != "" {
		found := false
		for _, n := range neighbors {
			if strings.EqualFold(n, iface.Peer.Device) {
				found = true
				break
			}
		}
		if !found {
			diffs = append(diffs, domain.FieldDiff{
				Field: domain.FieldPeer, Expected: iface.Peer.Device, Observed: observed(strings.Join(neighbors, ",")),
			})
		}
	}
	return diffs
}

func declaredSummary(iface domain.Interface) string {
	var parts []string
	if iface.Address != "" {
		parts = append(parts, iface.Address)
	}
	if iface.AdminState != "" {
		parts = append(parts, "admin "+string(iface.AdminState))
	}
	if iface.Peer != nil {
		parts = append(parts, "peer "+iface.Peer.Device)
		if iface.Peer.Address != "" {
			parts = append(parts, "peer address "+iface.Peer.Address)
		}
	}
	return strings.Join(parts, ", ")
}

// diffSummary renders a lone mismatch as bare values and several as
// field=value pairs.
func diffSummary(diffs []domain.FieldDiff) (expected, observed string) {
	if len(diffs) == 1 {
		return diffs[0].Expected, diffs[0].Observed
	}
	exp := make([]string, 0, len(diffs))
	obs := make([]string, 0, len(diffs))
	for _, d := range diffs {
		exp = append(exp, fmt.Sprintf("%s=%s", d.Field, d.Expected))
		obs = append(obs, fmt.Sprintf("%s=%s", d.Field, d.Observed))
	}
	return strings.Join(exp, ", "), strings.Join(obs, ", ")
}
