package incident

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
)

type fakeSystem struct {
	mu        sync.Mutex
	calls     []string
	summaries []domain.IncidentSummary
	bodies    []string
	openErr   error
	updateErr error
	delay     time.Duration
}

func (f *fakeSystem) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeSystem) Open(ctx context.Context, s domain.IncidentSummary) (domain.TicketRef, error) {
	f.record("open")
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.TicketRef{}, ctx.Err()
		}
	}
	if f.openErr != nil {
		return domain.TicketRef{}, f.openErr
	}
	f.summaries = append(f.summaries, s)
	return domain.TicketRef{ID: "sys-1", Number: "INC0010001"}, nil
}

func (f *fakeSystem) Update(_ context.Context, _ domain.TicketRef, body string) error {
	f.record("update")
	f.bodies = append(f.bodies, body)
	return f.updateErr
}

func (f *fakeSystem) Resolve(_ context.Context, _ domain.TicketRef, body string) error {
	f.record("resolve")
	f.bodies = append(f.bodies, body)
	return nil
}

var (
	mismatch = domain.DriftRecord{
		Interface:      domain.InterfaceRef{DeviceID: "1", Device: "R1", Interface: "GigabitEthernet0/1"},
		Classification: domain.ClassMismatch,
		Expected:       "10.10.10.1/24",
		Observed:       "10.10.10.2/24",
		Fields:         []domain.FieldDiff{{Field: "address", Expected: "10.10.10.1/24", Observed: "10.10.10.2/24"}},
	}
	matched = domain.DriftRecord{
		Interface:      mismatch.Interface,
		Classification: domain.ClassMatch,
		Expected:       "10.10.10.1/24",
		Observed:       "10.10.10.1/24",
	}
)

func TestLifecycle(t *testing.T) {
	sys := &fakeSystem{}
	r := NewRecorder(sys, "req-1", Options{})
	assert.Nil(t, r.Ref())

	ticket, err := r.Open(context.Background(), OpenInput{Description: "verify R1 to R2", Drift: []domain.DriftRecord{mismatch}})
	require.NoError(t, err)
	assert.Equal(t, "INC0010001", ticket.Display())
	assert.Equal(t, domain.IncidentOpen, r.State())

	require.Len(t, sys.summaries, 1)
	s := sys.summaries[0]
	assert.Equal(t, CorrelationID("req-1"), s.CorrelationID)
	assert.Contains(t, s.ShortDescription, "R1/GigabitEthernet0/1 (address)")
	assert.Contains(t, s.Description, "expected 10.10.10.1/24, observed 10.10.10.2/24")
	assert.Equal(t, 2, s.Urgency)

	require.NoError(t, r.Update(context.Background(), "applied 1 corrective task"))

	err = r.Resolve(context.Background(), Evidence{
		Resolved: []domain.DriftRecord{mismatch},
		Tasks: []domain.TaskOutcome{domain.NewTaskOutcome(domain.Task{
			Kind: domain.TaskConfigure, Target: "1",
			Intent: &domain.ConfigIntent{DeviceID: "1", Interface: "GigabitEthernet0/1", Address: "10.10.10.1/24"},
		}, domain.TaskResult{Apply: &domain.ApplyResult{Changed: true}}, nil)},
		Verification: []domain.DriftRecord{matched},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentResolved, r.State())
	assert.Equal(t, []string{"open", "update", "resolve"}, sys.calls)
	assert.Contains(t, sys.bodies[1], "configure 10.10.10.1/24 on 1/GigabitEthernet0/1: ok")

	ref := r.Ref()
	require.NotNil(t, ref)
	assert.Equal(t, domain.IncidentResolved, ref.State)
	assert.False(t, ref.Unresolved)
}

func TestOpenRequiresDrift(t *testing.T) {
	r := NewRecorder(&fakeSystem{}, "req-1", Options{})
	_, err := r.Open(context.Background(), OpenInput{Drift: []domain.DriftRecord{matched}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, domain.IncidentNone, r.State())
}

func TestOpenTwiceIsInvalid(t *testing.T) {
	r := NewRecorder(&fakeSystem{}, "req-1", Options{})
	_, err := r.Open(context.Background(), OpenInput{Drift: []domain.DriftRecord{mismatch}})
	require.NoError(t, err)
	_, err = r.Open(context.Background(), OpenInput{Drift: []domain.DriftRecord{mismatch}})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestResolveRequiresAllMatch(t *testing.T) {
	sys := &fakeSystem{}
	r := NewRecorder(sys, "req-1", Options{})
	_, err := r.Open(context.Background(), OpenInput{Drift: []domain.DriftRecord{mismatch}})
	require.NoError(t, err)

	err = r.Resolve(context.Background(), Evidence{Verification: []domain.DriftRecord{mismatch}})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	err = r.Resolve(context.Background(), Evidence{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.IncidentOpen, r.State())
	assert.NotContains(t, sys.calls, "resolve")
}

func TestResolveBeforeOpenIsInvalid(t *testing.T) {
	r := NewRecorder(&fakeSystem{}, "req-1", Options{})
	err := r.Resolve(context.Background(), Evidence{Verification: []domain.DriftRecord{matched}})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, r.Update(context.Background(), "x"), domain.ErrInvalidTransition)
}

func TestOpenFailureIsRecorderError(t *testing.T) {
	r := NewRecorder(&fakeSystem{openErr: errors.New("503 service unavailable")}, "req-1", Options{})
	_, err := r.Open(context.Background(), OpenInput{Drift: []domain.DriftRecord{mismatch}})
	assert.ErrorIs(t, err, domain.ErrRecorder)
	assert.Equal(t, domain.CodeRecorder, domain.ErrorCodeOf(err))
	assert.Equal(t, domain.IncidentNone, r.State())
}

func TestOpenTimeoutIsRecorderError(t *testing.T) {
	r := NewRecorder(&fakeSystem{delay: time.Second}, "req-1", Options{Timeout: 10 * time.Millisecond})
	_, err := r.Open(context.Background(), OpenInput{Drift: []domain.DriftRecord{mismatch}})
	assert.ErrorIs(t, err, domain.ErrRecorder)
}

func TestAnnotateUnresolved(t *testing.T) {
	sys := &fakeSystem{}
	r := NewRecorder(sys, "req-1", Options{})
	_, err := r.Open(context.Background(), OpenInput{Drift: []domain.DriftRecord{mismatch}})
	require.NoError(t, err)

	require.NoError(t, r.AnnotateUnresolved(context.Background(), "retry bound exhausted"))
	ref := r.Ref()
	assert.Equal(t, domain.IncidentOpen, ref.State)
	assert.True(t, ref.Unresolved)
	assert.Contains(t, sys.bodies[0], "UNRESOLVED: retry bound exhausted")
}

func TestAnnotateFailureStillMarksUnresolved(t *testing.T) {
	sys := &fakeSystem{updateErr: errors.New("timeout")}
	r := NewRecorder(sys, "req-1", Options{})
	_, err := r.Open(context.Background(), OpenInput{Drift: []domain.DriftRecord{mismatch}})
	require.NoError(t, err)

	err = r.AnnotateUnresolved(context.Background(), "device rejected change")
	assert.ErrorIs(t, err, domain.ErrRecorder)
	assert.True(t, r.Ref().Unresolved)
}

func TestCorrelationIDStable(t *testing.T) {
	assert.Equal(t, CorrelationID("req-1"), CorrelationID("req-1"))
	assert.NotEqual(t, CorrelationID("req-1"), CorrelationID("req-2"))
}

func TestUnreachableUrgency(t *testing.T) {
	sys := &fakeSystem{}
	r := NewRecorder(sys, "req-1", Options{})
	_, err := r.Open(context.Background(), OpenInput{Drift: []domain.DriftRecord{{
		Interface: mismatch.Interface, Classification: domain.ClassUnreachable, Error: "dial tcp: i/o timeout",
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, sys.summaries[0].Urgency)
	assert.Contains(t, sys.summaries[0].ShortDescription, "(unreachable)")
}

func TestShortDescriptionTruncatesOnCharacters(t *testing.T) {
	var drift []domain.DriftRecord
	for _, name := range []string{"Zürich-core-01", "Zürich-core-02", "Genève-edge-01", "Genève-edge-02", "Köln-agg-01", "Köln-agg-02"} {
		rec := mismatch
		rec.Interface = domain.InterfaceRef{DeviceID: name, Device: name, Interface: "GigabitEthernet0/1"}
		drift = append(drift, rec)
	}

	s := shortDescription(drift)
	assert.True(t, utf8.ValidString(s), "%q", s)
	assert.Equal(t, maxShortDescription, utf8.RuneCountInString(s))
	assert.True(t, strings.HasSuffix(s, "..."))

	short := shortDescription(drift[:1])
	assert.Equal(t, "Network drift: Zürich-core-01/GigabitEthernet0/1 (address)", short)
}
