package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
)

func newStore(t *testing.T) *SQLiteReportStore {
	t.Helper()
	s, err := NewSQLiteReportStore(filepath.Join(t.TempDir(), "data", "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(id string, finished time.Time) domain.Report {
	return domain.Report{
		ID:          id,
		RequestID:   "req-" + id,
		Description: "verify R1 to R2",
		Endpoints:   []string{"R1", "R2"},
		Outcome:     domain.OutcomeResolved,
		Drift: []domain.DriftRecord{{
			Interface:      domain.InterfaceRef{DeviceID: "1", Device: "R1", Interface: "GigabitEthernet0/1"},
			Classification: domain.ClassMismatch,
			Expected:       "10.10.10.1/24",
			Observed:       "10.10.10.5/24",
		}},
		Incident:   &domain.IncidentRef{Ticket: domain.TicketRef{ID: "sys", Number: "INC0010001"}, State: domain.IncidentResolved},
		Attempts:   1,
		FinishedAt: finished,
	}
}

func TestSaveGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	r := sampleReport("01A", time.Now().UTC().Truncate(time.Millisecond))

	require.NoError(t, s.Save(ctx, r))
	got, err := s.Get(ctx, "01A")
	require.NoError(t, err)
	assert.Equal(t, r.Drift[0].Observed, got.Drift[0].Observed)
	assert.Equal(t, "INC0010001", got.Incident.Ticket.Number)
	assert.True(t, r.FinishedAt.Equal(got.FinishedAt))

	assert.ErrorIs(t, s.Save(ctx, r), domain.ErrDuplicate)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeReportNotFound, domain.ErrorCodeOf(err))
}

func TestListAndMarkNotified(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, sampleReport("A", base)))
	require.NoError(t, s.Save(ctx, sampleReport("B", base.Add(time.Minute))))

	require.NoError(t, s.MarkNotified(ctx, "A", nil))
	require.NoError(t, s.MarkNotified(ctx, "B", errors.New("smtp: 550 mailbox unavailable")))

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B", list[0].ID)
	assert.False(t, list[0].Notified)
	assert.Contains(t, list[0].NotifyError, "550")
	assert.Equal(t, "A", list[1].ID)
	assert.True(t, list[1].Notified)
	assert.Equal(t, "INC0010001", list[1].Ticket)

	// a later successful delivery replaces the failure
	require.NoError(t, s.MarkNotified(ctx, "B", nil))
	list, err = s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Notified)

	assert.ErrorIs(t, s.MarkNotified(ctx, "missing", nil), domain.ErrNotFound)
}
