package ticketing

import (
	"context"
	"fmt"
	"sync"

	"netconverge/internal/domain"
)

// Ticket is a record held by the memory system.
type Ticket struct {
	Ref        domain.TicketRef
	Summary    domain.IncidentSummary
	Notes      []string
	Resolution string
	Resolved   bool
}

// Memory is an in-process incident system for labs and tests.
type Memory struct {
	mu      sync.Mutex
	next    int
	tickets map[string]*Ticket
	byCorr  map[string]string
}

// NewMemory creates an empty memory incident system.
func NewMemory() *Memory {
	return &Memory{next: 10001, tickets: make(map[string]*Ticket), byCorr: make(map[string]string)}
}

// Open creates a ticket, or returns the open one with the same correlation id.
func (m *Memory) Open(ctx context.Context, s domain.IncidentSummary) (domain.TicketRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.TicketRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byCorr[s.CorrelationID]; ok && !m.tickets[id].Resolved {
		return m.tickets[id].Ref, nil
	}
	ref := domain.TicketRef{ID: fmt.Sprintf("mem-%d", m.next), Number: fmt.Sprintf("INC%07d", m.next)}
	m.next++
	m.tickets[ref.ID] = &Ticket{Ref: ref, Summary: s}
	if s.CorrelationID != "" {
		m.byCorr[s.CorrelationID] = ref.ID
	}
	return ref, nil
}

// Update appends a note.
func (m *Memory) Update(ctx context.Context, ticket domain.TicketRef, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup("Memory.Update", ticket)
	if err != nil {
		return err
	}
	t.Notes = append(t.Notes, body)
	return nil
}

// Resolve closes the ticket.
func (m *Memory) Resolve(ctx context.Context, ticket domain.TicketRef, resolution string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup("Memory.Resolve", ticket)
	if err != nil {
		return err
	}
	if t.Resolved {
		return domain.NewDomainError("Memory.Resolve", domain.ErrInvalidTransition, ticket.Display()+" already resolved")
	}
	t.Resolved = true
	t.Resolution = resolution
	return nil
}

// Get returns a copy of a ticket by sys id or number.
func (m *Memory) Get(key string) (Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.Ref.ID == key || t.Ref.Number == key {
			c := *t
			c.Notes = append([]string(nil), t.Notes...)
			return c, true
		}
	}
	return Ticket{}, false
}

func (m *Memory) lookup(op string, ref domain.TicketRef) (*Ticket, error) {
	t, ok := m.tickets[ref.ID]
	if !ok {
		return nil, domain.NewSubSystemError("ticketing", op, domain.ErrNotFound, ref.Display())
	}
	return t, nil
}

var _ domain.IncidentSystem = (*Memory)(nil)
