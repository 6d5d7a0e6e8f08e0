package natsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    []*nats.Msg
	err     error
	drained bool
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

type syncBus struct {
	handlers []domain.EventHandler
}

func (b *syncBus) Publish(ctx context.Context, ev domain.Event) {
	for _, h := range b.handlers {
		h(ctx, ev)
	}
}
func (b *syncBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *syncBus) SubscribeAll(h domain.EventHandler) func() {
	b.handlers = append(b.handlers, h)
	return func() { b.handlers = nil }
}
func (b *syncBus) Close() {}

func TestSubjectPrefix(t *testing.T) {
	assert.Equal(t, "netconverge.report.built", newSink(&fakeConn{}, "", nil).Subject(domain.EventReportBuilt))
	assert.Equal(t, "lab.events.task.completed", newSink(&fakeConn{}, ".lab.events.", nil).Subject(domain.EventTaskCompleted))
}

func TestPublishEnvelope(t *testing.T) {
	conn := &fakeConn{}
	s := newSink(conn, "nc", nil)

	ev := domain.NewEvent(domain.EventIncidentOpened, "req-1", map[string]string{"number": "INC0010001"})
	require.NoError(t, s.Publish(ev))

	require.Len(t, conn.msgs, 1)
	msg := conn.msgs[0]
	assert.Equal(t, "nc.incident.opened", msg.Subject)
	assert.Equal(t, "req-1", msg.Header.Get("Netconverge-Request-Id"))

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	_, err := uuid.Parse(env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.ID, msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, domain.EventIncidentOpened, env.Type)
	assert.JSONEq(t, `{"number":"INC0010001"}`, string(env.Payload))
}

func TestAttachAndClose(t *testing.T) {
	conn := &fakeConn{}
	s := newSink(conn, "", nil)
	bus := &syncBus{}
	s.Attach(bus)

	ctx := context.Background()
	bus.Publish(ctx, domain.NewEvent(domain.EventRequestAccepted, "req-1", nil))
	bus.Publish(ctx, domain.NewEvent(domain.EventReportBuilt, "req-1", nil))
	require.Len(t, conn.msgs, 2)
	assert.NotEqual(t, conn.msgs[0].Header.Get(nats.MsgIdHdr), conn.msgs[1].Header.Get(nats.MsgIdHdr))

	require.NoError(t, s.Close())
	assert.True(t, conn.drained)
	bus.Publish(ctx, domain.NewEvent(domain.EventReportBuilt, "req-2", nil))
	assert.Len(t, conn.msgs, 2)
}

func TestPublishFailureIsLoggedNotPropagated(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	s := newSink(conn, "", nil)
	bus := &syncBus{}
	s.Attach(bus)

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), domain.NewEvent(domain.EventReportBuilt, "req-1", nil))
	})
	assert.Error(t, s.Publish(domain.NewEvent(domain.EventReportBuilt, "req-1", nil)))
}
