package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskDispatched, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventTaskDispatched {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskDispatched))
	bus.Publish(context.Background(), newEvent(domain.EventReportBuilt))
	bus.Close()
	assert.Equal(t, int32(1), got.Load())
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskDispatched))
	bus.Publish(context.Background(), newEvent(domain.EventIncidentOpened))
	bus.Close()
	assert.Equal(t, int32(2), got.Load())
}

func TestDeliveryOrderPerSubscriber(t *testing.T) {
	bus := newTestBus()

	var (
		mu  sync.Mutex
		ids []string
	)
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		ids = append(ids, e.RequestID)
		mu.Unlock()
	})

	want := make([]string, 100)
	for i := range want {
		want[i] = fmt.Sprintf("req-%03d", i)
		bus.Publish(context.Background(), domain.Event{Type: domain.EventStateChanged, RequestID: want[i]})
	}
	bus.Close()
	assert.Equal(t, want, ids)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventReportBuilt, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsub()
	unsub() // idempotent

	bus.Publish(context.Background(), newEvent(domain.EventReportBuilt))
	assert.Equal(t, int32(0), got.Load())
}

func TestFullQueueDrops(t *testing.T) {
	bus := NewWithBuffer(slog.New(slog.DiscardHandler), 1)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskCompleted))
	<-started                                                              // handler is blocked on the first event
	bus.Publish(context.Background(), newEvent(domain.EventTaskCompleted)) // queued
	bus.Publish(context.Background(), newEvent(domain.EventTaskCompleted)) // dropped
	close(release)
	bus.Close()

	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestPanickingHandlerRecovered(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		if got.Add(1) == 1 {
			panic("boom")
		}
	})
	bus.Publish(context.Background(), newEvent(domain.EventTaskCompleted))
	bus.Publish(context.Background(), newEvent(domain.EventTaskCompleted))
	bus.Close()
	assert.Equal(t, int32(2), got.Load())
}

func TestHandlerContextSurvivesCancel(t *testing.T) {
	bus := newTestBus()

	var ctxErr atomic.Value
	bus.SubscribeAll(func(ctx context.Context, _ domain.Event) {
		ctxErr.Store(ctx.Err() == nil)
	})
	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, newEvent(domain.EventStateChanged))
	cancel()
	bus.Close()
	require.NotNil(t, ctxErr.Load())
	assert.True(t, ctxErr.Load().(bool))
}

func TestPublishAfterClose(t *testing.T) {
	bus := newTestBus()
	bus.Close()
	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventStateChanged))
	unsub := bus.SubscribeAll(func(context.Context, domain.Event) {})
	unsub()
}
