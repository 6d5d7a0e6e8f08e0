package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"netconverge/internal/domain"
)

const clientBuffer = 64

// clientConn is one websocket subscriber.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan domain.Event
	done      chan struct{}
	closeOnce sync.Once

	types     map[domain.EventType]bool // empty means every type
	requestID string
	name      string
}

func (cc *clientConn) close() { cc.closeOnce.Do(func() { close(cc.done) }) }

func (cc *clientConn) wants(ev domain.Event) bool {
	if cc.requestID != "" && ev.RequestID != cc.requestID {
		return false
	}
	return len(cc.types) == 0 || cc.types[ev.Type]
}

// EventClients returns the number of connected websocket subscribers.
func (s *Server) EventClients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool { n++; return true })
	return n
}

// fanOut is subscribed to the bus while the server runs.
func (s *Server) fanOut(_ context.Context, ev domain.Event) {
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if !cc.wants(ev) {
			return true
		}
		select {
		case cc.sendCh <- ev:
		default:
			s.logger.Warn("dropped event for slow client", "client", cc.name, "event", ev.Type)
		}
		return true
	})
}

// handleEvents upgrades to a websocket and streams matching events as JSON.
// Query parameters: types (comma separated types or categories) and
// request_id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event stream disabled")
		return
	}
	types, unknown := parseTypes(r.URL.Query().Get("types"))
	if len(unknown) > 0 {
		writeError(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "unknown event types: "+strings.Join(unknown, ", "))
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		ws:        ws,
		sendCh:    make(chan domain.Event, clientBuffer),
		done:      make(chan struct{}),
		types:     types,
		requestID: r.URL.Query().Get("request_id"),
		name:      clientFrom(r.Context()).Name,
	}
	id := s.nextID.Add(1)
	s.clients.Store(id, cc)
	s.logger.Info("event client connected", "conn_id", id, "client", cc.name)

	// clients only listen; CloseRead handles control frames and reports closure
	ctx := ws.CloseRead(r.Context())
	s.writeLoop(ctx, cc)

	cc.close()
	s.clients.Delete(id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("event client disconnected", "conn_id", id)
}

func (s *Server) writeLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.done:
			return
		case ev := <-cc.sendCh:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, cc.ws, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// parseTypes reads the types filter. Entries may be full event types or
// bare categories such as "task".
func parseTypes(v string) (map[domain.EventType]bool, []string) {
	var names []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			names = append(names, t)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	return domain.ExpandEventFilter(names)
}
