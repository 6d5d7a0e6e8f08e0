// Package gateway is the HTTP surface: request submission, report and device
// listings, a websocket stream of domain events, health and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
	httpmw "netconverge/internal/infra/middleware"
)

// Deps holds what the HTTP handlers call into.
type Deps struct {
	Runner   Runner
	Reports  ReportReader
	Devices  DeviceLister
	Bus      domain.EventBus     // nil disables /v1/events
	Auth     Authenticator       // nil disables authentication
	Gatherer prometheus.Gatherer // nil uses the default registry
	Schedule func() int          // number of scheduled checks; can be nil
	Version  string

	RequestTimeout time.Duration
}

// Server serves the HTTP API and fans bus events out to websocket clients.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	logger  *slog.Logger
	handler http.Handler

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsubAll  func()

	clients sync.Map // uint64 -> *clientConn
	nextID  atomic.Uint64
}

// NewServer builds the router. Runner, Reports and Devices are required.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Runner == nil || deps.Reports == nil || deps.Devices == nil {
		return nil, domain.NewDomainError("gateway.NewServer", domain.ErrInvalidInput,
			"runner, reports and devices are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if deps.RequestTimeout == 0 {
		deps.RequestTimeout = cfg.RequestTimeout
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger.With("component", "gateway")}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	startTime := time.Now()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(httpmw.SecurityHeaders)

	r.Get("/healthz", healthHandler(s.deps, startTime, s.EventClients))
	r.Handle("/metrics", metricsHandler(s.deps.Gatherer, s.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(httpmw.NewRateLimiter(s.cfg.RateLimit).Handler)
		r.Use(requireAuth(s.deps.Auth))
		r.Post("/requests", submitHandler(s.deps))
		r.Get("/reports", listReportsHandler(s.deps))
		r.Get("/reports/{id}", getReportHandler(s.deps))
		r.Get("/devices", listDevicesHandler(s.deps))
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"http_request_id", middleware.GetReqID(r.Context()))
	})
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	if s.deps.Bus != nil {
		s.unsubAll = s.deps.Bus.SubscribeAll(s.fanOut)
	}
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := s.Stop(stopCtx); err != nil {
			s.logger.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes websocket clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, unsub := s.httpSrv, s.unsubAll
	s.unsubAll = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// BoundAddr returns the listening address once Start has bound it.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}
