// Package api exposes the conductor's thin operator HTTP surface: liveness,
// aggregate status, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent"
	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/otelx"
	"github.com/kandev/conductor/internal/coordinator"
	"github.com/kandev/conductor/internal/db"
	"github.com/kandev/conductor/internal/store"
)

var tracer = otelx.Tracer("conductor-api")

// Server is the operator-facing HTTP surface.
type Server struct {
	router *chi.Mux
	agents *agent.Repo
	coord  *coordinator.Coordinator
	bus    bus.Bus
	store  store.Store
	logger *logger.Logger
	http   *http.Server
}

// NewServer wires the router; call ListenAndServe to start accepting
// connections. st may be nil, in which case /status omits pool stats.
func NewServer(addr string, agents *agent.Repo, coord *coordinator.Coordinator, b bus.Bus, st store.Store, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		router: chi.NewRouter(),
		agents: agents,
		coord:  coord,
		bus:    b,
		store:  st,
		logger: log.WithFields(zap.String("component", "api")),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Router exposes the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe starts the HTTP server; blocks until Shutdown or an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.URL.Path)
		defer span.End()
		span.SetAttributes(attribute.String("http.method", r.Method))

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{Status: "ok"})
}

type statusResponse struct {
	ActiveAgents  int                 `json:"activeAgents"`
	BusStats      bus.Stats           `json:"busStats"`
	PoolStats     *db.Stats           `json:"poolStats,omitempty"`
	HandoffEvents []coordinator.Event `json:"recentHandoffEvents,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if s.agents != nil {
		active, err := s.agents.ListByStatus(r.Context(), agent.StatusActive)
		if err != nil {
			s.logger.Error("status: list agents failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp.ActiveAgents = len(active)
	}
	if s.bus != nil {
		resp.BusStats = s.bus.Stats()
	}
	if s.store != nil {
		stats := s.store.Stats()
		resp.PoolStats = &stats
	}
	if s.coord != nil {
		events := s.coord.EventLog()
		if len(events) > 20 {
			events = events[:20]
		}
		resp.HandoffEvents = events
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
