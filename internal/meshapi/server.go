// Package meshapi implements a read-only HTTP/WebSocket introspection
// surface over the registry and event bus (domain stack): GET /agents,
// GET /agents/{id}, GET /events, GET /docs, GET /ws. It never
// authorizes actions — every handler only reads the registry's and
// bus's exported synchronous query operations — and never blocks
// either singleton's run loop, mirroring the teacher's internal/api
// server shape (mux + withLogging middleware + writeJSON helper)
// generalized from a chat API to an agent-mesh dashboard.
package meshapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/ident"
	"github.com/nugget/agentmesh/internal/registry"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level
// (a client disconnecting mid-response is not actionable).
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("meshapi: failed to write JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, logger *slog.Logger, code int, message string) {
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, logger)
}

// Server is the introspection HTTP server.
type Server struct {
	address string
	port    int
	reg     *registry.Registry
	bus     *eventbus.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer constructs a Server. reg and bus must already be running;
// Server never starts or stops them.
func NewServer(address string, port int, reg *registry.Registry, bus *eventbus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{address: address, port: port, reg: reg, bus: bus, logger: logger}
}

// Start begins serving HTTP requests. It blocks until the server stops
// (via Shutdown) or fails; callers typically run it in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /agents/{id}", s.handleAgentGet)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /docs", s.handleDocs)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /ws streams indefinitely
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("meshapi: starting introspection server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("meshapi: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	capability := r.URL.Query().Get("capability")

	var agents []agentView
	switch {
	case typ != "":
		agents = viewAll(s.reg.FindByType(typ))
	case capability != "":
		agents = viewAll(s.reg.FindByCapability(capability))
	default:
		agents = viewAll(s.reg.ListAll())
	}

	writeJSON(w, map[string]any{"agents": agents, "count": len(agents)}, s.logger)
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := ident.Parse(idStr)
	if err != nil {
		errorResponse(w, s.logger, http.StatusBadRequest, "invalid agent id")
		return
	}

	snap, err := s.reg.GetAgent(id)
	if err != nil {
		errorResponse(w, s.logger, http.StatusNotFound, "agent not found")
		return
	}

	writeJSON(w, view(snap), s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	raw := s.bus.GetHistory(limit)
	events := make([]eventView, len(raw))
	for i, ev := range raw {
		events[i] = eventView{
			ID:        ev.ID.String(),
			Topic:     ev.Type,
			Source:    ev.Source,
			Data:      ev.Data,
			Timestamp: ev.Timestamp,
			Age:       humanize.Time(ev.Timestamp),
		}
	}
	writeJSON(w, map[string]any{
		"events":        events,
		"count":         len(events),
		"dropped_total": s.bus.DroppedCounts(),
	}, s.logger)
}

