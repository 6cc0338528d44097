// Package web exposes the introspection surface: a JSON API over system and
// agent state, recent bus traffic and persisted records, command injection,
// and a WebSocket feed streaming periodic snapshots.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/orchestrator"
	"github.com/hostsentry/hostsentry/internal/otel"
	"github.com/hostsentry/hostsentry/internal/store"
)

const defaultRecentLimit = 50

// Server is the introspection HTTP server. st may be nil; the records
// endpoint then answers 404.
type Server struct {
	orch *orchestrator.Orchestrator
	st   *store.Store
	log  *slog.Logger

	mu       sync.Mutex
	running  bool
	addr     string
	server   *http.Server
	listener net.Listener
}

// NewServer builds a stopped server bound to addr.
func NewServer(addr string, orch *orchestrator.Orchestrator, st *store.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		orch: orch,
		st:   st,
		addr: addr,
		log:  log.With("component", "web"),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/system", s.handleSystem)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agents/{name}", s.handleAgent)
	mux.HandleFunc("/api/v1/messages", s.handleMessages)
	mux.HandleFunc("/api/v1/records", s.handleRecords)
	mux.HandleFunc("/api/v1/command", s.handleCommand)
	mux.HandleFunc("/ws", s.handleFeed)
	mux.HandleFunc("/healthz", s.handleHealthz)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           otel.Middleware(mux),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("serve failed", "error", err)
		}
	}()
	s.log.Info("web server started", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.orch.SystemInfo())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.orch.AgentStats())
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := r.PathValue("name")
	stats, ok := s.orch.AgentStatsFor(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown agent: "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	msgs := s.orch.RecentMessages(limitParam(r))
	if msgs == nil {
		msgs = []bus.Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.st == nil {
		s.writeError(w, http.StatusNotFound, "persistence is disabled")
		return
	}
	records, err := s.st.Recent(r.Context(), r.URL.Query().Get("category"), limitParam(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// CommandRequest is the body of POST /api/v1/command.
type CommandRequest struct {
	Command string `json:"command"`
	Target  string `json:"target"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.Target == "" {
		req.Target = bus.TargetAll
	}

	if !s.orch.SendCommand(r.Context(), req.Command, req.Target) {
		s.writeError(w, http.StatusServiceUnavailable, "command could not be enqueued")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"command": req.Command,
		"target":  req.Target,
	})
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultRecentLimit
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
