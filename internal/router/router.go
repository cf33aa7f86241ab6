// Package router dispatches inbound client requests to gate sessions: it
// owns the session table, runs the new-session flow against the gate
// registry, and exposes the proxy's HTTP surface.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcpguard/mcpguard/internal/config"
	"github.com/mcpguard/mcpguard/internal/eventbus"
	"github.com/mcpguard/mcpguard/internal/gate"
	"github.com/mcpguard/mcpguard/internal/store"
)

const (
	headerSessionID = "Mcp-Session-Id"
	maxMessageSize  = 10 * 1024 * 1024 // 10MB
)

// session is one client-facing conversation bound to a gate.
type session struct {
	id        string
	gateName  string
	mirror    *mcpserver.MCPServer
	startedAt time.Time
}

// Server routes client requests across gate sessions. The session table and
// the gate registry are the only mutable state it holds.
type Server struct {
	cfg      *config.GuardConfig
	registry *gate.Registry
	store    store.Store // may be nil
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

func New(cfg *config.GuardConfig, registry *gate.Registry, st store.Store, bus *eventbus.Bus, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		store:    st,
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Handler builds the HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleStatus)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("/{gate}", s.handleGate)
	return mux
}

// Run serves until ctx is cancelled, then drops sessions and closes every
// cached upstream connection.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("mcpguard listening",
		"addr", httpServer.Addr,
		"gates", s.cfg.GateNames(),
	)

	err := httpServer.ListenAndServe()

	s.dropAllSessions()
	s.registry.CloseAll()

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen on %s: %w", httpServer.Addr, err)
	}
	return nil
}

// handleStatus reports proxy health and the configured gate names.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"gates":  s.cfg.GateNames(),
	})
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("gate")
	gateCfg, ok := s.cfg.Servers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":     fmt.Sprintf("unknown gate %q", name),
			"available": s.cfg.GateNames(),
		})
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r, name, gateCfg)
	case http.MethodDelete:
		s.handleTerminate(w, r, name)
	default:
		// No server-initiated messages: the GET listen leg is not offered.
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": fmt.Sprintf("method %s not allowed", r.Method),
		})
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, name string, gateCfg config.GateConfig) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read request body"})
		return
	}

	if sid := r.Header.Get(headerSessionID); sid != "" {
		s.deliverToSession(w, r, name, sid, body)
		return
	}

	// No session: only an initialize request may start one.
	msg, parseErr := parseMessage(body)
	if parseErr != nil {
		writeRPC(w, "", http.StatusBadRequest, makeErrorResponse(nil, codeParseError, "parse error"))
		return
	}
	if msg.Method != "initialize" {
		writeRPC(w, "", http.StatusBadRequest,
			makeErrorResponse(msg.ID, codeInvalidRequest, "new sessions must start with an initialize request"))
		return
	}

	g, err := s.registry.GetOrConnect(r.Context(), name, gateCfg)
	if err != nil {
		s.logger.Error("upstream connect failed", "gate", name, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": fmt.Sprintf("failed to connect to upstream: %v", err),
		})
		return
	}

	sess := &session{
		id:        uuid.NewString(),
		gateName:  name,
		mirror:    gate.NewMirror(g, gateCfg, s.logger, s.observeCall),
		startedAt: time.Now(),
	}

	resp := sess.mirror.HandleMessage(r.Context(), body)
	if resp == nil {
		// An id-less initialize is a notification; no handshake happened.
		writeRPC(w, "", http.StatusBadRequest,
			makeErrorResponse(msg.ID, codeInvalidRequest, "initialize must be a request"))
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to encode response"})
		return
	}

	// The session only exists once the handshake completed; a rejected
	// initialize relays the error envelope and registers nothing.
	if responseIsError(data) {
		s.logger.Warn("initialize rejected", "gate", name)
		writeRPC(w, "", http.StatusBadRequest, data)
		return
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	if s.store != nil {
		s.store.CreateSession(r.Context(), &store.Session{
			ID:        sess.id,
			Gate:      name,
			StartedAt: sess.startedAt,
		})
	}
	s.logger.Info("session started", "gate", name, "session", sess.id)

	writeRPC(w, sess.id, http.StatusOK, data)
}

func (s *Server) deliverToSession(w http.ResponseWriter, r *http.Request, name, sid string, body []byte) {
	sess := s.lookupSession(name, sid)
	if sess == nil {
		msg, _ := parseMessage(body)
		writeRPC(w, "", http.StatusNotFound,
			makeErrorResponse(msg.ID, codeSessionNotFound, "session not found; send a new initialize request"))
		return
	}

	resp := sess.mirror.HandleMessage(r.Context(), body)
	if resp == nil {
		// Notification: accepted, nothing to relay.
		w.Header().Set(headerSessionID, sid)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to encode response"})
		return
	}
	writeRPC(w, sid, http.StatusOK, data)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request, name string) {
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing " + headerSessionID + " header"})
		return
	}

	sess := s.lookupSession(name, sid)
	if sess == nil {
		writeRPC(w, "", http.StatusNotFound,
			makeErrorResponse(nil, codeSessionNotFound, "session not found"))
		return
	}

	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()

	if s.store != nil {
		s.store.EndSession(r.Context(), sid)
	}
	s.logger.Info("session terminated", "gate", name, "session", sid)
	w.WriteHeader(http.StatusNoContent)
}

// lookupSession resolves sid and verifies it is bound to the named gate.
func (s *Server) lookupSession(name, sid string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sid]
	if !ok || sess.gateName != name {
		return nil
	}
	return sess
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) dropAllSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sid := range s.sessions {
		if s.store != nil {
			s.store.EndSession(context.Background(), sid)
		}
		delete(s.sessions, sid)
	}
}

// observeCall feeds the event bus and the usage store. Block decisions are
// published live but never persisted.
func (s *Server) observeCall(gateName, tool string, blocked bool, pattern string) {
	if s.bus != nil {
		s.bus.Publish(&eventbus.CallEvent{
			Time:    time.Now(),
			Gate:    gateName,
			Tool:    tool,
			Blocked: blocked,
			Pattern: pattern,
		})
	}
	if !blocked && s.store != nil {
		s.store.RecordToolCall(context.Background(), gateName, tool)
	}
}

// handleUsage returns the persisted per-gate tool usage summary.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "usage store disabled"})
		return
	}
	summary, err := s.store.UsageSummary(r.Context())
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to read usage"})
		return
	}
	if summary == nil {
		summary = []store.GateUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": summary})
}

// handleEvents streams live call events over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "event stream disabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch, unsub := s.bus.Subscribe(subID)
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRPC writes a raw JSON-RPC payload, echoing the session id when set.
func writeRPC(w http.ResponseWriter, sid string, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	if sid != "" {
		w.Header().Set(headerSessionID, sid)
	}
	w.WriteHeader(status)
	w.Write(payload)
}
