package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/workspace/sandbox-executor/internal/auth"
	"github.com/workspace/sandbox-executor/internal/chatproxy"
	"github.com/workspace/sandbox-executor/internal/config"
	"github.com/workspace/sandbox-executor/internal/sandboxerrors"
)

// Server adapts Core to net/http, exposing the routes SPEC_FULL.md §6
// names plus GET /health and the GET /ws/agent/{id} websocket transport.
type Server struct {
	cfg        *config.Config
	core       *Core
	httpServer *http.Server
	jwt        *auth.JWTValidator
}

// New builds the HTTP server. jwtValidator may be nil, disabling bearer-auth.
func New(cfg *config.Config, core *Core, jwtValidator *auth.JWTValidator) *Server {
	s := &Server{cfg: cfg, core: core, jwt: jwtValidator}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /chat/stream/{id}", s.handleChatStream)
	mux.HandleFunc("POST /chat/interrupt/{id}", s.handleChatInterrupt)
	mux.HandleFunc("POST /chat/{id}", s.handleChat)
	mux.HandleFunc("GET /ws/agent/{id}", s.handleWSAgent)
	mux.HandleFunc("GET /health", s.handleHealth)

	handler := s.withCORS(s.withAuth(mux))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// errorEnvelope is the structured failure body SPEC_FULL.md §7 requires for
// every non-streaming endpoint.
type errorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := sandboxerrors.HTTPStatus(err)
	writeJSON(w, status, errorEnvelope{Code: status, Message: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode request body: %v", sandboxerrors.ErrConfigInvalid, err))
		return
	}

	session, created, err := s.core.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Registry().List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.core.Registry().Lookup(id)
	if !ok {
		writeError(w, sandboxerrors.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.core.Registry().Lookup(id)
	if !ok {
		writeError(w, sandboxerrors.ErrNotFound)
		return
	}

	if err := s.core.Registry().Close(id, "deleted", s.core.Teardown); err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.DestroyWorkspace(session.WorkspaceDir); err != nil {
		writeError(w, fmt.Errorf("%w: destroy workspace: %v", sandboxerrors.ErrProvisioningFailed, err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type chatRequest struct {
	Prompt string `json:"content"`
	Tag    string `json:"task_tag"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode request body: %v", sandboxerrors.ErrConfigInvalid, err))
		return
	}

	stream, err := s.core.Proxy().ChatStream(r.Context(), id, req.Prompt, chatproxy.TaskTag(req.Tag))
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("%w: streaming unsupported by response writer", sandboxerrors.ErrUpstream))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range stream {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

func (s *Server) handleChatInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.core.Proxy().Interrupt(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode request body: %v", sandboxerrors.ErrConfigInvalid, err))
		return
	}

	events, err := s.core.Proxy().Chat(r.Context(), id, req.Prompt, chatproxy.TaskTag(req.Tag))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
