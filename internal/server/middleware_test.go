package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/workspace/sandbox-executor/internal/config"
	"github.com/workspace/sandbox-executor/internal/sessionregistry"
)

func newMiddlewareTestServer(t *testing.T, allowedOrigins []string) *Server {
	t.Helper()
	cfg := &config.Config{
		Host:            "127.0.0.1",
		AllowedOrigins:  allowedOrigins,
		RequestTimeout:  5 * time.Second,
		StreamTimeout:   5 * time.Second,
		HTTPReadTimeout: 5 * time.Second,
		HTTPIdleTimeout: 5 * time.Second,
	}
	reg := sessionregistry.New()
	core := NewCore(cfg, reg, nil, nil, nil, nil)
	return New(cfg, core, nil)
}

func TestWithCORS_AllowsConfiguredOrigin(t *testing.T) {
	s := newMiddlewareTestServer(t, []string{"https://allowed.example"})

	handler := s.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://allowed.example" {
		t.Fatalf("expected CORS header for an allowed origin, got %q", got)
	}
}

func TestWithCORS_RejectsUnlistedOrigin(t *testing.T) {
	s := newMiddlewareTestServer(t, []string{"https://allowed.example"})

	handler := s.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header for an unlisted origin, got %q", got)
	}
}

func TestWithCORS_EmptyAllowlistAllowsAny(t *testing.T) {
	s := newMiddlewareTestServer(t, nil)

	handler := s.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example" {
		t.Fatalf("expected an empty allowlist to permit any origin, got %q", got)
	}
}

func TestWithCORS_OptionsShortCircuits(t *testing.T) {
	s := newMiddlewareTestServer(t, nil)
	called := false
	handler := s.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("expected OPTIONS to short-circuit before reaching the next handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS, got %d", rec.Code)
	}
}

func TestWithAuth_NilValidatorDisablesCheck(t *testing.T) {
	s := newMiddlewareTestServer(t, nil) // s.jwt is nil: JWKS endpoint unset

	called := false
	handler := s.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected the next handler to run when auth is disabled")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
