package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/workspace/sandbox-executor/internal/chatproxy"
	"github.com/workspace/sandbox-executor/internal/config"
	"github.com/workspace/sandbox-executor/internal/sessionregistry"
)

// scriptedRunner is a fixed chatproxy.TurnRunner standing in for a real
// container or local-executor backend in handler tests.
type scriptedRunner struct{}

func (scriptedRunner) Stream(ctx context.Context, command string) (<-chan chatproxy.Event, error) {
	out := make(chan chatproxy.Event, 2)
	out <- chatproxy.Event{Type: chatproxy.EventTextDelta, Text: "hi"}
	out <- chatproxy.Event{Type: chatproxy.EventResult, Result: &chatproxy.TurnResult{DurationMS: 1}}
	close(out)
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *sessionregistry.Registry) {
	t.Helper()
	cfg := &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		RequestTimeout:  5 * time.Second,
		StreamTimeout:   5 * time.Second,
		HTTPReadTimeout: 5 * time.Second,
		HTTPIdleTimeout: 5 * time.Second,
	}
	reg := sessionregistry.New()
	core := NewCore(cfg, reg, nil, nil, nil, nil)
	return New(cfg, core, nil), reg
}

func TestHandleGetSession_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions/nope", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()

	s.handleGetSession(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != http.StatusNotFound {
		t.Fatalf("expected envelope code 404, got %d", env.Code)
	}
}

func TestHandleGetSession_Found(t *testing.T) {
	s, reg := newTestServer(t)

	_, _, err := reg.GetOrCreate("s1", sessionregistry.Spec{Backend: sessionregistry.BackendLocal}, func(*sessionregistry.Session) error { return nil })
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/s1", nil)
	req.SetPathValue("id", "s1")
	rec := httptest.NewRecorder()

	s.handleGetSession(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDeleteSession_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/sessions/nope", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()

	s.handleDeleteSession(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleChatStream_EmitsSSEFrames(t *testing.T) {
	s, reg := newTestServer(t)

	_, _, err := reg.GetOrCreate("s1", sessionregistry.Spec{Backend: sessionregistry.BackendLocal}, func(*sessionregistry.Session) error { return nil })
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s.core.mu.Lock()
	s.core.local["s1"] = &localHandle{runner: scriptedRunner{}, close: func() error { return nil }}
	s.core.mu.Unlock()

	body := strings.NewReader(`{"content":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/stream/s1", body)
	req.SetPathValue("id", "s1")
	rec := httptest.NewRecorder()

	s.handleChatStream(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var frames int
	var sawTerminal bool
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		frames++
		var ev chatproxy.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode sse frame: %v", err)
		}
		if ev.Type == chatproxy.EventResult {
			sawTerminal = true
		}
	}
	if frames == 0 {
		t.Fatal("expected at least one SSE frame")
	}
	if !sawTerminal {
		t.Fatal("expected a terminal result event")
	}
}

func TestHandleCreateSession_BadBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	s.handleCreateSession(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected ConfigInvalid's mapped status, got %d", rec.Code)
	}
}
