package localexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/sandbox-executor/internal/chatproxy"
)

// Config configures one session's local agent process.
type Config struct {
	SessionID     string
	WorkspaceDir  string
	AgentCommand  string
	AgentArgs     []string
	AgentEnv      []string
	InitTimeout   time.Duration
	PreviousAcpID string
}

// Executor is one session's in-process ACP agent client. It reuses the
// session id for conversation continuity and exposes chatproxy.TurnRunner so
// it can be driven by the same Chat Proxy (§4.5) the sandbox backend uses,
// per SPEC_FULL.md §4.7.
type Executor struct {
	cfg     Config
	process *AgentProcess
	conn    *acpsdk.ClientSideConnection

	mu         sync.Mutex
	sessionID  acpsdk.SessionId
	current    chan chatproxy.Event
	currentCtx context.Context
}

// Start spawns the agent subprocess and performs the ACP Initialize →
// LoadSession-or-NewSession handshake, mirroring the container-backed
// gateway's handshake but against a host-spawned process.
func Start(ctx context.Context, cfg Config) (*Executor, error) {
	process, err := StartProcess(ProcessConfig{
		Command: cfg.AgentCommand,
		Args:    cfg.AgentArgs,
		Env:     cfg.AgentEnv,
		WorkDir: cfg.WorkspaceDir,
	})
	if err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	e := &Executor{cfg: cfg, process: process}
	client := &localClient{executor: e}
	e.conn = acpsdk.NewClientSideConnection(client, process.Stdin(), process.Stdout())

	initTimeout := cfg.InitTimeout
	if initTimeout == 0 {
		initTimeout = 30 * time.Second
	}
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	initResp, err := e.conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		_ = process.Stop()
		return nil, fmt.Errorf("acp initialize: %w", err)
	}

	if cfg.PreviousAcpID != "" && initResp.AgentCapabilities.LoadSession {
		if _, loadErr := e.conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(cfg.PreviousAcpID),
			Cwd:        cfg.WorkspaceDir,
			McpServers: []acpsdk.McpServer{},
		}); loadErr == nil {
			e.sessionID = acpsdk.SessionId(cfg.PreviousAcpID)
			slog.Info("local executor resumed session", "session_id", cfg.SessionID, "acp_session_id", cfg.PreviousAcpID)
			return e, nil
		} else {
			slog.Warn("local executor LoadSession failed, falling back to NewSession", "session_id", cfg.SessionID, "err", loadErr)
		}
	}

	sessResp, err := e.conn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        cfg.WorkspaceDir,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		_ = process.Stop()
		return nil, fmt.Errorf("acp new session: %w", err)
	}
	e.sessionID = sessResp.SessionId
	return e, nil
}

// AcpSessionID returns the underlying ACP session id, persisted by the
// caller for reconnection via LoadSession.
func (e *Executor) AcpSessionID() string {
	return string(e.sessionID)
}

// Stream implements chatproxy.TurnRunner. Prompt() blocks until the turn
// completes; while it runs, session/update notifications arrive on
// e.current via localClient.SessionUpdate and are relayed to the returned
// channel.
func (e *Executor) Stream(ctx context.Context, command string) (<-chan chatproxy.Event, error) {
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("turn already in flight")
	}
	out := make(chan chatproxy.Event, 8)
	e.current = out
	e.currentCtx = ctx
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.current = nil
			e.currentCtx = nil
			e.mu.Unlock()
			close(out)
		}()

		start := time.Now()
		_, err := e.conn.Prompt(ctx, acpsdk.PromptRequest{
			SessionId: e.sessionID,
			Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(command)},
		})
		if ctx.Err() != nil {
			out <- chatproxy.Event{Type: chatproxy.EventInterrupted, Text: "interrupted"}
			return
		}
		if err != nil {
			out <- chatproxy.Event{Type: chatproxy.EventError, Text: err.Error()}
			return
		}
		out <- chatproxy.Event{
			Type: chatproxy.EventResult,
			Result: &chatproxy.TurnResult{
				DurationMS: time.Since(start).Milliseconds(),
			},
		}
	}()

	return out, nil
}

// emit forwards a translated event to the in-flight turn's channel, if any,
// blocking until the consumer accepts it or the turn is cancelled. Dropping
// events under back-pressure would silently truncate the ordered event
// sequence SPEC_FULL.md §4.5 guarantees, so this mirrors the SSE pump's
// ctx-bound blocking send (internal/chatproxy/httprunner.go) rather than a
// non-blocking best-effort one.
func (e *Executor) emit(ev chatproxy.Event) {
	e.mu.Lock()
	ch := e.current
	ctx := e.currentCtx
	e.mu.Unlock()
	if ch == nil {
		return
	}
	if ctx == nil {
		ch <- ev
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// Close stops the agent subprocess.
func (e *Executor) Close() error {
	return e.process.Stop()
}
