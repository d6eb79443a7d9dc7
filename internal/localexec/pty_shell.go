package localexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/workspace/sandbox-executor/internal/chatproxy"
)

// shellExecutor drives an interactive login shell over a pseudo terminal
// instead of the ACP protocol. It is C7's degraded-mode fallback for when no
// ACP-speaking agent binary is configured — the same PTY-backed path the
// teacher's internal/pty package provided for its single workspace terminal,
// generalized to one shell per session here. It implements
// chatproxy.TurnRunner so the Chat Proxy can drive it exactly like the
// ACP-backed Executor.
type shellExecutor struct {
	sessionID string

	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File
}

// StartShell launches $SHELL (or /bin/sh) over a PTY rooted at workDir.
func StartShell(sessionID, workDir string) (*shellExecutor, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	cmd.Dir = workDir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty shell: %w", err)
	}
	return &shellExecutor{sessionID: sessionID, cmd: cmd, ptmx: ptmx}, nil
}

// Stream implements chatproxy.TurnRunner. A raw shell has no structured
// turn-completion signal, so a turn ends at the first read quiescence
// window after the command is submitted.
func (s *shellExecutor) Stream(ctx context.Context, command string) (<-chan chatproxy.Event, error) {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return nil, fmt.Errorf("shell executor closed")
	}
	if _, err := io.WriteString(ptmx, command+"\n"); err != nil {
		return nil, fmt.Errorf("write to pty: %w", err)
	}

	out := make(chan chatproxy.Event, 8)
	go func() {
		defer close(out)

		const quiesce = 500 * time.Millisecond
		reader := bufio.NewReader(ptmx)
		start := time.Now()

		for {
			if ctx.Err() != nil {
				out <- chatproxy.Event{Type: chatproxy.EventInterrupted, Text: "interrupted"}
				return
			}
			_ = ptmx.SetReadDeadline(time.Now().Add(quiesce))
			line, err := reader.ReadString('\n')
			if line != "" {
				out <- chatproxy.Event{Type: chatproxy.EventTextDelta, Text: line}
			}
			if err != nil {
				out <- chatproxy.Event{
					Type:   chatproxy.EventResult,
					Result: &chatproxy.TurnResult{DurationMS: time.Since(start).Milliseconds()},
				}
				return
			}
		}
	}()

	return out, nil
}

// Close kills the shell process and releases the PTY.
func (s *shellExecutor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptmx == nil {
		return nil
	}
	_ = s.ptmx.Close()
	err := s.cmd.Process.Kill()
	s.ptmx = nil
	return err
}

// StartRunner picks C7's ACP-backed Executor when cfg.AgentCommand is set,
// and falls back to an interactive PTY shell otherwise.
func StartRunner(ctx context.Context, cfg Config) (chatproxy.TurnRunner, func() error, error) {
	if cfg.AgentCommand != "" {
		e, err := Start(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	}
	sh, err := StartShell(cfg.SessionID, cfg.WorkspaceDir)
	if err != nil {
		return nil, nil, err
	}
	return sh, sh.Close, nil
}
