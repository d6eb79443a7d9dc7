package localexec

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestStartShell_StreamEchoesCommandOutput(t *testing.T) {
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx in this environment")
	}

	sh, err := StartShell("s1", t.TempDir())
	if err != nil {
		t.Skipf("StartShell unavailable in this environment: %v", err)
	}
	defer sh.Close()

	stream, err := sh.Stream(context.Background(), "echo pty-marker-12345")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var sawMarker bool
	var sawResult bool
	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				break loop
			}
			if strings.Contains(ev.Text, "pty-marker-12345") {
				sawMarker = true
			}
			if ev.Type == "result" {
				sawResult = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for shell output")
		}
	}

	if !sawMarker {
		t.Error("expected echoed command output to appear in the event stream")
	}
	if !sawResult {
		t.Error("expected a terminal result event after quiescence")
	}
}

func TestShellExecutor_CloseIsIdempotent(t *testing.T) {
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx in this environment")
	}
	sh, err := StartShell("s1", t.TempDir())
	if err != nil {
		t.Skipf("StartShell unavailable in this environment: %v", err)
	}
	if err := sh.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sh.Close(); err != nil {
		t.Fatalf("second Close (idempotent) returned error: %v", err)
	}
}

func TestShellExecutor_StreamAfterCloseErrors(t *testing.T) {
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx in this environment")
	}
	sh, err := StartShell("s1", t.TempDir())
	if err != nil {
		t.Skipf("StartShell unavailable in this environment: %v", err)
	}
	sh.Close()

	if _, err := sh.Stream(context.Background(), "echo hi"); err == nil {
		t.Fatal("expected Stream to error after Close")
	}
}
