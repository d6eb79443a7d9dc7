package localexec

import (
	"context"
	"fmt"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/sandbox-executor/internal/chatproxy"
)

// localClient implements the acpsdk.Client interface for a host-spawned
// agent subprocess. Unlike the container-backed gateway's client (which
// forwards raw JSON to a browser for display), this client translates each
// SessionUpdate into the typed chatproxy.Event wire tags SPEC_FULL.md §4.5
// requires, since the local backend must honor the exact same ordering
// contract the sandbox backend's HTTPRunner provides.
type localClient struct {
	executor *Executor
}

// SessionUpdate translates one ACP session/update notification into zero or
// more chatproxy events and relays them to the in-flight turn's channel.
func (c *localClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	u := params.Update

	if u.AgentMessageChunk != nil {
		if text := contentBlockText(u.AgentMessageChunk.Content); text != "" {
			c.executor.emit(chatproxy.Event{Type: chatproxy.EventTextDelta, Text: text})
		}
	}

	if u.AgentThoughtChunk != nil {
		if text := contentBlockText(u.AgentThoughtChunk.Content); text != "" {
			c.executor.emit(chatproxy.Event{Type: chatproxy.EventThinking, Text: text})
		}
	}

	if u.ToolCall != nil {
		c.executor.emit(chatproxy.Event{
			Type:       chatproxy.EventToolUse,
			ToolCallID: u.ToolCall.ToolCallId,
			ToolName:   string(u.ToolCall.Kind),
			ToolInput:  toolCallContentSummary(u.ToolCall.Content),
		})
	}

	if u.ToolCallUpdate != nil {
		// A status-only update with no output content yet is a progress
		// notification, not a result; only emit tool_result once content or
		// a terminal status ("completed"/"failed") is present.
		content := toolCallContentSummary(u.ToolCallUpdate.Content)
		status := u.ToolCallUpdate.Status
		terminalStatus := status != nil && (*status == acpsdk.ToolCallStatusCompleted || *status == acpsdk.ToolCallStatusFailed)
		if content != nil || terminalStatus {
			c.executor.emit(chatproxy.Event{
				Type:       chatproxy.EventToolResult,
				ToolCallID: u.ToolCallUpdate.ToolCallId,
				ToolResult: content,
			})
		}
	}

	return nil
}

// RequestPermission auto-approves, mirroring the container gateway's
// default behavior: the local backend has no interactive approval channel.
func (c *localClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *localClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("ReadTextFile not supported by local executor")
}

func (c *localClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("WriteTextFile not supported by local executor")
}

func (c *localClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported by local executor")
}

func (c *localClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported by local executor")
}

func (c *localClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported by local executor")
}

func (c *localClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported by local executor")
}

func (c *localClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported by local executor")
}

func contentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// toolCallContentSummary aggregates tool call content blocks into a plain
// string summary, one line per text block or diff path. Returns nil when
// there is nothing to report.
func toolCallContentSummary(contents []acpsdk.ToolCallContent) any {
	var text string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			if text != "" {
				text += "\n"
			}
			text += c.Content.Content.Text.Text
		}
		if c.Diff != nil {
			if text != "" {
				text += "\n"
			}
			text += "diff: " + c.Diff.Path
		}
	}
	if text == "" {
		return nil
	}
	return text
}
