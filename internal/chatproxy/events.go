// Package chatproxy translates edge chat requests into backend turns (the
// container agent's HTTP/SSE endpoint, or the local executor) and back into
// the wire event sequence described in SPEC_FULL.md §4.5.
package chatproxy

// EventType enumerates the wire event tags a turn can emit.
type EventType string

const (
	EventSystem      EventType = "system"
	EventText        EventType = "text"
	EventTextDelta   EventType = "text_delta"
	EventThinking    EventType = "thinking"
	EventToolUse     EventType = "tool_use"
	EventToolResult  EventType = "tool_result"
	EventResult      EventType = "result"
	EventError       EventType = "error"
	EventInterrupted EventType = "interrupted"
)

// Event is one item in a chat turn's event stream.
type Event struct {
	Type EventType `json:"type"`
	// Text carries the payload for system/text/text_delta/thinking/error/interrupted.
	Text string `json:"text,omitempty"`
	// ToolCallID links a tool_use/tool_result pair.
	ToolCallID string `json:"toolCallId,omitempty"`
	// ToolName and ToolInput carry tool_use payload.
	ToolName  string `json:"toolName,omitempty"`
	ToolInput any    `json:"toolInput,omitempty"`
	// ToolResult carries tool_result payload.
	ToolResult any `json:"toolResult,omitempty"`
	// Ordinal is monotonically increasing within one turn.
	Ordinal int `json:"ordinal"`
	// Result carries the terminal "result" event's metadata.
	Result *TurnResult `json:"result,omitempty"`
}

// TurnResult is the terminal metadata for a successfully completed turn.
type TurnResult struct {
	DurationMS int64   `json:"durationMs"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	InputTokens  int   `json:"inputTokens,omitempty"`
	OutputTokens int   `json:"outputTokens,omitempty"`
}
