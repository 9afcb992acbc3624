package sessionrun

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of a normalized message.
type MessageType string

const (
	// MessageInit is emitted when the provider announces a session
	// identifier (a step_start event).
	MessageInit MessageType = "init"

	// MessageTextDelta is one streamed assistant text fragment.
	MessageTextDelta MessageType = "text_delta"

	// MessageAssistant carries the full concatenated assistant text,
	// synthesized once at finalization.
	MessageAssistant MessageType = "assistant"

	// MessageToolUse indicates the agent is invoking a tool.
	MessageToolUse MessageType = "tool_use"

	// MessageToolResult contains the output of a tool invocation.
	MessageToolResult MessageType = "tool_result"

	// MessageStep carries per-step token and cost counters
	// (a step_finish event). Intermediate — not the terminal result.
	MessageStep MessageType = "step"

	// MessageResult is the terminal result. Exactly one per completed
	// or failed session.
	MessageResult MessageType = "result"

	// MessageError is an error reported by the agent or the runtime.
	MessageError MessageType = "error"

	// MessageSystem wraps provider events with unrecognized type tags.
	// Unknown tags are accepted and ignored, not rejected.
	MessageSystem MessageType = "system"
)

// Message is a normalized agent output event.
type Message struct {
	// Type identifies the kind of message.
	Type MessageType `json:"type"`

	// SessionID is the provider session identifier, when known.
	SessionID string `json:"session_id,omitempty"`

	// Content is the text content (Text deltas, Assistant, Error,
	// System messages, and the diagnostic on a failure Result).
	Content string `json:"content,omitempty"`

	// Tool contains tool invocation details (ToolUse, ToolResult).
	Tool *ToolCall `json:"tool,omitempty"`

	// Usage contains token counters (Step and Result messages).
	Usage *Usage `json:"usage,omitempty"`

	// Cost is the provider-reported dollar cost (Step and Result messages).
	Cost float64 `json:"cost,omitempty"`

	// IsError marks a Result message as the failure variant.
	IsError bool `json:"is_error,omitempty"`

	// DurationMS is the session wall-clock duration (Result messages).
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Raw is the original unparsed JSON line from the provider.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Timestamp is when the message was produced.
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall describes a tool invocation by the agent.
type ToolCall struct {
	// Name is the tool identifier.
	Name string `json:"name"`

	// Input is the tool's input parameters as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the tool's result as raw JSON.
	Output json.RawMessage `json:"output,omitempty"`
}

// Usage contains token counters from the agent's model.
type Usage struct {
	// InputTokens is the cumulative context window fill.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the number of tokens generated.
	OutputTokens int `json:"output_tokens"`
}
