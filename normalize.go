package sessionrun

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opforge/sessionrun/internal/jsonutil"
)

// errSkipLine signals that an output line carries nothing to normalize
// (blank or whitespace-only). Distinct from a parse failure, which the
// read loop logs and counts before skipping.
var errSkipLine = errors.New("sessionrun: skip line")

// eventParser fills msg from one decoded provider event.
type eventParser func(raw map[string]any, msg *Message)

// eventParsers dispatches provider event types to their parser functions.
// Adding a new event type = one map entry + one function.
var eventParsers = map[string]eventParser{
	"step_start":  parseStepStart,
	"text":        parseText,
	"tool_call":   parseToolCall,
	"tool_result": parseToolResult,
	"step_finish": parseStepFinish,
	"error":       parseError,
}

// parseLine normalizes a single nd-JSON output line into a Message.
// Returns errSkipLine for blank lines. Structurally invalid lines return
// a non-skip error; the caller recovers locally (each line is parsed
// independently, a bad line never aborts the session).
//
// Every event may carry a session identifier, top-level "sessionID" or
// nested under "part"; the latest non-empty value is surfaced on the
// Message and latched by the runner (last writer wins — providers
// re-announce the id).
func parseLine(line string) (Message, error) {
	if strings.TrimSpace(line) == "" {
		return Message{}, errSkipLine
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Message{}, fmt.Errorf("sessionrun: invalid JSON: %w", err)
	}

	typeStr := jsonutil.GetString(raw, "type")
	if typeStr == "" {
		return Message{}, errors.New("sessionrun: missing or empty type field")
	}

	msg := Message{
		Raw:       json.RawMessage(line),
		Timestamp: parseTimestamp(raw),
		SessionID: parseSessionID(raw),
	}

	if parser, ok := eventParsers[typeStr]; ok {
		parser(raw, &msg)
		return msg, nil
	}

	// Unknown event type → MessageSystem (forward-compatible, not an error).
	msg.Type = MessageSystem
	msg.Content = typeStr
	return msg, nil
}

// parseStepStart handles step_start events — the provider announcing a
// session. The id itself is already on msg.SessionID.
func parseStepStart(_ map[string]any, msg *Message) {
	msg.Type = MessageInit
	msg.Content = msg.SessionID
}

// parseText handles "text" events — streamed assistant text fragments.
func parseText(raw map[string]any, msg *Message) {
	msg.Type = MessageTextDelta
	if part := jsonutil.GetMap(raw, "part"); part != nil {
		msg.Content = jsonutil.GetString(part, "text")
	}
}

// parseToolCall handles "tool_call" events — a tool invocation starting.
func parseToolCall(raw map[string]any, msg *Message) {
	msg.Type = MessageToolUse
	msg.Tool = parseTool(raw, false)
}

// parseToolResult handles "tool_result" events — a completed invocation
// with both input and output present.
func parseToolResult(raw map[string]any, msg *Message) {
	msg.Type = MessageToolResult
	msg.Tool = parseTool(raw, true)
}

// parseStepFinish handles "step_finish" events — per-step usage and cost.
// Intermediate: the terminal result is synthesized at finalization so the
// one-result-per-session guarantee holds for multi-step providers.
func parseStepFinish(raw map[string]any, msg *Message) {
	msg.Type = MessageStep
	part := jsonutil.GetMap(raw, "part")
	msg.Usage = parseTokens(part)
	msg.Cost = jsonutil.GetFloat(part, "cost")
}

// parseError handles "error" events.
func parseError(raw map[string]any, msg *Message) {
	msg.Type = MessageError
	errObj := jsonutil.GetMap(raw, "error")
	if errObj == nil {
		errObj = jsonutil.GetMap(raw, "part")
	}
	if errObj == nil {
		msg.Content = "unknown error"
		return
	}

	code := jsonutil.GetString(errObj, "name")
	message := jsonutil.GetString(errObj, "message")
	if message == "" {
		if data := jsonutil.GetMap(errObj, "data"); data != nil {
			message = jsonutil.GetString(data, "message")
		}
	}
	msg.Content = formatError(code, message)
}

// parseTool extracts tool name and state from a tool event.
func parseTool(raw map[string]any, wantOutput bool) *ToolCall {
	part := jsonutil.GetMap(raw, "part")
	if part == nil {
		return &ToolCall{}
	}
	tool := &ToolCall{Name: jsonutil.GetString(part, "tool")}
	state := jsonutil.GetMap(part, "state")
	tool.Input = marshalField(state, "input")
	if wantOutput {
		tool.Output = marshalField(state, "output")
	}
	return tool
}

// parseSessionID extracts the session identifier from an event,
// top-level first, then nested under "part".
func parseSessionID(raw map[string]any) string {
	if sid := jsonutil.GetString(raw, "sessionID"); sid != "" {
		return sid
	}
	return jsonutil.GetString(jsonutil.GetMap(raw, "part"), "sessionID")
}

// parseTimestamp extracts a millisecond Unix timestamp from the
// "timestamp" field. Returns time.Now() if missing or invalid.
func parseTimestamp(raw map[string]any) time.Time {
	ts := jsonutil.GetFloat(raw, "timestamp")
	if ts > 0 {
		return time.UnixMilli(int64(ts))
	}
	return time.Now()
}

// parseTokens extracts token counters from a step_finish part.
// Returns nil if no tokens map is present.
func parseTokens(part map[string]any) *Usage {
	tokens := jsonutil.GetMap(part, "tokens")
	if tokens == nil {
		return nil
	}
	return &Usage{
		InputTokens:  jsonutil.GetInt(tokens, "input"),
		OutputTokens: jsonutil.GetInt(tokens, "output"),
	}
}

// marshalField marshals m[key] to json.RawMessage if present, else nil.
// On marshal failure, returns a diagnostic JSON string rather than nil
// to avoid silent data loss.
func marshalField(m map[string]any, key string) json.RawMessage {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`"[marshal error: %v]"`, err))
	}
	return data
}

// maxErrorLen caps error content to prevent unbounded propagation.
const maxErrorLen = 4096

// formatError formats an error code and message pair, capped at
// maxErrorLen bytes and truncated at a valid UTF-8 boundary.
func formatError(code, message string) string {
	content := message
	if code != "" {
		content = code + ": " + message
	}
	if len(content) > maxErrorLen {
		content = content[:maxErrorLen]
		for !utf8.ValidString(content) {
			content = content[:len(content)-1]
		}
	}
	return content
}
