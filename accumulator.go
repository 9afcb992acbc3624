package sessionrun

import (
	"strings"
	"time"
)

// accumulator folds streamed partial output into one terminal result:
// running token/cost sums plus the arrival-order concatenation of text
// fragments. Providers may interleave fragments from multiple internal
// steps; concatenation order must equal arrival order.
//
// The accumulator is either pending or finalized. finalize flips it
// exactly once; a second call is an idempotent no-op returning nil.
type accumulator struct {
	text         strings.Builder
	inputTokens  int
	outputTokens int
	cost         float64
	finalized    bool
}

// observe folds one normalized message into the running totals.
func (a *accumulator) observe(msg Message) {
	if a.finalized {
		return
	}
	switch msg.Type {
	case MessageTextDelta:
		a.text.WriteString(msg.Content)
	case MessageStep:
		if msg.Usage != nil {
			a.inputTokens += msg.Usage.InputTokens
			a.outputTokens += msg.Usage.OutputTokens
		}
		a.cost += msg.Cost
	}
}

// finalize builds the terminal messages for the session: the synthesized
// assistant message first, when any text was accumulated, then exactly
// one result message. On the failure path the result carries the error
// text and zeroed usage/cost instead of the provider's counters.
//
// Returns nil when already finalized.
func (a *accumulator) finalize(sessionID string, startedAt time.Time, runErr error) []Message {
	if a.finalized {
		return nil
	}
	a.finalized = true

	now := time.Now()
	var msgs []Message

	if a.text.Len() > 0 {
		msgs = append(msgs, Message{
			Type:      MessageAssistant,
			SessionID: sessionID,
			Content:   a.text.String(),
			Timestamp: now,
		})
	}

	result := Message{
		Type:       MessageResult,
		SessionID:  sessionID,
		DurationMS: now.Sub(startedAt).Milliseconds(),
		Timestamp:  now,
	}
	if runErr != nil {
		result.IsError = true
		result.Content = runErr.Error()
		result.Usage = &Usage{}
	} else {
		result.Usage = &Usage{InputTokens: a.inputTokens, OutputTokens: a.outputTokens}
		result.Cost = a.cost
	}
	return append(msgs, result)
}
