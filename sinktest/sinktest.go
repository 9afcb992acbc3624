// Package sinktest provides a behavioral compliance suite for
// [sessionrun.LogSink] implementations. Sink authors call RunSinkTests
// from their own test file to verify the contract the runner relies on:
// accept any message, tolerate concurrency, never panic.
package sinktest

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opforge/sessionrun"
)

// RunSinkTests runs the LogSink compliance suite. The factory is called
// once per subtest to ensure fresh sink state; sinks that need cleanup
// should register it on t.
func RunSinkTests(t *testing.T, factory func(t *testing.T) sessionrun.LogSink) {
	t.Helper()

	t.Run("ZeroMessage", func(t *testing.T) {
		s := factory(t)
		if err := s.Append(sessionrun.Message{}); err != nil {
			t.Errorf("Append(zero) error = %v, want nil", err)
		}
	})

	t.Run("AllMessageKinds", func(t *testing.T) {
		s := factory(t)
		kinds := []sessionrun.MessageType{
			sessionrun.MessageInit,
			sessionrun.MessageTextDelta,
			sessionrun.MessageAssistant,
			sessionrun.MessageToolUse,
			sessionrun.MessageToolResult,
			sessionrun.MessageStep,
			sessionrun.MessageResult,
			sessionrun.MessageError,
			sessionrun.MessageSystem,
		}
		for _, kind := range kinds {
			msg := sessionrun.Message{
				Type:      kind,
				SessionID: "ses_compliance",
				Content:   "payload",
				Timestamp: time.Now(),
			}
			if err := s.Append(msg); err != nil {
				t.Errorf("Append(%s) error = %v, want nil", kind, err)
			}
		}
	})

	t.Run("HostileContent", func(t *testing.T) { //nolint:revive // no assertions — panics are the failure signal
		_ = t
		s := factory(t)
		for _, content := range []string{
			"",
			"\x00",
			strings.Repeat("x", 1<<16),
			"line\nbreaks\nembedded",
			`{"nested":"json"}`,
		} {
			_ = s.Append(sessionrun.Message{Type: sessionrun.MessageTextDelta, Content: content})
		}
	})

	t.Run("RawPassthrough", func(t *testing.T) {
		s := factory(t)
		msg := sessionrun.Message{
			Type: sessionrun.MessageStep,
			Raw:  json.RawMessage(`{"type":"step_finish","part":{"cost":0.01}}`),
		}
		if err := s.Append(msg); err != nil {
			t.Errorf("Append(raw) error = %v, want nil", err)
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s := factory(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					_ = s.Append(sessionrun.Message{
						Type:    sessionrun.MessageTextDelta,
						Content: "concurrent",
					})
				}
			}()
		}
		wg.Wait()
	})
}
