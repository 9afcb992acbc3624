// Package sessionrun runs one coding-agent CLI session at a time and
// reconciles its streamed output into a single terminal result.
//
// The agent binary is spawned with structured (nd-JSON) output enabled.
// Each stdout line is normalized into a [Message], appended to the
// session's message log, handed to the configured [LogSink], and fanned
// out to subscribers. When the process exits, the accumulated text and
// usage counters are folded into exactly one terminal result message —
// on the failure path a synthetic one, so downstream consumers always
// observe a terminal result regardless of how the session ended.
//
// # Core Types
//
//   - [Runner] — owns the subprocess lifecycle and completion guarantees
//   - [Message] — normalized output, a tagged union over [MessageType]
//   - [Session] — immutable snapshot of one invocation's state
//   - [Event] / [Subscription] — ordered fan-out to callers
//   - [LogSink] — durable persistence boundary (never blocks the session)
//
// # Quick Start
//
//	r := sessionrun.New(
//	    sessionrun.WithWorkDir("/tmp/agent"),
//	    sessionrun.WithModel("anthropic/claude-sonnet-4-5"),
//	)
//	msgs, err := sessionrun.Run(ctx, r, "Hello", func(m sessionrun.Message) error {
//	    if m.Type == sessionrun.MessageTextDelta {
//	        fmt.Print(m.Content)
//	    }
//	    return nil
//	})
//
// Precondition violations (a second Start while running, a streaming call
// in one-shot mode) fail synchronously. Everything that happens after the
// process is spawned — non-zero exits, unparseable output, spawn-adjacent
// I/O failures — is reported through the message log and the error event,
// never through Start's error return.
package sessionrun
