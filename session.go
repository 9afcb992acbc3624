package sessionrun

import "time"

// Session is an immutable snapshot of one agent invocation.
//
// Session is a value type — it carries identity and state but no
// runtime machinery (no mutexes, no channels, no process handles).
// The Runner mutates its internal copy; snapshots handed to callers
// never change underneath them.
type Session struct {
	// ID is the provider session identifier. Empty until the provider
	// announces one; synthesized locally at finalization if it never
	// does. Only uniqueness and non-emptiness are guaranteed, not any
	// particular format.
	ID string `json:"id"`

	// StartedAt is the session creation time. Immutable.
	StartedAt time.Time `json:"started_at"`

	// Running is true from start until the terminal result is
	// finalized or the session is explicitly stopped.
	Running bool `json:"running"`
}
