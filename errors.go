package sessionrun

import (
	"errors"
	"strconv"
)

// Sentinel errors for runner preconditions. These are the only errors
// Start and the streaming calls return synchronously — everything after
// the process is spawned flows through the message log instead.
var (
	// ErrAlreadyRunning indicates Start was called while a session is
	// active. No process is spawned.
	ErrAlreadyRunning = errors.New("sessionrun: session already running")

	// ErrUnsupportedMode indicates a streaming operation was requested
	// on a one-shot runner, or vice versa.
	ErrUnsupportedMode = errors.New("sessionrun: operation not supported in this transport mode")

	// ErrNotRunning indicates a streaming input operation was requested
	// with no active session.
	ErrNotRunning = errors.New("sessionrun: no active session")
)

// ExitError represents a subprocess that exited with a non-zero status.
// Wraps the underlying error to preserve the error chain — consumers can
// errors.As to *exec.ExitError for OS-level detail (signal info, etc.).
//
// Code semantics: positive = exit status, negative (-1) = signal-killed.
//
// ExitError is produced only for natural exits. Explicit stops (via
// Runner.Stop) end the session without a terminal error.
type ExitError struct {
	Code   int
	Stderr string // captured diagnostic output, bounded
	Err    error
}

func (e *ExitError) Error() string {
	msg := "sessionrun: exit status " + strconv.Itoa(e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing *ExitError.
// Returns (0, false) if the error does not contain an ExitError.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
