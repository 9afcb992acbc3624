//go:build !windows

package sessionrun

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/opforge/sessionrun/internal/jsonutil"
)

// state is the runner's position in the session lifecycle:
// idle → starting → running → {completed | failed | stopped}.
// Terminal states are transient — cleanup returns the runner to an
// accepting position (Running=false gates the next Start).
type state uint8

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateCompleted
	stateFailed
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// pendingSessionID is the placeholder id on failure results when the
// provider never announced a session.
const pendingSessionID = "pending"

// maxStderrBytes bounds captured subprocess diagnostics.
const maxStderrBytes = 8192

// Runner owns at most one agent session at a time: process lifecycle,
// stdin/stdout wiring, cancellation, and the exactly-one-terminal-result
// guarantee. The zero value is not usable; construct with New.
type Runner struct {
	opts    RunnerOptions
	logger  *slog.Logger
	emitter *emitter

	mu         sync.Mutex
	state      state
	sess       Session
	messages   []Message
	parseSkips int
	acc        *accumulator
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stopping   bool
	done       chan struct{}
	killTimer  *time.Timer
	finishOnce *sync.Once
}

// New creates a Runner. Options configure the agent binary, transport
// mode, working directory, logging, and the message sink.
func New(opts ...Option) *Runner {
	o := resolveOptions(opts...)
	return &Runner{
		opts:    o,
		logger:  o.Logger,
		emitter: newEmitter(),
	}
}

// Subscribe registers a new subscriber. Events are delivered in arrival
// order on an unbounded per-subscriber queue; a slow subscriber never
// blocks the session. Callers must drain or Close the subscription.
func (r *Runner) Subscribe() *Subscription {
	return r.emitter.subscribe()
}

// IsRunning reports whether a session is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.Running
}

// Session returns a snapshot of the current or most recent session.
func (r *Runner) Session() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// Messages returns a snapshot of the message log, in arrival order.
// After completion it contains exactly one MessageResult.
func (r *Runner) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// SkippedLines returns how many output lines failed structured parsing
// and were dropped during the current or most recent session.
func (r *Runner) SkippedLines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parseSkips
}

// Start runs one complete one-shot session: spawns the agent with the
// prompt as the final positional argument, streams its output through
// normalization, and blocks until the terminal result is finalized.
//
// Precondition failures (ErrAlreadyRunning, ErrUnsupportedMode in
// streaming mode) return synchronously before any process is spawned.
// Runtime failures — spawn errors, non-zero exits, unreadable output —
// resolve normally: the returned Session is non-running and the message
// log ends with a synthetic error result.
func (r *Runner) Start(ctx context.Context, prompt string) (Session, error) {
	if r.opts.Streaming {
		return Session{}, fmt.Errorf("%w: Start is the one-shot entry point, use StartStreaming", ErrUnsupportedMode)
	}
	h, err := r.begin(ctx, prompt)
	if err != nil {
		return Session{}, err
	}
	if h != nil {
		r.runLoop(h)
	}
	return r.Session(), nil
}

// StartStreaming spawns the agent with a stdin pipe for incremental
// input and returns without waiting for completion. Feed messages with
// AddStreamMessage, close the turn with CompleteStream, and observe
// completion via Subscribe or Wait. Fails with ErrUnsupportedMode on a
// one-shot runner.
func (r *Runner) StartStreaming(ctx context.Context) (Session, error) {
	if !r.opts.Streaming {
		return Session{}, fmt.Errorf("%w: runner is in one-shot mode", ErrUnsupportedMode)
	}
	h, err := r.begin(ctx, "")
	if err != nil {
		return Session{}, err
	}
	if h != nil {
		go r.runLoop(h)
	}
	return r.Session(), nil
}

// AddStreamMessage feeds one user message to the running agent's input
// channel, one JSON object per line.
func (r *Runner) AddStreamMessage(text string) error {
	if !r.opts.Streaming {
		return fmt.Errorf("%w: runner is in one-shot mode", ErrUnsupportedMode)
	}
	if jsonutil.ContainsNull(text) {
		return errors.New("sessionrun: message contains null bytes")
	}
	data, err := json.Marshal(map[string]any{"type": "user", "text": text})
	if err != nil {
		return fmt.Errorf("sessionrun: marshal input: %w", err)
	}

	r.mu.Lock()
	stdin := r.stdin
	running := r.sess.Running
	r.mu.Unlock()
	if !running || stdin == nil {
		return ErrNotRunning
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sessionrun: write input: %w", err)
	}
	return nil
}

// CompleteStream closes the agent's input channel, signaling end of
// turn without terminating the process. A no-op if the stream is
// already closed.
func (r *Runner) CompleteStream() error {
	if !r.opts.Streaming {
		return fmt.Errorf("%w: runner is in one-shot mode", ErrUnsupportedMode)
	}
	r.mu.Lock()
	stdin := r.stdin
	r.stdin = nil
	running := r.sess.Running
	r.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if stdin != nil {
		if err := stdin.Close(); err != nil {
			return fmt.Errorf("sessionrun: close input: %w", err)
		}
	}
	return nil
}

// Stop terminates the active session. Idempotent and safe when idle.
// Best-effort and non-blocking: the subprocess gets SIGTERM (SIGKILL
// after the grace period) but Stop never waits for process death. No
// terminal result is synthesized for an explicit stop. A subsequent
// Start waits for the stopped session's teardown to finish before the
// new session begins.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.sess.Running || r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	r.sess.Running = false
	cmd := r.cmd
	stdin := r.stdin
	r.stdin = nil
	if cmd != nil {
		r.killTimer = time.AfterFunc(r.opts.GracePeriod, func() {
			_ = signalProcess(cmd.Process, os.Kill)
		})
	}
	r.mu.Unlock()

	r.logger.Info("session stop requested")
	if stdin != nil {
		_ = stdin.Close() // Best-effort: pipe may already be closed.
	}
	if cmd != nil {
		_ = signalProcess(cmd.Process, syscall.SIGTERM)
	}
}

// Wait blocks until the active session ends and returns the final
// snapshot. Returns immediately when no session has been started.
func (r *Runner) Wait() Session {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
	return r.Session()
}

// procHandle carries one spawned subprocess from begin to runLoop.
type procHandle struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *boundedBuffer
}

// begin transitions idle → starting: resets per-session state, prepares
// the working directory, and spawns the subprocess. Returns
// (nil, ErrAlreadyRunning) when a session is active, and (nil, nil)
// when the spawn failed — the session is already finalized as failed.
func (r *Runner) begin(ctx context.Context, prompt string) (*procHandle, error) {
	r.mu.Lock()
	if r.sess.Running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	prev := r.done
	r.mu.Unlock()

	// A stopped session's loop may still be draining the dying process.
	// Per-session state is reset only after that loop finishes, so the
	// previous session's exit can never leak across the boundary.
	if prev != nil {
		<-prev
	}

	r.mu.Lock()
	if r.sess.Running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.state = stateStarting
	r.sess = Session{StartedAt: time.Now(), Running: true}
	r.messages = nil
	r.parseSkips = 0
	r.acc = &accumulator{}
	r.stopping = false
	r.done = make(chan struct{})
	r.finishOnce = &sync.Once{}
	done := r.done
	r.mu.Unlock()

	r.logger.Debug("session starting",
		"binary", r.opts.Binary, "workdir", r.opts.WorkDir, "streaming", r.opts.Streaming)

	// Working directory is prepared best-effort; if creation fails the
	// spawn reports the missing directory.
	if r.opts.WorkDir != "." {
		if err := os.MkdirAll(r.opts.WorkDir, 0o755); err != nil {
			r.logger.Warn("workdir create failed", "dir", r.opts.WorkDir, "err", err)
		}
	}

	cmd, stdin, stdout, stderr, err := r.spawn(prompt)
	if err != nil {
		r.logger.Error("agent spawn failed", "binary", r.opts.Binary, "err", err)
		r.finish(fmt.Errorf("sessionrun: spawn: %w", err), false)
		return nil, nil
	}

	r.mu.Lock()
	r.cmd = cmd
	r.stdin = stdin
	stopping := r.stopping
	r.mu.Unlock()
	if stopping {
		// Stop raced the spawn; hand the new process the signal it missed.
		_ = signalProcess(cmd.Process, syscall.SIGTERM)
	}

	// Cancellation is cooperative: signal the process and let the read
	// loop observe the closed stream.
	go func() {
		select {
		case <-ctx.Done():
			_ = signalProcess(cmd.Process, syscall.SIGTERM)
		case <-done:
		}
	}()

	return &procHandle{ctx: ctx, cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// spawn builds and starts the agent subprocess with structured output
// enabled. The prompt rides argv in one-shot mode; streaming mode opens
// a stdin pipe instead.
func (r *Runner) spawn(prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, *boundedBuffer, error) {
	args := []string{"run", "--format", "json"}
	if r.opts.Model != "" && !jsonutil.ContainsNull(r.opts.Model) {
		args = append(args, "--model", r.opts.Model)
	}
	if !r.opts.Streaming {
		if jsonutil.ContainsNull(prompt) {
			return nil, nil, nil, nil, errors.New("prompt contains null bytes")
		}
		if prompt != "" {
			args = append(args, prompt)
		}
	}

	cmd := exec.Command(r.opts.Binary, args...)
	cmd.Dir = r.opts.WorkDir
	cmd.Env = r.mergedEnv()
	stderr := &boundedBuffer{max: maxStderrBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}

	var stdin io.WriteCloser
	if r.opts.Streaming {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, nil, err
	}
	return cmd, stdin, stdout, stderr, nil
}

// mergedEnv merges the inherited environment with the runner's explicit
// configuration. The merge happens only here, at the process boundary —
// the runner never mutates its own environment.
func (r *Runner) mergedEnv() []string {
	env := os.Environ()
	if r.opts.ProviderConfig != "" {
		env = append(env, configPathEnv+"="+r.opts.ProviderConfig)
	}
	for k, v := range r.opts.Env {
		if k == "" || jsonutil.ContainsNull(k) || jsonutil.ContainsNull(v) {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

// runLoop consumes subprocess output until exit, then finalizes. The
// deferred recover guarantees the cleanup path runs even if a sink or
// subscriber-adjacent step panics mid-session.
func (r *Runner) runLoop(h *procHandle) {
	defer func() {
		if rec := recover(); rec != nil {
			_ = signalProcess(h.cmd.Process, os.Kill)
			_ = h.cmd.Wait()
			r.finish(fmt.Errorf("sessionrun: panic during session: %v", rec), false)
		}
	}()

	r.setState(stateRunning)
	scanErr := r.scanLines(h.stdout)
	waitErr := h.cmd.Wait()

	r.mu.Lock()
	stopped := r.stopping
	r.mu.Unlock()

	var runErr error
	switch {
	case stopped:
		// Explicit stop: no terminal result beyond marking non-running.
	case scanErr != nil:
		runErr = fmt.Errorf("sessionrun: read output: %w", scanErr)
	case h.ctx.Err() != nil:
		runErr = h.ctx.Err()
	default:
		runErr = wrapExitError(waitErr, h.stderr.String())
	}
	r.finish(runErr, stopped)
}

// scanLines reads subprocess stdout line by line, normalizing and
// recording each one. Lines that fail structured parsing are logged,
// counted, and skipped — never fatal to the session.
func (r *Runner) scanLines(stdout io.Reader) error {
	scanner := bufio.NewScanner(stdout)
	initCap := min(4096, r.opts.ScannerBuffer)
	scanner.Buffer(make([]byte, 0, initCap), r.opts.ScannerBuffer)

	for scanner.Scan() {
		msg, err := parseLine(scanner.Text())
		if errors.Is(err, errSkipLine) {
			continue
		}
		if err != nil {
			r.mu.Lock()
			r.parseSkips++
			skipped := r.parseSkips
			r.mu.Unlock()
			r.logger.Warn("skipping unparseable output line", "err", err, "skipped", skipped)
			continue
		}
		r.record(msg)
	}
	return scanner.Err()
}

// record appends msg to the message log, folds it into the accumulator,
// latches the session id (last writer wins), hands the message to the
// sink, and publishes it to subscribers. Called only from the session
// goroutine, so arrival order is preserved end to end.
func (r *Runner) record(msg Message) {
	r.mu.Lock()
	if msg.SessionID != "" {
		r.sess.ID = msg.SessionID
	}
	r.acc.observe(msg)
	r.messages = append(r.messages, msg)
	r.mu.Unlock()

	r.sinkAppend(msg)
	r.emitter.publish(Event{Kind: EventMessage, Message: msg})
	if msg.Type == MessageTextDelta {
		r.emitter.publish(Event{Kind: EventText, Message: msg})
	}
}

// sinkAppend hands msg to the sink. Sink failure — error or panic —
// is logged and never propagates into the session.
func (r *Runner) sinkAppend(msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("log sink panicked", "panic", rec)
		}
	}()
	if err := r.opts.Sink.Append(msg); err != nil {
		r.logger.Warn("log sink append failed", "err", err)
	}
}

// finish runs exactly once per session: it finalizes the terminal
// result (unless the session was explicitly stopped), releases the
// process handle and pipes, and publishes the complete event. Cleanup
// runs on every exit path.
func (r *Runner) finish(runErr error, stopped bool) {
	r.mu.Lock()
	once := r.finishOnce
	r.mu.Unlock()
	once.Do(func() {
		r.mu.Lock()
		acc := r.acc
		startedAt := r.sess.StartedAt
		sid := r.sess.ID
		r.mu.Unlock()

		if !stopped {
			sid = resolveSessionID(sid, runErr)
			for _, msg := range acc.finalize(sid, startedAt, runErr) {
				r.record(msg)
			}
			if runErr != nil {
				r.logger.Warn("session failed", "err", runErr)
				r.emitter.publish(Event{Kind: EventError, Err: runErr})
			}
		}

		r.mu.Lock()
		if !stopped {
			r.sess.ID = sid
		}
		r.sess.Running = false
		switch {
		case stopped:
			r.state = stateStopped
		case runErr != nil:
			r.state = stateFailed
		default:
			r.state = stateCompleted
		}
		if r.stdin != nil {
			_ = r.stdin.Close()
			r.stdin = nil
		}
		r.cmd = nil
		if r.killTimer != nil {
			r.killTimer.Stop()
			r.killTimer = nil
		}
		final := make([]Message, len(r.messages))
		copy(final, r.messages)
		st := r.state
		done := r.done
		r.mu.Unlock()

		r.logger.Info("session finished",
			"state", st.String(), "session_id", sid, "messages", len(final))
		r.emitter.publish(Event{Kind: EventComplete, Messages: final})
		close(done)
	})
}

func (r *Runner) setState(next state) {
	r.mu.Lock()
	prev := r.state
	r.state = next
	r.mu.Unlock()
	r.logger.Debug("session state", "from", prev.String(), "to", next.String())
}

// resolveSessionID guarantees a non-empty terminal session id: the
// latched provider id when available, a locally synthesized unique id
// on success, and the "pending" placeholder on failure. Only
// uniqueness and non-emptiness are promised for synthesized ids.
func resolveSessionID(latched string, runErr error) string {
	if latched != "" {
		return latched
	}
	if runErr != nil {
		return pendingSessionID
	}
	return uuid.NewString()
}

// wrapExitError converts a non-zero *exec.ExitError into *ExitError
// carrying captured diagnostics. nil → nil, non-ExitError →
// passthrough, code 0 → nil (clean exit).
func wrapExitError(err error, stderr string) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	if code := ee.ExitCode(); code != 0 {
		return &ExitError{Code: code, Stderr: strings.TrimSpace(stderr), Err: err}
	}
	return nil
}

// signalProcess sends sig to a process, returning nil if the process
// has already exited.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// boundedBuffer captures up to max bytes and silently discards the rest.
type boundedBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (w *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - len(w.b); room > 0 {
		if n > room {
			p = p[:room]
		}
		w.b = append(w.b, p...)
	}
	return n, nil
}

func (w *boundedBuffer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.b)
}
