//go:build !windows

package sessionrun_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opforge/sessionrun"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// writeScript materializes a fake agent binary. The script receives the
// runner's fixed argv ("run --format json" plus prompt) and ignores it,
// emitting whatever body says.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/usr/bin/env bash\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// newRunner builds a runner around a fake agent script.
func newRunner(t *testing.T, body string, extra ...sessionrun.Option) *sessionrun.Runner {
	t.Helper()
	opts := append([]sessionrun.Option{
		sessionrun.WithBinary(writeScript(t, body)),
		sessionrun.WithWorkDir(t.TempDir()),
		sessionrun.WithGracePeriod(time.Second),
	}, extra...)
	return sessionrun.New(opts...)
}

// resultOf returns the single terminal result in msgs, failing the test
// if there is not exactly one.
func resultOf(t *testing.T, msgs []sessionrun.Message) sessionrun.Message {
	t.Helper()
	var results []sessionrun.Message
	for _, m := range msgs {
		if m.Type == sessionrun.MessageResult {
			results = append(results, m)
		}
	}
	if len(results) != 1 {
		t.Fatalf("got %d result messages, want exactly 1; messages: %+v", len(results), msgs)
	}
	return results[0]
}

func waitRunning(t *testing.T, r *sessionrun.Runner) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !r.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("runner never reported running")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const successScript = `
echo '{"type":"step_start","sessionID":"ses_test1234567890"}'
echo '{"type":"text","part":{"text":"Hi "}}'
echo '{"type":"text","part":{"text":"there"}}'
echo '{"type":"step_finish","part":{"tokens":{"input":10,"output":5},"cost":0.002}}'
`

// ---------------------------------------------------------------------------
// One-shot lifecycle
// ---------------------------------------------------------------------------

func TestStartSuccess(t *testing.T) {
	r := newRunner(t, successScript)

	sess, err := r.Start(testCtx(t), "hello")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.Running {
		t.Error("session still running after Start returned")
	}
	if sess.ID != "ses_test1234567890" {
		t.Errorf("session ID = %q, want latched provider id", sess.ID)
	}

	msgs := r.Messages()
	result := resultOf(t, msgs)
	if result.IsError {
		t.Errorf("result.IsError = true, want false: %s", result.Content)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want input=10 output=5", result.Usage)
	}
	if result.Cost != 0.002 {
		t.Errorf("cost = %v, want 0.002", result.Cost)
	}

	var assistant *sessionrun.Message
	for i := range msgs {
		if msgs[i].Type == sessionrun.MessageAssistant {
			assistant = &msgs[i]
		}
	}
	if assistant == nil {
		t.Fatal("no assistant message synthesized")
	}
	if assistant.Content != "Hi there" {
		t.Errorf("assistant text = %q, want %q", assistant.Content, "Hi there")
	}
}

func TestStartUsageAccumulatesAcrossSteps(t *testing.T) {
	r := newRunner(t, `
echo '{"type":"step_finish","part":{"tokens":{"input":10,"output":5},"cost":0.002}}'
echo '{"type":"step_finish","part":{"tokens":{"input":3,"output":1}}}'
`)
	if _, err := r.Start(testCtx(t), "p"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	result := resultOf(t, r.Messages())
	if result.Usage.InputTokens != 13 || result.Usage.OutputTokens != 6 {
		t.Errorf("usage = %+v, want input=13 output=6", result.Usage)
	}
	if result.Cost != 0.002 {
		t.Errorf("cost = %v, want 0.002", result.Cost)
	}
}

func TestStartNonZeroExit(t *testing.T) {
	r := newRunner(t, `
echo '{"type":"text","part":{"text":"partial"}}'
echo 'disk full' >&2
exit 137
`)
	sess, err := r.Start(testCtx(t), "p")
	if err != nil {
		t.Fatalf("Start() error = %v, want nil (failures resolve)", err)
	}
	if sess.Running {
		t.Error("session still running after failure")
	}

	result := resultOf(t, r.Messages())
	if !result.IsError {
		t.Fatal("result.IsError = false, want true")
	}
	if !strings.Contains(result.Content, "exit status 137") {
		t.Errorf("result content %q missing exit diagnostic", result.Content)
	}
	if !strings.Contains(result.Content, "disk full") {
		t.Errorf("result content %q missing captured stderr", result.Content)
	}
	if result.Usage.InputTokens != 0 || result.Usage.OutputTokens != 0 || result.Cost != 0 {
		t.Errorf("failure result usage/cost not zeroed: %+v cost=%v", result.Usage, result.Cost)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	r := sessionrun.New(
		sessionrun.WithBinary(filepath.Join(t.TempDir(), "does-not-exist")),
		sessionrun.WithWorkDir(t.TempDir()),
	)
	sub := r.Subscribe()
	defer sub.Close()

	sess, err := r.Start(testCtx(t), "p")
	if err != nil {
		t.Fatalf("Start() error = %v, want nil (spawn failure is a session error)", err)
	}
	if sess.Running {
		t.Error("session still running after spawn failure")
	}

	result := resultOf(t, r.Messages())
	if !result.IsError {
		t.Fatal("result.IsError = false, want true")
	}
	if result.SessionID != "pending" {
		t.Errorf("failure session id = %q, want pending placeholder", result.SessionID)
	}

	sawError := false
	for ev := range sub.Events() {
		if ev.Kind == sessionrun.EventError {
			sawError = true
		}
		if ev.Kind == sessionrun.EventComplete {
			break
		}
	}
	if !sawError {
		t.Error("no error event published for spawn failure")
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	r := newRunner(t, "exec sleep 5")

	startDone := make(chan struct{})
	go func() {
		defer close(startDone)
		_, _ = r.Start(testCtx(t), "p")
	}()
	waitRunning(t, r)

	if _, err := r.Start(testCtx(t), "second"); !errors.Is(err, sessionrun.ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}

	r.Stop()
	<-startDone
	if r.IsRunning() {
		t.Error("still running after Stop")
	}
}

func TestStopWhenIdleIsNoOp(t *testing.T) {
	r := newRunner(t, successScript)
	r.Stop() // must not panic or block
	r.Stop()
	if r.IsRunning() {
		t.Error("IsRunning() = true on idle runner")
	}
}

func TestStopSynthesizesNoResult(t *testing.T) {
	r := newRunner(t, "exec sleep 5")

	startDone := make(chan struct{})
	go func() {
		defer close(startDone)
		_, _ = r.Start(testCtx(t), "p")
	}()
	waitRunning(t, r)
	r.Stop()
	<-startDone

	for _, m := range r.Messages() {
		if m.Type == sessionrun.MessageResult {
			t.Errorf("explicit stop synthesized a terminal result: %+v", m)
		}
	}
}

func TestRunnerReusableAfterStop(t *testing.T) {
	// One binary, two behaviors keyed on the prompt: "linger" traps
	// SIGTERM and exits 1 after a delay (still draining when the next
	// session starts); anything else completes cleanly.
	r := newRunner(t, `
if [ "${@: -1}" = "linger" ]; then
  trap 'sleep 0.2; exit 1' TERM
  sleep 5 >/dev/null 2>&1 &
  wait
else
`+successScript+`
fi
`)

	startDone := make(chan struct{})
	go func() {
		defer close(startDone)
		_, _ = r.Start(testCtx(t), "linger")
	}()
	waitRunning(t, r)
	r.Stop()

	// The stopped process is still tearing down; the next session must
	// not inherit its exit status, messages, or stop flag.
	sess, err := r.Start(testCtx(t), "hello")
	if err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	<-startDone

	if sess.ID != "ses_test1234567890" {
		t.Errorf("second session ID = %q, want its own latched id", sess.ID)
	}
	result := resultOf(t, r.Messages())
	if result.IsError {
		t.Fatalf("second session finalized as error: %s", result.Content)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Errorf("second session usage = %+v, want input=10 output=5", result.Usage)
	}
	sawAssistant := false
	for _, m := range r.Messages() {
		if m.Type == sessionrun.MessageAssistant && m.Content == "Hi there" {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Error("second session's messages were lost")
	}
}

func TestContextCancellationFailsSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	r := newRunner(t, "exec sleep 5")
	sess, err := r.Start(ctx, "p")
	if err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	if sess.Running {
		t.Error("session still running after cancellation")
	}
	result := resultOf(t, r.Messages())
	if !result.IsError {
		t.Error("result.IsError = false after context cancellation")
	}
}

func TestStartRejectsNullBytePrompt(t *testing.T) {
	r := newRunner(t, successScript)
	sess, err := r.Start(testCtx(t), "bad\x00prompt")
	if err != nil {
		t.Fatalf("Start() error = %v, want nil (rejection resolves as a session failure)", err)
	}
	if sess.Running {
		t.Error("session still running after rejection")
	}
	result := resultOf(t, r.Messages())
	if !result.IsError {
		t.Fatal("result.IsError = false, want true")
	}
	if !strings.Contains(result.Content, "null byte") {
		t.Errorf("result content %q does not name the rejection", result.Content)
	}
}

// ---------------------------------------------------------------------------
// Parse recovery
// ---------------------------------------------------------------------------

func TestUnparseableLinesAreSkipped(t *testing.T) {
	r := newRunner(t, `
echo '{"type":"text","part":{"text":"Hi "}}'
echo 'this is not json'
echo '{"no_type_field":true}'
echo '{"type":"text","part":{"text":"there"}}'
`)
	if _, err := r.Start(testCtx(t), "p"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := r.SkippedLines(); got != 2 {
		t.Errorf("SkippedLines() = %d, want 2", got)
	}
	result := resultOf(t, r.Messages())
	if result.IsError {
		t.Errorf("bad lines escalated to session failure: %s", result.Content)
	}
	for _, m := range r.Messages() {
		if m.Type == sessionrun.MessageAssistant && m.Content != "Hi there" {
			t.Errorf("assistant text = %q, want %q", m.Content, "Hi there")
		}
	}
}

func TestUnknownEventTypesAreAccepted(t *testing.T) {
	r := newRunner(t, `
echo '{"type":"future_thing","part":{"x":1}}'
echo '{"type":"text","part":{"text":"ok"}}'
`)
	if _, err := r.Start(testCtx(t), "p"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := r.SkippedLines(); got != 0 {
		t.Errorf("SkippedLines() = %d, want 0 (unknown types are not skips)", got)
	}
	sawSystem := false
	for _, m := range r.Messages() {
		if m.Type == sessionrun.MessageSystem && m.Content == "future_thing" {
			sawSystem = true
		}
	}
	if !sawSystem {
		t.Error("unknown event type was not surfaced as a system message")
	}
}

// ---------------------------------------------------------------------------
// Session identity
// ---------------------------------------------------------------------------

func TestSessionIDLastWriterWins(t *testing.T) {
	r := newRunner(t, `
echo '{"type":"text","sessionID":"abc","part":{"text":"x"}}'
echo '{"type":"step_start","sessionID":"xyz"}'
`)
	sess, err := r.Start(testCtx(t), "p")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.ID != "xyz" {
		t.Errorf("session ID = %q, want %q (last writer wins)", sess.ID, "xyz")
	}
	if result := resultOf(t, r.Messages()); result.SessionID != "xyz" {
		t.Errorf("result session id = %q, want %q", result.SessionID, "xyz")
	}
}

func TestSessionIDSynthesizedWhenAbsent(t *testing.T) {
	r := newRunner(t, `echo '{"type":"text","part":{"text":"x"}}'`)
	sess, err := r.Start(testCtx(t), "p")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.ID == "" {
		t.Fatal("session ID empty after successful completion")
	}
	if sess.ID == "pending" {
		t.Error("successful session got the failure placeholder id")
	}

	// Uniqueness across runs is the only format guarantee.
	r2 := newRunner(t, `echo '{"type":"text","part":{"text":"x"}}'`)
	sess2, err := r2.Start(testCtx(t), "p")
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if sess2.ID == sess.ID {
		t.Error("synthesized session ids collided")
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestSubscribeDeliversInArrivalOrder(t *testing.T) {
	r := newRunner(t, successScript)
	sub := r.Subscribe()
	defer sub.Close()

	if _, err := r.Start(testCtx(t), "p"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var fromEvents []sessionrun.Message
	var final []sessionrun.Message
	var textDeltas []string
	for ev := range sub.Events() {
		switch ev.Kind {
		case sessionrun.EventMessage:
			fromEvents = append(fromEvents, ev.Message)
		case sessionrun.EventText:
			textDeltas = append(textDeltas, ev.Message.Content)
		case sessionrun.EventComplete:
			final = ev.Messages
		}
		if final != nil {
			break
		}
	}

	if len(final) != len(fromEvents) {
		t.Errorf("complete carried %d messages, %d message events delivered", len(final), len(fromEvents))
	}
	for i := range final {
		if final[i].Type != fromEvents[i].Type {
			t.Errorf("message %d: complete has %s, events delivered %s", i, final[i].Type, fromEvents[i].Type)
		}
	}
	if got := strings.Join(textDeltas, ""); got != "Hi there" {
		t.Errorf("text events concatenate to %q, want %q", got, "Hi there")
	}
	resultOf(t, final)
}

func TestWaitWhenIdleReturnsImmediately(t *testing.T) {
	r := newRunner(t, successScript)
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait() blocked with no session started")
	}
}

// ---------------------------------------------------------------------------
// Streaming transport
// ---------------------------------------------------------------------------

const streamScript = `
while IFS= read -r line; do
  echo '{"type":"text","part":{"text":"ok"}}'
done
echo '{"type":"step_finish","part":{"tokens":{"input":2,"output":1}}}'
`

func TestStreamingLifecycle(t *testing.T) {
	r := newRunner(t, streamScript, sessionrun.WithStreaming(true))

	sess, err := r.StartStreaming(testCtx(t))
	if err != nil {
		t.Fatalf("StartStreaming() error = %v", err)
	}
	if !sess.Running {
		t.Fatal("session not running after StartStreaming")
	}

	if err := r.AddStreamMessage("hello"); err != nil {
		t.Fatalf("AddStreamMessage() error = %v", err)
	}
	if err := r.CompleteStream(); err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}

	final := r.Wait()
	if final.Running {
		t.Error("session still running after Wait")
	}

	result := resultOf(t, r.Messages())
	if result.IsError {
		t.Errorf("streaming session failed: %s", result.Content)
	}
	sawDelta := false
	for _, m := range r.Messages() {
		if m.Type == sessionrun.MessageTextDelta && m.Content == "ok" {
			sawDelta = true
		}
	}
	if !sawDelta {
		t.Error("no text delta received from streamed input")
	}
}

func TestStreamingCallsRejectedInOneShotMode(t *testing.T) {
	r := newRunner(t, successScript)

	if _, err := r.StartStreaming(testCtx(t)); !errors.Is(err, sessionrun.ErrUnsupportedMode) {
		t.Errorf("StartStreaming error = %v, want ErrUnsupportedMode", err)
	}
	if err := r.AddStreamMessage("x"); !errors.Is(err, sessionrun.ErrUnsupportedMode) {
		t.Errorf("AddStreamMessage error = %v, want ErrUnsupportedMode", err)
	}
	if err := r.CompleteStream(); !errors.Is(err, sessionrun.ErrUnsupportedMode) {
		t.Errorf("CompleteStream error = %v, want ErrUnsupportedMode", err)
	}
}

func TestStartRejectedInStreamingMode(t *testing.T) {
	r := newRunner(t, streamScript, sessionrun.WithStreaming(true))
	if _, err := r.Start(testCtx(t), "p"); !errors.Is(err, sessionrun.ErrUnsupportedMode) {
		t.Errorf("Start error = %v, want ErrUnsupportedMode", err)
	}
}

func TestAddStreamMessageWithoutSession(t *testing.T) {
	r := newRunner(t, streamScript, sessionrun.WithStreaming(true))
	if err := r.AddStreamMessage("x"); !errors.Is(err, sessionrun.ErrNotRunning) {
		t.Errorf("AddStreamMessage error = %v, want ErrNotRunning", err)
	}
}

// ---------------------------------------------------------------------------
// Run helper
// ---------------------------------------------------------------------------

func TestRunStreamsAndCompletes(t *testing.T) {
	r := newRunner(t, successScript)

	var deltas []string
	msgs, err := sessionrun.Run(testCtx(t), r, "p", func(m sessionrun.Message) error {
		if m.Type == sessionrun.MessageTextDelta {
			deltas = append(deltas, m.Content)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Join(deltas, ""); got != "Hi there" {
		t.Errorf("handler saw deltas %q, want %q", got, "Hi there")
	}
	resultOf(t, msgs)
}

func TestRunHandlerErrorStopsSession(t *testing.T) {
	r := newRunner(t, `
echo '{"type":"text","part":{"text":"x"}}'
exec sleep 5
`)
	wantErr := errors.New("handler bailed")
	_, err := sessionrun.Run(testCtx(t), r, "p", func(m sessionrun.Message) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Run() error = %v, want handler error", err)
	}
	if r.IsRunning() {
		t.Error("session still running after handler error")
	}
}

func TestRunPropagatesPreconditionError(t *testing.T) {
	r := newRunner(t, "exec sleep 5")
	startDone := make(chan struct{})
	go func() {
		defer close(startDone)
		_, _ = r.Start(testCtx(t), "p")
	}()
	waitRunning(t, r)
	defer func() {
		r.Stop()
		<-startDone
	}()

	if _, err := sessionrun.Run(testCtx(t), r, "p", nil); !errors.Is(err, sessionrun.ErrAlreadyRunning) {
		t.Errorf("Run() error = %v, want ErrAlreadyRunning", err)
	}
}
