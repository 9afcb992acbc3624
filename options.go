package sessionrun

import (
	"log/slog"
	"time"
)

// Default runner configuration values.
const (
	defaultBinary        = "opencode"
	defaultScannerBuffer = 1 << 20 // 1 MB
	defaultGracePeriod   = 5 * time.Second
)

// configPathEnv is the environment variable the agent CLI reads its
// configuration file path from. Set on the subprocess only — the
// runner never mutates its own process environment.
const configPathEnv = "OPENCODE_CONFIG"

// RunnerOptions holds resolved construction-time configuration for a
// Runner. Use New with Option functions to customize these values.
type RunnerOptions struct {
	// Binary is the agent CLI executable name or path.
	Binary string

	// WorkDir is the subprocess working directory. Created best-effort
	// at session start; creation failure is logged, not fatal.
	WorkDir string

	// Model is passed to the agent via --model when non-empty.
	Model string

	// ProviderConfig is the agent configuration file path, exported to
	// the subprocess environment at spawn time.
	ProviderConfig string

	// Env holds extra environment variables for the subprocess, merged
	// with the inherited environment at the process boundary.
	Env map[string]string

	// Streaming selects the incremental-input transport: the prompt is
	// fed via stdin instead of argv, and the streaming calls
	// (StartStreaming/AddStreamMessage/CompleteStream) become valid.
	Streaming bool

	// ScannerBuffer is the maximum output line size in bytes.
	ScannerBuffer int

	// GracePeriod is how long a stopped subprocess gets after SIGTERM
	// before SIGKILL. The stop itself never blocks on process death.
	GracePeriod time.Duration

	// Logger receives runner diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Sink receives every normalized message for durable storage.
	// Sink failures are logged and never block the session.
	Sink LogSink
}

// Option configures a Runner at construction time.
type Option func(*RunnerOptions)

// WithBinary overrides the agent CLI binary. Empty values are ignored.
func WithBinary(path string) Option {
	return func(o *RunnerOptions) {
		if path != "" {
			o.Binary = path
		}
	}
}

// WithWorkDir sets the subprocess working directory.
func WithWorkDir(dir string) Option {
	return func(o *RunnerOptions) {
		if dir != "" {
			o.WorkDir = dir
		}
	}
}

// WithModel sets the model passed to the agent.
func WithModel(model string) Option {
	return func(o *RunnerOptions) {
		o.Model = model
	}
}

// WithProviderConfig sets the agent configuration file path exported to
// the subprocess environment.
func WithProviderConfig(path string) Option {
	return func(o *RunnerOptions) {
		o.ProviderConfig = path
	}
}

// WithEnv adds environment variables for the subprocess.
func WithEnv(env map[string]string) Option {
	return func(o *RunnerOptions) {
		o.Env = env
	}
}

// WithStreaming selects the incremental-input transport mode.
func WithStreaming(enabled bool) Option {
	return func(o *RunnerOptions) {
		o.Streaming = enabled
	}
}

// WithScannerBuffer sets the maximum output line size in bytes.
// Values <= 0 are ignored.
func WithScannerBuffer(size int) Option {
	return func(o *RunnerOptions) {
		if size > 0 {
			o.ScannerBuffer = size
		}
	}
}

// WithGracePeriod sets the SIGTERM→SIGKILL grace period for Stop.
// Values <= 0 are ignored.
func WithGracePeriod(d time.Duration) Option {
	return func(o *RunnerOptions) {
		if d > 0 {
			o.GracePeriod = d
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *RunnerOptions) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithSink sets the durable message sink.
func WithSink(sink LogSink) Option {
	return func(o *RunnerOptions) {
		if sink != nil {
			o.Sink = sink
		}
	}
}

func resolveOptions(opts ...Option) RunnerOptions {
	o := RunnerOptions{
		Binary:        defaultBinary,
		WorkDir:       ".",
		ScannerBuffer: defaultScannerBuffer,
		GracePeriod:   defaultGracePeriod,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sink == nil {
		o.Sink = nopSink{}
	}
	return o
}
