package sessionrun

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-backed runner configuration. All fields are
// optional; zero values fall back to the runner defaults. There is no
// automatic discovery — the file path is supplied explicitly (flag or
// caller), keeping configuration deterministic and auditable.
type Config struct {
	// Binary is the agent CLI executable name or path.
	Binary string `yaml:"binary"`

	// WorkDir is the subprocess working directory.
	WorkDir string `yaml:"workdir"`

	// Model is passed to the agent via --model.
	Model string `yaml:"model"`

	// ProviderConfig is the agent configuration file path, exported to
	// the subprocess environment at spawn time.
	ProviderConfig string `yaml:"provider_config"`

	// Env holds extra environment variables for the subprocess.
	Env map[string]string `yaml:"env"`

	// Streaming selects the incremental-input transport.
	Streaming bool `yaml:"streaming"`

	// GracePeriod is the SIGTERM→SIGKILL window for Stop, in
	// time.ParseDuration syntax (e.g. "5s").
	GracePeriod string `yaml:"grace_period"`

	// ScannerBuffer is the maximum output line size in bytes.
	ScannerBuffer int `yaml:"scanner_buffer"`

	// Transcript is the JSONL transcript file path. When set, callers
	// typically wire a JSONLSink at this path.
	Transcript string `yaml:"transcript"`
}

// LoadConfig reads and strictly decodes a YAML config file. Unknown
// fields are an error — misspelled keys fail loudly instead of being
// silently ignored.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("sessionrun: read config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("sessionrun: parse config %s: %w", path, err)
	}
	if cfg.GracePeriod != "" {
		if _, err := time.ParseDuration(cfg.GracePeriod); err != nil {
			return Config{}, fmt.Errorf("sessionrun: config %s: grace_period: %w", path, err)
		}
	}
	return cfg, nil
}

// Options converts the config into runner options. Zero-valued fields
// produce no option, so defaults apply.
func (c Config) Options() []Option {
	var opts []Option
	if c.Binary != "" {
		opts = append(opts, WithBinary(c.Binary))
	}
	if c.WorkDir != "" {
		opts = append(opts, WithWorkDir(c.WorkDir))
	}
	if c.Model != "" {
		opts = append(opts, WithModel(c.Model))
	}
	if c.ProviderConfig != "" {
		opts = append(opts, WithProviderConfig(c.ProviderConfig))
	}
	if len(c.Env) > 0 {
		opts = append(opts, WithEnv(c.Env))
	}
	if c.Streaming {
		opts = append(opts, WithStreaming(true))
	}
	if c.GracePeriod != "" {
		// Validated at load time; a hand-built Config with a bad value
		// falls through to the default (WithGracePeriod ignores <= 0).
		d, _ := time.ParseDuration(c.GracePeriod)
		opts = append(opts, WithGracePeriod(d))
	}
	if c.ScannerBuffer > 0 {
		opts = append(opts, WithScannerBuffer(c.ScannerBuffer))
	}
	return opts
}
