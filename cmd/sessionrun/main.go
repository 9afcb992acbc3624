//go:build !windows

// Package main provides the sessionrun CLI: run a coding-agent session
// from the command line and inspect persisted transcripts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opforge/sessionrun"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "sessionrun",
	Short:   "Run coding-agent CLI sessions with normalized, persisted output",
	Version: version,
}

func init() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newTranscriptCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sessionrun: %v\n", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var (
		configPath     string
		binary         string
		workDir        string
		model          string
		providerConfig string
		transcript     string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] PROMPT",
		Short: "Run one agent session and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, closeSink, err := buildOptions(configPath, binary, workDir, model, providerConfig, transcript)
			if err != nil {
				return err
			}
			defer closeSink()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := sessionrun.New(opts...)
			msgs, err := sessionrun.Run(ctx, r, args[0], func(m sessionrun.Message) error {
				if m.Type == sessionrun.MessageTextDelta {
					fmt.Fprint(cmd.OutOrStdout(), m.Content)
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return printResult(cmd.OutOrStdout(), msgs)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "runner config file (YAML)")
	cmd.Flags().StringVar(&binary, "binary", "", "agent CLI binary (default: opencode)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for the agent process")
	cmd.Flags().StringVar(&model, "model", "", "model passed to the agent")
	cmd.Flags().StringVar(&providerConfig, "provider-config", "", "agent config file exported to the subprocess")
	cmd.Flags().StringVar(&transcript, "transcript", "", "JSONL transcript file to append to")
	return cmd
}

// buildOptions layers flag overrides on top of the optional config
// file. The returned closer flushes the transcript sink, if any.
func buildOptions(configPath, binary, workDir, model, providerConfig, transcript string) ([]sessionrun.Option, func(), error) {
	var opts []sessionrun.Option
	noop := func() {}

	transcriptPath := transcript
	if configPath != "" {
		cfg, err := sessionrun.LoadConfig(configPath)
		if err != nil {
			return nil, noop, err
		}
		opts = append(opts, cfg.Options()...)
		if transcriptPath == "" {
			transcriptPath = cfg.Transcript
		}
	}
	if binary != "" {
		opts = append(opts, sessionrun.WithBinary(binary))
	}
	if workDir != "" {
		opts = append(opts, sessionrun.WithWorkDir(workDir))
	}
	if model != "" {
		opts = append(opts, sessionrun.WithModel(model))
	}
	if providerConfig != "" {
		opts = append(opts, sessionrun.WithProviderConfig(providerConfig))
	}

	if transcriptPath == "" {
		return opts, noop, nil
	}
	sink, err := sessionrun.NewJSONLSink(transcriptPath)
	if err != nil {
		return nil, noop, err
	}
	opts = append(opts, sessionrun.WithSink(sink))
	return opts, func() { _ = sink.Close() }, nil
}

// printResult writes the terminal result summary, or surfaces the
// session failure as the command's error.
func printResult(w io.Writer, msgs []sessionrun.Message) error {
	for _, m := range msgs {
		if m.Type != sessionrun.MessageResult {
			continue
		}
		if m.IsError {
			return fmt.Errorf("session failed: %s", m.Content)
		}
		fmt.Fprintf(w, "session %s: input=%d output=%d cost=%.4f duration=%dms\n",
			m.SessionID, m.Usage.InputTokens, m.Usage.OutputTokens, m.Cost, m.DurationMS)
		return nil
	}
	return errors.New("session ended without a terminal result")
}
