//go:build !windows

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opforge/sessionrun"
)

func newTranscriptCmd() *cobra.Command {
	var (
		formatFlag string
		maxContent int
	)

	cmd := &cobra.Command{
		Use:   "transcript FILE",
		Short: "Render a persisted session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := sessionrun.ReadTranscript(args[0])
			if err != nil {
				return err
			}

			mode := formatFlag
			if mode == "" {
				mode = "tsv"
				if f, ok := cmd.OutOrStdout().(*os.File); ok && isatty.IsTerminal(f.Fd()) {
					mode = "table"
				}
			}
			switch mode {
			case "table":
				return writeTable(cmd.OutOrStdout(), entries, maxContent)
			case "tsv":
				return writeTSV(cmd.OutOrStdout(), entries, maxContent)
			default:
				return fmt.Errorf("unsupported format: %s", mode)
			}
		},
	}

	cmd.Flags().StringVar(&formatFlag, "format", "", "output format: 'table' or 'tsv' (default: table on a TTY)")
	cmd.Flags().IntVar(&maxContent, "max-content", 80, "truncate message content to this many runes")
	return cmd
}

func writeTable(w io.Writer, entries []sessionrun.TranscriptEntry, maxContent int) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"time", "type", "session", "content"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.RecordedAt.Format(time.TimeOnly),
			e.Message.Type,
			e.Message.SessionID,
			summarize(&e.Message, maxContent),
		})
	}
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			t.SetAllowedRowLength(width)
		}
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "content", WidthMax: maxContent, WidthMaxEnforcer: text.Trim},
	})
	t.Render()
	return nil
}

func writeTSV(w io.Writer, entries []sessionrun.TranscriptEntry, maxContent int) error {
	if _, err := fmt.Fprintln(w, "time\ttype\tsession\tcontent"); err != nil {
		return err
	}
	for _, e := range entries {
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.RecordedAt.Format(time.RFC3339),
			e.Message.Type,
			e.Message.SessionID,
			escapeNewlines(summarize(&e.Message, maxContent)),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// summarize picks the most useful one-line description of a message.
func summarize(m *sessionrun.Message, maxRunes int) string {
	s := m.Content
	switch {
	case m.Type == sessionrun.MessageResult && !m.IsError:
		s = fmt.Sprintf("in=%d out=%d cost=%.4f duration=%dms",
			m.Usage.InputTokens, m.Usage.OutputTokens, m.Cost, m.DurationMS)
	case m.Tool != nil:
		s = m.Tool.Name
	}
	runes := []rune(s)
	if len(runes) > maxRunes {
		s = string(runes[:maxRunes]) + "…"
	}
	return s
}

func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}
