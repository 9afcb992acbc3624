package sessionrun

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogSink receives each normalized message for durable storage.
//
// Contract: accept the message, never block the session on write
// failure. The runner logs a sink error and moves on; it does not
// retry and it does not fail the session.
type LogSink interface {
	Append(msg Message) error
}

// nopSink is the default sink: accepts and discards everything.
type nopSink struct{}

func (nopSink) Append(Message) error { return nil }

// TranscriptEntry is one persisted message, as written by JSONLSink.
type TranscriptEntry struct {
	// ID uniquely identifies the entry.
	ID string `json:"id"`

	// RecordedAt is when the sink accepted the message.
	RecordedAt time.Time `json:"recorded_at"`

	// Message is the normalized message itself.
	Message Message `json:"message"`
}

// JSONLSink persists messages as one JSON object per line, append-only.
// Safe for concurrent use.
type JSONLSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

var _ LogSink = (*JSONLSink)(nil)

// NewJSONLSink opens (creating if needed) an append-only transcript
// file at path. Parent directories are created.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sessionrun: transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessionrun: open transcript: %w", err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one transcript entry. Errors are reported to the caller
// (the runner), which logs and continues — a failing disk never stalls
// the session.
func (s *JSONLSink) Append(msg Message) error {
	entry := TranscriptEntry{
		ID:         uuid.NewString(),
		RecordedAt: time.Now(),
		Message:    msg,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(entry); err != nil {
		return fmt.Errorf("sessionrun: transcript append: %w", err)
	}
	return nil
}

// Close flushes and closes the transcript file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// ReadTranscript loads all entries from a JSONL transcript file.
// Lines that fail to decode are skipped, mirroring the runner's
// per-line recovery policy.
func ReadTranscript(path string) ([]TranscriptEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sessionrun: open transcript: %w", err)
	}
	defer f.Close()

	var entries []TranscriptEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), defaultScannerBuffer)
	for scanner.Scan() {
		var e TranscriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("sessionrun: read transcript: %w", err)
	}
	return entries, nil
}
