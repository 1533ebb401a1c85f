package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends events as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenFile creates (or reuses) the JSONL file at path.
func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: ensure dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &FileSink{path: path, file: f}, nil
}

// Path returns the file backing this sink.
func (s *FileSink) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Write appends a single line.
func (s *FileSink) Write(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrClosed
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close releases the file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Load reads a JSONL event log written by FileSink and checks that sequence
// numbers are contiguous and timestamps non-decreasing.
func Load(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("eventlog: parse line %d: %w", lineNo, err)
		}
		if err := evt.Validate(); err != nil {
			return nil, fmt.Errorf("eventlog: validate line %d: %w", lineNo, err)
		}
		if want := int64(len(events)) + 1; evt.Seq != want {
			return nil, fmt.Errorf("eventlog: line %d: seq %d, want %d", lineNo, evt.Seq, want)
		}
		if n := len(events); n > 0 && evt.Time.Before(events[n-1].Time) {
			return nil, fmt.Errorf("eventlog: line %d: timestamp goes backwards", lineNo)
		}
		events = append(events, evt)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: read %s: %w", path, err)
	}
	return events, nil
}
