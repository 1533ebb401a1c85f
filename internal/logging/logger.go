package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/concord/internal/config"
)

// Logger appends timestamped lines to .concord/logs/concord.log so users
// can inspect agent failures after a session ends.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// New creates (or reuses) the log file for the current project directory.
func New(projectDir string) (*Logger, error) {
	return Open(filepath.Join(projectDir, config.ConcordDir, "logs", "concord.log"))
}

// Open creates (or reuses) a log file at an explicit path.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f, now: time.Now}, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Printf writes a single timestamped line to the log file. Agent tasks log
// concurrently, so writes are serialized.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	timestamp := l.now().Format(time.RFC3339)
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, line)
}
