package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/concord/internal/eventlog"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook persists a human-readable coordination journal to a text file.
type Logbook struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, now: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		l.now().UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent entries and the total
// number of entries in the journal.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}

// Record journals one coordination event.
func (l *Logbook) Record(evt eventlog.Event) {
	if l == nil {
		return
	}
	level, message := Describe(evt)
	l.Append(level, message)
}

// Describe renders an event as a journal line.
func Describe(evt eventlog.Event) (Level, string) {
	prefix := fmt.Sprintf("#%d r%d", evt.Seq, evt.Round)
	if evt.AgentID != "" {
		prefix += " " + evt.AgentID
	}
	switch evt.Type {
	case eventlog.TypeSessionStarted:
		var p eventlog.SessionStartedPayload
		_ = evt.Decode(&p)
		return LevelInfo, fmt.Sprintf("%s session %s started with %s", prefix, p.SessionID, strings.Join(p.Agents, ", "))
	case eventlog.TypeRoundStarted:
		return LevelInfo, fmt.Sprintf("%s round %d started", prefix, evt.Round)
	case eventlog.TypeNewAnswer:
		var p eventlog.AnswerPayload
		_ = evt.Decode(&p)
		return LevelInfo, fmt.Sprintf("%s answered %s: %s", prefix, p.Label, preview(p.Content, 60))
	case eventlog.TypeVote:
		var p eventlog.VotePayload
		_ = evt.Decode(&p)
		return LevelInfo, fmt.Sprintf("%s voted for %s", prefix, firstNonEmpty(p.TargetLabel, p.TargetAgentID))
	case eventlog.TypeVoteIgnored:
		var p eventlog.VoteIgnoredPayload
		_ = evt.Decode(&p)
		return LevelWarn, fmt.Sprintf("%s vote for %s ignored (%s)", prefix, p.TargetLabel, p.Reason)
	case eventlog.TypeError:
		var p eventlog.ErrorPayload
		_ = evt.Decode(&p)
		if p.Recoverable {
			return LevelWarn, fmt.Sprintf("%s recoverable %s error: %s", prefix, p.Kind, p.Message)
		}
		return LevelError, fmt.Sprintf("%s %s error: %s", prefix, p.Kind, p.Message)
	case eventlog.TypeTimeout:
		var p eventlog.TimeoutPayload
		_ = evt.Decode(&p)
		return LevelWarn, fmt.Sprintf("%s timed out after %.1fs", prefix, p.TimeoutSeconds)
	case eventlog.TypeCancelled:
		var p eventlog.CancelledPayload
		_ = evt.Decode(&p)
		return LevelInfo, fmt.Sprintf("%s attempt %d cancelled: %s", prefix, p.Attempt, p.Reason)
	case eventlog.TypeStatusChange:
		var p eventlog.StatusChangePayload
		_ = evt.Decode(&p)
		return LevelInfo, fmt.Sprintf("%s status %s (attempt %d)", prefix, p.To, p.Attempt)
	case eventlog.TypeRestart:
		var p eventlog.RestartPayload
		_ = evt.Decode(&p)
		return LevelInfo, fmt.Sprintf("%s restarted: %s", prefix, p.Reason)
	case eventlog.TypeRoundResolved:
		var p eventlog.RoundResolvedPayload
		_ = evt.Decode(&p)
		return LevelInfo, fmt.Sprintf("%s resolved by %s, winner %s", prefix, p.Method, p.WinnerLabel)
	case eventlog.TypePhaseChange:
		var p eventlog.PhaseChangePayload
		_ = evt.Decode(&p)
		return LevelInfo, fmt.Sprintf("%s phase %s -> %s", prefix, p.From, p.To)
	case eventlog.TypeFinalAnswer:
		var p eventlog.FinalAnswerPayload
		_ = evt.Decode(&p)
		return LevelInfo, fmt.Sprintf("%s final answer %s (%s): %s", prefix, p.Label, p.Source, preview(p.Content, 60))
	default:
		return LevelInfo, fmt.Sprintf("%s %s", prefix, evt.Type)
	}
}

func preview(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
