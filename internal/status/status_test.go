package status

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/eventlog"
	"github.com/kingrea/concord/internal/session"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func record(t *testing.T, events ...eventlog.Event) []eventlog.Event {
	t.Helper()
	log := eventlog.New(eventlog.WithClock(func() time.Time { return t0 }))
	for _, evt := range events {
		_, err := log.Append(evt)
		require.NoError(t, err)
	}
	return log.Events()
}

func scenario(t *testing.T) []eventlog.Event {
	return record(t,
		eventlog.Must(eventlog.TypeSessionStarted, "", 0, eventlog.SessionStartedPayload{SessionID: "s1", Question: "capital of France?", Agents: []string{"a", "b", "c"}}),
		eventlog.Must(eventlog.TypeRoundStarted, "", 1, nil),
		eventlog.Must(eventlog.TypeNewAnswer, "a", 1, eventlog.AnswerPayload{Label: "a.1", Sequence: 1, Content: "Paris"}),
		eventlog.Must(eventlog.TypeVote, "b", 1, eventlog.VotePayload{TargetLabel: "a.1", Rationale: "correct"}),
		eventlog.Must(eventlog.TypeVote, "c", 1, eventlog.VotePayload{TargetLabel: "a.1"}),
		eventlog.Must(eventlog.TypeRoundResolved, "", 1, eventlog.RoundResolvedPayload{WinnerAgentID: "a", WinnerLabel: "a.1", Method: "threshold", Tally: map[string]float64{"a.1": 2}}),
		eventlog.Must(eventlog.TypeFinalAnswer, "a", 1, eventlog.FinalAnswerPayload{Label: "a.1", Content: "Paris", Source: "presentation"}),
	)
}

func replay(t *testing.T, events []eventlog.Event) session.State {
	t.Helper()
	s, err := session.Replay(events)
	require.NoError(t, err)
	return s.Snapshot()
}

func TestBuildInProgress(t *testing.T) {
	st := replay(t, scenario(t)[:5])
	got := Build(st, consensus.Config{}, t0.Add(90*time.Second))

	assert.Equal(t, "s1", got.Meta.SessionID)
	assert.Equal(t, "capital of France?", got.Meta.Question)
	assert.InDelta(t, 90, got.Meta.ElapsedSeconds, 0.001)
	assert.Equal(t, "enforcement", got.Coordination.Phase)
	assert.Equal(t, 1, got.Coordination.Round)
	assert.False(t, got.Coordination.IsFinalPresentation)
	assert.InDelta(t, 200.0/3, got.Coordination.CompletionPercentage, 0.01)
	assert.Equal(t, map[string]float64{"a.1": 2}, got.Results.Votes)
	assert.Nil(t, got.Results.Winner, "absent winner means unresolved")
	assert.False(t, got.Resolved())

	require.Contains(t, got.Agents, "b")
	b := got.Agents["b"]
	assert.Equal(t, "voted", b.Status)
	require.NotNil(t, b.VoteCast)
	assert.Equal(t, "a.1", b.VoteCast.TargetLabel)
	assert.Equal(t, "correct", b.VoteCast.Rationale)
	assert.Equal(t, "a.1", got.Agents["a"].LatestAnswerLabel)
	assert.Equal(t, []string{"a", "b", "c"}, got.AgentIDs())
}

func TestBuildResolved(t *testing.T) {
	st := replay(t, scenario(t))
	got := Build(st, consensus.Config{}, t0)
	require.NotNil(t, got.Results.Winner)
	assert.Equal(t, "a", got.Results.Winner.AgentID)
	assert.Equal(t, "threshold", got.Results.Winner.Method)
	assert.Equal(t, "Paris", got.Results.FinalAnswerPreview)
	assert.True(t, got.Coordination.IsFinalPresentation)
	assert.Equal(t, float64(100), got.Coordination.CompletionPercentage)
	assert.Equal(t, "completed", got.Agents["a"].Status)
}

func TestBuildWeightsAndErrors(t *testing.T) {
	events := record(t,
		eventlog.Must(eventlog.TypeSessionStarted, "", 0, eventlog.SessionStartedPayload{SessionID: "s1", Agents: []string{"a", "b", "c"}}),
		eventlog.Must(eventlog.TypeRoundStarted, "", 1, nil),
		eventlog.Must(eventlog.TypeNewAnswer, "a", 1, eventlog.AnswerPayload{Label: "a.1", Sequence: 1, Content: "x"}),
		eventlog.Must(eventlog.TypeVote, "b", 1, eventlog.VotePayload{TargetLabel: "a.1"}),
		eventlog.Must(eventlog.TypeError, "c", 1, eventlog.ErrorPayload{Kind: "backend", Message: "boom"}),
	)
	got := Build(replay(t, events), consensus.Config{Weights: map[string]float64{"b": 3}}, t0)
	assert.Equal(t, map[string]float64{"a.1": 3}, got.Results.Votes)
	c := got.Agents["c"]
	assert.Equal(t, "error", c.Status)
	require.NotNil(t, c.Error)
	assert.Equal(t, "boom", c.Error.Message)
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("word ", 200)
	p := preview(long)
	assert.True(t, strings.HasSuffix(p, "…"))
	assert.LessOrEqual(t, len(p), previewLimit+len("…"))
	assert.Equal(t, "a b", preview("  a \n b "))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "status.json")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrNoStatus)

	store := NewFileStore(path)
	want := Build(replay(t, scenario(t)), consensus.Config{}, t0)
	require.NoError(t, store.Write(want))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want.Results.Winner, got.Results.Winner)
	assert.Equal(t, want.Meta.SessionID, got.Meta.SessionID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

type flakyStore struct {
	mu     sync.Mutex
	calls  int
	writes []Status
}

func (f *flakyStore) Write(st Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return errors.New("disk full")
	}
	f.writes = append(f.writes, st)
	return nil
}

func (f *flakyStore) written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *captureLogger) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

type fixedSource struct{ st session.State }

func (f fixedSource) Snapshot() session.State { return f.st }

func TestReporterRetriesAfterWriteFailure(t *testing.T) {
	store := &flakyStore{}
	logger := &captureLogger{}
	r := NewReporter(fixedSource{st: replay(t, scenario(t)[:3])}, store, WithInterval(5*time.Millisecond), WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return store.written() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	lines := logger.snapshot()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "disk full")
	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, "s1", latest.Meta.SessionID)
}

func TestReporterFlushWithoutStore(t *testing.T) {
	r := NewReporter(fixedSource{}, nil)
	_, ok := r.Latest()
	assert.False(t, ok)
	st, err := r.Flush()
	require.NoError(t, err)
	assert.Empty(t, st.Agents)
	_, ok = r.Latest()
	assert.True(t, ok)
}
