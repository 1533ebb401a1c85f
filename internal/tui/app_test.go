package tui

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/concord/internal/logbook"
	"github.com/kingrea/concord/internal/status"
)

func sampleStatus() status.Status {
	return status.Status{
		Meta: status.Meta{SessionID: "s1", Question: "Capital of France?", ElapsedSeconds: 75},
		Coordination: status.Coordination{
			Phase:                "presentation",
			Round:                1,
			CompletionPercentage: 100,
			IsFinalPresentation:  true,
			ActiveAgent:          "a",
		},
		Agents: map[string]status.AgentStatus{
			"a": {Status: "streaming", AnswerCount: 1, LatestAnswerLabel: "a.1"},
			"b": {Status: "voted", VoteCast: &status.VoteStatus{TargetAgentID: "a", TargetLabel: "a.1"}},
			"c": {Status: "error", Error: &status.ErrorStatus{Kind: "backend", Message: "exit status 1"}},
		},
		Results: status.Results{
			Votes:              map[string]float64{"a.1": 2},
			IgnoredVotes:       1,
			Winner:             &status.WinnerStatus{AgentID: "a", Label: "a.1", Method: "threshold", Round: 1},
			FinalAnswerPreview: "Paris",
		},
	}
}

func TestRenderShowsAgentsVotesAndWinner(t *testing.T) {
	out := Render(sampleStatus(), 100)
	for _, want := range []string{"Session s1", "Capital of France?", "Round 1", "final presentation", "1m15s",
		"Agents (3)", "vote → a.1", "backend: exit status 1", "1 vote(s) ignored",
		"Winner: a.1 (a) by threshold in round 1", "Paris"} {
		assert.Contains(t, out, want)
	}
}

func TestRenderWithoutVotes(t *testing.T) {
	out := Render(status.Status{Meta: status.Meta{SessionID: "s2"}}, 0)
	assert.Contains(t, out, "No votes yet")
	assert.NotContains(t, out, "Winner")
}

func TestAppShowsLoadedStatus(t *testing.T) {
	calls := 0
	app := NewApp("status.json", WithLoader(func(string) (status.Status, error) {
		calls++
		return sampleStatus(), nil
	}))
	model, _ := app.Update(app.reload()())
	app = model.(*App)
	st, ok := app.Status()
	require.True(t, ok)
	assert.Equal(t, "s1", st.Meta.SessionID)
	assert.Equal(t, 1, calls)
	view := app.View()
	assert.Contains(t, view, "CONCORD")
	assert.Contains(t, view, "resolved")
	assert.Contains(t, view, "Agents (3)")
}

func TestAppWaitsForFirstStatus(t *testing.T) {
	app := NewApp("missing/status.json", WithLoader(func(string) (status.Status, error) {
		return status.Status{}, status.ErrNoStatus
	}))
	app.Update(app.reload()())
	_, ok := app.Status()
	assert.False(t, ok)
	assert.Contains(t, app.View(), "waiting for missing/status.json")
}

func TestAppKeepsLastStatusWhenReloadFails(t *testing.T) {
	fail := false
	app := NewApp("status.json", WithLoader(func(string) (status.Status, error) {
		if fail {
			return status.Status{}, errors.New("status: parse status.json: unexpected end of JSON input")
		}
		return sampleStatus(), nil
	}))
	app.Update(app.reload()())
	fail = true
	app.Update(app.reload()())
	st, ok := app.Status()
	require.True(t, ok)
	assert.Equal(t, "s1", st.Meta.SessionID)
	assert.Contains(t, app.View(), "reload failed")
}

func TestAppReloadsOnChangeSignal(t *testing.T) {
	changes := make(chan struct{}, 1)
	app := NewApp("status.json", WithChanges(changes), WithLoader(func(string) (status.Status, error) {
		return sampleStatus(), nil
	}))
	changes <- struct{}{}
	msg := app.listen()()
	require.IsType(t, changedMsg{}, msg)
	_, cmd := app.Update(msg)
	require.NotNil(t, cmd)

	close(changes)
	assert.Nil(t, app.listen()(), "closed change feed stops listening")
}

func TestAppQuitKeys(t *testing.T) {
	app := NewApp("status.json")
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestAppShowsJournalTail(t *testing.T) {
	lb, err := logbook.New(filepath.Join(t.TempDir(), "journal.log"))
	require.NoError(t, err)
	lb.Info("Round 1 started")
	app := NewApp("status.json", WithJournal(lb), WithLoader(func(string) (status.Status, error) {
		return sampleStatus(), nil
	}))
	app.Update(app.reload()())
	view := app.View()
	assert.Contains(t, view, "LOG · journal.log (1)")
	assert.Contains(t, view, "Round 1 started")
}

func TestWatcherSignalsOnStatusWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "status.json")
	w, err := NewWatcher(path, time.Hour)
	require.NoError(t, err)
	defer w.Close()
	if !w.Notifying() {
		t.Skip("file notifications unavailable")
	}
	require.NoError(t, status.NewFileStore(path).Write(sampleStatus()))
	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("no change signal after status write")
	}
}

func TestWatcherPollsAndCloses(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "status.json"), 20*time.Millisecond)
	require.NoError(t, err)
	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not signal")
	}
	require.NoError(t, w.Close())
	require.Eventually(t, func() bool {
		_, ok := <-w.Changes()
		return !ok
	}, time.Second, 10*time.Millisecond)
}
