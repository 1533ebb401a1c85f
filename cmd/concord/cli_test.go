package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/concord/internal/orchestrator"
)

func executeCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	code := execute(args, stdout, stderr)
	return stdout.String(), stderr.String(), code
}

func initProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	stdout, stderr, code := executeCLI(t, "init", "--project", dir)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, filepath.Join(dir, ".concord", "config.yaml"))
	return dir
}

func TestVersionPrintsBuildVersion(t *testing.T) {
	stdout, _, code := executeCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "dev\n", stdout)
}

func TestRunWithoutAgentsIsConfigError(t *testing.T) {
	dir := t.TempDir()
	_, stderr, code := executeCLI(t, "run", "--project", dir)
	assert.Equal(t, orchestrator.ExitConfig, code)
	assert.Contains(t, stderr, "at least one agent is required")
	_, err := os.Stat(filepath.Join(dir, ".concord", "sessions"))
	assert.True(t, os.IsNotExist(err), "config errors must not start a session")
}

func TestUnknownFlagIsConfigError(t *testing.T) {
	_, _, code := executeCLI(t, "run", "--bogus")
	assert.Equal(t, orchestrator.ExitConfig, code)
}

func TestEnvironmentOverridesAreValidated(t *testing.T) {
	dir := initProject(t)
	t.Setenv("CONCORD_MAX_ROUNDS", "-1")
	_, stderr, code := executeCLI(t, "run", "--project", dir)
	assert.Equal(t, orchestrator.ExitConfig, code)
	assert.Contains(t, stderr, "max_rounds")
}

func TestFlagOverridesAreValidated(t *testing.T) {
	dir := initProject(t)
	_, stderr, code := executeCLI(t, "run", "--project", dir, "--threshold", "1.5")
	assert.Equal(t, orchestrator.ExitConfig, code)
	assert.Contains(t, stderr, "threshold")
}

func TestRunWatchAndReplayStarterProject(t *testing.T) {
	dir := initProject(t)

	stdout, stderr, code := executeCLI(t, "run", "--project", dir, "--session-id", "s1", "--json")
	require.Equal(t, 0, code, stderr)
	var out runOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, "agent_a", out.Winner)
	assert.Equal(t, "agent_a.1", out.Label)
	assert.Equal(t, "threshold", out.Method)
	assert.Equal(t, "Paris", out.Answer)
	assert.Equal(t, filepath.Join(dir, ".concord", "output"), out.OutputDir)

	stdout, stderr, code = executeCLI(t, "watch", "--project", dir, "--once")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Session s1")
	assert.Contains(t, stdout, "Winner: agent_a.1 (agent_a) by threshold")

	stdout, stderr, code = executeCLI(t, "replay", "--project", dir, "--session", "s1")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Winner: agent_a.1")

	stdout, stderr, code = executeCLI(t, "replay", filepath.Join(dir, ".concord", "sessions", "s1", "events.jsonl"), "--json")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"label": "agent_a.1"`)
}

func TestReplayNeedsALog(t *testing.T) {
	_, stderr, code := executeCLI(t, "replay", "--project", t.TempDir())
	assert.Equal(t, orchestrator.ExitConfig, code)
	assert.Contains(t, stderr, "--session")

	_, _, code = executeCLI(t, "replay", filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Equal(t, orchestrator.ExitExecution, code)
}

func TestWatchOnceWithoutStatus(t *testing.T) {
	_, stderr, code := executeCLI(t, "watch", "--project", t.TempDir(), "--once")
	assert.Equal(t, orchestrator.ExitExecution, code)
	assert.Contains(t, stderr, "no status")
}

func TestSessionIDsAreUnique(t *testing.T) {
	at := time.Date(2024, 10, 27, 9, 30, 0, 0, time.UTC)
	a := newSessionID(at)
	b := newSessionID(at)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "20241027-093000-")
}
