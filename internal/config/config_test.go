package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadProjectConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.Project.Coordination.MaxRounds != defaultMaxRounds {
		t.Fatalf("max_rounds = %d, want %d", c.Project.Coordination.MaxRounds, defaultMaxRounds)
	}
	if c.Project.Coordination.StatusInterval.Duration != 2*time.Second {
		t.Fatalf("status_interval = %s, want 2s", c.Project.Coordination.StatusInterval)
	}
	if !strings.HasPrefix(c.Project.Workspace.Root, projectDir) {
		t.Fatalf("workspace root not resolved: %s", c.Project.Workspace.Root)
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for a config without agents")
	}
}

func TestInitWritesLoadableDefaultConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitConcordDir(projectDir); err != nil {
		t.Fatalf("InitConcordDir: %v", err)
	}
	for _, dir := range []string{"logs", "state", "sessions", "workspaces"} {
		if _, err := os.Stat(filepath.Join(projectDir, ConcordDir, dir)); err != nil {
			t.Fatalf("missing %s: %v", dir, err)
		}
	}
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("default config does not load: %v", err)
	}
	if len(c.Project.Agents) != 3 {
		t.Fatalf("expected 3 sample agents, got %d", len(c.Project.Agents))
	}
	if got := c.Project.Agents[2].Script[0].Delay.Duration; got != 500*time.Millisecond {
		t.Fatalf("script delay = %s, want 500ms", got)
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	concordDir := filepath.Join(projectDir, ConcordDir)
	if err := os.MkdirAll(concordDir, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
question: "  Which sorting algorithm?  "
agents:
  - id: fast
    backend: Command
    command: ./bin/agent
    args: ["--mode", "fast"]
    timeout: 90
  - id: slow
    backend: scripted
    script:
      - delay: 1s
        answer: merge sort
coordination:
  threshold: 0.6
  max_rounds: 2
  agent_timeout: 2m
  vote_weights:
    fast: 2
context_paths:
  - path: docs
    permission: WRITE
workspace:
  root: tmp/ws
`)
	if err := os.WriteFile(filepath.Join(concordDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.Project.Question != "Which sorting algorithm?" {
		t.Fatalf("question not trimmed: %q", c.Project.Question)
	}
	fast, ok := c.Agent("fast")
	if !ok {
		t.Fatalf("expected agent fast")
	}
	if fast.Backend != BackendCommand {
		t.Fatalf("backend = %q, want %q", fast.Backend, BackendCommand)
	}
	if fast.Command != filepath.Join(projectDir, "bin", "agent") {
		t.Fatalf("command not resolved: %s", fast.Command)
	}
	if fast.Timeout.Duration != 90*time.Second {
		t.Fatalf("timeout = %s, want 90s", fast.Timeout)
	}
	if c.Project.Coordination.AgentTimeout.Duration != 2*time.Minute {
		t.Fatalf("agent_timeout = %s", c.Project.Coordination.AgentTimeout)
	}
	cp := c.Project.ContextPaths[0]
	if cp.Name != "docs" || cp.Permission != PermissionWrite || !filepath.IsAbs(cp.Path) {
		t.Fatalf("context path not normalized: %+v", cp)
	}
	if c.WorkspaceRoot("s1") != filepath.Join(projectDir, "tmp", "ws", "s1") {
		t.Fatalf("workspace root = %s", c.WorkspaceRoot("s1"))
	}
	if c.EventLogPath("s1") != filepath.Join(concordDir, "sessions", "s1", "events.jsonl") {
		t.Fatalf("event log path = %s", c.EventLogPath("s1"))
	}
}

func TestLoadProjectConfigParsesToml(t *testing.T) {
	projectDir := t.TempDir()
	concordDir := filepath.Join(projectDir, ConcordDir)
	if err := os.MkdirAll(concordDir, 0755); err != nil {
		t.Fatal(err)
	}
	configTOML := strings.TrimSpace(`
version = 1
question = "q"

[coordination]
threshold = 0.5
max_rounds = 4
agent_timeout = "45s"

[[agents]]
id = "a"
backend = "scripted"

[[agents.script]]
answer = "42"
delay = "10ms"

[[agents]]
id = "b"
backend = "command"
command = "/usr/bin/agent"
`)
	if err := os.WriteFile(filepath.Join(concordDir, "config.toml"), []byte(configTOML), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if filepath.Base(c.ProjectConfigPath()) != "config.toml" {
		t.Fatalf("expected toml config to be picked up, got %s", c.ProjectConfigPath())
	}
	if c.Project.Coordination.MaxRounds != 4 {
		t.Fatalf("max_rounds = %d, want 4", c.Project.Coordination.MaxRounds)
	}
	if c.Project.Coordination.AgentTimeout.Duration != 45*time.Second {
		t.Fatalf("agent_timeout = %s, want 45s", c.Project.Coordination.AgentTimeout)
	}
	if got := c.Project.Agents[0].Script[0].Delay.Duration; got != 10*time.Millisecond {
		t.Fatalf("delay = %s, want 10ms", got)
	}
}

func TestLoadProjectConfigValidation(t *testing.T) {
	cases := map[string]string{
		"unknown backend": `
agents:
  - id: a
    backend: telepathy
`,
		"duplicate agent": `
agents:
  - {id: a, backend: command, command: x}
  - {id: a, backend: command, command: y}
`,
		"threshold out of range": `
agents:
  - {id: a, backend: command, command: x}
coordination:
  threshold: 1.5
`,
		"weight for unknown agent": `
agents:
  - {id: a, backend: command, command: x}
coordination:
  vote_weights: {ghost: 1}
`,
		"bad permission": `
agents:
  - {id: a, backend: command, command: x}
context_paths:
  - path: docs
    permission: admin
`,
		"agent id with slash": `
agents:
  - {id: a/b, backend: command, command: x}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			projectDir := t.TempDir()
			concordDir := filepath.Join(projectDir, ConcordDir)
			if err := os.MkdirAll(concordDir, 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(concordDir, "config.yaml"), []byte(body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := NewConfig(projectDir); err == nil {
				t.Fatalf("expected validation error but got none")
			} else if !strings.HasPrefix(err.Error(), "config:") {
				t.Fatalf("error %q lacks config prefix", err)
			}
		})
	}
}
