package orchestrator

import (
	"strings"
	"time"

	"github.com/kingrea/concord/internal/agent"
	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/workspace"
)

// AgentSpec binds one agent id to its backend and limits.
type AgentSpec struct {
	ID      string
	Backend agent.Backend
	// Timeout bounds each backend call; zero disables it.
	Timeout time.Duration
	// MaxAnswers freezes the agent's answers once reached; zero is unbounded.
	MaxAnswers int
}

// WorkspaceSettings locates agent directories and the promotion target.
type WorkspaceSettings struct {
	Root     string
	Output   string
	Contexts []workspace.ContextPath
}

// Settings is everything a session needs to run.
type Settings struct {
	SessionID      string
	Question       string
	Agents         []AgentSpec
	Consensus      consensus.Config
	SessionTimeout time.Duration
	PlanningMode   bool
	StatusInterval time.Duration
	Workspace      WorkspaceSettings
	// ManifestPath receives the final session state; empty skips it.
	ManifestPath string
}

func (s Settings) validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return configError("orchestrator: session id is required")
	}
	if len(s.Agents) == 0 {
		return configError("orchestrator: at least one agent is required")
	}
	seen := map[string]bool{}
	for _, a := range s.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return configError("orchestrator: agent id is required")
		}
		if seen[a.ID] {
			return configError("orchestrator: duplicate agent %s", a.ID)
		}
		seen[a.ID] = true
		if a.Backend == nil {
			return configError("orchestrator: agent %s has no backend", a.ID)
		}
	}
	if s.Consensus.Threshold < 0 || s.Consensus.Threshold > 1 {
		return configError("orchestrator: threshold %.2f outside [0,1]", s.Consensus.Threshold)
	}
	if s.Workspace.Root == "" {
		return configError("orchestrator: workspace root is required")
	}
	return nil
}

// FromConfig builds settings for one session from the project config,
// resolving each agent's backend through reg.
func FromConfig(cfg *config.Config, sessionID string, reg *agent.Registry) (Settings, error) {
	if cfg == nil {
		return Settings{}, configError("orchestrator: config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return Settings{}, &ExitError{Code: ExitConfig, Err: err}
	}
	if reg == nil {
		reg = agent.DefaultRegistry()
	}
	pc := cfg.Project
	settings := Settings{
		SessionID: sessionID,
		Question:  pc.Question,
		Consensus: consensus.Config{
			Threshold: pc.Coordination.Threshold,
			MaxRounds: pc.Coordination.MaxRounds,
			Weights:   pc.Coordination.VoteWeights,
		},
		SessionTimeout: pc.Coordination.SessionTimeout.Duration,
		PlanningMode:   pc.Coordination.PlanningMode,
		StatusInterval: pc.Coordination.StatusInterval.Duration,
		Workspace: WorkspaceSettings{
			Root:   cfg.WorkspaceRoot(sessionID),
			Output: cfg.OutputDir(),
		},
		ManifestPath: cfg.ManifestPath(sessionID),
	}
	for _, ac := range pc.Agents {
		backend, err := reg.Resolve(ac)
		if err != nil {
			return Settings{}, &ExitError{Code: ExitConfig, Err: err}
		}
		timeout := ac.Timeout.Duration
		if timeout <= 0 {
			timeout = pc.Coordination.AgentTimeout.Duration
		}
		settings.Agents = append(settings.Agents, AgentSpec{
			ID:         ac.ID,
			Backend:    backend,
			Timeout:    timeout,
			MaxAnswers: pc.Coordination.MaxNewAnswersPerAgent,
		})
	}
	for _, cp := range pc.ContextPaths {
		settings.Workspace.Contexts = append(settings.Workspace.Contexts, workspace.ContextPath{
			Name:       cp.Name,
			Source:     cp.Path,
			Permission: workspace.Permission(cp.Permission),
		})
	}
	return settings, settings.validate()
}
