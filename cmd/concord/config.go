package main

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/orchestrator"
)

// loadConfig reads the project config and applies flag and CONCORD_*
// overrides. Every failure is a configuration error, so nothing invalid
// reaches the orchestrator.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	dir, err := projectDir(v)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir, v.GetString("config"))
	if err != nil {
		return nil, &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
	}
	applyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	pc := &cfg.Project
	if v.IsSet("question") {
		if q := strings.TrimSpace(v.GetString("question")); q != "" {
			pc.Question = q
		}
	}
	if v.IsSet("threshold") {
		pc.Coordination.Threshold = v.GetFloat64("threshold")
	}
	if v.IsSet("max-rounds") {
		pc.Coordination.MaxRounds = v.GetInt("max-rounds")
	}
	if v.IsSet("agent-timeout") {
		pc.Coordination.AgentTimeout = config.Duration{Duration: v.GetDuration("agent-timeout")}
	}
	if v.IsSet("session-timeout") {
		pc.Coordination.SessionTimeout = config.Duration{Duration: v.GetDuration("session-timeout")}
	}
	if v.IsSet("max-new-answers") {
		pc.Coordination.MaxNewAnswersPerAgent = v.GetInt("max-new-answers")
	}
	if v.IsSet("planning-mode") {
		pc.Coordination.PlanningMode = v.GetBool("planning-mode")
	}
	if v.IsSet("status-interval") {
		pc.Coordination.StatusInterval = config.Duration{Duration: v.GetDuration("status-interval")}
	}
}
