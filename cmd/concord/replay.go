package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/eventlog"
	"github.com/kingrea/concord/internal/orchestrator"
	"github.com/kingrea/concord/internal/session"
	"github.com/kingrea/concord/internal/status"
	"github.com/kingrea/concord/internal/tui"
)

func newReplayCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [events.jsonl]",
		Short: "Rebuild a session's final state from its event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return replaySession(cmd, v, args)
		},
	}
	cmd.Flags().String("session", "", "session id whose log under .concord/sessions to replay")
	cmd.Flags().Bool("json", false, "print the rebuilt status record as JSON")
	return cmd
}

func replaySession(cmd *cobra.Command, v *viper.Viper, args []string) error {
	dir, err := projectDir(v)
	if err != nil {
		return err
	}
	cfg, cfgErr := config.Load(dir, v.GetString("config"))
	var path string
	sessionID, _ := cmd.Flags().GetString("session")
	switch {
	case len(args) == 1:
		path = args[0]
	case strings.TrimSpace(sessionID) != "":
		if cfgErr != nil {
			return &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: cfgErr}
		}
		path = cfg.EventLogPath(sessionID)
	default:
		return usageError(fmt.Errorf("replay needs an event log path or --session"))
	}

	events, err := eventlog.Load(path)
	if err != nil {
		return &orchestrator.ExitError{Code: orchestrator.ExitExecution, Err: err}
	}
	s, err := session.Replay(events)
	if err != nil {
		return &orchestrator.ExitError{Code: orchestrator.ExitExecution, Err: err}
	}
	var cc consensus.Config
	if cfgErr == nil {
		co := cfg.Project.Coordination
		cc = consensus.Config{Threshold: co.Threshold, MaxRounds: co.MaxRounds, Weights: co.VoteWeights}
	}
	st := s.Snapshot()
	at := st.StartedAt
	if n := len(events); n > 0 {
		at = events[n-1].Time
	}
	record := status.Build(st, cc, at)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d event(s) from %s\n%s\n", len(events), path, tui.Render(record, 100))
	return err
}
