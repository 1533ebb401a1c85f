package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kingrea/concord/internal/agent"
	"github.com/kingrea/concord/internal/eventbridge"
	"github.com/kingrea/concord/internal/eventlog"
	"github.com/kingrea/concord/internal/logbook"
	"github.com/kingrea/concord/internal/logging"
	"github.com/kingrea/concord/internal/orchestrator"
	"github.com/kingrea/concord/internal/status"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Coordinate the configured agents until they agree on an answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSession(cmd, v)
		},
	}
	flags := cmd.Flags()
	flags.String("question", "", "question to put to every agent")
	flags.Float64("threshold", 0, "vote share needed to win; 0 means strict majority")
	flags.Int("max-rounds", 0, "rounds before falling back to the earliest top answer")
	flags.Duration("agent-timeout", 0, "deadline for each agent attempt")
	flags.Duration("session-timeout", 0, "deadline for the whole session")
	flags.Int("max-new-answers", 0, "answers each agent may submit; 0 is unbounded")
	flags.Bool("planning-mode", false, "block workspace changes until the winner presents")
	flags.Duration("status-interval", 0, "how often status.json is rewritten")
	flags.String("session-id", "", "session id (default: generated)")
	flags.Bool("bridge", false, "serve the read-only observer bridge")
	flags.Bool("json", false, "print the result as JSON")
	bindFlags(v, flags, "question", "threshold", "max-rounds", "agent-timeout", "session-timeout",
		"max-new-answers", "planning-mode", "status-interval", "session-id", "bridge", "json")
	return cmd
}

func runSession(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	sessionID := strings.TrimSpace(v.GetString("session-id"))
	if sessionID == "" {
		sessionID = newSessionID(time.Now())
	}
	settings, err := orchestrator.FromConfig(cfg, sessionID, agent.DefaultRegistry())
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.ProjectDir)
	if err != nil {
		return &orchestrator.ExitError{Code: orchestrator.ExitExecution, Err: err}
	}
	defer logger.Close()
	journal, err := logbook.New(cfg.JournalPath())
	if err != nil {
		return &orchestrator.ExitError{Code: orchestrator.ExitExecution, Err: err}
	}
	sink, err := eventlog.OpenFile(cfg.EventLogPath(sessionID))
	if err != nil {
		return &orchestrator.ExitError{Code: orchestrator.ExitExecution, Err: err}
	}
	log := eventlog.New(eventlog.WithSink(sink), eventlog.WithLogger(logger))
	defer log.Close()

	orch, err := orchestrator.New(settings,
		orchestrator.WithLogger(logger),
		orchestrator.WithJournal(journal),
		orchestrator.WithEventLog(log),
		orchestrator.WithStatusStore(status.NewFileStore(cfg.StatusPath())),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridgeSettings := eventbridge.SettingsFromConfig(cfg)
	if v.GetBool("bridge") {
		bridgeSettings.Enabled = true
	}
	if bridgeSettings.Enabled {
		srv := eventbridge.NewServer(bridgeSettings,
			eventbridge.WithEvents(log),
			eventbridge.WithStatus(orch.Reporter()),
			eventbridge.WithLogger(logger),
		)
		if err := srv.Start(context.Background()); err != nil {
			logger.Printf("concord: bridge unavailable: %v", err)
			fmt.Fprintf(cmd.ErrOrStderr(), "bridge unavailable: %v\n", err)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "bridge listening on %s\n", srv.BaseURL())
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "session %s · %d agent(s) · events %s\n", sessionID, len(settings.Agents), sink.Path())
	result, runErr := orch.Run(ctx)
	if err := printResult(cmd.OutOrStdout(), result, runErr, v.GetBool("json")); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func newSessionID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

type runOutput struct {
	SessionID string  `json:"session_id"`
	ExitCode  int     `json:"exit_code"`
	Error     string  `json:"error,omitempty"`
	Winner    string  `json:"winner,omitempty"`
	Label     string  `json:"label,omitempty"`
	Method    string  `json:"method,omitempty"`
	Rounds    int     `json:"rounds"`
	Answer    string  `json:"answer,omitempty"`
	OutputDir string  `json:"output_dir,omitempty"`
	Elapsed   float64 `json:"elapsed_seconds"`
}

func printResult(w io.Writer, result orchestrator.Result, runErr error, asJSON bool) error {
	out := runOutput{
		SessionID: result.SessionID,
		ExitCode:  orchestrator.ExitCode(runErr),
		Rounds:    result.Rounds,
		OutputDir: result.OutputDir,
		Elapsed:   result.Status.Meta.ElapsedSeconds,
	}
	if runErr != nil {
		out.Error = runErr.Error()
	} else {
		out.Winner = result.Winner.AgentID
		out.Label = result.Winner.Label
		out.Method = result.Winner.Method
		out.Answer = result.Final.Content
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if runErr != nil {
		_, err := fmt.Fprintf(w, "session %s ended without an answer (exit %d)\n", out.SessionID, out.ExitCode)
		return err
	}
	_, err := fmt.Fprintf(w, "%s won by %s after %d round(s)\n\n%s\n", out.Label, out.Method, out.Rounds, strings.TrimSpace(out.Answer))
	if err == nil && out.OutputDir != "" {
		_, err = fmt.Fprintf(w, "\noutput: %s\n", out.OutputDir)
	}
	return err
}
