package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/logbook"
	"github.com/kingrea/concord/internal/orchestrator"
	"github.com/kingrea/concord/internal/status"
	"github.com/kingrea/concord/internal/tui"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a session through its status file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watchSession(cmd, v)
		},
	}
	cmd.Flags().String("status", "", "status file to follow (default: .concord/state/status.json)")
	cmd.Flags().Bool("once", false, "print the current status and exit")
	cmd.Flags().Duration("poll", tui.DefaultPollInterval, "fallback reload interval")
	return cmd
}

func watchSession(cmd *cobra.Command, v *viper.Viper) error {
	dir, err := projectDir(v)
	if err != nil {
		return err
	}
	// watch only reads files, so a config that fails validation still
	// tells us where they live.
	cfg, err := config.Load(dir, v.GetString("config"))
	if err != nil {
		cfg = &config.Config{ProjectDir: dir, ConcordProjectDir: filepath.Join(dir, config.ConcordDir)}
	}
	path, _ := cmd.Flags().GetString("status")
	if path == "" {
		path = cfg.StatusPath()
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		st, err := status.Load(path)
		if err != nil {
			if errors.Is(err, status.ErrNoStatus) {
				err = fmt.Errorf("no status at %s yet", path)
			}
			return &orchestrator.ExitError{Code: orchestrator.ExitExecution, Err: err}
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), tui.Render(st, 100))
		return err
	}

	poll, _ := cmd.Flags().GetDuration("poll")
	watcher, err := tui.NewWatcher(path, poll)
	if err != nil {
		return &orchestrator.ExitError{Code: orchestrator.ExitExecution, Err: err}
	}
	defer watcher.Close()
	opts := []tui.AppOption{tui.WithChanges(watcher.Changes())}
	if journal, err := logbook.New(cfg.JournalPath()); err == nil {
		opts = append(opts, tui.WithJournal(journal))
	}
	p := tea.NewProgram(
		tui.NewApp(path, opts...),
		tea.WithAltScreen(),
		tea.WithContext(cmd.Context()),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) && !errors.Is(err, context.Canceled) {
		return &orchestrator.ExitError{Code: orchestrator.ExitExecution, Err: err}
	}
	return nil
}
