package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/orchestrator"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "concord: %v\n", err)
	}
	return orchestrator.ExitCode(err)
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CONCORD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "concord",
		Short:         "Coordinate several agents until they agree on one answer",
		Long:          "concord runs independent agents on the same question, lets them see and vote on each other's answers, and promotes the answer they converge on.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})
	flags := rootCmd.PersistentFlags()
	flags.String("project", "", "project directory (default: current directory)")
	flags.String("config", "", "config file (default: .concord/config.yaml)")
	bindFlags(v, flags, "project", "config")

	rootCmd.AddCommand(
		newInitCmd(v),
		newRunCmd(v),
		newWatchCmd(v),
		newReplayCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func newInitCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .concord/ with a starter config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := projectDir(v)
			if err != nil {
				return err
			}
			if err := config.InitConcordDir(dir); err != nil {
				return &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
			}
			cfg, err := config.Load(dir, v.GetString("config"))
			if err != nil {
				return &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", cfg.ProjectConfigPath())
			return err
		},
	}
}

// bindFlags exposes flags to viper under their own names so that the
// matching CONCORD_* environment variable overrides the default too.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
}

func projectDir(v *viper.Viper) (string, error) {
	if dir := strings.TrimSpace(v.GetString("project")); dir != "" {
		return dir, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
	}
	return dir, nil
}

func usageError(err error) error {
	return &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
}
