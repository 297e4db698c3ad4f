package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplay/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyoplay",
		Short: "froyoplay - run commands and playbooks across hosts",
		Long: `froyoplay runs ordered command sequences against sets of hosts.

Features:
  - Direct runs of one command against many hosts
  - Playbooks in YAML, JSON or CUE with shell, copy, fetch and Starlark script commands
  - Per-command retries with none, constant, linear, fibonacci and exponential backoff
  - Step-by-step execution, file watching and cron schedules
  - OPA (rego) admission policies
  - A SQLite run journal, Prometheus metrics and OpenTelemetry traces`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				zerolog.SetGlobalLevel(telemetry.ParseLevel(logLevel))
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default ./froyoplay.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlayCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
