package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoflow",
		Short: "autoflow - scripted integration workflows with recovery",
		Long: `autoflow runs install, verify and remove integrations as workflow graphs of
scripts.

Features:
  - DAG execution with bounded concurrency, retries and timeouts
  - Script isolation via direct, docker, chroot, venv, sandbox and ssh backends
  - Change tracking and synthesized rollback scripts
  - Recovery by retry, rollback, continue or abort
  - OPA/Rego policy gate for scripts
  - Execution history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $AUTOFLOW_CONFIG or ./autoflow.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newIntegrateCommand())
	rootCmd.AddCommand(newBackendsCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newRollbackScriptCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
