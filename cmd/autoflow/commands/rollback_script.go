package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autoflow/autoflow/pkg/changes"
)

func newRollbackScriptCommand() *cobra.Command {
	var (
		changesFile string
		runID       string
		platform    string
	)

	cmd := &cobra.Command{
		Use:   "rollback-script",
		Short: "Generate the rollback script for a set of changes",
		Long: `Synthesize the script that undoes recorded changes, newest first.

Changes are read from a JSON array file or from a run in the execution
history. The script is written to stdout and is not executed.`,
		Example: `  # From a JSON file of changes
  autoflow rollback-script --changes changes.json

  # From a recorded run, targeting Windows
  autoflow rollback-script --run 6f1c... --platform windows > undo.ps1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (changesFile == "") == (runID == "") {
				return fmt.Errorf("exactly one of --changes or --run is required")
			}

			var list []changes.Change
			if changesFile != "" {
				data, err := os.ReadFile(changesFile)
				if err != nil {
					return fmt.Errorf("failed to read changes: %w", err)
				}
				if err := json.Unmarshal(data, &list); err != nil {
					return fmt.Errorf("failed to decode changes %s: %w", changesFile, err)
				}
			} else {
				ctx := cmd.Context()
				a, err := newApp(ctx, appOptions{store: true})
				if err != nil {
					return err
				}
				defer a.close(ctx)

				records, err := a.store.ListChanges(ctx, runID)
				if err != nil {
					return err
				}
				for _, r := range records {
					list = append(list, changes.Change{
						Type:          r.Type,
						Target:        r.Target,
						Revertible:    r.Revertible,
						BackupFile:    r.BackupFile,
						RevertCommand: r.RevertCommand,
					})
				}
			}

			script := changes.NewRollbackScriptBuilder(platform).Build(list)
			_, err := fmt.Fprint(cmd.OutOrStdout(), script)
			return err
		},
	}

	cmd.Flags().StringVar(&changesFile, "changes", "", "JSON file with an array of changes")
	cmd.Flags().StringVar(&runID, "run", "", "run ID from the execution history")
	cmd.Flags().StringVar(&platform, "platform", "", "target platform (default: host platform)")

	return cmd
}
