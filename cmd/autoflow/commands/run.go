package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoflow/autoflow/pkg/config"
	"github.com/autoflow/autoflow/pkg/integration"
)

func newRunCommand() *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "run <definition.star>",
		Short: "Run a workflow definition",
		Long: `Load a Starlark workflow definition and execute it.

Each step runs its script through an isolation backend. Changes reported by
the scripts are recorded, and failures are handled by the recovery
coordinator: transient errors are retried, others roll back the recorded
changes unless the step overrides the strategy.`,
		Example: `  # Run a definition
  autoflow run agent.star

  # Pass variables to the definition
  autoflow run cluster.star --var count=3 --var name=web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{pipeline: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			def, err := config.NewDefinitionLoader(config.DefaultEvalTimeout).LoadFile(ctx, args[0], definitionVars(vars))
			if err != nil {
				return err
			}

			return runDefinition(cmd, a, def)
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "definition variables (key=value)")

	return cmd
}

func definitionVars(vars map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// runDefinition executes def and prints its report. A run that did not
// succeed is returned as an error so the process exits non-zero.
func runDefinition(cmd *cobra.Command, a *app, def *integration.Definition) error {
	log.Info().
		Str("workflow", def.Name).
		Str("operation", string(def.Operation)).
		Int("steps", len(def.Steps)).
		Msg("Running workflow")

	report, err := a.pipeline.Run(a.context(cmd.Context()), def)
	if err != nil {
		return err
	}
	if err := printReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !report.Succeeded() {
		return fmt.Errorf("workflow %s finished with status %s", def.Name, report.Status)
	}
	return nil
}
