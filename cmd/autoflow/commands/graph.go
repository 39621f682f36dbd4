package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoflow/autoflow/pkg/config"
	"github.com/autoflow/autoflow/pkg/integration"
	"github.com/autoflow/autoflow/pkg/isolation"
)

func newGraphCommand() *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "graph <definition.star>",
		Short: "Print the workflow graph of a definition in DOT format",
		Example: `  autoflow graph agent.star | dot -Tsvg > agent.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			def, err := config.NewDefinitionLoader(config.DefaultEvalTimeout).LoadFile(ctx, args[0], definitionVars(vars))
			if err != nil {
				return err
			}

			// Building the graph needs no backends or history.
			p := integration.NewPipeline(isolation.NewRegistry(log.Logger), log.Logger)
			graph, err := p.Graph(def)
			if err != nil {
				return err
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), graph.ToDOT())
			return err
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "definition variables (key=value)")

	return cmd
}
