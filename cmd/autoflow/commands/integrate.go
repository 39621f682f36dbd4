package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autoflow/autoflow/pkg/integration"
)

func newIntegrateCommand() *cobra.Command {
	var (
		script       string
		verifyScript string
	)

	cmd := &cobra.Command{
		Use:   "integrate <install|verify|remove>",
		Short: "Run a standard integration operation",
		Long: `Run a single integration script as a standard workflow.

install and remove run the script and, when --verify-script is given, a
verification step afterwards. verify runs only the verification script.`,
		Example: `  # Install with verification
  autoflow integrate install --script install.sh --verify-script verify.sh

  # Verify an existing installation
  autoflow integrate verify --verify-script verify.sh`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(integration.OperationInstall), string(integration.OperationVerify), string(integration.OperationRemove)},
		RunE: func(cmd *cobra.Command, args []string) error {
			op := integration.Operation(args[0])
			primary, verify := script, verifyScript
			switch op {
			case integration.OperationInstall, integration.OperationRemove:
				if script == "" {
					return fmt.Errorf("%s requires --script", op)
				}
			case integration.OperationVerify:
				if verifyScript == "" && script == "" {
					return fmt.Errorf("verify requires --verify-script")
				}
				if verifyScript != "" {
					primary, verify = verifyScript, ""
				}
			default:
				return fmt.Errorf("unknown operation %q", args[0])
			}

			def, err := integration.StandardDefinition(op, primary, verify)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{pipeline: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			return runDefinition(cmd, a, def)
		},
	}

	cmd.Flags().StringVarP(&script, "script", "s", "", "install or remove script")
	cmd.Flags().StringVar(&verifyScript, "verify-script", "", "verification script")

	return cmd
}
