package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newBackendsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List isolation backends and their availability",
		Long: `Probe every configured isolation backend on this host.

Backends that are unavailable cause the registry to fall back to the direct
backend when a step requests them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			available := a.registry.Probe(ctx)
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), available)
			}

			names := make([]string, 0, len(available))
			for name := range available {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "BACKEND\tAVAILABLE\tDEFAULT")
			for _, name := range names {
				def := ""
				if name == a.cfg.Isolation.DefaultBackend {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\n", name, available[name], def)
			}
			return tw.Flush()
		},
	}
}
