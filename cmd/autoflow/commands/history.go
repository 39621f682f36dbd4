package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoflow/autoflow/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the execution history",
		Long: `Every workflow run is recorded with its node results, the changes its
scripts reported and the recovery decisions taken.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryDeleteCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		workflow string
		status   string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  autoflow history list --workflow install-agent --status failed`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			runs, err := a.store.ListRuns(ctx, stores.RunFilter{
				Workflow: workflow,
				Status:   stores.RunStatus(status),
				Limit:    limit,
				Offset:   offset,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tWORKFLOW\tOPERATION\tSTATUS\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Workflow, r.Operation, r.Status,
					r.StartedAt.Local().Format(time.DateTime),
					(time.Duration(r.DurationMS) * time.Millisecond).String())
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, succeeded, partial, failed, cancelled)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a recorded run with its nodes, changes and recovery events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			detail, err := a.store.GetRunDetail(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), detail)
			}

			w := cmd.OutOrStdout()
			r := detail.Run
			fmt.Fprintf(w, "Run:       %s\n", r.ID)
			fmt.Fprintf(w, "Workflow:  %s (%s)\n", r.Workflow, r.Operation)
			fmt.Fprintf(w, "Status:    %s\n", r.Status)
			fmt.Fprintf(w, "Started:   %s\n", r.StartedAt.Local().Format(time.DateTime))
			if r.Error != nil {
				fmt.Fprintf(w, "Error:     %s\n", *r.Error)
			}

			fmt.Fprintln(w)
			tw := newTable(w)
			fmt.Fprintln(tw, "NODE\tSTATUS\tATTEMPTS\tBACKEND\tEXIT")
			for _, n := range detail.Nodes {
				exit := "-"
				if n.ExitCode != nil {
					exit = fmt.Sprint(*n.ExitCode)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", n.Node, n.Status, n.Attempts, n.Backend, exit)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if len(detail.Changes) > 0 {
				fmt.Fprintln(w, "\nChanges:")
				for _, c := range detail.Changes {
					fmt.Fprintf(w, "  %d. %s %s\n", c.Seq, c.Type, c.Target)
				}
			}
			if len(detail.RecoveryEvents) > 0 {
				fmt.Fprintln(w, "\nRecovery:")
				for _, e := range detail.RecoveryEvents {
					fmt.Fprintf(w, "  %s: %s -> %s (success=%t) %s\n", e.Node, e.ErrorType, e.Strategy, e.Success, e.Message)
				}
			}
			return nil
		},
	}
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.store.DeleteRun(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		},
	}
}
