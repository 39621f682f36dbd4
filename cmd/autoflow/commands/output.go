package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/autoflow/autoflow/pkg/integration"
)

const (
	tabMinWidth = 0
	tabWidth    = 8
	tabPadding  = 2
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, tabMinWidth, tabWidth, tabPadding, ' ', 0)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport writes a run report as JSON or as a human readable summary.
func printReport(w io.Writer, report *integration.Report) error {
	if jsonOutput {
		return printJSON(w, report)
	}

	fmt.Fprintf(w, "Workflow:   %s (%s)\n", report.Definition, report.Operation)
	fmt.Fprintf(w, "Run ID:     %s\n", report.WorkflowID)
	fmt.Fprintf(w, "Status:     %s\n", report.Status)
	if report.Run != nil {
		fmt.Fprintf(w, "Duration:   %s\n", report.Run.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	names := make([]string, 0, len(report.Steps))
	for name := range report.Steps {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := newTable(w)
	fmt.Fprintln(tw, "STEP\tSTATUS\tBACKEND\tEXIT\tERROR")
	for _, name := range names {
		o := report.Steps[name]
		status := "-"
		if report.Run != nil {
			status = string(report.Run.NodeStatus[name])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", name, status, o.Backend, o.ExitCode, firstLine(o.Error))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(report.Recovery) > 0 {
		fmt.Fprintln(w, "\nRecovery:")
		for _, r := range report.Recovery {
			outcome := "ok"
			if !r.Success {
				outcome = "failed"
			}
			fmt.Fprintf(w, "  %s: %s -> %s (%s) %s\n", r.Step, r.ErrorType, r.Strategy, outcome, r.Message)
		}
	}

	fmt.Fprintf(w, "\nChanges: %d recorded, %d remaining", len(report.Changes), len(report.Remaining))
	if report.RolledBack {
		fmt.Fprint(w, ", rolled back")
	}
	fmt.Fprintln(w)
	if report.Aborted {
		fmt.Fprintf(w, "Aborted: %s\n", report.AbortReason)
	}
	for _, e := range report.HandledErrors {
		fmt.Fprintf(w, "Handled: %s\n", e)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
