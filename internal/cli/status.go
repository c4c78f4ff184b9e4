package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"lmsforum-sync/internal/domain"

	"github.com/spf13/cobra"
)

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lane depths and sync counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			var report domain.StatusReport
			if err := api.do(ctx, "GET", "/status", nil, &report); err != nil {
				return err
			}

			out := newOutput(rootOpts, cmd.OutOrStdout())
			if out.json() {
				return out.writeJSON(report)
			}
			return printStatus(out, &report)
		},
	}
}

func printStatus(out *output, report *domain.StatusReport) error {
	fmt.Fprintf(out.w, "processing: %t\nopen conflicts: %d\n\n", report.Processing, report.OpenConflicts)

	lanes := make([]string, 0, len(report.QueueDepths))
	for lane := range report.QueueDepths {
		lanes = append(lanes, lane)
	}
	sort.Strings(lanes)
	rows := make([][]string, 0, len(lanes))
	for _, lane := range lanes {
		rows = append(rows, []string{lane, strconv.Itoa(report.QueueDepths[lane])})
	}
	if err := out.table([]string{"QUEUE", "DEPTH"}, rows); err != nil {
		return err
	}
	fmt.Fprintln(out.w)

	rows = rows[:0]
	for _, status := range domain.SyncStatuses {
		rows = append(rows, []string{string(status), strconv.Itoa(report.SyncCounts[status])})
	}
	return out.table([]string{"STATUS", "ENTITIES"}, rows)
}
