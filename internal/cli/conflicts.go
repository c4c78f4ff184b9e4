package cli

import (
	"context"
	"fmt"
	"net/url"

	"lmsforum-sync/internal/domain"

	"github.com/spf13/cobra"
)

func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve held conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsShowCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			var conflicts []domain.SyncConflict
			if err := api.do(ctx, "GET", "/conflicts", nil, &conflicts); err != nil {
				return err
			}

			out := newOutput(rootOpts, cmd.OutOrStdout())
			if out.json() {
				return out.writeJSON(conflicts)
			}
			if len(conflicts) == 0 {
				fmt.Fprintln(out.w, "no open conflicts")
				return nil
			}
			rows := make([][]string, 0, len(conflicts))
			for _, c := range conflicts {
				rows = append(rows, []string{
					c.ID,
					string(c.EntityType),
					c.EntityID,
					string(c.SourceSystem),
					c.DetectedAt.Format("2006-01-02 15:04:05"),
				})
			}
			return out.table([]string{"ID", "TYPE", "ENTITY", "SOURCE", "DETECTED"}, rows)
		},
	}
}

func newConflictsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show both sides of a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			var conflict domain.SyncConflict
			if err := api.do(ctx, "GET", "/conflicts/"+url.PathEscape(args[0]), nil, &conflict); err != nil {
				return err
			}
			return newOutput(rootOpts, cmd.OutOrStdout()).writeJSON(conflict)
		},
	}
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict and republish the merged entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.ConflictResolutionRequest{Strategy: domain.ResolutionStrategy(strategy)}
			if strategy != "" && !req.Strategy.Valid() {
				return fmt.Errorf("invalid strategy %q", strategy)
			}

			api, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			var res domain.ConflictResolutionResponse
			if err := api.do(ctx, "POST", "/conflicts/"+url.PathEscape(args[0])+"/resolve", req, &res); err != nil {
				return err
			}

			out := newOutput(rootOpts, cmd.OutOrStdout())
			if out.json() {
				return out.writeJSON(res)
			}
			applied := ""
			if res.Conflict != nil && res.Conflict.ResolutionStrategy != nil {
				applied = string(*res.Conflict.ResolutionStrategy)
			}
			fmt.Fprintf(out.w, "resolved %s with %s (transaction %s)\n", args[0], applied, res.TransactionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "prefer_lms|prefer_forum|prefer_most_recent|merge_prefer_lms|merge_prefer_forum (server default when empty)")
	return cmd
}
