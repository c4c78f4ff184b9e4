package cli

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"lmsforum-sync/internal/domain"

	"github.com/spf13/cobra"
)

func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and reset per-entity sync state",
	}
	cmd.AddCommand(newStateListCommand(rootOpts))
	cmd.AddCommand(newStateGetCommand(rootOpts))
	cmd.AddCommand(newStateResetCommand(rootOpts))
	return cmd
}

func newStateListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities in a sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			q := url.Values{}
			q.Set("status", status)
			q.Set("limit", strconv.Itoa(limit))

			var records []domain.SyncStateRecord
			if err := api.do(ctx, "GET", "/sync-state?"+q.Encode(), nil, &records); err != nil {
				return err
			}

			out := newOutput(rootOpts, cmd.OutOrStdout())
			if out.json() {
				return out.writeJSON(records)
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				lastErr := ""
				if r.LastError != nil {
					lastErr = *r.LastError
				}
				rows = append(rows, []string{
					string(r.EntityType),
					r.EntityID,
					string(r.SourceSystem),
					string(r.Status),
					strconv.Itoa(r.RetryCount),
					lastErr,
				})
			}
			return out.table([]string{"TYPE", "ENTITY", "SOURCE", "STATUS", "RETRIES", "LAST ERROR"}, rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", string(domain.SyncStatusFailed), "PENDING|SYNCED|FAILED|CONFLICT")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func statePath(entityType, entityID, source string) string {
	return fmt.Sprintf("/sync-state/%s/%s?source=%s",
		url.PathEscape(entityType), url.PathEscape(entityID), url.QueryEscape(source))
}

func newStateGetCommand(rootOpts *RootOptions) *cobra.Command {
	var source string
	var remote bool

	cmd := &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show the sync state of one entity",
		Long: `Show the sync state of one entity.

With --remote, <id> is the id on the target system (for example the forum
post a submission was mirrored to).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			path := statePath(args[0], args[1], source)
			if remote {
				path = fmt.Sprintf("/sync-state/%s/remote/%s?source=%s",
					url.PathEscape(args[0]), url.PathEscape(args[1]), url.QueryEscape(source))
			}

			var record domain.SyncStateRecord
			if err := api.do(ctx, "GET", path, nil, &record); err != nil {
				return err
			}
			return newOutput(rootOpts, cmd.OutOrStdout()).writeJSON(record)
		},
	}

	cmd.Flags().StringVar(&source, "source", "lms", "originating system")
	cmd.Flags().BoolVar(&remote, "remote", false, "treat <id> as the target system's id")
	return cmd
}

func newStateResetCommand(rootOpts *RootOptions) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "reset <type> <id>",
		Short: "Return an entity to PENDING so the scheduler retries it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			path := fmt.Sprintf("/sync-state/%s/%s/reset?source=%s",
				url.PathEscape(args[0]), url.PathEscape(args[1]), url.QueryEscape(source))
			if err := api.do(ctx, "POST", path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "lms", "originating system")
	return cmd
}
