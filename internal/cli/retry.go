package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Run one retry scheduler pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			var res struct {
				Requeued map[string]int `json:"requeued"`
			}
			if err := api.do(ctx, "POST", "/retries", nil, &res); err != nil {
				return err
			}

			out := newOutput(rootOpts, cmd.OutOrStdout())
			if out.json() {
				return out.writeJSON(res)
			}
			total := 0
			for _, n := range res.Requeued {
				total += n
			}
			fmt.Fprintf(out.w, "requeued %d (critical %d, high %d, background %d)\n",
				total, res.Requeued["critical"], res.Requeued["high"], res.Requeued["background"])
			return nil
		},
	}
}
