package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"lmsforum-sync/internal/domain"

	"github.com/spf13/cobra"
)

type publishOptions struct {
	source     string
	entityType string
	entityID   string
	operation  string
	data       string
	clock      string
}

func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a sync event as if it came from a webhook",
		Long: `Publish a sync event through the webhook endpoint.

--data accepts inline JSON or @path to read it from a file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, source, err := opts.request()
			if err != nil {
				return err
			}

			api, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			var res domain.PublishResponse
			if err := api.do(ctx, "POST", "/webhooks/"+string(source), req, &res); err != nil {
				return err
			}

			out := newOutput(rootOpts, cmd.OutOrStdout())
			if out.json() {
				return out.writeJSON(res)
			}
			if res.Spooled {
				fmt.Fprintf(out.w, "broker unavailable, spooled for %s\n", res.Queue)
				return nil
			}
			fmt.Fprintf(out.w, "published %s to %s\n", res.TransactionID, res.Queue)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", "lms", "originating system (lms|forum)")
	cmd.Flags().StringVarP(&opts.entityType, "type", "t", "", "entity type")
	cmd.Flags().StringVar(&opts.entityID, "id", "", "entity id in the source system")
	cmd.Flags().StringVarP(&opts.operation, "op", "o", "sync", "create|update|delete|sync")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "entity payload")
	cmd.Flags().StringVar(&opts.clock, "clock", "", `base vector clock, e.g. {"lms-1":3}`)
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func (o *publishOptions) request() (domain.WebhookRequest, domain.SourceSystem, error) {
	source, err := domain.ParseSourceSystem(o.source)
	if err != nil {
		return domain.WebhookRequest{}, "", err
	}
	if _, err := domain.ParseEntityType(o.entityType); err != nil {
		return domain.WebhookRequest{}, "", err
	}
	if _, err := domain.ParseOperation(o.operation); err != nil {
		return domain.WebhookRequest{}, "", err
	}

	req := domain.WebhookRequest{
		EntityType: strings.ToLower(o.entityType),
		EntityID:   o.entityID,
		Operation:  strings.ToLower(o.operation),
	}

	if o.data != "" {
		raw := []byte(o.data)
		if strings.HasPrefix(o.data, "@") {
			if raw, err = os.ReadFile(strings.TrimPrefix(o.data, "@")); err != nil {
				return domain.WebhookRequest{}, "", fmt.Errorf("failed to read data file: %w", err)
			}
		}
		if !json.Valid(raw) {
			return domain.WebhookRequest{}, "", fmt.Errorf("--data is not valid JSON")
		}
		req.Data = raw
	}

	if o.clock != "" {
		if err := json.Unmarshal([]byte(o.clock), &req.VectorClock); err != nil {
			return domain.WebhookRequest{}, "", fmt.Errorf("invalid --clock: %w", err)
		}
	}

	return req, source, nil
}
