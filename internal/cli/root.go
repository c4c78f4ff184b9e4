package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type RootOptions struct {
	Server  string
	Token   string
	Format  string
	Timeout time.Duration
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the syncctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate the LMS/Forum sync service",
		Long:  "syncctl inspects queues, resolves conflicts and replays failed syncs through the operator API.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("SYNCCTL_SERVER", "http://localhost:8080"), "sync server base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("SYNCCTL_TOKEN"), "operator access token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewTokenCommand())

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
