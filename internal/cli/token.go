package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"lmsforum-sync/pkg/jwt"

	"github.com/spf13/cobra"
)

// NewTokenCommand mints an operator access token locally from the shared secret.
func NewTokenCommand() *cobra.Command {
	var (
		operator string
		secret   string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("no signing secret: pass --secret or set JWT_SECRET")
			}
			token, err := jwt.GenerateToken(operator, ttl, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&operator, "operator", envOr("USER", "operator"), "operator name recorded in the token")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
