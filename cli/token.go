package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dotracing/auth"
)

type TokenOptions struct {
	*RootOptions
	Subject string
	TTL     time.Duration
}

// NewTokenCommand mints a development claim signed with AUTH_SECRET.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed development token",
		Long: `Print an HS256 token for the authenticate event.

Example:
  AUTH_SECRET=c2VjcmV0 dotracing token --subject alice --ttl 2h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			verifier, err := auth.NewVerifier(cfg.AuthSecret)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid AUTH_SECRET", err)
			}
			token, err := verifier.Sign(opts.Subject, opts.TTL)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to sign token", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "user id carried in the sub claim (required)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
