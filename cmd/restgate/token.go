package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/restgate/pkg/credential"
)

func newTokenCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with bearer tokens",
	}
	cmd.AddCommand(newTokenMintCmd(opts))
	return cmd
}

func newTokenMintCmd(opts *cliOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Sign a bearer token with the configured signing secret",
		Long: `Sign a bearer token locally. The token verifies against any gateway
instance configured with the same signing secret, audience and issuer.`,
		Example: `  restgate token mint --subject alice --scope rest:ticket --ttl 1h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.SigningSecret == "" {
				return errors.New("auth.signing_secret is required to mint tokens")
			}

			store := credential.NewStore(credential.NewKeyRing(), nil)
			defer store.Close()
			if err := installSigningKey(store.Keys, cfg.Auth.SigningSecret); err != nil {
				return err
			}

			tokens, _ := newProviders(store, cfg)
			signed, err := tokens.Issue(subject, scopes, ttl)
			if err != nil {
				return fmt.Errorf("minting token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject the token is issued to")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scope to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.token_default_ttl, capped at auth.token_max_ttl)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
