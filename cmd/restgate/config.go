package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rhuss/restgate/pkg/debug"
)

func newConfigCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := opts.loadConfig(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets redacted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}

				redacted := *cfg
				redacted.Auth.SigningSecret = redact(cfg.Auth.SigningSecret)
				redacted.Tickets.Postgres.DSN = redact(cfg.Tickets.Postgres.DSN)
				redacted.Tickets.Redis.Password = redact(cfg.Tickets.Redis.Password)

				out, err := yaml.Marshal(&redacted)
				if err != nil {
					return fmt.Errorf("encoding config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
	)
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return debug.Redact(s)
}
