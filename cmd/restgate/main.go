// Command restgate runs the authentication gateway for the REST API.
//
// Configuration is read from a YAML file and RESTGATE_* environment
// variables (see pkg/config):
//
//	RESTGATE_CONFIG                 - Config file path
//	RESTGATE_SERVER_ADDR            - Listen address (default: ":8080")
//	RESTGATE_AUTH_SIGNING_SECRET    - Initial HMAC signing secret
//	RESTGATE_TICKETS_STORE          - "memory", "postgres" or "redis"
//	RESTGATE_LOG_LEVEL              - ERROR, WARN, INFO, DEBUG or TRACE
//	RESTGATE_DEBUG                  - Debug categories (auth,tickets,keys,transport,config)
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rhuss/restgate/pkg/config"
	"github.com/rhuss/restgate/pkg/debug"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("restgate failed", "error", err)
		os.Exit(1)
	}
}

// cliOptions holds the global flags.
type cliOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "restgate",
		Short: "Authentication gateway issuing bearer tokens and single-use tickets",
		Long: `restgate admits REST API requests carrying either a signed bearer token
or a single-use ticket, and issues tickets to token holders for clients
that cannot send an Authorization header.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Config file (default: $RESTGATE_CONFIG, ./config.yaml, /etc/restgate/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// loadConfig loads the layered configuration and installs the process
// logger it describes.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	debug.Init(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
	})
	return cfg, nil
}
