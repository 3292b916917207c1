package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/restgate/pkg/api"
	"github.com/rhuss/restgate/pkg/auth"
	"github.com/rhuss/restgate/pkg/auth/ticket"
	"github.com/rhuss/restgate/pkg/auth/token"
	"github.com/rhuss/restgate/pkg/config"
	"github.com/rhuss/restgate/pkg/credential"
	"github.com/rhuss/restgate/pkg/credential/postgres"
	"github.com/rhuss/restgate/pkg/credential/redis"
	"github.com/rhuss/restgate/pkg/debug"
	"github.com/rhuss/restgate/pkg/transport"
	httptransport "github.com/rhuss/restgate/pkg/transport/http"
)

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

// serve runs the HTTP server, the ticket sweeper and the key rotator until
// ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := installSigningKey(store.Keys, cfg.Auth.SigningSecret); err != nil {
		return err
	}

	tokens, tickets := newProviders(store, cfg)
	chain, err := buildChain(cfg.Auth.Providers, tokens, tickets)
	if err != nil {
		return err
	}

	limiter := auth.NewFailureLimiter(cfg.Auth.FailureLimit.Burst, cfg.Auth.FailureLimit.Window)
	validation := api.DefaultValidationConfig()
	validation.MaxTTL = cfg.Tickets.MaxTTL

	routes := &httptransport.Routes{
		Store:      store,
		Tickets:    tickets,
		Admission:  auth.NewAdmission(chain, limiter),
		Validation: validation,
	}
	if cfg.Observability.Metrics.Enabled {
		routes.Metrics = promhttp.Handler()
	}

	trusted, err := transport.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	srv := httptransport.NewServer(routes.Handler(),
		httptransport.WithAddr(cfg.Server.Addr),
		httptransport.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
		httptransport.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		httptransport.WithProxy(httptransport.ProxyMode(cfg.Server.ProxyMode), trusted),
		httptransport.WithForwardedHeader(cfg.Server.ForwardedHeader),
		httptransport.WithLogger(slog.Default()),
	)

	slog.Info("authentication chain ready",
		"providers", cfg.Auth.Providers,
		"ticket_store", cfg.Tickets.Store,
		"failure_limit", cfg.Auth.FailureLimit.Burst,
		"debug_categories", debug.Categories(),
	)

	sweeper := &credential.Sweeper{Tickets: store.Tickets, Interval: cfg.Tickets.SweepInterval}
	rotator := &credential.Rotator{Keys: store.Keys, Interval: cfg.Auth.RotationInterval}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return rotator.Run(gctx) })
	return g.Wait()
}

// openStore builds the credential store with the configured ticket table.
func openStore(ctx context.Context, cfg *config.Config) (*credential.Store, error) {
	keys := credential.NewKeyRing(
		credential.WithGracePeriod(cfg.Auth.KeyGracePeriod),
		credential.WithHistory(cfg.Auth.KeyHistory),
	)

	var table credential.TicketTable
	switch cfg.Tickets.Store {
	case "memory":
		table = credential.NewMemoryTickets(cfg.Tickets.MaxTickets)
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Tickets.Postgres.DSN,
			MaxConns:       cfg.Tickets.Postgres.MaxConns,
			MigrateOnStart: cfg.Tickets.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres ticket table: %w", err)
		}
		table = pg
	case "redis":
		rd, err := redis.New(ctx, redis.Config{
			Addr:      cfg.Tickets.Redis.Addr,
			Password:  cfg.Tickets.Redis.Password,
			DB:        cfg.Tickets.Redis.DB,
			KeyPrefix: cfg.Tickets.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("opening redis ticket table: %w", err)
		}
		table = rd
	default:
		return nil, fmt.Errorf("unknown ticket store %q", cfg.Tickets.Store)
	}

	slog.Info("ticket table opened", "store", cfg.Tickets.Store)
	return credential.NewStore(keys, table), nil
}

// installSigningKey installs the configured secret, or a random one when
// none is configured.
func installSigningKey(keys *credential.KeyRing, secret string) error {
	if secret != "" {
		if _, err := keys.Install([]byte(secret)); err != nil {
			return fmt.Errorf("installing signing secret: %w", err)
		}
		return nil
	}

	slog.Warn("no signing secret configured, using a random key; tokens will not survive a restart")
	if _, err := keys.Rotate(); err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	return nil
}

func newProviders(store *credential.Store, cfg *config.Config) (*token.Provider, *ticket.Provider) {
	tokens := token.New(store, token.Config{
		Audience:   cfg.Auth.Audience,
		Issuer:     cfg.Auth.Issuer,
		DefaultTTL: cfg.Auth.TokenDefaultTTL,
		MaxTTL:     cfg.Auth.TokenMaxTTL,
	})
	tickets := ticket.New(store, ticket.Config{
		DefaultTTL: cfg.Tickets.DefaultTTL,
		MaxTTL:     cfg.Tickets.MaxTTL,
	})
	return tokens, tickets
}

// buildChain assembles the authenticators in the configured order.
func buildChain(names []string, tokens *token.Provider, tickets *ticket.Provider) (*auth.Chain, error) {
	available := map[string]auth.Authenticator{
		token.Name:  tokens,
		ticket.Name: tickets,
	}

	authenticators := make([]auth.Authenticator, 0, len(names))
	for _, name := range names {
		a, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown auth provider %q", name)
		}
		authenticators = append(authenticators, a)
	}
	return auth.NewChain(authenticators...), nil
}
