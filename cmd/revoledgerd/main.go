package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/revoledger/internal/config"
	"github.com/MarkoPoloResearchLab/revoledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/revoledger/internal/observability"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix   = "REVOLEDGER"
	dotEnvFile  = ".env"
	serviceName = "revoledgerd"

	flagDatabaseURL         = "database-url"
	flagStoreDriver         = "store-driver"
	flagListenAddr          = "listen-addr"
	flagLogLevel            = "log-level"
	flagAllowedOrigins      = "allowed-origins"
	flagAPIToken            = "api-token"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagWebhookTolerance    = "webhook-tolerance"
	flagRedisURL            = "redis-url"
	flagLockTTL             = "lock-ttl"
	flagLockWait            = "lock-wait"
	flagRequestTimeout      = "request-timeout"
	flagPlans               = "plans"
	flagGenerationCosts     = "generation-costs"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Credit ledger, payment reconciliation and content deduplication service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(dotEnvFile); err != nil {
				return err
			}
			return loadConfig(cmd, settings, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "sqlite:///tmp/revoledger.db", "postgres:// URL, sqlite:// URL or sqlite file path")
	flags.String(flagStoreDriver, config.StoreDriverGORM, "store implementation: gorm or pgx")
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.String(flagLogLevel, "info", "log level")
	flags.String(flagAllowedOrigins, "http://localhost:3000", "comma-separated CORS origins")
	flags.String(flagAPIToken, "", "bearer token required on /api routes")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.Duration(flagWebhookTolerance, 0, "accepted Stripe signature age")
	flags.String(flagRedisURL, "", "redis URL for cross-process payment locks")
	flags.Duration(flagLockTTL, 0, "payment lock ttl")
	flags.Duration(flagLockWait, 0, "payment lock acquisition wait")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout")
	flags.String(flagPlans, "", "plan catalog as plan=credits pairs")
	flags.String(flagGenerationCosts, "", "generation prices as version=credits pairs")

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newBalanceCommand(cfg), newReplayCommand(cfg))
	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *config.Config) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	plans, err := config.ParseCreditMap(settings.GetString(flagPlans))
	if err != nil {
		return fmt.Errorf("%s: %w", flagPlans, err)
	}
	costs, err := config.ParseCreditMap(settings.GetString(flagGenerationCosts))
	if err != nil {
		return fmt.Errorf("%s: %w", flagGenerationCosts, err)
	}
	*cfg = config.Config{
		DatabaseURL:         settings.GetString(flagDatabaseURL),
		StoreDriver:         settings.GetString(flagStoreDriver),
		ListenAddr:          settings.GetString(flagListenAddr),
		LogLevel:            settings.GetString(flagLogLevel),
		AllowedOrigins:      config.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		APIToken:            settings.GetString(flagAPIToken),
		StripeWebhookSecret: settings.GetString(flagStripeWebhookSecret),
		WebhookTolerance:    settings.GetDuration(flagWebhookTolerance),
		RedisURL:            settings.GetString(flagRedisURL),
		LockTTL:             settings.GetDuration(flagLockTTL),
		LockWait:            settings.GetDuration(flagLockWait),
		RequestTimeout:      settings.GetDuration(flagRequestTimeout),
		Plans:               plans,
		GenerationCosts:     costs,
	}
	return cfg.Validate()
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = db.Close() }()
			if err := db.prepareSchema(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", db.driver)
			return nil
		},
	}
}

func newBalanceCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Print a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), cfg, func(app *application) error {
				userID, err := ledger.NewUserID(args[0])
				if err != nil {
					return err
				}
				balance, err := app.service.Balance(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]any{
					"user_id":                  userID.String(),
					"total_credits":            balance.Total.Int64(),
					"used_credits":             balance.Used.Int64(),
					"remaining_credits":        balance.Remaining.Int64(),
					"last_payment_at_unix_utc": balance.LastPaymentAtUnixUTC,
				})
			})
		},
	}
}

func newReplayCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <user-id>",
		Short: "Recompute a user's balance from the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), cfg, func(app *application) error {
				userID, err := ledger.NewUserID(args[0])
				if err != nil {
					return err
				}
				report, err := app.service.Replay(cmd.Context(), userID)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd, map[string]any{
					"user_id":             report.UserID.String(),
					"transactions":        report.Transactions,
					"net_credits":         report.NetCredits,
					"remaining_credits":   report.Remaining.Int64(),
					"unexplained_credits": report.Unexplained,
					"broken_at_sequence":  report.BrokenAt,
					"consistent":          report.Consistent,
				}); err != nil {
					return err
				}
				if !report.Consistent {
					return fmt.Errorf("ledger for %s is inconsistent", userID.String())
				}
				return nil
			})
		},
	}
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer app.Close()

	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins:      cfg.AllowedOrigins,
		APIToken:            cfg.APIToken,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		WebhookTolerance:    cfg.WebhookTolerance,
		RequestTimeout:      cfg.RequestTimeout,
		Plans:               cfg.Plans,
		Gatherer:            prometheus.DefaultGatherer,
	}, httpapi.Dependencies{
		Ledger:       app.service,
		Reconciler:   app.reconciler,
		Deduplicator: app.deduplicator,
		Charger:      app.charger,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}
	if cfg.StripeWebhookSecret == "" {
		logger.Warn("stripe webhook secret not set; /api/webhooks/stripe answers 503")
	}
	logger.Info("starting", zap.String("store_driver", cfg.StoreDriver), zap.String("database_driver", app.database.driver), zap.Bool("redis_locks", cfg.RedisURL != ""))
	return httpapi.Run(ctx, cfg.ListenAddr, router, logger)
}
