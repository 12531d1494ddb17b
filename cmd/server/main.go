package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/agriloop/internal/api"
	"github.com/xtrntr/agriloop/internal/auth"
	"github.com/xtrntr/agriloop/internal/cache"
	"github.com/xtrntr/agriloop/internal/config"
	"github.com/xtrntr/agriloop/internal/db"
	"github.com/xtrntr/agriloop/internal/events"
	"github.com/xtrntr/agriloop/internal/feed"
	"github.com/xtrntr/agriloop/internal/impact"
	"github.com/xtrntr/agriloop/internal/logging"
	"github.com/xtrntr/agriloop/internal/mail"
	"github.com/xtrntr/agriloop/internal/market"
	"github.com/xtrntr/agriloop/internal/memstore"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agriloop-server",
	Short: "AgriLoop marketplace API",
	Long: `Serves the AgriLoop HTTP API: signup and login, listings, matches,
orders and dashboards. Settings come from an optional YAML file, a .env
file and the environment, in that order of precedence.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		database, err := db.NewDB(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close(cmd.Context())

		if err := database.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info("Schema applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setup() (config.Config, *zap.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

// ledger is what both services need from a store
type ledger interface {
	market.Store
	auth.UserStore
	Close(ctx context.Context) error
}

func openLedger(ctx context.Context, cfg config.Config, log *zap.Logger) (ledger, error) {
	if cfg.Store == "memory" {
		log.Warn("Using the in-memory store, data is lost on exit")
		return memstore.New(), nil
	}
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close(ctx)
		return nil, err
	}
	return database, nil
}

func serve(ctx context.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	// Money and weights go out as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true

	store, err := openLedger(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close(context.Background())

	factor, err := decimal.NewFromString(cfg.EmissionFactor)
	if err != nil {
		return fmt.Errorf("emission_factor: %w", err)
	}
	divisor, err := decimal.NewFromString(cfg.TreesDivisor)
	if err != nil {
		return fmt.Errorf("trees_divisor: %w", err)
	}
	calc, err := impact.New(factor, divisor)
	if err != nil {
		return err
	}

	hub := feed.NewHub(cfg.CORSOrigins, log)
	defer hub.Close()
	publishers := []events.Publisher{hub}
	if len(cfg.KafkaBroker) > 0 {
		producer := events.NewProducer(cfg.KafkaBroker, cfg.KafkaTopic, 1024, log)
		producer.Start()
		defer producer.Close()
		publishers = append(publishers, producer)
		log.Info("Publishing events to Kafka", zap.Strings("brokers", cfg.KafkaBroker), zap.String("topic", cfg.KafkaTopic))
	}
	emitter := events.NewEmitter(events.Fanout(publishers...), cfg.ServiceName, log)

	opts := market.Options{
		Emitter:       emitter,
		Logger:        log.Named("market"),
		EnforceWeight: cfg.EnforceListingWeight,
	}
	if cfg.RedisAddr != "" {
		rdb := cache.NewClient(cfg.RedisAddr)
		defer rdb.Close()
		totals := cache.NewRedis(rdb, cfg.DashboardCacheTTL)
		if err := totals.Ping(ctx); err != nil {
			log.Warn("Redis unreachable, dashboards will be computed on every request", zap.Error(err))
		}
		opts.Cache = totals
	}
	svc := market.NewService(store, calc, opts)

	var mailer auth.Mailer = mail.NewLogMailer(log.Named("mail"))
	if cfg.SMTP.Host != "" {
		mailer = mail.NewSMTPMailer(cfg.SMTP)
	}
	authService := auth.NewAuthService(store, auth.Options{
		Secret:    cfg.JWTSecret,
		LoginTTL:  cfg.LoginTTL,
		VerifyTTL: cfg.VerifyTTL,
		PublicURL: cfg.PublicURL,
		Mailer:    mailer,
		Emitter:   emitter,
		Logger:    log.Named("auth"),
	})

	handler := api.NewHandler(authService, svc, log.Named("http"), cfg.FrontendLoginURL)
	router := api.NewRouter(handler, api.RouterOptions{CORSOrigins: cfg.CORSOrigins, Feed: hub})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
