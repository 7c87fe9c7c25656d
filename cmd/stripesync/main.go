// Command stripesync runs the billing synchronizer: the webhook endpoint,
// the plan-history API, and an optional one-shot backfill sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/stripesync/pkg/api"
	"github.com/mihaimyh/stripesync/pkg/billing"
	"github.com/mihaimyh/stripesync/pkg/billing/history"
	zerologadapter "github.com/mihaimyh/stripesync/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/stripesync/pkg/billing/metrics/prometheus"
	stripeprovider "github.com/mihaimyh/stripesync/pkg/billing/stripe"
	"github.com/mihaimyh/stripesync/storage/postgres"
)

type config struct {
	ListenAddr          string        `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL         string        `env:"DATABASE_URL,required"`
	StripeAPIKey        string        `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsNamespace    string        `env:"METRICS_NAMESPACE" envDefault:"stripesync"`
	InitSchema          bool          `env:"INIT_SCHEMA" envDefault:"true"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	syncOnly := flag.Bool("sync", false, "run a backfill sync and exit")
	flag.Parse()

	if err := run(*syncOnly); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(syncOnly bool) error {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zlog := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger := zerologadapter.NewLogger(zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	defer store.Close()

	if cfg.InitSchema {
		if err := store.InitSchema(ctx); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(registry, cfg.MetricsNamespace)

	provider, err := stripeprovider.NewProvider(stripeprovider.Config{
		APIKey:        cfg.StripeAPIKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Store:         store,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	if syncOnly {
		stats, err := provider.SyncAll(ctx)
		if err != nil {
			return err
		}
		logger.Info("sync finished",
			billing.F("customers", stats.Customers),
			billing.F("products", stats.Products),
			billing.F("prices", stats.Prices),
			billing.F("subscriptions", stats.Subscriptions))
		return nil
	}

	var providerClient history.ProviderClient
	if cfg.StripeAPIKey != "" {
		providerClient = provider
	}
	aggregator, err := history.New(history.Config{
		Store:    store,
		Provider: providerClient,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Config{
		Store:          store,
		Webhook:        provider.WebhookHandler(),
		History:        aggregator,
		Syncer:         provider,
		Logger:         logger,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", billing.F("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
