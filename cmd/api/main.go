// Package main is the entry point for the FolioBase billing API server.
//
// It loads configuration, connects the Postgres pool, installs the plan
// catalog with a periodic reload, wires the reconciliation engine behind the
// provider webhook endpoint and the query facade behind the read endpoints,
// and serves HTTP with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"foliobase/internal/api/handlers"
	"foliobase/internal/catalog"
	"foliobase/internal/config"
	"foliobase/internal/core"
	"foliobase/internal/db"
	"foliobase/internal/external"
	"foliobase/internal/metrics"
	"foliobase/internal/query"
	"foliobase/internal/reconcile"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("foliobase billing API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, db.PoolSettings{
		URL:               cfg.Database.URL.Unmask(),
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// Plan catalog: loaded once at startup (fail fast on a broken table),
	// then refreshed in the background. A failed refresh keeps the previous
	// catalog active.
	catalogStore := catalog.NewStore(db.NewCatalogRepo(pool))
	if err := catalogStore.Reload(ctx); err != nil {
		return fmt.Errorf("loading plan catalog: %w", err)
	}
	logger.Info("plan catalog loaded", "entries", catalogStore.Current().Len())
	go reloadCatalog(ctx, catalogStore, cfg.Reconcile.CatalogReloadInterval, logger)

	var emitter reconcile.Metrics
	if cfg.Metrics.Enabled {
		cwClient, err := newCloudWatchClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("initializing cloudwatch client: %w", err)
		}
		emitter = metrics.NewCloudWatchEmitter(cwClient, cfg.Metrics.Namespace, logger)
	}

	engine := reconcile.NewEngine(
		db.NewPgUnitOfWork(pool, logger),
		catalogStore,
		emitter,
		logger,
		cfg.Reconcile.GraceWindow,
	)

	facade := query.NewFacade(
		db.NewSubscriptionRepo(pool, logger),
		db.NewPaymentRepo(pool, logger),
	)

	webhookHandler := handlers.NewProviderWebhookHandler(
		&external.StripeVerifier{},
		engine,
		cfg.Billing.StripeWebhookSecret,
		logger,
	)
	billingHandler := handlers.NewBillingQueryHandler(facade, logger)

	srv, err := core.NewServer(cfg, pool, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Registrars = append(srv.Registrars,
		webhookHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
	)
	srv.MountRoutes()

	return serveHTTP(ctx, srv, cfg, logger)
}

// reloadCatalog periodically re-reads the plan catalog until ctx is canceled.
func reloadCatalog(ctx context.Context, store *catalog.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Reload(ctx); err != nil {
				logger.Error("plan catalog reload failed, keeping previous catalog",
					"error", err,
				)
				continue
			}
			logger.Debug("plan catalog reloaded", "entries", store.Current().Len())
		}
	}
}

// newCloudWatchClient builds the CloudWatch client, honoring the LocalStack
// endpoint override when set.
func newCloudWatchClient(ctx context.Context, cfg *config.Config) (*cloudwatch.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, err
	}
	return cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	}), nil
}

// serveHTTP runs the HTTP server until the context is canceled, then shuts
// down gracefully within the configured deadline.
func serveHTTP(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
