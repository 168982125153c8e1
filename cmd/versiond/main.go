package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rpattn/versioned/internal/config"
	"github.com/rpattn/versioned/internal/db"
	"github.com/rpattn/versioned/internal/export"
	"github.com/rpattn/versioned/internal/httpapi"
	"github.com/rpattn/versioned/internal/ingestion"
	"github.com/rpattn/versioned/internal/logging"
	"github.com/rpattn/versioned/pkg/engine/sqlstore"
	"github.com/rpattn/versioned/pkg/versioning"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Create context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, closeDB, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB()

	// Run migrations
	if err := db.RunMigrations(sqlDB, cfg.Database.Driver, logger); err != nil {
		return err
	}

	dialect, err := sqlstore.DialectByName(cfg.Database.Driver)
	if err != nil {
		return err
	}
	engine := sqlstore.New(sqlDB, dialect, sqlstore.WithLogger(logger))

	saveEvents, err := versioning.ParseSaveEvents(cfg.Versioning.SaveEvents)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := versioning.Options{
		Prefix:     cfg.Versioning.Prefix,
		Suffix:     cfg.Versioning.Suffix,
		Schema:     cfg.Versioning.Schema,
		SaveEvents: saveEvents,
		Logger:     logger,
		Metrics:    versioning.NewMetrics(reg),
		Tracer:     otel.Tracer("github.com/rpattn/versioned"),
	}

	srv := httpapi.NewServer(
		httpapi.WithLogger(logger),
		httpapi.WithGatherer(reg),
		httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		httpapi.WithExporter(export.NewService()),
		httpapi.WithImporter(ingestion.NewService(ingestion.WithLogger(logger))),
	)
	for _, t := range cfg.Versioning.Tables {
		model, err := engine.Open(ctx, t.Name, t.Table, t.Namespace)
		if err != nil {
			return err
		}
		shadow, err := versioning.Version(ctx, model, opts)
		if err != nil {
			return err
		}
		srv.Register(httpapi.Resource{Store: model, Shadow: shadow})
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", zap.String("addr", server.Addr), zap.Int("entities", len(cfg.Versioning.Tables)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

func openDatabase(ctx context.Context, cfg db.Config) (*sql.DB, func(), error) {
	if cfg.Driver == "sqlite" {
		sqlDB, err := db.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return sqlDB, func() { _ = sqlDB.Close() }, nil
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn.SQLDB(), conn.Close, nil
}
