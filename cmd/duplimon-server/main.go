// Package main is the entrypoint for the duplimon server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/duplimon/internal/api"
	"github.com/MacJediWizard/duplimon/internal/api/handlers"
	"github.com/MacJediWizard/duplimon/internal/collector"
	"github.com/MacJediWizard/duplimon/internal/config"
	"github.com/MacJediWizard/duplimon/internal/crypto"
	"github.com/MacJediWizard/duplimon/internal/db"
	"github.com/MacJediWizard/duplimon/internal/duplicati"
	"github.com/MacJediWizard/duplimon/internal/httpclient"
	"github.com/MacJediWizard/duplimon/internal/maintenance"
	"github.com/MacJediWizard/duplimon/internal/metrics"
	"github.com/MacJediWizard/duplimon/internal/monitoring"
	"github.com/MacJediWizard/duplimon/internal/notifications"
	"github.com/MacJediWizard/duplimon/internal/schedule"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.LoadServerConfig()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if cfg.Environment != config.EnvProduction {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("environment", string(cfg.Environment)).
		Msg("Starting duplimon server")

	if cfg.DatabaseURL == "" {
		logger.Error().Msg("DATABASE_URL environment variable is required")
		return 1
	}
	if cfg.EncryptionKeyHex == "" {
		logger.Error().Msg("ENCRYPTION_KEY environment variable is required")
		return 1
	}

	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	masterKey, err := crypto.MasterKeyFromHex(cfg.EncryptionKeyHex)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to decode ENCRYPTION_KEY")
		return 1
	}
	keyManager, err := crypto.NewKeyManager(masterKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize key manager")
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	// Notifications
	templates, err := config.LoadTemplates(cfg.TemplatesFile)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.TemplatesFile).Msg("Failed to load notification templates")
		return 1
	}
	engine, err := notifications.NewEngine(cfg.Language, cfg.TimeZone, templates)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize notification templates")
		return 1
	}
	ntfy, err := notifications.NewNtfySender(cfg.Collector.Proxy, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize ntfy sender")
		return 1
	}
	var email notifications.EmailSender
	if cfg.SMTP.Enabled() {
		svc, err := notifications.NewEmailService(cfg.SMTP, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize email service")
			return 1
		}
		email = svc
	} else {
		logger.Info().Msg("SMTP not configured, email notifications disabled")
	}
	if !cfg.Ntfy.Enabled() {
		logger.Info().Msg("NTFY_TOPIC not set, default push notifications disabled")
	}

	resolver := notifications.NewResolver(database)
	dispatcher := notifications.NewDispatcher(resolver, engine, ntfy, email, notifications.DispatcherConfig{
		Ntfy:      cfg.Ntfy,
		PublicURL: cfg.PublicURL,
	}, logger)
	dispatcher.SetObserver(promMetrics)

	// Collection
	agentClient, err := duplicati.NewClient(httpclient.Options{
		ConnectTimeout: cfg.Collector.ConnectTimeout,
		IdleTimeout:    cfg.Collector.IdleTimeout,
		ProxyConfig:    cfg.Collector.Proxy,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize agent client")
		return 1
	}
	synchronizer := schedule.NewSynchronizer(database, logger)
	coll := collector.NewCollector(agentClient, database, synchronizer, keyManager, cfg.Collector.LogPageSize, logger)
	coll.SetNotifier(dispatcher)
	coll.SetMetrics(promMetrics)

	// Background jobs
	overdue := monitoring.NewOverdueChecker(database, dispatcher, logger)
	overdue.SetGauge(promMetrics)
	if err := overdue.Start(cfg.OverdueSchedule); err != nil {
		logger.Error().Err(err).Str("schedule", cfg.OverdueSchedule).Msg("Failed to start overdue checker")
		return 1
	}
	defer func() { <-overdue.Stop().Done() }()

	if cfg.RetentionDays > 0 {
		retention := maintenance.NewRetentionScheduler(database, cfg.RetentionDays, logger)
		if err := retention.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start retention scheduler")
		} else {
			defer func() { <-retention.Stop().Done() }()
		}
	} else {
		logger.Info().Msg("RUN_RETENTION_DAYS not set, run history is kept indefinitely")
	}

	router, err := api.NewRouter(api.Config{
		Environment:       cfg.Environment,
		AllowedOrigins:    cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimit,
		RateLimitPeriod:   cfg.RateLimitPeriod,
		Version:           Version,
		Commit:            Commit,
	}, api.Dependencies{
		Database:      database,
		Servers:       database,
		Settings:      synchronizer,
		Policies:      resolver,
		Collector:     coll,
		Notifications: dispatcher,
		Templates:     engine,
		Gatherer:      registry,
		Components: map[string]handlers.ComponentHealthChecker{
			"overdue_check": overdue,
		},
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Collections page through every job of an agent.
		WriteTimeout: 5 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server error")
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
		exitCode = 1
	}

	logger.Info().Msg("Server stopped")
	return exitCode
}
