// Package main provides the duplimon database maintenance CLI: schema
// migrations and one-off pruning of old backup runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/MacJediWizard/duplimon/internal/config"
	"github.com/MacJediWizard/duplimon/internal/db"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

func main() {
	var (
		dbURL     = flag.String("db", "", "Database URL (or set DATABASE_URL env var)")
		showVer   = flag.Bool("version", false, "Show current schema version")
		list      = flag.Bool("list", false, "List all migrations")
		pruneDays = flag.Int("prune-days", 0, "Delete backup runs older than this many days after migrating")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if *list {
		listMigrations(logger)
		return
	}

	url := *dbURL
	if url == "" {
		url = config.LoadServerConfig().DatabaseURL
	}
	if url == "" {
		logger.Fatal().Msg("database URL required: use -db flag or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg := db.DefaultConfig(url)
	cfg.MaxConns = 2
	cfg.MinConns = 1

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if *showVer {
		showVersion(ctx, database, logger)
		return
	}

	logger.Info().Msg("running database migrations")
	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	version, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not get current version")
	} else {
		logger.Info().Int("version", version).Msg("migrations complete")
	}

	if *pruneDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -*pruneDays)
		deleted, err := database.DeleteRecordsBefore(ctx, cutoff)
		if err != nil {
			logger.Fatal().Err(err).Msg("prune failed")
		}
		logger.Info().
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msgf("pruned backup runs older than %s", humanize.Time(cutoff))
	}
}

func showVersion(ctx context.Context, database *db.DB, logger zerolog.Logger) {
	version, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to get schema version")
	}
	fmt.Printf("Current schema version: %d\n", version)

	pending, err := database.Pending(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list pending migrations")
	}
	if len(pending) == 0 {
		fmt.Println("No pending migrations")
		return
	}
	fmt.Println("Pending migrations:")
	for _, m := range pending {
		fmt.Printf("  %03d: %s\n", m.Version, m.Name)
	}
}

func listMigrations(logger zerolog.Logger) {
	migrations, err := db.GetMigrations()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list migrations")
	}

	if len(migrations) == 0 {
		fmt.Println("No migrations found")
		return
	}

	fmt.Println("Available migrations:")
	for _, m := range migrations {
		fmt.Printf("  %03d: %s\n", m.Version, m.Name)
	}
}
