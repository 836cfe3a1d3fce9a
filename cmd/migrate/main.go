// Package main provides a CLI tool for database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/config"
	"github.com/helixir/biosecurity-triage-service/internal/database"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	up := flag.Bool("up", false, "Run all pending migrations")
	down := flag.Bool("down", false, "Roll back all migrations")
	steps := flag.Int("steps", 0, "Run N migration steps (positive=up, negative=down)")
	version := flag.Bool("version", false, "Print the current migration version")
	force := flag.Int("force", -1, "Force set migration version (use to recover from failed migrations)")
	migrationsPath := flag.String("path", "", "Override the migrations directory path")
	flag.Parse()

	command, n, err := selectCommand(*up, *down, *steps, *version, *force)
	if err != nil {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nPlease specify one of: -up, -down, -steps N, -version, -force V")
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Console output for the CLI tool.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})
	logger = logger.With().Str("component", "migrate").Logger()

	migrationDir := cfg.Database.MigrationPath
	if *migrationsPath != "" {
		migrationDir = *migrationsPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, migrationDir, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	logger.Info().Str("command", command).Int("n", n).Str("path", migrationDir).Msg("running migration command")
	if err := migrator.Run(command, n); err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	if command != database.CommandVersion {
		printVersion(migrator, logger)
	}
	return nil
}

// selectCommand maps the flags to a single migrator command.
func selectCommand(up, down bool, steps int, version bool, force int) (string, int, error) {
	var (
		command string
		n       int
		count   int
	)
	if up {
		command, count = database.CommandUp, count+1
	}
	if down {
		command, count = database.CommandDown, count+1
	}
	if steps != 0 {
		command, n, count = database.CommandSteps, steps, count+1
	}
	if version {
		command, count = database.CommandVersion, count+1
	}
	if force >= 0 {
		command, n, count = database.CommandForce, force, count+1
	}

	switch count {
	case 0:
		return "", 0, fmt.Errorf("no action specified")
	case 1:
		return command, n, nil
	default:
		return "", 0, fmt.Errorf("specify only one action at a time")
	}
}

// printVersion logs the current migration version.
func printVersion(migrator *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := migrator.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine migration version")
		return
	}
	logger.Info().
		Uint("version", v).
		Bool("dirty", dirty).
		Msg("current migration version")
}
