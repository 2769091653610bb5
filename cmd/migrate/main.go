// Package main applies or rolls back the embedded database migrations.
//
// Usage:
//
//	migrate            # apply all pending migrations
//	migrate -down      # roll back the most recent migration
package main

import (
	"flag"
	"fmt"
	"os"

	"devvelocity/internal/config"
	"devvelocity/internal/db"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	dir, err := parseDirection(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(config.NewSSMProvider(regionFromEnv()))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel).With("component", "migrate")

	return db.Migrate(cfg.Database.URL.Unmask(), dir, logger)
}

func parseDirection(args []string) (db.MigrateDirection, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	down := fs.Bool("down", false, "roll back one migration instead of applying pending ones")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *down {
		return db.MigrateDown, nil
	}
	return db.MigrateUp, nil
}

func regionFromEnv() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return "us-east-1"
}
