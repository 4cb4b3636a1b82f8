package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/trunov/imgpipe/cmd/migrate"
	"github.com/trunov/imgpipe/internal/app"
	"github.com/trunov/imgpipe/internal/config"
	"github.com/trunov/imgpipe/internal/logging"
	"github.com/trunov/imgpipe/internal/reporter"
	"github.com/urfave/cli/v3"
)

const defaultConfigFile = "config.json"

func rootCmd() *cli.Command {
	return &cli.Command{
		Name:    "imgpipe",
		Version: version,
		Usage:   "Discover images in a bucket, convert them to WebP and record every attempt",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to JSON config file",
				Value:   defaultConfigFile,
				Sources: cli.EnvVars("IMGPIPE_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (trace, debug, info, warn, error), overrides the config",
			},
		},
		Commands: []*cli.Command{
			runCmd(),
			migrateCmd(),
			enqueueCmd(),
			statusCmd(),
		},
	}
}

// loadConfig reads the config and sets up logging from it.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	if err := cfg.Read(cmd.String("config")); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the scheduler, the worker pool and the HTTP API",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			rep, err := reporter.Init(cfg.Sentry.SentryDSN, cfg.Sentry.Environment, version)
			if err != nil {
				return fmt.Errorf("sentry init: %w", err)
			}
			// Flush buffered events before the program terminates.
			defer reporter.Flush()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, rep)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().Str("version", version).Str("consumer", cfg.Queue.Consumer).Msg("imgpipe started")
			return a.Run(ctx)
		},
	}
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run ledger migrations",
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withDSN(cmd, func(dsn string) error {
						return migrate.Migrate(ctx, dsn, migrate.Migrations)
					})
				},
			},
			{
				Name:  "down",
				Usage: "Roll back the last migration",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withDSN(cmd, func(dsn string) error {
						return migrate.Rollback(ctx, dsn, migrate.Migrations)
					})
				},
			},
		},
	}
}

func withDSN(cmd *cli.Command, fn func(dsn string) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required (set IMGPIPE_DATABASE_DSN)")
	}
	if err := fn(cfg.Database.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("command", cmd.Name).Msg("migrations done")
	return nil
}

func enqueueCmd() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Schedule conversions for object keys, skipping keys already queued",
		ArgsUsage: "KEY...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			keys := cmd.Args().Slice()
			if len(keys) == 0 {
				return fmt.Errorf("at least one object key is required")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			q, closeQueue, err := app.OpenQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeQueue()

			for _, key := range keys {
				added, err := q.Enqueue(ctx, key)
				if err != nil {
					return err
				}
				state := "queued"
				if !added {
					state = "already pending"
				}
				fmt.Fprintf(cmd.Root().Writer, "%s\t%s\n", key, state)
			}
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the queue counters as JSON",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			q, closeQueue, err := app.OpenQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeQueue()

			snap, err := q.Snapshot(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.Root().Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}
