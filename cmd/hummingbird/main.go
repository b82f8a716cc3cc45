package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/hummingbird-sql/hummingbird"
	"github.com/hummingbird-sql/hummingbird/postgres"
	"github.com/hummingbird-sql/hummingbird/sqlite"
)

const (
	version = "0.1.0"
)

func main() {
	ctx := context.Background()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "hummingbird",
		Usage:   "Apply planned SQL migrations exactly once, in order",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Aliases: []string{"c"},
				Usage:   "Directory containing " + hummingbird.ConfigFile,
				Value:   ".",
				Sources: cli.EnvVars("HUMMINGBIRD_CONFIG_DIR"),
			},
			&cli.StringFlag{
				Name:    "user-dir",
				Usage:   "Directory searched for " + hummingbird.UserConfigFile + " (default: current directory)",
				Sources: cli.EnvVars("HUMMINGBIRD_USER_DIR"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Aliases: []string{"d"},
				Usage:   "Connection string, overrides connection_string from the config files",
				Sources: cli.EnvVars("HUMMINGBIRD_DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				Sources: cli.EnvVars("HUMMINGBIRD_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, setupLogger(cmd.String("log-level"))
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show applied and pending migrations and any drift",
				Action: statusCommand,
			},
			{
				Name:  "migrate",
				Usage: "Apply pending migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "strict",
						Usage: "Refuse to run when the plan and the migration directory disagree",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Print the pending migrations instead of running them",
					},
				},
				Action: migrateCommand,
			},
			{
				Name:   "bootstrap-sql",
				Usage:  "Print the SQL that creates the tracking table",
				Action: bootstrapCommand,
			},
		},
	}
}

// setupLogger installs a text slog handler on stderr as the default logger
func setupLogger(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

func statusCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, plan, store, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := hummingbird.NewRunner(store, plan)
	status, err := runner.Status(ctx)

	var planErr *hummingbird.PlanError
	if err != nil && !errors.As(err, &planErr) {
		return err
	}

	fmt.Printf("Plan: %s\nMigrations: %s\nTracking table: %s\n\n", cfg.Planfile, cfg.MigrationsDir, cfg.MigrationsTable)
	hummingbird.WriteStatus(os.Stdout, status, err)

	return err
}

func migrateCommand(ctx context.Context, cmd *cli.Command) error {
	_, plan, store, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []hummingbird.RunnerOption{
		hummingbird.WithStrict(cmd.Bool("strict")),
	}
	if cmd.Bool("dry-run") {
		opts = append(opts, hummingbird.WithDryRun(os.Stdout))
	}

	applied, err := hummingbird.NewRunner(store, plan, opts...).Run(ctx)
	for _, name := range applied {
		fmt.Printf("Applied %s\n", name)
	}
	if err != nil {
		var planErr *hummingbird.PlanError
		if errors.As(err, &planErr) {
			hummingbird.WritePlanError(os.Stderr, planErr)
		}
		return err
	}

	return nil
}

func bootstrapCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	fmt.Print(store.TrackingTableDDL())
	return nil
}

// setup loads configuration, the plan and a store for a command
func setup(ctx context.Context, cmd *cli.Command) (*hummingbird.Config, *hummingbird.Plan, hummingbird.MigrationStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	plan, err := hummingbird.NewPlan(cfg.Planfile, cfg.MigrationsDir)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return cfg, plan, store, nil
}

func loadConfig(cmd *cli.Command) (*hummingbird.Config, error) {
	userDir := cmd.String("user-dir")
	if userDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user directory: %w", err)
		}
		userDir = wd
	}

	cfg, err := hummingbird.LoadConfig(cmd.String("config-dir"), userDir)
	if err != nil {
		return nil, err
	}

	if url := cmd.String("database-url"); url != "" {
		cfg.ConnectionString = url
	}
	return cfg, nil
}

// storeKind reports which backend handles connStr
func storeKind(connStr string) (string, error) {
	lower := strings.ToLower(connStr)
	switch {
	case connStr == "":
		return "", errors.New("database connection string is required")
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host="):
		return "postgres", nil
	case sqlite.IsConnectionString(connStr):
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported connection string: %s", connStr)
	}
}

// newStore opens the store matching the configured connection string
func newStore(ctx context.Context, cfg *hummingbird.Config) (hummingbird.MigrationStore, error) {
	kind, err := storeKind(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}

	if kind == "postgres" {
		store, err := postgres.NewStore(ctx, cfg.ConnectionString, cfg.MigrationsTable)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	store, err := sqlite.NewStore(ctx, cfg.ConnectionString, cfg.MigrationsTable)
	if err != nil {
		return nil, err
	}
	return store, nil
}
