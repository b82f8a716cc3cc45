package hummingbird

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type (
	// Runner reconciles a plan with a store and applies what is outstanding
	Runner struct {
		store  MigrationStore
		plan   *Plan
		logger *slog.Logger
		strict bool
		dryRun io.Writer
	}

	// RunnerOption configures a Runner
	RunnerOption func(*Runner)

	// Status describes where a database stands relative to its plan
	Status struct {
		Initialized             bool
		Applied                 []MigrationRecord
		Pending                 []string
		MissingFromPlan         []string
		MissingFromMigrationDir []string
		DuplicatePlanned        []string
	}
)

// WithLogger sets the logger used for progress and drift warnings
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithStrict makes drift between the plan and the migration directory fatal
func WithStrict(strict bool) RunnerOption {
	return func(r *Runner) {
		r.strict = strict
	}
}

// WithDryRun writes the pending migrations to w instead of executing them
func WithDryRun(w io.Writer) RunnerOption {
	return func(r *Runner) {
		r.dryRun = w
	}
}

// NewRunner creates a new migration runner
func NewRunner(store MigrationStore, plan *Plan, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:  store,
		plan:   plan,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status gathers history, drift and pending work without changing anything.
// A reconciliation failure is returned as a *PlanError alongside the partial
// status so callers can still show the history and drift.
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	status := &Status{
		DuplicatePlanned: r.plan.DuplicatePlannedFiles(),
	}

	var err error
	if status.MissingFromPlan, err = r.plan.FilesMissingFromPlan(); err != nil {
		return nil, err
	}
	if status.MissingFromMigrationDir, err = r.plan.FilesMissingFromMigrationDir(); err != nil {
		return nil, err
	}

	if status.Initialized, err = r.store.Initialized(ctx); err != nil {
		return nil, fmt.Errorf("failed to check tracking table: %w", err)
	}
	if status.Applied, err = r.store.AlreadyRunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to get already run migrations: %w", err)
	}

	status.Pending, err = r.plan.ToBeRunMigrationFileNames(status.Applied)
	if err != nil {
		return status, err
	}

	return status, nil
}

// Run applies every pending migration in plan order, each in its own
// transaction, and returns the names it applied. It stops at the first
// failure; migrations applied before it stay applied.
func (r *Runner) Run(ctx context.Context) ([]string, error) {
	if duplicates := r.plan.DuplicatePlannedFiles(); len(duplicates) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePlanned, strings.Join(duplicates, ", "))
	}

	if err := r.checkDrift(ctx); err != nil {
		return nil, err
	}

	history, err := r.store.AlreadyRunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get already run migrations: %w", err)
	}

	migrations, err := r.plan.MigrationsToBeRun(history)
	if err != nil {
		r.logger.ErrorContext(ctx, "plan does not match migration history",
			"operation", "run",
			"error", err,
		)
		return nil, err
	}

	if len(migrations) == 0 {
		r.logger.InfoContext(ctx, "no pending migrations", "operation", "run")
		return nil, nil
	}

	if r.dryRun != nil {
		return nil, r.writeDryRun(migrations)
	}

	var applied []string
	for _, m := range migrations {
		r.logger.InfoContext(ctx, "running migration",
			"operation", "run",
			"migration", m.MigrationName,
		)

		if err := r.store.RunMigration(ctx, m.MigrationName, m.SQL); err != nil {
			r.logger.ErrorContext(ctx, "migration failed",
				"operation", "run",
				"migration", m.MigrationName,
				"error", err,
			)
			return applied, fmt.Errorf("failed to run migration %s: %w", m.MigrationName, err)
		}
		applied = append(applied, m.MigrationName)
	}

	r.logger.InfoContext(ctx, "all migrations applied",
		"operation", "run",
		"count", len(applied),
	)
	return applied, nil
}

// checkDrift warns about, or in strict mode rejects, disagreement between the
// plan and the migration directory
func (r *Runner) checkDrift(ctx context.Context) error {
	missingFromPlan, err := r.plan.FilesMissingFromPlan()
	if err != nil {
		return err
	}
	missingFromDir, err := r.plan.FilesMissingFromMigrationDir()
	if err != nil {
		return err
	}

	if len(missingFromPlan) > 0 {
		r.logger.WarnContext(ctx, "files missing from plan",
			"operation", "check_drift",
			"files", missingFromPlan,
		)
	}
	if len(missingFromDir) > 0 {
		r.logger.WarnContext(ctx, "files missing from migration directory",
			"operation", "check_drift",
			"files", missingFromDir,
		)
	}

	if r.strict && (len(missingFromPlan) > 0 || len(missingFromDir) > 0) {
		return fmt.Errorf("%w: %d file(s) missing from plan, %d file(s) missing from migration directory",
			ErrDrift, len(missingFromPlan), len(missingFromDir))
	}
	return nil
}

func (r *Runner) writeDryRun(migrations []Migration) error {
	for _, m := range migrations {
		if _, err := fmt.Fprintf(r.dryRun, "-- migration: %s\n%s\n", m.MigrationName, strings.TrimRight(m.SQL, "\n")); err != nil {
			return fmt.Errorf("failed to write dry run output: %w", err)
		}
	}
	return nil
}
