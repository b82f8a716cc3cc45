package hummingbird

import (
	"context"
	"time"
)

// DefaultMigrationsTable is the tracking table used when none is configured
const DefaultMigrationsTable = "hummingbird_migrations"

type (
	// MigrationRecord represents one row of the tracking table
	MigrationRecord struct {
		MigrationName string
		RunOn         int64 // unix epoch seconds, taken when the migration's SQL finished
	}

	// Migration is a planned migration paired with the SQL it will execute
	Migration struct {
		MigrationName string
		SQL           string
	}

	// MigrationStore abstracts the target database.
	// Implementations own their connection exclusively and are not safe for
	// use by more than one migrator against the same database at a time.
	MigrationStore interface {
		// Initialized reports whether the tracking table exists
		Initialized(ctx context.Context) (bool, error)

		// AlreadyRunMigrations returns the recorded history ordered by run_on
		// ascending, or an empty slice when the tracking table does not exist
		AlreadyRunMigrations(ctx context.Context) ([]MigrationRecord, error)

		// RunMigration executes sql and records name in a single transaction
		RunMigration(ctx context.Context, name, sql string) error

		// TrackingTableDDL returns the statement creating the tracking table
		TrackingTableDDL() string

		Close() error
	}
)

// RunTime returns the record's run_on value as a UTC time
func (r MigrationRecord) RunTime() time.Time {
	return time.Unix(r.RunOn, 0).UTC()
}
