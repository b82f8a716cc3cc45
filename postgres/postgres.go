package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hummingbird-sql/hummingbird"
)

const recordMigrationStatement = "hummingbird_record_migration"

type (
	// Store wraps a PostgreSQL connection pool and implements hummingbird.MigrationStore
	Store struct {
		pool      *pgxpool.Pool
		connStr   string
		table     string
		quoted    string
		insertSQL string
		now       func() time.Time
	}

	// Option configures a Store
	Option func(*Store)
)

//go:embed assets/tracking_table.sql
var trackingTableSQL string

// WithClock replaces the clock used to stamp run_on
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore connects to the database at databaseURL and tracks migrations in
// the named table. The table does not have to exist yet.
func NewStore(ctx context.Context, databaseURL, migrationsTable string, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	quoted := pgx.Identifier{migrationsTable}.Sanitize()
	s := &Store{
		pool:      pool,
		connStr:   databaseURL,
		table:     migrationsTable,
		quoted:    quoted,
		insertSQL: fmt.Sprintf("INSERT INTO %s (migration_name, run_on) VALUES ($1, $2)", quoted),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the pool, releasing its connections and prepared statements
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ConnectionString returns the database connection string
func (s *Store) ConnectionString() string {
	return s.connStr
}

// TrackingTableDDL returns the CREATE TABLE statement for the tracking table
func (s *Store) TrackingTableDDL() string {
	return fmt.Sprintf(trackingTableSQL, s.quoted)
}

// Tables returns the base tables visible on the current search path
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ANY (current_schemas(false))
		AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan table name: %w", err)
	}
	return tables, nil
}

// Initialized reports whether the tracking table exists
func (s *Store) Initialized(ctx context.Context) (bool, error) {
	tables, err := s.Tables(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(tables, s.table), nil
}

// AlreadyRunMigrations returns the tracking table's rows ordered by run_on
func (s *Store) AlreadyRunMigrations(ctx context.Context) ([]hummingbird.MigrationRecord, error) {
	initialized, err := s.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if !initialized {
		return []hummingbird.MigrationRecord{}, nil
	}

	// ctid breaks ties between rows recorded within the same second; the
	// table is append-only so it follows insertion order
	query := fmt.Sprintf(`
		SELECT migration_name, run_on
		FROM %s
		ORDER BY run_on ASC, ctid ASC
	`, s.quoted)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query already run migrations: %w", err)
	}
	defer rows.Close()

	records := []hummingbird.MigrationRecord{}
	for rows.Next() {
		var r hummingbird.MigrationRecord
		if err := rows.Scan(&r.MigrationName, &r.RunOn); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration records: %w", err)
	}

	return records, nil
}

// RunMigration executes sql and records name within one transaction. If
// either step fails the transaction is rolled back and nothing persists.
func (s *Store) RunMigration(ctx context.Context, name, sql string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Will be ignored if transaction is committed

	// Without arguments pgx uses the simple protocol, so a file may hold
	// several statements
	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", name, err)
	}
	runOn := s.now().Unix()

	// Prepared once per pooled connection and reused afterwards
	if _, err := tx.Prepare(ctx, recordMigrationStatement, s.insertSQL); err != nil {
		return fmt.Errorf("failed to prepare migration record: %w", err)
	}
	if _, err := tx.Exec(ctx, recordMigrationStatement, name, runOn); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

var _ hummingbird.MigrationStore = (*Store)(nil)
