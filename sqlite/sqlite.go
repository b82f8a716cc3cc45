// Package sqlite implements hummingbird.MigrationStore for SQLite files
// (modernc.org/sqlite) and remote libsql databases.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	"github.com/hummingbird-sql/hummingbird"
)

type (
	// Store wraps a database/sql handle and implements hummingbird.MigrationStore
	Store struct {
		db        *sql.DB
		connStr   string
		table     string
		quoted    string
		insertSQL string
		now       func() time.Time

		mu         sync.Mutex
		insertStmt *sql.Stmt
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

// IsConnectionString reports whether connStr names a database this package
// can open
func IsConnectionString(connStr string) bool {
	s := strings.ToLower(connStr)

	if s == ":memory:" ||
		strings.HasPrefix(s, "sqlite://") ||
		strings.HasPrefix(s, "file:") ||
		strings.HasPrefix(s, "libsql://") {
		return true
	}

	return strings.HasSuffix(s, ".db") ||
		strings.HasSuffix(s, ".sqlite") ||
		strings.HasSuffix(s, ".sqlite3")
}

// driverAndDSN picks the database/sql driver for connStr and strips the
// sqlite:// prefix modernc does not understand
func driverAndDSN(connStr string) (driver, dsn string) {
	lower := strings.ToLower(connStr)
	switch {
	case strings.HasPrefix(lower, "libsql://"):
		return "libsql", connStr
	case strings.HasPrefix(lower, "sqlite://"):
		return "sqlite", connStr[len("sqlite://"):]
	default:
		return "sqlite", connStr
	}
}

// NewStore opens the database named by connStr and tracks migrations in the
// named table. The table does not have to exist yet.
func NewStore(ctx context.Context, connStr, migrationsTable string, opts ...Option) (*Store, error) {
	driver, dsn := driverAndDSN(connStr)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer, and :memory: databases exist per connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	quoted := quoteIdentifier(migrationsTable)
	s := &Store{
		db:        db,
		connStr:   connStr,
		table:     migrationsTable,
		quoted:    quoted,
		insertSQL: fmt.Sprintf("INSERT INTO %s (migration_name, run_on) VALUES (?, ?)", quoted),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close releases the prepared insert and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertStmt != nil {
		if err := s.insertStmt.Close(); err != nil {
			_ = s.db.Close()
			return fmt.Errorf("failed to close prepared statement: %w", err)
		}
		s.insertStmt = nil
	}
	return s.db.Close()
}

// ConnectionString returns the database connection string
func (s *Store) ConnectionString() string {
	return s.connStr
}

// TrackingTableDDL returns the CREATE TABLE statement for the tracking table
func (s *Store) TrackingTableDDL() string {
	return fmt.Sprintf(trackingTableSQL, s.quoted)
}

// Tables returns all user table names in the database
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table'
		AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
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

	query := fmt.Sprintf(`
		SELECT migration_name, run_on
		FROM %s
		ORDER BY run_on ASC, rowid ASC
	`, s.quoted)

	rows, err := s.db.QueryContext(ctx, query)
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
func (s *Store) RunMigration(ctx context.Context, name, sqlText string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, err := s.preparedInsert(ctx)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", name, err)
	}
	runOn := s.now().Unix()

	if stmt != nil {
		_, err = tx.StmtContext(ctx, stmt).ExecContext(ctx, name, runOn)
	} else {
		// Bootstrap: the table is created by this very transaction
		_, err = tx.ExecContext(ctx, s.insertSQL, name, runOn)
	}
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// preparedInsert returns the cached insert statement, preparing it on first
// use. It returns nil while the tracking table does not exist, since SQLite
// cannot prepare statements against missing tables.
func (s *Store) preparedInsert(ctx context.Context) (*sql.Stmt, error) {
	if s.insertStmt != nil {
		return s.insertStmt, nil
	}

	initialized, err := s.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if !initialized {
		return nil, nil
	}

	stmt, err := s.db.PrepareContext(ctx, s.insertSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare migration record: %w", err)
	}
	s.insertStmt = stmt
	return stmt, nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var _ hummingbird.MigrationStore = (*Store)(nil)
