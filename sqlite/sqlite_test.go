package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hummingbird-sql/hummingbird"
)

// setupTestStore opens a store on a fresh database file
func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(context.Background(), path, hummingbird.DefaultMigrationsTable, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// fixedClock returns a clock that advances one minute per call
func fixedClock(start int64) func() time.Time {
	next := start
	return func() time.Time {
		t := time.Unix(next, 0)
		next += 60
		return t
	}
}

func TestIsConnectionString(t *testing.T) {
	tests := []struct {
		connStr string
		want    bool
	}{
		{":memory:", true},
		{"app.db", true},
		{"/var/lib/app.sqlite", true},
		{"data/app.SQLITE3", true},
		{"sqlite:///tmp/app", true},
		{"file:app?mode=memory", true},
		{"libsql://example.turso.io", true},
		{"postgres://localhost/app", false},
		{"app.sql", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.connStr, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionString(tt.connStr))
		})
	}
}

func TestDriverAndDSN(t *testing.T) {
	driver, dsn := driverAndDSN("sqlite:///tmp/app.db")
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "/tmp/app.db", dsn)

	driver, dsn = driverAndDSN("libsql://example.turso.io?authToken=x")
	assert.Equal(t, "libsql", driver)
	assert.Equal(t, "libsql://example.turso.io?authToken=x", dsn)

	driver, dsn = driverAndDSN("app.db")
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "app.db", dsn)
}

func TestNewStoreIsNotInitialized(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	initialized, err := store.Initialized(ctx)
	require.NoError(t, err)
	assert.False(t, initialized)

	history, err := store.AlreadyRunMigrations(ctx)
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestTrackingTableDDL(t *testing.T) {
	store := setupTestStore(t)

	ddl := store.TrackingTableDDL()
	assert.Contains(t, ddl, `CREATE TABLE "hummingbird_migrations"`)
	assert.Contains(t, ddl, "migration_name")
	assert.Contains(t, ddl, "run_on")
}

func TestRunMigrationBootstrapsTrackingTable(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, WithClock(fixedClock(1700000000)))

	// The first migration creates the table it is recorded in
	require.NoError(t, store.RunMigration(ctx, "0001_tracking.sql", store.TrackingTableDDL()))

	initialized, err := store.Initialized(ctx)
	require.NoError(t, err)
	assert.True(t, initialized)

	require.NoError(t, store.RunMigration(ctx, "0002_users.sql", "CREATE TABLE users (id INTEGER PRIMARY KEY);"))

	history, err := store.AlreadyRunMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []hummingbird.MigrationRecord{
		{MigrationName: "0001_tracking.sql", RunOn: 1700000000},
		{MigrationName: "0002_users.sql", RunOn: 1700000060},
	}, history)

	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "users")
}

func TestRunMigrationMultipleStatements(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	require.NoError(t, store.RunMigration(ctx, "0001.sql", store.TrackingTableDDL()))
	require.NoError(t, store.RunMigration(ctx, "0002.sql", `
		CREATE TABLE a (id INTEGER);
		CREATE TABLE b (id INTEGER);
	`))

	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	assert.Subset(t, tables, []string{"a", "b"})
}

func TestRunMigrationRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	require.NoError(t, store.RunMigration(ctx, "0001.sql", store.TrackingTableDDL()))

	err := store.RunMigration(ctx, "0002.sql", "CREATE TABLE partial (id INTEGER); THIS IS NOT SQL;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute migration 0002.sql")

	history, err := store.AlreadyRunMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "0001.sql", history[0].MigrationName)

	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tables, "partial")
}

func TestRunMigrationRecordingFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	require.NoError(t, store.RunMigration(ctx, "0001.sql", store.TrackingTableDDL()))

	// migration_name is the primary key, so recording the same name twice fails
	err := store.RunMigration(ctx, "0001.sql", "CREATE TABLE orphan (id INTEGER);")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record migration 0001.sql")

	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tables, "orphan")
}

func TestAlreadyRunMigrationsOrdersByRunOn(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	require.NoError(t, store.RunMigration(ctx, "0001.sql", store.TrackingTableDDL()))

	_, err := store.db.ExecContext(ctx, `DELETE FROM "hummingbird_migrations"`)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO "hummingbird_migrations" (migration_name, run_on) VALUES
			('c.sql', 300),
			('a.sql', 100),
			('b.sql', 200),
			('b2.sql', 200)
	`)
	require.NoError(t, err)

	history, err := store.AlreadyRunMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []hummingbird.MigrationRecord{
		{MigrationName: "a.sql", RunOn: 100},
		{MigrationName: "b.sql", RunOn: 200},
		{MigrationName: "b2.sql", RunOn: 200},
		{MigrationName: "c.sql", RunOn: 300},
	}, history)
}

func TestCustomTableName(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "custom.db")

	store, err := NewStore(ctx, path, "schema_history")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RunMigration(ctx, "0001.sql", store.TrackingTableDDL()))

	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"schema_history"}, tables)
}

func TestStoreWithRunner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	migrationDir := filepath.Join(dir, "migrations")
	planfile := filepath.Join(dir, "hummingbird.plan")

	store := setupTestStore(t)

	writeTestFile(t, filepath.Join(migrationDir, "0001_tracking.sql"), store.TrackingTableDDL())
	writeTestFile(t, filepath.Join(migrationDir, "0002_users.sql"), "CREATE TABLE users (id INTEGER PRIMARY KEY);")
	writeTestFile(t, planfile, "0001_tracking.sql\n0002_users.sql\n")

	plan, err := hummingbird.NewPlan(planfile, migrationDir)
	require.NoError(t, err)

	applied, err := hummingbird.NewRunner(store, plan).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_tracking.sql", "0002_users.sql"}, applied)

	// Append a migration and run again with a fresh plan
	writeTestFile(t, filepath.Join(migrationDir, "0003_posts.sql"), "CREATE TABLE posts (id INTEGER PRIMARY KEY);")
	writeTestFile(t, planfile, "0001_tracking.sql\n0002_users.sql\n0003_posts.sql\n")

	plan, err = hummingbird.NewPlan(planfile, migrationDir)
	require.NoError(t, err)

	applied, err = hummingbird.NewRunner(store, plan).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0003_posts.sql"}, applied)
}
