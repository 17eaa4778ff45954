// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PGTest opens a migrated test database and returns the *sql.DB plus a
// cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL takes priority when set; otherwise a throwaway Postgres
// container is started (and the test is skipped if Docker is unavailable).
// Cleanup truncates application tables so tests start from a clean slate.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	terminate := func() {}
	if dbURL == "" {
		dbURL, terminate = startContainer(t)
	}

	fail := func(format string, args ...any) {
		terminate()
		t.Fatalf("pgtest: "+format, args...)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		fail("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		fail("connect to database: %v", err)
	}

	ctx := context.Background()
	if err := applyMigrations(ctx, db, locateMigrations(t)); err != nil {
		_ = db.Close()
		fail("run migrations: %v", err)
	}

	return db, func() {
		resetTables(ctx, db)
		_ = db.Close()
		terminate()
	}
}

// startContainer boots a disposable Postgres for the duration of one test.
func startContainer(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("diem_test"),
		tcpostgres.WithUsername("diem"),
		tcpostgres.WithPassword("diem"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("pgtest: POSTGRES_URL not set and container start failed: %v", err)
	}

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("pgtest: container connection string: %v", err)
	}

	return url, func() { _ = testcontainers.TerminateContainer(ctr) }
}

// locateMigrations walks up from the test working directory to the
// project-level migrations/ directory.
func locateMigrations(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("pgtest: no migrations/ directory found walking up from cwd")
		}
		dir = parent
	}
}

// applyMigrations executes the Up section of every .sql file in name order.
func applyMigrations(ctx context.Context, db *sql.DB, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		data, err := os.ReadFile(path) // #nosec G304 -- path built from trusted migrations dir
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if _, err := db.ExecContext(ctx, upSection(string(data))); err != nil {
			return fmt.Errorf("execute %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// upSection strips the goose Down section so only forward statements run.
func upSection(sql string) string {
	if i := strings.Index(sql, "-- +goose Down"); i >= 0 {
		return sql[:i]
	}
	return sql
}

// resetTables truncates all user-created tables, leaving the goose version
// table alone. TRUNCATE ... CASCADE handles foreign keys in one statement.
func resetTables(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return
	}

	// Table names come from the pg_tables catalog, not user input.
	stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202
	_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort teardown
}
