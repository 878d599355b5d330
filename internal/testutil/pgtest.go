// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/plazashare/escrow/migrations"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresImage is the image started when PGTEST_CONTAINER is set.
const PostgresImage = "postgres:16-alpine"

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// PGTest opens a test database connection, applies the embedded migrations,
// and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The database comes from POSTGRES_URL. Without it, PGTEST_CONTAINER=1
// starts one throwaway Postgres container shared by the whole test binary.
// With neither, the test is skipped. The cleanup function truncates all
// application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL, err := databaseURL()
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(context.Background(), db)
		_ = db.Close()
	}
	return db, cleanup
}

func databaseURL() (string, error) {
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		return url, nil
	}
	if os.Getenv("PGTEST_CONTAINER") == "" {
		return "", nil
	}
	containerOnce.Do(func() {
		containerDSN, containerErr = startContainer(context.Background())
	})
	return containerDSN, containerErr
}

// startContainer boots Postgres for the lifetime of the test process. The
// testcontainers reaper removes it when the process exits.
func startContainer(ctx context.Context) (string, error) {
	ctr, err := postgres.Run(ctx, PostgresImage,
		postgres.WithDatabase("plazashare"),
		postgres.WithUsername("plazashare"),
		postgres.WithPassword("plazashare"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", fmt.Errorf("start postgres container: %w", err)
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = ctr.Terminate(ctx)
		return "", fmt.Errorf("resolve connection string: %w", err)
	}
	return dsn, nil
}

// truncateAll truncates every application table between tests. The goose
// version table is kept so migrations are not re-run.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
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

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}
