package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func migrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func TestDiscoverMigrationsPairsScripts(t *testing.T) {
	migrations, err := DiscoverMigrations(migrationsDir())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	want := []string{"workflow_templates", "proposals_evaluations", "reviews_rubric", "documents_to_sign", "proposal_search"}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, m := range migrations {
		if m.Name != want[i] {
			t.Fatalf("migration %d: expected %q, got %q", i, want[i], m.Name)
		}
		if !strings.HasSuffix(m.Version(), ".up.sql") {
			t.Fatalf("unexpected version key %q", m.Version())
		}
	}
}

func TestDiscoverMigrationsRejectsMissingDown(t *testing.T) {
	dir := t.TempDir()
	write := func(name string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("0001_base.up.sql")
	write("0001_base.down.sql")
	write("0002_reviews.up.sql")
	write("notes.txt")

	if _, err := DiscoverMigrations(dir); err == nil || !strings.Contains(err.Error(), "0002") {
		t.Fatalf("expected missing down error for 0002, got %v", err)
	}

	write("0002_reviews.down.sql")
	migrations, err := DiscoverMigrations(dir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(migrations) != 2 || migrations[1].Number != "0002" {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
}

func TestDiscoverMigrationsRejectsConflictingNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0001_base.up.sql", "0001_other.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if _, err := DiscoverMigrations(dir); err == nil {
		t.Fatal("expected conflicting names to be rejected")
	}
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("GOVERNANCE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("GOVERNANCE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir()); err != nil {
		t.Fatalf("apply (pass 1): %v", err)
	}
	for _, table := range []string{"workflow_templates", "proposal_evaluations", "evaluation_reviews", "documents_to_sign"} {
		if !tableExists(t, ctx, db, table) {
			t.Fatalf("expected table %s after migrating up", table)
		}
	}

	reverted, err := RollbackMigrations(ctx, db, migrationsDir(), 1)
	if err != nil {
		t.Fatalf("rollback one: %v", err)
	}
	if len(reverted) != 1 || !strings.HasPrefix(reverted[0], "0005_") {
		t.Fatalf("expected only the search migration reverted, got %v", reverted)
	}

	if _, err := RollbackMigrations(ctx, db, migrationsDir(), 0); err != nil {
		t.Fatalf("rollback all: %v", err)
	}
	if tableExists(t, ctx, db, "workflow_templates") {
		t.Fatal("expected workflow_templates to be dropped")
	}
	applied, err := AppliedMigrations(ctx, db)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no recorded migrations, got %v", applied)
	}

	if err := ApplyMigrations(ctx, db, migrationsDir()); err != nil {
		t.Fatalf("apply (pass 2): %v", err)
	}
}

func tableExists(t *testing.T, ctx context.Context, db *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT to_regclass('public.' || $1) IS NOT NULL`, table).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return exists
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
