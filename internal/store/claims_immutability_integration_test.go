package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// TestClaimsImmutabilityBlocksUpdate verifies that UPDATE operations on
// sourcing_claims are blocked by the database trigger with a hard failure.
func TestClaimsImmutabilityBlocksUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	databaseURL := getTestDatabaseURL(t)
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Ensure migration 0002 is applied
	_, err = db.ExecContext(ctx, `
		SELECT 1 FROM information_schema.triggers
		WHERE trigger_name = 'trg_sourcing_claims_block_update'
	`)
	if err != nil {
		t.Fatalf("immutability trigger not found; migration 0002 may not be applied: %v", err)
	}

	seedClaim(ctx, t, db, "prj_immut_update", "clm_immut_update")

	// Attempt to UPDATE the claim - should fail
	_, err = db.ExecContext(ctx, `
		UPDATE sourcing_claims
		SET value_json = '"tampered"'::jsonb
		WHERE id = 'clm_immut_update'
	`)

	if err == nil {
		t.Fatal("expected UPDATE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}
	if pgErr.Message != "sourcing_claims is immutable; UPDATE is not allowed" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}

	cleanupSeed(ctx, db)
}

// TestClaimsImmutabilityBlocksDelete verifies that DELETE operations on
// sourcing_claims are blocked by the database trigger with a hard failure.
func TestClaimsImmutabilityBlocksDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	databaseURL := getTestDatabaseURL(t)
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	seedClaim(ctx, t, db, "prj_immut_delete", "clm_immut_delete")

	// Attempt to DELETE the claim - should fail
	_, err = db.ExecContext(ctx, `
		DELETE FROM sourcing_claims WHERE id = 'clm_immut_delete'
	`)

	if err == nil {
		t.Fatal("expected DELETE to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}
	if pgErr.Message != "sourcing_claims is immutable; DELETE is not allowed" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}

	cleanupSeed(ctx, db)
}

// TestClaimsInsertStillWorks verifies that INSERT operations on
// sourcing_claims continue to work normally.
func TestClaimsInsertStillWorks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	databaseURL := getTestDatabaseURL(t)
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	seedClaim(ctx, t, db, "prj_immut_insert", "clm_immut_insert")

	var count int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sourcing_claims WHERE id = 'clm_immut_insert'`).Scan(&count)
	if err != nil {
		t.Fatalf("query sourcing claims: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 claim, got %d", count)
	}

	cleanupSeed(ctx, db)
}

func seedClaim(ctx context.Context, t *testing.T, db *sql.DB, projectID, claimID string) {
	t.Helper()

	_, err := db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_user_id, status)
		VALUES ($1, 'usr_test', 'ANALYZING')
		ON CONFLICT (id) DO NOTHING
	`, projectID)
	if err != nil {
		t.Fatalf("insert test project: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sourcing_claims
			(id, project_id, field_key, value_json, claim_type,
			 created_by_role, created_by_user_id, source_type, version_id)
		VALUES ($1, $2, 'factory_candidate', '{"factory_name":"Test"}'::jsonb, 'USER_PROVIDED',
			'user', 'usr_test', 'manual', 'ver-test')
		ON CONFLICT (id) DO NOTHING
	`, claimID, projectID)
	if err != nil {
		t.Fatalf("insert test claim: %v", err)
	}
}

func cleanupSeed(ctx context.Context, db *sql.DB) {
	// The trigger blocks DELETE, so test rows are removed with TRUNCATE.
	_, _ = db.ExecContext(ctx, `TRUNCATE sourcing_claims, claim_evidence_links, projects CASCADE`)
}

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := getenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "verisource")
	pass := getenv("POSTGRES_PASSWORD", "verisource")
	dbname := getenv("POSTGRES_DB", "verisource_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
