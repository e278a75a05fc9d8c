package migrate

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateCore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test-core.db")

	if err := MigrateCore(dbPath); err != nil {
		t.Fatalf("MigrateCore failed: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"jobs", "job_triggers"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("%s table does not exist: %v", table, err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = '001_init.sql'").Scan(&count); err != nil {
		t.Fatalf("failed to query schema_migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration entry, got %d", count)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test-idempotent.db")

	if err := MigrateCore(dbPath); err != nil {
		t.Fatalf("first MigrateCore failed: %v", err)
	}
	if err := MigrateCore(dbPath); err != nil {
		t.Fatalf("second MigrateCore failed: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to query schema_migrations: %v", err)
	}

	entries, err := coreMigrations.ReadDir("sql/core")
	if err != nil {
		t.Fatalf("failed to read embedded core migrations: %v", err)
	}
	expected := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			expected++
		}
	}
	if count != expected {
		t.Errorf("expected %d migration entries after two runs, got %d", expected, count)
	}
}

func TestJobsTableSchema(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test-schema.db")

	if err := MigrateCore(dbPath); err != nil {
		t.Fatalf("MigrateCore failed: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO jobs (id, tenant_id, label, status, stage, idempotency_key, created_ts, updated_ts)
		VALUES ('job-1', 'tenant-a', 'first job', 'PENDING', 'VALIDATING', 'key-1', 0, 0)
	`)
	if err != nil {
		t.Fatalf("failed to insert test job: %v", err)
	}

	var id string
	if err := db.QueryRow("SELECT id FROM jobs WHERE tenant_id = ? AND idempotency_key = ?", "tenant-a", "key-1").Scan(&id); err != nil {
		t.Fatalf("failed to query test job: %v", err)
	}
	if id != "job-1" {
		t.Errorf("expected job id 'job-1', got %q", id)
	}

	_, err = db.Exec(`
		INSERT INTO jobs (id, tenant_id, label, status, stage, idempotency_key, created_ts, updated_ts)
		VALUES ('job-2', 'tenant-a', 'second job', 'PENDING', 'VALIDATING', 'key-1', 0, 0)
	`)
	if err == nil {
		t.Error("expected unique constraint violation on (tenant_id, idempotency_key), but insert succeeded")
	}

	// A null idempotency_key never collides, even across repeats.
	for i := 0; i < 2; i++ {
		_, err = db.Exec(`
			INSERT INTO jobs (id, tenant_id, label, status, stage, created_ts, updated_ts)
			VALUES (?, 'tenant-a', 'no key', 'PENDING', 'VALIDATING', 0, 0)
		`, "job-no-key-"+string(rune('a'+i)))
		if err != nil {
			t.Fatalf("unexpected error inserting job with null idempotency_key: %v", err)
		}
	}
}
