// Package migrate applies the engine's SQL schema to a sqlite3 database,
// tracking applied versions in a schema_migrations table. Generalized from
// the teacher's two-database (queue/warehouse) migration runner down to a
// single embedded migration set for the engine's own schema.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed sql/core/*.sql
var coreMigrations embed.FS

// MigrateCore applies every core migration to the database at dbPath,
// creating the file if it does not exist.
func MigrateCore(dbPath string) error {
	return runMigrations(dbPath, coreMigrations, "sql/core")
}

// Open opens the sqlite3 database at dbPath with the pragmas the engine
// relies on everywhere (WAL journal, a busy timeout so concurrent row
// locking backs off instead of erroring, foreign keys for the
// jobs/job_triggers cascade, and _txlock=immediate so every BeginTx
// acquires sqlite's write lock at BEGIN rather than at the first write —
// without this, two concurrent lease transactions can both read
// CountRunning from their own pre-write snapshot before either commits).
func Open(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return db, nil
}

func runMigrations(dbPath string, fs embed.FS, migrationDir string) error {
	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		if err := executeMigration(db, fs, path.Join(migrationDir, filename), filename); err != nil {
			return fmt.Errorf("migration %s failed: %w", filename, err)
		}
	}

	return nil
}

func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_ts INTEGER NOT NULL
		)
	`)
	return err
}

func executeMigration(db *sql.DB, fs embed.FS, filePath, filename string) error {
	var exists bool
	err := db.QueryRow("SELECT 1 FROM schema_migrations WHERE version = ?", filename).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check migration status: %w", err)
	}

	content, err := fs.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_ts) VALUES (?, ?)",
		filename,
		time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}
