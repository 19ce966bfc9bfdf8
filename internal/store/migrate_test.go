package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func TestMigrateNewDB(t *testing.T) {
	s := openTestStore(t)

	version, err := schemaVersion(s.conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestMigrateLegacyDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// Simulate a pre-migration database: version-1 tables without user_version,
	// analysis still missing the schema_version column.
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	_, err = raw.Exec(`
		CREATE TABLE incidents (
			incident_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'downloaded',
			incident_date TEXT NOT NULL
		);
		CREATE TABLE analysis (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT UNIQUE NOT NULL,
			verdict TEXT NOT NULL
		);`)
	if err != nil {
		t.Fatalf("create legacy tables: %v", err)
	}
	raw.Close()

	// Now open via the migration system.
	s, err := Open(dbPath, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	version, err := schemaVersion(s.conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d after legacy migration, got %d", latestVersion(), version)
	}

	// Migration 2 must have added the dialect tag column.
	var count int
	err = s.conn.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('analysis') WHERE name = 'schema_version'",
	).Scan(&count)
	if err != nil {
		t.Fatalf("checking column: %v", err)
	}
	if count != 1 {
		t.Error("expected schema_version column after migration 2")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idem.db")

	s1, err := Open(dbPath, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s1.Close()

	s2, err := Open(dbPath, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	version, err := schemaVersion(s2.conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestSchemaVersionNewDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	version, err := schemaVersion(conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 on new db, got %d", version)
	}
}

func TestPreVersioningFalseOnNewDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fresh.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	legacy, err := isPreVersioningDB(conn)
	if err != nil {
		t.Fatalf("isPreVersioningDB: %v", err)
	}
	if legacy {
		t.Error("expected isPreVersioningDB=false on empty database")
	}
}
