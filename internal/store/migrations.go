package store

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS incidents (
    incident_id TEXT PRIMARY KEY,
    file_name TEXT,
    file_path TEXT,
    file_type TEXT,
    file_size INTEGER,
    user_email TEXT,
    metadata TEXT,
    status TEXT NOT NULL DEFAULT 'downloaded',
    severity TEXT,
    policy_severity TEXT,
    incident_date TEXT NOT NULL,
    downloaded_at TEXT DEFAULT (datetime('now')),
    analyzed_at TEXT,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS analysis (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id TEXT UNIQUE NOT NULL REFERENCES incidents(incident_id),
    verdict TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    executive_summary TEXT,
    reasoning TEXT,
    raw_reply TEXT,
    risk_level TEXT,
    processing_time REAL DEFAULT 0,
    tokens_used INTEGER DEFAULT 0,
    analyzed_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS feedback (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id TEXT NOT NULL REFERENCES incidents(incident_id),
    analysis_id INTEGER,
    original_verdict TEXT NOT NULL,
    corrected_verdict TEXT NOT NULL,
    analyst_comment TEXT,
    relevance_score REAL NOT NULL DEFAULT 1.0,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS processing_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT UNIQUE NOT NULL,
    run_date TEXT NOT NULL,
    incidents_downloaded INTEGER DEFAULT 0,
    incidents_analyzed INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0,
    errors INTEGER DEFAULT 0,
    started_at TEXT,
    completed_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
CREATE INDEX IF NOT EXISTS idx_incidents_date ON incidents(incident_date);
CREATE INDEX IF NOT EXISTS idx_incidents_severity ON incidents(severity);
CREATE INDEX IF NOT EXISTS idx_feedback_incident ON feedback(incident_id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "analysis reply dialect tag",
		Up: func(tx *sql.Tx) error {
			// Guarded so a partially applied migration can re-run.
			var count int
			if err := tx.QueryRow(
				"SELECT COUNT(*) FROM pragma_table_info('analysis') WHERE name = 'schema_version'",
			).Scan(&count); err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			_, err := tx.Exec("ALTER TABLE analysis ADD COLUMN schema_version TEXT")
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
