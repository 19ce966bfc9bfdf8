package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// schemaVersion reads PRAGMA user_version from the database.
func schemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// isPreVersioningDB reports whether the database carries version-1 tables
// without a user_version stamp, which marks a database created before
// migrations were tracked.
func isPreVersioningDB(conn *sql.DB) (bool, error) {
	var count int
	err := conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='incidents'",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for unstamped tables: %w", err)
	}
	return count > 0, nil
}

// migrate applies every migration above the database's current version.
// An unstamped database with existing tables is first stamped as version 1,
// since its schema already matches migration 1.
func migrate(conn *sql.DB, log *zap.SugaredLogger) error {
	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}

	if current == 0 {
		unstamped, err := isPreVersioningDB(conn)
		if err != nil {
			return err
		}
		if unstamped {
			log.Infow("stamping pre-versioning database", "version", 1)
			if _, err := conn.Exec("PRAGMA user_version = 1"); err != nil {
				return fmt.Errorf("stamping initial version: %w", err)
			}
			current = 1
		}
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		log.Infow("applying migration", "version", m.Version, "description", m.Description)

		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		// user_version cannot be set inside the transaction under
		// modernc/sqlite. A crash between commit and stamp re-runs the
		// migration, which the idempotent DDL tolerates.
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("setting version %d: %w", m.Version, err)
		}
	}

	return nil
}
