package storage

import (
	"database/sql"
	"fmt"
)

var migrations = []string{
	// Migration 1: Initial schema. The daily breakdown and model set are
	// stored as JSON text; aggregate columns are denormalized for the
	// leaderboard indexes and always rewritten together with the breakdown.
	`CREATE TABLE IF NOT EXISTS submissions (
		id                    TEXT PRIMARY KEY,
		username              TEXT NOT NULL,
		department            TEXT NOT NULL DEFAULT '',
		machine_id            TEXT NOT NULL DEFAULT '',
		machine_name          TEXT NOT NULL DEFAULT '',
		source                TEXT NOT NULL DEFAULT 'cli',
		input_tokens          INTEGER NOT NULL DEFAULT 0,
		output_tokens         INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
		total_tokens          INTEGER NOT NULL DEFAULT 0,
		total_cost            REAL NOT NULL DEFAULT 0.0,
		date_start            TEXT NOT NULL DEFAULT '',
		date_end              TEXT NOT NULL DEFAULT '',
		models_used           TEXT NOT NULL DEFAULT '[]',
		daily_breakdown       TEXT NOT NULL DEFAULT '[]',
		submitted_at          DATETIME NOT NULL,
		verified              INTEGER NOT NULL DEFAULT 0,
		flagged_for_review    INTEGER NOT NULL DEFAULT 0,
		flag_reasons          TEXT,
		UNIQUE(username, machine_id, source)
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_total_cost ON submissions(total_cost);
	CREATE INDEX IF NOT EXISTS idx_submissions_total_tokens ON submissions(total_tokens);
	CREATE INDEX IF NOT EXISTS idx_submissions_submitted_at ON submissions(submitted_at);
	CREATE INDEX IF NOT EXISTS idx_submissions_username ON submissions(username);
	CREATE INDEX IF NOT EXISTS idx_submissions_department ON submissions(department);
	CREATE INDEX IF NOT EXISTS idx_submissions_flagged ON submissions(flagged_for_review, submitted_at);

	CREATE TABLE IF NOT EXISTS profiles (
		id                TEXT PRIMARY KEY,
		username          TEXT NOT NULL UNIQUE,
		department        TEXT NOT NULL DEFAULT '',
		machines          TEXT NOT NULL DEFAULT '[]',
		total_submissions INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		total_cost        REAL NOT NULL DEFAULT 0.0,
		first_submission  DATETIME NOT NULL,
		last_submission   DATETIME NOT NULL,
		created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_total_cost ON profiles(total_cost);
	CREATE INDEX IF NOT EXISTS idx_profiles_department ON profiles(department);

	CREATE TABLE IF NOT EXISTS tasks (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL DEFAULT '{}',
		run_after  DATETIME NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		locked_at  DATETIME,
		locked_by  TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_run_after ON tasks(run_after);

	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// runMigrations applies pending schema migrations.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
