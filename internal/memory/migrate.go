package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the version a fully migrated database reports.
const schemaVersion = 3

// column is added by a migration only when the table lacks it, so databases
// that picked it up out of band still migrate.
type column struct {
	table, name, decl string
}

type migration struct {
	version     int
	description string
	stmts       []string
	columns     []column
}

var migrations = []migration{
	{
		version:     1,
		description: "sessions and messages",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id          TEXT PRIMARY KEY,
				title       TEXT NOT NULL DEFAULT '',
				created_at  INTEGER NOT NULL,
				updated_at  INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id          TEXT PRIMARY KEY,
				session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				seq         INTEGER NOT NULL,
				role        TEXT NOT NULL,
				content     TEXT NOT NULL DEFAULT '',
				sources     TEXT,
				created_at  INTEGER NOT NULL,
				UNIQUE(session_id, seq)
			)`,
		},
	},
	{
		version:     2,
		description: "knowledge documents and chunks",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				id          TEXT PRIMARY KEY,
				origin_uri  TEXT NOT NULL,
				raw_text    TEXT NOT NULL,
				chunk_count INTEGER NOT NULL DEFAULT 0,
				created_at  INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_origin ON documents(origin_uri)`,
			`CREATE TABLE IF NOT EXISTS chunks (
				id          TEXT PRIMARY KEY,
				document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
				position    INTEGER NOT NULL,
				text        TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(document_id, position)`,
		},
	},
	{
		version:     3,
		description: "message intent",
		columns: []column{
			{table: "messages", name: "intent", decl: "TEXT NOT NULL DEFAULT ''"},
		},
	},
}

// RunMigrations brings db up to schemaVersion. Each migration runs in its
// own transaction together with its schema_version row. A database written
// by a newer build is refused.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than this build supports (v%d)", current, schemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		logger.Info("migration applied", "version", m.version, "description", m.description)
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
	}
	for _, c := range m.columns {
		exists, err := hasColumn(tx, c.table, c.name)
		if err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if exists {
			continue
		}
		if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.decl)); err != nil {
			return fmt.Errorf("migration v%d: add %s.%s: %w", m.version, c.table, c.name, err)
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.version, m.description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.version, err)
	}
	return nil
}

func hasColumn(tx *sql.Tx, table, name string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid      int
			col, typ string
			notNull  int
			dflt     sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if col == name {
			return true, nil
		}
	}
	return false, rows.Err()
}

// GetSchemaVersion returns the applied schema version, 0 for a new database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
