package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 2

type DB struct {
	conn *sql.DB
	path string
}

type migrationError struct {
	backupPath string
	cause      error
}

func (e *migrationError) Error() string {
	return e.cause.Error()
}

func (e *migrationError) Unwrap() error {
	return e.cause
}

func NewSQLiteDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "advisor0.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Step rows reference tasks with ON DELETE CASCADE.
	if _, err := conn.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	database := &DB{conn: conn, path: dbPath}
	if err := database.initSchema(); err != nil {
		_ = conn.Close()

		var migrateErr *migrationError
		if errors.As(err, &migrateErr) && migrateErr.backupPath != "" {
			if rollbackErr := restoreFromBackup(migrateErr.backupPath, dbPath); rollbackErr != nil {
				return nil, fmt.Errorf("failed to init schema: %w; rollback from %s also failed: %v", migrateErr.cause, migrateErr.backupPath, rollbackErr)
			}
			return nil, fmt.Errorf("failed to init schema (rolled back from %s): %w", migrateErr.backupPath, migrateErr.cause)
		}
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return database, nil
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) initSchema() error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}

	version, err := readSchemaVersion(tx)
	if err != nil {
		return err
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than runtime version %d", version, currentSchemaVersion)
	}

	var backupPath string
	if version > 0 && version < currentSchemaVersion {
		backupPath, err = d.createMigrationBackup()
		if err != nil {
			return fmt.Errorf("create migration backup: %w", err)
		}
	}

	if err := applyMigrations(tx, version); err != nil {
		if backupPath != "" {
			return &migrationError{backupPath: backupPath, cause: err}
		}
		return err
	}

	return tx.Commit()
}

func readSchemaVersion(tx *sql.Tx) (int, error) {
	var versionText string
	err := tx.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&versionText)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	version, parseErr := strconv.Atoi(versionText)
	if parseErr != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", versionText, parseErr)
	}
	if version < 0 {
		return 0, fmt.Errorf("invalid schema version %d", version)
	}
	return version, nil
}

func applyMigrations(tx *sql.Tx, version int) error {
	for version < currentSchemaVersion {
		nextVersion, err := applyNextMigration(tx, version)
		if err != nil {
			return err
		}
		if err := writeSchemaVersion(tx, nextVersion); err != nil {
			return err
		}
		version = nextVersion
	}
	return nil
}

func applyNextMigration(tx *sql.Tx, version int) (int, error) {
	switch version {
	case 0:
		if err := migrateToAgentCoreSchema(tx); err != nil {
			return version, fmt.Errorf("migrate schema 0 -> 1: %w", err)
		}
		return 1, nil
	case 1:
		if err := migrateToCRMSchema(tx); err != nil {
			return version, fmt.Errorf("migrate schema 1 -> 2: %w", err)
		}
		return 2, nil
	default:
		return version, fmt.Errorf("unsupported schema migration source version %d", version)
	}
}

func migrateToAgentCoreSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	llm_api_key TEXT,
	google_token TEXT,
	hubspot_token TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_email ON profiles(email)`,
		`CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	next_action TEXT,
	state JSON NOT NULL DEFAULT '{}',
	is_suggestion INTEGER NOT NULL DEFAULT 0,
	contact_id TEXT,
	calendar_event_id TEXT,
	due_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_status_created ON tasks(user_id, status, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at ASC)`,
		`CREATE TABLE IF NOT EXISTS task_steps (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	step_number INTEGER NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	created_at INTEGER NOT NULL,
	completed_at INTEGER,
	UNIQUE(task_id, step_number)
);`,
		`CREATE TABLE IF NOT EXISTS instructions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	instruction TEXT NOT NULL,
	status TEXT NOT NULL,
	triggers JSON NOT NULL DEFAULT '[]',
	conditions JSON,
	last_triggered INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_instructions_user_status ON instructions(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS memories (
	user_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER,
	PRIMARY KEY (user_id, key)
);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_updated ON memories(user_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	source TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSON NOT NULL,
	summary TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT,
	received_at INTEGER NOT NULL,
	processed_at INTEGER
);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_status_received ON webhook_events(status, received_at ASC)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateToCRMSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
	user_id TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	last_interaction INTEGER,
	PRIMARY KEY (user_id, contact_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_user_email ON contacts(user_id, email)`,
		`CREATE TABLE IF NOT EXISTS email_interactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	snippet TEXT NOT NULL,
	received_at INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_email_interactions_contact_received ON email_interactions(user_id, contact_id, received_at DESC)`,
		`CREATE TABLE IF NOT EXISTS calendar_events (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	contact_id TEXT,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	status TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_calendar_events_user_start ON calendar_events(user_id, start_time ASC)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func writeSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec(`
INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(version)); err != nil {
		return err
	}
	return nil
}

func (d *DB) createMigrationBackup() (string, error) {
	if _, err := d.conn.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return "", fmt.Errorf("checkpoint wal: %w", err)
	}

	backupPath := fmt.Sprintf("%s.migration-%d.bak", d.path, time.Now().Unix())
	if err := copyFile(d.path, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

func restoreFromBackup(backupPath, dbPath string) error {
	if err := copyFile(backupPath, dbPath); err != nil {
		return err
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		return err
	}
	return target.Sync()
}
