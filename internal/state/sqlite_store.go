package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
)

// CurrentSchemaVersion of the SQLite layout.
const CurrentSchemaVersion = 1

// SQLiteStore implements SQLite-based state storage.
type SQLiteStore struct {
	path   string
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates a SQLite state store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path is required")
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		path:   dbPath,
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sync_entries (
        path TEXT PRIMARY KEY,
        fingerprint TEXT NOT NULL,
        remote_id TEXT NOT NULL DEFAULT '',
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS sync_meta (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        saved_at TIMESTAMP NOT NULL
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Load retrieves the snapshot from the database.
func (s *SQLiteStore) Load(ctx context.Context) (*models.Snapshot, error) {
	s.logger.WithField("path", s.path).Debug("Loading state from SQLite")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var savedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT saved_at FROM sync_meta WHERE id = 1`).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
        SELECT path, fingerprint, remote_id
        FROM sync_entries
    `)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	snap := models.NewSnapshot()
	for rows.Next() {
		var path string
		var entry models.SyncEntry
		if err := rows.Scan(&path, &entry.Fingerprint, &entry.RemoteID); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		snap.Put(path, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}

	return snap, nil
}

// Save replaces all entries in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *models.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"path":    s.path,
		"entries": snap.Len(),
	}).Debug("Saving state to SQLite")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_entries"); err != nil {
		return fmt.Errorf("delete old entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO sync_entries (path, fingerprint, remote_id, updated_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, path := range snap.Paths() {
		entry, _ := snap.Get(path)
		if _, err := stmt.ExecContext(ctx, path, entry.Fingerprint, entry.RemoteID); err != nil {
			return fmt.Errorf("insert entry %s: %w", path, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sync_meta (id, saved_at) VALUES (1, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET saved_at = CURRENT_TIMESTAMP
    `)
	if err != nil {
		return fmt.Errorf("update meta: %w", err)
	}

	return tx.Commit()
}

// Reset removes all entries.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.logger.WithField("path", s.path).Info("Resetting state in SQLite")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{"DELETE FROM sync_entries", "DELETE FROM sync_meta"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset state: %w", err)
		}
	}

	return tx.Commit()
}

// Location returns the database path.
func (s *SQLiteStore) Location() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
