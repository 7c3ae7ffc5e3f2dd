package locks

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS locks (
	kind      TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (kind, thread_id)
);`

// SQLiteStore keeps every kind in one table.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("locks: create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("locks: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("locks: connect sqlite: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("locks: init sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(kind Kind) (map[string]string, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	rows, err := s.db.Query(`SELECT thread_id, value FROM locks WHERE kind = ?`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var threadID, value string
		if err := rows.Scan(&threadID, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out[threadID] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return out, nil
}

// Save replaces every row of kind in one transaction.
func (s *SQLiteStore) Save(kind Kind, entries map[string]string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin %s: %w", kind, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM locks WHERE kind = ?`, string(kind)); err != nil {
		return fmt.Errorf("clear %s: %w", kind, err)
	}
	stmt, err := tx.Prepare(`INSERT INTO locks (kind, thread_id, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", kind, err)
	}
	defer stmt.Close()
	for threadID, value := range entries {
		if _, err := stmt.Exec(string(kind), threadID, value); err != nil {
			return fmt.Errorf("insert %s/%s: %w", kind, threadID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}
	return nil
}
