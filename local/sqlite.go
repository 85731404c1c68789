package local

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jacentio/tillsync/remote"
)

//go:embed schema.sql
var schemaSQL string

// Snapshot persists local state to SQLite so it survives restarts.
// Only state is stored; events are not replayed.
type Snapshot struct {
	db *sql.DB
}

// OpenSnapshot creates or opens a snapshot database at path.
// Use ":memory:" for a throwaway database.
func OpenSnapshot(path string) (*Snapshot, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer; an in-memory database also lives on a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Snapshot{db: db}, nil
}

// Close closes the database.
func (s *Snapshot) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the stored snapshot with the current contents of m.
func (s *Snapshot) Save(ctx context.Context, m *Memory) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return 0, fmt.Errorf("clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (collection, id, body, saved_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	n := 0
	for _, collection := range m.Collections() {
		for _, rec := range m.List(collection) {
			body, err := json.Marshal(rec)
			if err != nil {
				return 0, fmt.Errorf("encode %s/%s: %w", collection, rec.ID(), err)
			}
			if _, err := stmt.ExecContext(ctx, collection, rec.ID(), string(body), now); err != nil {
				return 0, fmt.Errorf("insert %s/%s: %w", collection, rec.ID(), err)
			}
			n++
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (key, value) VALUES ('saved_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, now); err != nil {
		return 0, fmt.Errorf("update meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// Load puts every stored record into m and returns how many were loaded.
func (s *Snapshot) Load(ctx context.Context, m *Memory) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collection, body FROM records ORDER BY collection, id`)
	if err != nil {
		return 0, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var collection, body string
		if err := rows.Scan(&collection, &body); err != nil {
			return n, fmt.Errorf("scan record: %w", err)
		}
		var rec remote.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return n, fmt.Errorf("decode record in %s: %w", collection, err)
		}
		m.Put(collection, rec)
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate records: %w", err)
	}
	return n, nil
}

// SavedAt returns when the snapshot was last saved, zero if never.
func (s *Snapshot) SavedAt(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM snapshot_meta WHERE key = 'saved_at'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query meta: %w", err)
	}
	return time.Parse(time.RFC3339, value)
}
