// Package journal persists observed transaction events to a local SQLite
// database so a watcher can be audited or replayed after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"transactor-client/internal/domain"
)

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 100

// Entry is one journaled event.
type Entry struct {
	ID         int64
	Workspace  string
	Class      domain.Ref
	Kind       string
	ObjectID   domain.Ref
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// SQLiteStore is an append-only event journal backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path and runs the schema migration.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tx_journal (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace   TEXT NOT NULL,
			class       TEXT NOT NULL,
			kind        TEXT NOT NULL,
			object_id   TEXT NOT NULL,
			payload     TEXT NOT NULL DEFAULT 'null',
			received_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tx_journal_class_received
			ON tx_journal (class, received_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append records e. A zero ReceivedAt is stamped with the current time.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) (int64, error) {
	if e.Class == "" || e.Kind == "" {
		return 0, fmt.Errorf("journal entry: class and kind required: %w", domain.ErrInvalidInput)
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "null"
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO tx_journal (workspace, class, kind, object_id, payload, received_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.Workspace, e.Class, e.Kind, e.ObjectID, payload, e.ReceivedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("append journal entry: %w", err)
	}
	return res.LastInsertId()
}

// List returns entries for class received at or after since, oldest first.
func (s *SQLiteStore) List(ctx context.Context, class domain.Ref, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace, class, kind, object_id, payload, received_at
		 FROM tx_journal WHERE class = ? AND received_at >= ?
		 ORDER BY received_at, id LIMIT ?`,
		class, since.UTC().UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			payload  string
			received int64
		)
		if err := rows.Scan(&e.ID, &e.Workspace, &e.Class, &e.Kind, &e.ObjectID, &payload, &received); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.ReceivedAt = time.UnixMilli(received).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries received before olderThan and returns how many went.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tx_journal WHERE received_at < ?", olderThan.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}
