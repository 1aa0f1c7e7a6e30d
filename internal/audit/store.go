// Package audit is an append-only SQLite-backed event log for the
// manager's connect/disconnect/call-tool/protocol-error lifecycle.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one recorded occurrence in a server's connection lifecycle.
type Event struct {
	ID         int64
	Timestamp  time.Time
	Kind       string
	Server     string
	InstanceID string
}

// Store persists Events to a local SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if absent) the audit database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "audit.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		kind TEXT NOT NULL,
		server TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_server ON events(server);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends an event. instanceID identifies the connect/disconnect
// generation the event belongs to, empty for events with no live
// connection. Failures are logged by the caller's hook wrapper, not
// returned to the manager — audit persistence must never block or fail a
// connect/disconnect/call operation.
func (s *Store) Record(kind, server, instanceID string) error {
	_, err := s.db.Exec(
		`INSERT INTO events (ts, kind, server, instance_id) VALUES (?, ?, ?, ?)`,
		time.Now().UTC(), kind, server, instanceID,
	)
	return err
}

// Recent returns the most recent n events, newest first.
func (s *Store) Recent(n int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, kind, server, instance_id FROM events ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &e.Server, &e.InstanceID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ForServer returns the most recent n events for a single server, newest
// first.
func (s *Store) ForServer(server string, n int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, kind, server, instance_id FROM events WHERE server = ? ORDER BY id DESC LIMIT ?`,
		server, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query server events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &e.Server, &e.InstanceID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
