// Package meshstore provides an append-only SQLite audit trail of
// lifecycle transitions and emitted events. It is a supervisory record
// for operators, not agent-state persistence: agent state itself stays
// in-process for the process lifetime (no cross-restart persistence,
// spec §1 Non-goals). All public methods are safe for concurrent use;
// SQLite serializes writes.
package meshstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/agentmesh/internal/eventbus"
)

// Store persists lifecycle and bus events to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens a meshstore database at dbPath using driver
// (either "sqlite3", github.com/mattn/go-sqlite3's CGO driver, or
// "sqlite", modernc.org/sqlite's pure-Go driver — selected by
// config.StorageConfig.Driver, mirroring the teacher's usage store).
// The schema is created automatically on first use.
func Open(driver, dbPath string) (*Store, error) {
	dsn := dbPath
	if driver == "sqlite3" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	} else {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open meshstore database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate meshstore schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		transition TEXT NOT NULL,
		reason     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_agent ON lifecycle_events(agent_id);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_occurred ON lifecycle_events(occurred_at);

	CREATE TABLE IF NOT EXISTS bus_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id   TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		topic      TEXT NOT NULL,
		source     TEXT,
		data_json  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_bus_topic ON bus_events(topic);
	CREATE INDEX IF NOT EXISTS idx_bus_occurred ON bus_events(occurred_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordLifecycleTransition appends one row describing an agent's
// lifecycle transition. transition is stored as given, e.g. "started"
// or a full lifecycle.Controller topic such as "agent_lifecycle.started"
// (cmd/agentmeshd records the full topic).
func (s *Store) RecordLifecycleTransition(ctx context.Context, agentID, transition, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (occurred_at, agent_id, transition, reason) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), agentID, transition, reason,
	)
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// RecordEvent appends one row for an event observed on the bus. Data
// is marshaled to JSON for storage; a marshal failure degrades to an
// empty payload rather than dropping the audit row entirely.
func (s *Store) RecordEvent(ctx context.Context, ev eventbus.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bus_events (event_id, occurred_at, topic, source, data_json) VALUES (?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Type, ev.Source, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert bus event: %w", err)
	}
	return nil
}

// LifecycleTransition is one row read back from the audit trail.
type LifecycleTransition struct {
	OccurredAt time.Time
	AgentID    string
	Transition string
	Reason     string
}

// RecentLifecycleTransitions returns up to limit of the most recent
// lifecycle transitions, newest first.
func (s *Store) RecentLifecycleTransitions(ctx context.Context, limit int) ([]LifecycleTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at, agent_id, transition, reason FROM lifecycle_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle transitions: %w", err)
	}
	defer rows.Close()

	var out []LifecycleTransition
	for rows.Next() {
		var t LifecycleTransition
		var occurredAt string
		var reason sql.NullString
		if err := rows.Scan(&occurredAt, &t.AgentID, &t.Transition, &reason); err != nil {
			return nil, fmt.Errorf("scan lifecycle transition: %w", err)
		}
		t.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
		t.Reason = reason.String
		out = append(out, t)
	}
	return out, rows.Err()
}
