package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldgrid/trustd/internal/config"
)

// Store persists security events to SQLite or PostgreSQL
type Store struct {
	db     *sql.DB
	dbType string
}

// NewStore opens the event database and creates the schema if needed
func NewStore(cfg *config.Config) (*Store, error) {
	var db *sql.DB
	var err error

	dbCfg := cfg.Events.Database
	switch dbCfg.Type {
	case "sqlite":
		db, err = sql.Open("sqlite3", dbCfg.SQLite.Path+"?_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		// SQLite only allows one writer at a time
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("postgres", cfg.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
		}
		db.SetMaxOpenConns(dbCfg.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(dbCfg.Postgres.MaxIdleConns)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbCfg.Type)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dbType: dbCfg.Type}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS security_events (
			event_id    TEXT PRIMARY KEY,
			event_type  TEXT NOT NULL,
			severity    TEXT NOT NULL,
			source      TEXT,
			destination TEXT,
			timestamp   TEXT NOT NULL,
			description TEXT NOT NULL,
			details     TEXT
		)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_events_type ON security_events(event_type)",
		"CREATE INDEX IF NOT EXISTS idx_events_severity ON security_events(severity)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// placeholder renders the nth positional SQL parameter for the backend
func (s *Store) placeholder(n int) string {
	if s.dbType == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Insert writes an event
func (s *Store) Insert(event *Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO security_events
		(event_id, event_type, severity, source, destination, timestamp, description, details)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8))

	_, err = s.db.Exec(query,
		event.ID,
		event.Type,
		event.Severity,
		event.Source,
		event.Destination,
		event.Timestamp.Format(time.RFC3339Nano),
		event.Description,
		string(details),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// List returns the most recent events, newest first
func (s *Store) List(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT event_id, event_type, severity, source, destination, timestamp, description, details
		FROM security_events
		ORDER BY timestamp DESC
		LIMIT %s`, s.placeholder(1))

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var event Event
		var timestamp, details string
		if err := rows.Scan(&event.ID, &event.Type, &event.Severity, &event.Source,
			&event.Destination, &timestamp, &event.Description, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if event.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes events recorded before the cutoff and returns the
// number removed
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	query := fmt.Sprintf("DELETE FROM security_events WHERE timestamp < %s", s.placeholder(1))
	res, err := s.db.Exec(query, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return res.RowsAffected()
}
