package activation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

// SQLiteSink stores hazard events in a local SQLite database.
type SQLiteSink struct {
	path string
	db   *sql.DB
}

// StoredEvent is a row read back from the events table.
type StoredEvent struct {
	ID          int64
	RequestID   string
	ClientID    string
	Timestamp   time.Time
	Count       int
	MaxSeverity string
	Fallback    bool
	Lat, Lng    sql.NullFloat64
	Event       Event
}

// NewSQLiteSink opens (or creates) the database at dsn. Query parameters
// are passed to the driver; a busy timeout is added when missing.
func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	dbPath := dsn
	if idx := strings.Index(dsn, "?"); idx != -1 {
		dbPath = dsn[:idx]
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between emitter workers.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteSink{path: dbPath, db: db}, nil
}

func createTables(db *sql.DB) error {
	const ddl = `
    CREATE TABLE IF NOT EXISTS hazard_events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT NOT NULL,
        client_id TEXT,
        timestamp DATETIME NOT NULL,
        detection_count INTEGER NOT NULL DEFAULT 0,
        max_severity TEXT,
        fallback INTEGER NOT NULL DEFAULT 0,
        latitude REAL,
        longitude REAL,
        fusion_ms REAL NOT NULL DEFAULT 0,
        payload TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_hazard_events_timestamp ON hazard_events(timestamp);
    CREATE INDEX IF NOT EXISTS idx_hazard_events_severity ON hazard_events(max_severity);
    CREATE INDEX IF NOT EXISTS idx_hazard_events_location ON hazard_events(latitude, longitude);
    `
	_, err := db.Exec(ddl)
	return err
}

func (s *SQLiteSink) Name() string { return "sqlite:" + s.path }

func (s *SQLiteSink) Deliver(ctx context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var lat, lng sql.NullFloat64
	if ev.Location != nil {
		lat = sql.NullFloat64{Float64: ev.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: ev.Location.Lng, Valid: true}
	}
	fallback := 0
	if ev.Summary.Fallback {
		fallback = 1
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO hazard_events
            (request_id, client_id, timestamp, detection_count, max_severity, fallback, latitude, longitude, fusion_ms, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.ClientID, ev.Timestamp.UTC(), ev.Summary.Count, ev.Summary.MaxSeverity,
		fallback, lat, lng, ev.TimingMs.Fusion, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-empty clientID
// restricts the result to that client's events.
func (s *SQLiteSink) Recent(ctx context.Context, clientID string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, request_id, client_id, timestamp, detection_count, max_severity, fallback, latitude, longitude, payload
        FROM hazard_events
        WHERE (? = '' OR client_id = ?)
        ORDER BY timestamp DESC, id DESC
        LIMIT ?`, clientID, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			se       StoredEvent
			clientID sql.NullString
			maxSev   sql.NullString
			fallback int
			payload  string
		)
		if err := rows.Scan(&se.ID, &se.RequestID, &clientID, &se.Timestamp, &se.Count, &maxSev, &fallback, &se.Lat, &se.Lng, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		se.ClientID = clientID.String
		se.MaxSeverity = maxSev.String
		se.Fallback = fallback != 0
		if err := json.Unmarshal([]byte(payload), &se.Event); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", se.ID, err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close(context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
