package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Retention is how long audit events are kept before the cleanup loop
// prunes them.
const Retention = 30 * 24 * time.Hour

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/audit.db
// and runs schema migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "audit.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		closeCh: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	go s.cleanupLoop()

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			type TEXT NOT NULL,
			identity TEXT NOT NULL,
			conn_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_identity ON events(identity, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically prunes events older than Retention.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			_, _ = s.EventPrune(context.Background(), time.Now().UTC().Add(-Retention))
		}
	}
}

func (s *SQLiteStore) EventAppend(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (ts, type, identity, conn_id, detail) VALUES (?, ?, ?, ?, ?)",
		ev.Timestamp.UTC(), string(ev.Type), ev.Identity, ev.ConnID, ev.Detail,
	)
	return err
}

func (s *SQLiteStore) EventList(ctx context.Context, filter EventFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, filter.Identity)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT id, ts, type, identity, conn_id, detail FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e   Event
			typ string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &typ, &e.Identity, &e.ConnID, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) EventPrune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close stops the cleanup loop and closes the database.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.db.Close()
}
