// ABOUTME: SQLite journal for the recovery queue using modernc.org/sqlite
// ABOUTME: Lets buffered events survive a process restart, schema auto-created

package recovery

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/netra-systems/pulse-gateway/internal/event"
)

// SQLiteStore implements Store on a single SQLite file. Row IDs preserve
// append order, which is the emission order LoadAll and flush rely on.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const recoverySchema = `
CREATE TABLE IF NOT EXISTS recovery_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	stored_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recovery_user ON recovery_events(user_id, id);
CREATE INDEX IF NOT EXISTS idx_recovery_stored ON recovery_events(stored_at);
`

// NewSQLiteStore opens (or creates) the journal at the given path. Parent
// directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "recovery-store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	// WAL keeps journal appends off the delivery path's critical section
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(recoverySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Append journals one buffered entry.
func (s *SQLiteStore) Append(e Entry) error {
	payload, err := json.Marshal(e.Event.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO recovery_events
		 (event_id, user_id, run_id, type, payload, reason, created_at, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Event.ID, e.Event.UserID, e.Event.RunID, string(e.Event.Type),
		string(payload), e.Reason, e.Event.CreatedAt.UTC(), e.StoredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// DeleteUser removes all journaled entries for a user (after a flush).
func (s *SQLiteStore) DeleteUser(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM recovery_events WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting user entries: %w", err)
	}
	return nil
}

// DeleteBefore removes entries stored before the cutoff, returning the count.
func (s *SQLiteStore) DeleteBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM recovery_events WHERE stored_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// LoadAll returns every journaled entry in append order.
func (s *SQLiteStore) LoadAll() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT event_id, user_id, run_id, type, payload, reason, created_at, stored_at
		 FROM recovery_events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			evtType    string
			rawPayload string
			ev         event.Event
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.RunID, &evtType,
			&rawPayload, &e.Reason, &ev.CreatedAt, &e.StoredAt); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		ev.Type = event.Type(evtType)
		if err := json.Unmarshal([]byte(rawPayload), &ev.Payload); err != nil {
			s.logger.Warn("skipping journal entry with bad payload", "event_id", ev.ID, "error", err)
			continue
		}
		e.Event = &ev
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
