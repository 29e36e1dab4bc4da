// Package store persists the small client-side state that must survive
// restarts: the session credentials and the recent-place cache consumed by
// the map widget. No business logic lives here.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Session value keys.
const (
	KeySessionToken = "session_token"
	KeyUsername     = "username"
	KeyRole         = "role"
)

// maxRecentPlaces caps the recent-place cache; older entries are evicted.
const maxRecentPlaces = 20

// Store wraps the SQLite database.
type Store struct {
	conn *sql.DB
}

// Open creates the database connection and initializes the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory failed: %w", err)
	}

	// WAL mode for better concurrency; SQLite works best with one
	// connection.
	conn, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store failed: %w", err)
	}
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recent_places (
		place TEXT PRIMARY KEY,
		used_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recent_used_at ON recent_places(used_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Get returns the session value for key, or "" when absent.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.conn.QueryRow(`SELECT value FROM session WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set writes one session value.
func (s *Store) Set(key, value string) error {
	_, err := s.conn.Exec(`
		INSERT INTO session (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes one session value.
func (s *Store) Delete(key string) error {
	if _, err := s.conn.Exec(`DELETE FROM session WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ClearSession drops every session value. Called on logout.
func (s *Store) ClearSession() error {
	if _, err := s.conn.Exec(`DELETE FROM session`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// AddRecentPlace records a place lookup, refreshing its recency and
// evicting the oldest entries beyond the cap.
func (s *Store) AddRecentPlace(place string) error {
	if place == "" {
		return nil
	}
	_, err := s.conn.Exec(`
		INSERT INTO recent_places (place, used_at) VALUES (?, ?)
		ON CONFLICT(place) DO UPDATE SET used_at = excluded.used_at
	`, place, time.Now())
	if err != nil {
		return fmt.Errorf("add recent place: %w", err)
	}

	_, err = s.conn.Exec(`
		DELETE FROM recent_places WHERE place NOT IN (
			SELECT place FROM recent_places ORDER BY used_at DESC LIMIT ?
		)
	`, maxRecentPlaces)
	if err != nil {
		return fmt.Errorf("trim recent places: %w", err)
	}
	return nil
}

// RecentPlaces returns the cached places, most recent first.
func (s *Store) RecentPlaces() ([]string, error) {
	rows, err := s.conn.Query(`SELECT place FROM recent_places ORDER BY used_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query recent places: %w", err)
	}
	defer rows.Close()

	var places []string
	for rows.Next() {
		var place string
		if err := rows.Scan(&place); err != nil {
			return nil, err
		}
		places = append(places, place)
	}
	return places, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
