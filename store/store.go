// Package store persists the agent's small structured records: the
// notification settings, the current prayer-times snapshot, and the
// scheduled-notification entries.
package store

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/minaret-app/minaret/prayer"
)

// Settings is the singleton notification-settings record.
// It is replaced wholesale on update, never patched.
type Settings struct {
	Enabled bool                 `json:"enabled"`
	Prayers map[prayer.Name]bool `json:"prayers"`
}

// DefaultSettings returns the record used before the user has saved anything:
// notifications on, all six prayers enabled.
func DefaultSettings() Settings {
	prayers := make(map[prayer.Name]bool, 6)
	for _, name := range prayer.Names() {
		prayers[name] = true
	}
	return Settings{Enabled: true, Prayers: prayers}
}

// Snapshot is the singleton record holding today's prayer times as
// provider-formatted strings, keyed by provider key.
type Snapshot struct {
	Location  string            `json:"location"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Times     map[string]string `json:"times"`
}

// Entry is one scheduled-notification record. There is at most one entry per
// prayer name; the prayer name doubles as the record id.
type Entry struct {
	ID          string      `json:"id"`
	Prayer      prayer.Name `json:"prayer"`
	FireAt      time.Time   `json:"fireAt"`
	DisplayTime string      `json:"displayTime"`
	Notified    bool        `json:"notified"`
}

// Store is the sqlite-backed record store. The zero value is not usable;
// use Open. Safe for interleaved use from multiple goroutines.
type Store struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// Open opens (or creates) the store at the given sqlite filename.
// An empty filename opens a shared in-memory db, useful for tests.
func Open(filename string) (*Store, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL,
			prayers TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			location TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			times TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notification_entries (
			id TEXT PRIMARY KEY,
			prayer TEXT NOT NULL,
			fire_at INTEGER NOT NULL,
			display_time TEXT NOT NULL,
			notified INTEGER NOT NULL DEFAULT 0
		)`,
		`PRAGMA journal_mode=WAL`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Settings returns the stored settings record, or the defaults if none has
// been saved yet. A read error is reported but still yields the defaults,
// which callers treat as "no data yet".
func (s *Store) Settings() (Settings, error) {
	var enabled int
	var prayersJSON string
	err := s.db.QueryRow("SELECT enabled, prayers FROM settings WHERE id = 1").
		Scan(&enabled, &prayersJSON)
	if err == sql.ErrNoRows {
		return DefaultSettings(), nil
	}
	if err != nil {
		return DefaultSettings(), err
	}
	settings := Settings{Enabled: enabled != 0, Prayers: make(map[prayer.Name]bool)}
	if err := json.Unmarshal([]byte(prayersJSON), &settings.Prayers); err != nil {
		return DefaultSettings(), err
	}
	return settings, nil
}

// PutSettings replaces the settings record wholesale.
func (s *Store) PutSettings(settings Settings) error {
	prayersJSON, err := json.Marshal(settings.Prayers)
	if err != nil {
		return err
	}
	enabled := 0
	if settings.Enabled {
		enabled = 1
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO settings (id, enabled, prayers) VALUES (1, ?, ?)",
		enabled, string(prayersJSON))
	return err
}

// Snapshot returns the stored prayer-times snapshot.
// The boolean is false when no snapshot has been pushed yet.
func (s *Store) Snapshot() (Snapshot, bool, error) {
	var snap Snapshot
	var updatedAt int64
	var timesJSON string
	err := s.db.QueryRow("SELECT location, updated_at, times FROM snapshot WHERE id = 1").
		Scan(&snap.Location, &updatedAt, &timesJSON)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(timesJSON), &snap.Times); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// PutSnapshot replaces the snapshot record wholesale.
func (s *Store) PutSnapshot(snap Snapshot) error {
	timesJSON, err := json.Marshal(snap.Times)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshot (id, location, updated_at, times) VALUES (1, ?, ?, ?)",
		snap.Location, snap.UpdatedAt.Unix(), string(timesJSON))
	return err
}

// Entries returns all scheduled-notification entries.
func (s *Store) Entries() ([]Entry, error) {
	rows, err := s.db.Query(
		"SELECT id, prayer, fire_at, display_time, notified FROM notification_entries")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var fireAt int64
		var notified int
		if err := rows.Scan(&entry.ID, &entry.Prayer, &fireAt, &entry.DisplayTime, &notified); err != nil {
			return entries, err
		}
		entry.FireAt = time.Unix(fireAt, 0)
		entry.Notified = notified != 0
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ReplaceEntries clears all scheduled-notification entries and inserts the
// given set in a single transaction. Passing nil just clears.
func (s *Store) ReplaceEntries(entries []Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM notification_entries"); err != nil {
		tx.Rollback()
		return err
	}
	for _, entry := range entries {
		notified := 0
		if entry.Notified {
			notified = 1
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO notification_entries
			(id, prayer, fire_at, display_time, notified) VALUES (?, ?, ?, ?, ?)`,
			entry.ID, string(entry.Prayer), entry.FireAt.Unix(), entry.DisplayTime, notified)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// MarkNotified flips the notified flag for the given entry id.
// It returns true only for the caller that actually flipped the flag, so
// interleaved scans cannot fire the same entry twice.
func (s *Store) MarkNotified(id string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.Exec(
		"UPDATE notification_entries SET notified = 1 WHERE id = ? AND notified = 0", id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
