package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache is a sqlite-backed Provider. All partitions live in the same
// database file so that deleting a stale generation is a single statement.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partitions (name TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB NOT NULL,
			PRIMARY KEY (partition, key)
		)`,
		`PRAGMA journal_mode=WAL`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, err
		}
	}
	return SQLiteCache{db: db, writeMutex: &sync.Mutex{}}, nil
}

// Close closes the underlying database.
func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func (s SQLiteCache) Get(partition, key string) (Entry, bool, error) {
	entry := Entry{Partition: partition, Key: key}
	var storedAt int64
	err := s.db.QueryRow(
		"SELECT stored_at, bytes FROM entries WHERE partition = ? AND key = ?",
		partition, key).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (s SQLiteCache) Put(partition, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO entries (partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		partition, key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteCache) Purge(partition, key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec("DELETE FROM entries WHERE partition = ? AND key = ?", partition, key)
}

func (s SQLiteCache) Provision(names ...string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	for _, name := range names {
		if _, err := s.db.Exec("INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
			return err
		}
	}
	return nil
}

func (s SQLiteCache) Partitions() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) DeletePartition(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("DELETE FROM entries WHERE partition = ?", name); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM partitions WHERE name = ?", name)
	return err
}

func (s SQLiteCache) ClearPartition(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE partition = ?", name)
	return err
}
