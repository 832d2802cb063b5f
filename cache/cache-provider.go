package cache

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var ErrClosed = errors.New("cache provider closed")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// partitioned into named generations.
// Generations are removed as a whole; entries are never expired one by one.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open creates the named generation if it does not exist yet.
	Open(name string) error
	// Names returns all generation names in creation order.
	Names() ([]string, error)
	// Has checks if the named generation exists.
	Has(name string) (bool, error)
	// Delete removes the generation and all of its entries.
	// It reports whether the generation existed.
	Delete(name string) (bool, error)
	// Put stores the bytes under the key in the named generation,
	// creating the generation if needed and replacing any previous value.
	Put(name, key string, bytes []byte) error
	// Get returns the stored bytes for the key in the named generation.
	Get(name, key string) ([]byte, bool, error)
	// Match looks the key up in all generations, oldest first,
	// and returns the first stored value found.
	Match(key string) ([]byte, bool, error)
	// Keys returns all keys of the named generation.
	Keys(name string) ([]string, error)
	// Close releases the underlying storage.
	Close() error
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty or "memory", a new in-memory db is opened.
func NewSQLiteCache(filename string) (*SQLiteCache, error) {
	inMemory := filename == "" || filename == "memory"
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	// every connection would get its own in-memory db otherwise
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
	}
	if !inMemory {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteCache) Open(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO generations (name) VALUES (?)", name)
	return err
}

func (s *SQLiteCache) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM generations ORDER BY seq ASC")
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

func (s *SQLiteCache) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM generations WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteCache) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE generation = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM generations WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteCache) Put(name, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("INSERT OR IGNORE INTO generations (name) VALUES (?)", name); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO entries
		(generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		name, key, time.Now().Unix(), bytes)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteCache) Get(name, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE generation = ? AND key = ?", name, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s *SQLiteCache) Match(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow(`SELECT e.bytes FROM entries e
		JOIN generations g ON g.name = e.generation
		WHERE e.key = ? ORDER BY g.seq ASC LIMIT 1`, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s *SQLiteCache) Keys(name string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM entries WHERE generation = ? ORDER BY key", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}
