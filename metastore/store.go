// Package metastore provides the synchronous key→JSON document store
// backing the room records, question settings, student progress, and
// engine bookkeeping.
//
// Every logical key maps to a whole JSON document; reads and writes are
// whole-document operations with no schema enforcement. The store is
// the SQLite analogue of the browser's local storage: small, always
// available, and cheap to read on every page entry.
//
// # Concurrency
//
// The database is configured for safe concurrent access:
//   - WAL mode allows concurrent reads while a write is in progress
//   - 5-second busy timeout for lock contention
//
// Cross-process writers remain out of scope; the engine assumes a
// single active application instance per data directory.
package metastore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNoRecord is returned by ReadRecord when no document exists for a
// key. Absence is a normal outcome for optional records; callers skip
// rather than fail.
var ErrNoRecord = errors.New("metastore: no record for key")

// Store wraps the SQLite database with whole-document record helpers.
type Store struct {
	db   *sql.DB
	path string
	log  logrus.FieldLogger
}

// Config holds metadata store configuration.
type Config struct {
	// Path to the SQLite database file.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// Logger receives structured store events. Defaults to the
	// standard logger.
	Logger logrus.FieldLogger
}

// DefaultConfig returns a default metadata store configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "metadata.db",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// Open opens the metadata store, configures SQLite, and applies any
// pending schema migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:   db,
		path: cfg.Path,
		log:  cfg.Logger.WithField("component", "metastore"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ReadRecord returns the raw JSON document stored under key, or
// ErrNoRecord if the key has never been written (or was deleted).
func (s *Store) ReadRecord(key string) (json.RawMessage, error) {
	var doc []byte
	err := s.db.QueryRow("SELECT doc FROM records WHERE key = ?", key).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %q: %w", key, err)
	}
	return json.RawMessage(doc), nil
}

// WriteRecord stores doc as the whole document for key, silently
// replacing any prior value. The document must be valid JSON.
func (s *Store) WriteRecord(key string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return fmt.Errorf("refusing to write record %q: document is not valid JSON", key)
	}
	_, err := s.db.Exec(
		`INSERT INTO records (key, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		key, []byte(doc), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to write record %q: %w", key, err)
	}
	return nil
}

// DeleteRecord removes the document stored under key. Deleting a
// missing key is a no-op.
func (s *Store) DeleteRecord(key string) error {
	_, err := s.db.Exec("DELETE FROM records WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete record %q: %w", key, err)
	}
	return nil
}

// Load unmarshals the document stored under key into v. It returns
// false with a nil error when no record exists.
func (s *Store) Load(key string, v any) (bool, error) {
	doc, err := s.ReadRecord(key)
	if errors.Is(err, ErrNoRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return false, fmt.Errorf("failed to decode record %q: %w", key, err)
	}
	return true, nil
}

// Save marshals v and stores it as the whole document for key.
func (s *Store) Save(key string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record %q: %w", key, err)
	}
	return s.WriteRecord(key, doc)
}
