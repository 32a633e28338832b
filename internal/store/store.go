// Package store implements the single-file SQLite persistence layer.
// All mutations go through one writer connection; reads run concurrently
// on a separate read connection.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors of the persistence layer. Handlers map these onto the
// HTTP error taxonomy.
var (
	ErrNotFound         = errors.New("not found")
	ErrMalformed        = errors.New("malformed")
	ErrConflict         = errors.New("conflicting update")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Store owns the devpulse.db file.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader

	// SQLite allows one writer at a time; serialize write transactions
	// here instead of relying on busy timeouts.
	writeMu sync.Mutex

	path string
}

// New opens (or creates) the database file and initializes the schema.
func New(dbPath string) (*Store, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	writerDSN := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_mode=rwc", normalized)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&mode=ro", normalized)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read connection: %w", err)
	}

	s := &Store{db: writer, ro: reader, path: normalized}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewMemory opens a private in-memory database. Tests use it; the reader
// and writer share the same connection.
func NewMemory() (*Store, error) {
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, ro: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both connections.
func (s *Store) Close() error {
	if s.ro != nil && s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// Path returns the database file path ("" for in-memory stores).
func (s *Store) Path() string {
	return s.path
}

// FileSize returns the size of the database file in bytes.
func (s *Store) FileSize() (int64, error) {
	if s.path == "" {
		return 0, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// WithTx runs fn inside a write transaction. Transactions are serialized;
// readers never observe a partially applied ingest.
func (s *Store) WithTx(fn func(tx *sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Vacuum compacts the database file. Must not run inside a transaction.
func (s *Store) Vacuum() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// isNoRows converts sql.ErrNoRows into the package sentinel.
func isNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
