// Package sink persists harvested records and the per-outcome ledger files.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config controls record persistence.
type Config struct {
	// DBPath locates the embedded database file. Empty disables the DB.
	DBPath string
	// RecordsDir enables one file per record, named by id. Empty disables.
	RecordsDir string
}

// Store writes one record per unit of work. The database uses upsert
// semantics so re-attempts and overlapping runs cannot corrupt it. Writes are
// serialized behind a short-held mutex; sqlite's own locking is not relied on.
type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	recordsDir string
	logger     *zap.Logger
}

// Open prepares the database and record directory.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{recordsDir: cfg.RecordsDir, logger: logger}

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		db, err := sql.Open("sqlite3", cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("pragma %s: %w", pragma, err)
			}
		}
		schema := `CREATE TABLE IF NOT EXISTS records (
			id   TEXT PRIMARY KEY,
			json TEXT
		)`
		if _, err := db.Exec(schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
		s.db = db
	}

	if cfg.RecordsDir != "" {
		if err := os.MkdirAll(cfg.RecordsDir, 0o750); err != nil {
			return nil, fmt.Errorf("create records dir: %w", err)
		}
	}
	if s.db == nil && s.recordsDir == "" {
		return nil, fmt.Errorf("sink needs a db path or a records dir")
	}
	return s, nil
}

// Put upserts the record. When both modes are enabled the DB and the file are
// written on the same call (dual-write).
func (s *Store) Put(ctx context.Context, id string, payload []byte) error {
	if s.db != nil {
		s.mu.Lock()
		_, err := s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO records (id, json) VALUES (?, ?)",
			id, string(payload),
		)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("upsert record %s: %w", id, err)
		}
	}
	if s.recordsDir != "" {
		path := filepath.Join(s.recordsDir, id+".json")
		if err := os.WriteFile(path, payload, 0o600); err != nil {
			return fmt.Errorf("write record file %s: %w", id, err)
		}
	}
	return nil
}

// Has reports whether a record with the given id exists in the database.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM records WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query record %s: %w", id, err)
	}
	return true, nil
}

// Count returns the number of persisted records.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Close closes the database if one is open.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
