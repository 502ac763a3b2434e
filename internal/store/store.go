// Package store is the sqlite delivery ledger: a history of message state
// transitions and retention sweeps kept next to the backend for diagnostics.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/courier/lib/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// The ledger is written from many goroutines; sqlite takes one writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id  TEXT NOT NULL,
			type        TEXT NOT NULL,
			sender      TEXT NOT NULL,
			recipient   TEXT NOT NULL,
			status      TEXT NOT NULL,
			attempt     INTEGER DEFAULT 0,
			detail      TEXT,
			at          DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_message ON deliveries(message_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_recipient ON deliveries(recipient, at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_at ON deliveries(at)`,
		`CREATE TABLE IF NOT EXISTS sweep_runs (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at        DATETIME NOT NULL,
			finished_at       DATETIME,
			status            TEXT NOT NULL,
			sessions_expired  INTEGER DEFAULT 0,
			sessions_orphaned INTEGER DEFAULT 0,
			deliveries_pruned INTEGER DEFAULT 0,
			error             TEXT
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
