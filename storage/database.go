// Package storage archives requests, transfers, events and messages in SQLite
// so they survive a restart.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "peerlink.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultEventRetention controls automatic event pruning.
	DefaultEventRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS runs (
  run_id        TEXT PRIMARY KEY,
  local_address TEXT NOT NULL DEFAULT '',
  started_at    INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id       TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  event_type   TEXT NOT NULL,
  level        INTEGER NOT NULL,
  peer_address TEXT,
  request_id   INTEGER,
  transfer_id  INTEGER,
  details      TEXT NOT NULL,
  timestamp    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_events_run_time
ON events (run_id, timestamp, id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_events_transfer
ON events (run_id, transfer_id, id);
`,
	`
CREATE TABLE IF NOT EXISTS requests (
  run_id       TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  request_id   INTEGER NOT NULL,
  request_type TEXT NOT NULL,
  direction    TEXT NOT NULL CHECK(direction IN ('inbound','outbound')),
  peer_address TEXT NOT NULL,
  status       TEXT NOT NULL CHECK(status IN ('pending','in_progress','processed','failed','sent')),
  error        TEXT NOT NULL DEFAULT '',
  timestamp    INTEGER NOT NULL,
  PRIMARY KEY (run_id, request_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS transfers (
  run_id             TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  transfer_id        INTEGER NOT NULL,
  remote_transfer_id INTEGER NOT NULL DEFAULT 0,
  file_name          TEXT NOT NULL,
  direction          TEXT NOT NULL CHECK(direction IN ('inbound','outbound')),
  peer_address       TEXT NOT NULL,
  status             TEXT NOT NULL,
  snapshot           TEXT NOT NULL,
  updated_at         INTEGER NOT NULL,
  PRIMARY KEY (run_id, transfer_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_status
ON transfers (status, updated_at DESC);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  session_id TEXT PRIMARY KEY,
  peer_ip    TEXT NOT NULL,
  peer_port  INTEGER NOT NULL,
  peer_name  TEXT NOT NULL DEFAULT '',
  author     TEXT NOT NULL CHECK(author IN ('self','remote_peer')),
  content    TEXT NOT NULL,
  timestamp  INTEGER NOT NULL,
  is_read    INTEGER NOT NULL DEFAULT 1
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_peer_time
ON messages (peer_ip, peer_port, timestamp);
`,
}

// Store is a thin wrapper around a SQLite connection. Rows written through it
// are tagged with the run id of the process that opened it.
type Store struct {
	db    *sql.DB
	runID string

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	eventRetention        time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) the database under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, runs schema migrations and
// registers a new run.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		runID:                 uuid.NewString(),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		eventRetention:        DefaultEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(
		`INSERT INTO runs (run_id, started_at) VALUES (?, ?)`,
		store.runID,
		nowUnixMilli(),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.pruneExpiredEvents()
	store.startWALCheckpointLoop()

	return store, nil
}

// RunID identifies the rows written by this process.
func (s *Store) RunID() string {
	return s.runID
}

// SetLocalAddress records the address the server of this run listens on.
func (s *Store) SetLocalAddress(address string) error {
	if _, err := s.db.Exec(
		`UPDATE runs SET local_address = ? WHERE run_id = ?`,
		address,
		s.runID,
	); err != nil {
		return fmt.Errorf("update run %q address: %w", s.runID, err)
	}
	return nil
}

// Runs returns every run id, oldest first.
func (s *Store) Runs() ([]string, error) {
	rows, err := s.db.Query(`SELECT run_id FROM runs ORDER BY started_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]string, 0)
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) pruneExpiredEvents() {
	if s.eventRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
	pruned, err := s.PruneEvents(cutoff)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "pruneExpiredEvents",
			"error":    err.Error(),
		}).Warn("Event pruning failed")
		return
	}
	if pruned > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "pruneExpiredEvents",
			"pruned":   pruned,
		}).Debug("Pruned archived events")
	}
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
				s.pruneExpiredEvents()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
