// Package sqlite implements the orchestrator's relational store on a single
// shared database handle with WAL and foreign keys enabled.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/interfaces"
)

// Store is the process-wide storage manager. All sub-stores share one
// *sql.DB restricted to a single connection, so every mutation commits per
// logical operation and readers never block writers under WAL.
type Store struct {
	db     *sql.DB
	logger *common.Logger

	events *EventStore
	jobs   *JobStore
	runs   *RunStore
	bus    *BusJournalStore
	ops    *OpsStore
	usage  *UsageStore
}

// New opens (creating if needed) the database at path and migrates the
// schema. The parent directory is created when missing.
func New(path string, logger *common.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// One connection: the store is a serialized shared handle.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger}
	s.events = &EventStore{db: db}
	s.jobs = &JobStore{db: db}
	s.runs = &RunStore{db: db}
	s.bus = &BusJournalStore{db: db}
	s.ops = &OpsStore{db: db}
	s.usage = &UsageStore{db: db}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database opened")
	return s, nil
}

// Events returns the event store.
func (s *Store) Events() interfaces.EventStore { return s.events }

// Jobs returns the job queue store.
func (s *Store) Jobs() interfaces.JobStore { return s.jobs }

// Runs returns the run ledger store.
func (s *Store) Runs() interfaces.RunStore { return s.runs }

// BusJournal returns the bus journal store.
func (s *Store) BusJournal() interfaces.BusJournalStore { return s.bus }

// Ops returns the ops store.
func (s *Store) Ops() interfaces.OpsStore { return s.ops }

// Usage returns the token usage store.
func (s *Store) Usage() interfaces.UsageStore { return s.usage }

// Ping verifies the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	s.logger.Info().Msg("Database closed")
	return s.db.Close()
}

// nullString maps "" to NULL on write.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime maps the zero time to NULL on write.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return common.FormatTime(t)
}
