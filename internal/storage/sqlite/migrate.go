package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexaas/nexaas/internal/common"
)

// schemaVersion is the current schema version. Bump it and append to
// migrations when the schema changes.
const schemaVersion = 3

// baseSchema is idempotent and re-run on every migration pass.
const baseSchema = `
CREATE TABLE IF NOT EXISTS events (
    id                    TEXT PRIMARY KEY,
    type                  TEXT NOT NULL DEFAULT '',
    condition_type        TEXT NOT NULL,
    condition_expr        TEXT NOT NULL DEFAULT '',
    next_eval_at          TEXT NOT NULL,
    action_type           TEXT NOT NULL,
    action_config         TEXT NOT NULL DEFAULT '{}',
    status                TEXT NOT NULL DEFAULT 'active',
    priority              INTEGER NOT NULL DEFAULT 5,
    concurrency_key       TEXT,
    max_retries           INTEGER NOT NULL DEFAULT 3,
    retry_backoff_minutes TEXT NOT NULL DEFAULT '',
    consecutive_fails     INTEGER NOT NULL DEFAULT 0,
    run_count             INTEGER NOT NULL DEFAULT 0,
    fail_count            INTEGER NOT NULL DEFAULT 0,
    last_run_at           TEXT,
    last_result           TEXT,
    last_output           TEXT,
    lock_holder           TEXT,
    lock_expires_at       TEXT,
    expires_at            TEXT,
    metadata              TEXT,
    description           TEXT,
    created_at            TEXT NOT NULL,
    updated_at            TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_due
    ON events(status, next_eval_at);

CREATE TABLE IF NOT EXISTS job_queue (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id        TEXT REFERENCES events(id) ON DELETE SET NULL,
    source          TEXT NOT NULL DEFAULT 'engine',
    priority        INTEGER NOT NULL DEFAULT 5,
    concurrency_key TEXT,
    action_type     TEXT NOT NULL,
    action_config   TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'queued',
    worker_id       TEXT,
    queued_at       TEXT NOT NULL,
    started_at      TEXT,
    completed_at    TEXT,
    result          TEXT,
    error           TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_queue_claim
    ON job_queue(status, priority, queued_at);
CREATE INDEX IF NOT EXISTS idx_job_queue_key
    ON job_queue(concurrency_key, status);

CREATE TABLE IF NOT EXISTS event_runs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id     TEXT,
    started_at   TEXT NOT NULL,
    completed_at TEXT NOT NULL,
    result       TEXT NOT NULL,
    output       TEXT,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    error        TEXT,
    worker_id    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_runs_event
    ON event_runs(event_id, started_at);

CREATE TABLE IF NOT EXISTS bus_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    type       TEXT NOT NULL,
    source     TEXT,
    data       TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ops_alerts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    severity     TEXT NOT NULL,
    category     TEXT NOT NULL,
    message      TEXT NOT NULL,
    auto_healed  INTEGER NOT NULL DEFAULT 0,
    acknowledged INTEGER NOT NULL DEFAULT 0,
    details      TEXT,
    created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ops_health_snapshots (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    engine_running        INTEGER NOT NULL,
    worker_count          INTEGER NOT NULL,
    workers_alive         INTEGER NOT NULL,
    pending_jobs          INTEGER NOT NULL,
    failed_jobs_last_hour INTEGER NOT NULL,
    stale_locks           INTEGER NOT NULL,
    db_ok                 INTEGER NOT NULL,
    created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS token_usage (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    workspace             TEXT,
    agent                 TEXT,
    session_id            TEXT,
    source                TEXT NOT NULL,
    model                 TEXT NOT NULL,
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd              REAL NOT NULL DEFAULT 0,
    created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL
);
`

// migrations holds incremental statements keyed by target version.
// Each entry must be safe to re-run: "duplicate column" errors count as
// success.
var migrations = map[int][]string{
	2: {
		`ALTER TABLE events ADD COLUMN retry_backoff_minutes TEXT NOT NULL DEFAULT ''`,
	},
	3: {
		`ALTER TABLE ops_alerts ADD COLUMN acknowledged INTEGER NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_bus_events_type ON bus_events(type, created_at)`,
	},
}

// migrate brings the schema to schemaVersion. The base schema is re-applied
// first (all statements idempotent), then any newer incremental migrations
// in version order.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("base schema: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version WHERE id = 1").Scan(&current)
	if err != nil {
		current = 0
	}

	if current >= schemaVersion {
		s.logger.Debug().Int("version", current).Msg("Schema is up to date")
		return nil
	}

	s.logger.Info().Int("from", current).Int("to", schemaVersion).Msg("Migrating schema")

	for version := current + 1; version <= schemaVersion; version++ {
		for _, stmt := range migrations[version] {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
					s.logger.Debug().Int("version", version).Msg("Migration column already exists, skipping")
					continue
				}
				return fmt.Errorf("migration v%d: %w", version, err)
			}
		}
	}

	now := common.NowISO()
	if current == 0 {
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO schema_version (id, version, applied_at) VALUES (1, ?, ?)",
			schemaVersion, now)
	} else {
		_, err = s.db.ExecContext(ctx,
			"UPDATE schema_version SET version = ?, applied_at = ? WHERE id = 1",
			schemaVersion, now)
	}
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	s.logger.Info().Int("version", schemaVersion).Msg("Schema migration complete")
	return nil
}
