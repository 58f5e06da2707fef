package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/models"
)

// EventStore manages event rows.
type EventStore struct {
	db *sql.DB
}

const eventColumns = `id, type, condition_type, condition_expr, next_eval_at,
	action_type, action_config, status, priority, COALESCE(concurrency_key, ''),
	max_retries, retry_backoff_minutes, consecutive_fails, run_count, fail_count,
	COALESCE(last_run_at, ''), COALESCE(last_result, ''), COALESCE(last_output, ''),
	COALESCE(lock_holder, ''), COALESCE(lock_expires_at, ''), COALESCE(expires_at, ''),
	COALESCE(metadata, ''), COALESCE(description, ''), created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*models.Event, error) {
	var e models.Event
	var nextEval, lastRun, lockExpires, expires, created, updated string
	var config string

	err := row.Scan(&e.ID, &e.Type, &e.ConditionType, &e.ConditionExpr, &nextEval,
		&e.ActionType, &config, &e.Status, &e.Priority, &e.ConcurrencyKey,
		&e.MaxRetries, &e.RetryBackoffMinutes, &e.ConsecutiveFails, &e.RunCount, &e.FailCount,
		&lastRun, &e.LastResult, &e.LastOutput,
		&e.LockHolder, &lockExpires, &expires,
		&e.Metadata, &e.Description, &created, &updated)
	if err != nil {
		return nil, err
	}

	e.ActionConfig = json.RawMessage(config)
	e.NextEvalAt = common.ParseTime(nextEval)
	e.LastRunAt = common.ParseTime(lastRun)
	e.LockExpiresAt = common.ParseTime(lockExpires)
	e.ExpiresAt = common.ParseTime(expires)
	e.CreatedAt = common.ParseTime(created)
	e.UpdatedAt = common.ParseTime(updated)
	return &e, nil
}

// Upsert inserts or replaces an event row. Run counters and lock columns of
// an existing row are preserved; the declarative columns are overwritten.
func (s *EventStore) Upsert(ctx context.Context, e *models.Event) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = models.EventStatusActive
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = models.DefaultMaxRetries
	}
	config := string(e.ActionConfig)
	if config == "" {
		config = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, condition_type, condition_expr, next_eval_at,
			action_type, action_config, status, priority, concurrency_key,
			max_retries, retry_backoff_minutes, expires_at, metadata, description,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			condition_type = excluded.condition_type,
			condition_expr = excluded.condition_expr,
			next_eval_at = excluded.next_eval_at,
			action_type = excluded.action_type,
			action_config = excluded.action_config,
			status = excluded.status,
			priority = excluded.priority,
			concurrency_key = excluded.concurrency_key,
			max_retries = excluded.max_retries,
			retry_backoff_minutes = excluded.retry_backoff_minutes,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		e.ID, e.Type, e.ConditionType, e.ConditionExpr, common.FormatTime(e.NextEvalAt),
		e.ActionType, config, e.Status, e.Priority, nullString(e.ConcurrencyKey),
		e.MaxRetries, e.RetryBackoffMinutes, nullTime(e.ExpiresAt),
		nullString(e.Metadata), nullString(e.Description),
		common.FormatTime(e.CreatedAt), common.FormatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", e.ID, err)
	}
	return nil
}

// Get returns one event or nil when absent.
func (s *EventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// List returns events, optionally filtered by status, newest first.
func (s *EventStore) List(ctx context.Context, status string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + eventColumns + " FROM events"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Delete removes an event row.
func (s *EventStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	return err
}

// DueCandidates returns active events due at or before now whose lock is
// vacant or expired.
func (s *EventStore) DueCandidates(ctx context.Context, now time.Time) ([]*models.Event, error) {
	nowISO := common.FormatTime(now)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+` FROM events
		WHERE status = 'active' AND next_eval_at <= ?
		AND (lock_holder IS NULL OR lock_expires_at < ?)
		ORDER BY next_eval_at ASC`,
		nowISO, nowISO)
	if err != nil {
		return nil, fmt.Errorf("due candidates: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AcquireLock is the CAS lease write: it succeeds only while the lock is
// vacant or expired.
func (s *EventStore) AcquireLock(ctx context.Context, id, holder string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET lock_holder = ?, lock_expires_at = ?
		WHERE id = ? AND (lock_holder IS NULL OR lock_expires_at < ?)`,
		holder, common.FormatTime(until), id, common.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock clears the lease unconditionally.
func (s *EventStore) ReleaseLock(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET lock_holder = NULL, lock_expires_at = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", id, err)
	}
	return nil
}

// Pause sets status=paused and releases the lock.
func (s *EventStore) Pause(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'paused', lock_holder = NULL, lock_expires_at = NULL,
			updated_at = ? WHERE id = ?`,
		common.NowISO(), id)
	if err != nil {
		return fmt.Errorf("pause event %s: %w", id, err)
	}
	return nil
}

// AdvanceNextEval moves next_eval_at forward and releases the lock.
func (s *EventStore) AdvanceNextEval(ctx context.Context, id string, next, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET next_eval_at = ?, lock_holder = NULL, lock_expires_at = NULL,
			updated_at = ? WHERE id = ?`,
		common.FormatTime(next), common.FormatTime(now), id)
	if err != nil {
		return fmt.Errorf("advance next_eval %s: %w", id, err)
	}
	return nil
}

// SetNextEvalNow makes an event due immediately.
func (s *EventStore) SetNextEvalNow(ctx context.Context, id string, now time.Time) error {
	nowISO := common.FormatTime(now)
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET next_eval_at = ?, updated_at = ? WHERE id = ?",
		nowISO, nowISO, id)
	if err != nil {
		return fmt.Errorf("set next_eval now %s: %w", id, err)
	}
	return nil
}

// ApplyRunResult updates run accounting on the owning event. The counters
// change in the same statement that stamps last_run_at, so a run row plus
// its counter update form one batch per attempt.
func (s *EventStore) ApplyRunResult(ctx context.Context, id string, success bool, output string, now time.Time) error {
	if len(output) > models.MaxEventOutputLen {
		output = output[:models.MaxEventOutputLen]
	}
	nowISO := common.FormatTime(now)

	var err error
	if success {
		_, err = s.db.ExecContext(ctx, `
			UPDATE events SET last_run_at = ?, last_result = 'success', last_output = ?,
				run_count = run_count + 1, consecutive_fails = 0, updated_at = ?
			WHERE id = ?`,
			nowISO, output, nowISO, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE events SET last_run_at = ?, last_result = 'failed', last_output = ?,
				run_count = run_count + 1, fail_count = fail_count + 1,
				consecutive_fails = consecutive_fails + 1, updated_at = ?
			WHERE id = ?`,
			nowISO, output, nowISO, id)
	}
	if err != nil {
		return fmt.Errorf("apply run result %s: %w", id, err)
	}
	return nil
}

// ChainedFlowEvents returns flow events whose chain parent is flowID.
func (s *EventStore) ChainedFlowEvents(ctx context.Context, flowID string) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+` FROM events
		WHERE type = 'flow' AND condition_type = 'flow_chain' AND condition_expr = ?`,
		flowID)
	if err != nil {
		return nil, fmt.Errorf("chained flow events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ClearExpiredLocks evicts expired leases and returns the affected ids.
func (s *EventStore) ClearExpiredLocks(ctx context.Context, now time.Time) ([]string, error) {
	nowISO := common.FormatTime(now)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM events WHERE lock_expires_at IS NOT NULL AND lock_expires_at < ?",
		nowISO)
	if err != nil {
		return nil, fmt.Errorf("find expired locks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE events SET lock_holder = NULL, lock_expires_at = NULL
		WHERE lock_expires_at IS NOT NULL AND lock_expires_at < ?`,
		nowISO)
	if err != nil {
		return nil, fmt.Errorf("clear expired locks: %w", err)
	}
	return ids, nil
}
