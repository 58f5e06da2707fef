package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/models"
)

// RunStore appends to the immutable run ledger.
type RunStore struct {
	db *sql.DB
}

// Insert appends one run row. The output is truncated to the ledger cap.
func (s *RunStore) Insert(ctx context.Context, r *models.Run) error {
	output := r.Output
	if len(output) > models.MaxRunOutputLen {
		output = output[:models.MaxRunOutputLen]
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_runs (event_id, started_at, completed_at, result,
			output, duration_ms, error, worker_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(r.EventID), common.FormatTime(r.StartedAt),
		common.FormatTime(r.CompletedAt), r.Result,
		nullString(output), r.DurationMS, nullString(r.Error), r.WorkerID)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// ListByEvent returns runs for an event, newest first.
func (s *RunStore) ListByEvent(ctx context.Context, eventID string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(event_id, ''), started_at, completed_at, result,
			COALESCE(output, ''), duration_ms, COALESCE(error, ''), worker_id
		FROM event_runs WHERE event_id = ?
		ORDER BY started_at DESC LIMIT ?`,
		eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", eventID, err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var r models.Run
		var started, completed string
		if err := rows.Scan(&r.ID, &r.EventID, &started, &completed, &r.Result,
			&r.Output, &r.DurationMS, &r.Error, &r.WorkerID); err != nil {
			return nil, err
		}
		r.StartedAt = common.ParseTime(started)
		r.CompletedAt = common.ParseTime(completed)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
