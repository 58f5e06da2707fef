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

// OpsStore persists monitor alerts and health snapshots.
type OpsStore struct {
	db *sql.DB
}

// InsertAlert persists one alert row.
func (s *OpsStore) InsertAlert(ctx context.Context, a *models.Alert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var details any
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("marshal alert details: %w", err)
		}
		details = string(b)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ops_alerts (severity, category, message, auto_healed, acknowledged, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Severity, a.Category, a.Message, boolInt(a.AutoHealed), boolInt(a.Acknowledged),
		details, common.FormatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// ListAlerts returns alerts, newest first.
func (s *OpsStore) ListAlerts(ctx context.Context, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, severity, category, message, auto_healed, acknowledged,
			COALESCE(details, ''), created_at
		FROM ops_alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		var a models.Alert
		var healed, acked int
		var details, created string
		if err := rows.Scan(&a.ID, &a.Severity, &a.Category, &a.Message,
			&healed, &acked, &details, &created); err != nil {
			return nil, err
		}
		a.AutoHealed = healed != 0
		a.Acknowledged = acked != 0
		if details != "" {
			json.Unmarshal([]byte(details), &a.Details)
		}
		a.CreatedAt = common.ParseTime(created)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks one alert acknowledged.
func (s *OpsStore) AcknowledgeAlert(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE ops_alerts SET acknowledged = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	return nil
}

// InsertSnapshot persists one health snapshot row.
func (s *OpsStore) InsertSnapshot(ctx context.Context, snap *models.HealthSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ops_health_snapshots (engine_running, worker_count, workers_alive,
			pending_jobs, failed_jobs_last_hour, stale_locks, db_ok, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		boolInt(snap.EngineRunning), snap.WorkerCount, snap.WorkersAlive,
		snap.PendingJobs, snap.FailedJobsLastHour, snap.StaleLocks,
		boolInt(snap.DBOk), common.FormatTime(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot, or nil when none exists.
func (s *OpsStore) LatestSnapshot(ctx context.Context) (*models.HealthSnapshot, error) {
	var snap models.HealthSnapshot
	var engineRunning, dbOK int
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, engine_running, worker_count, workers_alive, pending_jobs,
			failed_jobs_last_hour, stale_locks, db_ok, created_at
		FROM ops_health_snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&snap.ID, &engineRunning, &snap.WorkerCount, &snap.WorkersAlive,
			&snap.PendingJobs, &snap.FailedJobsLastHour, &snap.StaleLocks,
			&dbOK, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.EngineRunning = engineRunning != 0
	snap.DBOk = dbOK != 0
	snap.CreatedAt = common.ParseTime(created)
	return &snap, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
