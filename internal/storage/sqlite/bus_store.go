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

// BusJournalStore persists published bus events.
type BusJournalStore struct {
	db *sql.DB
}

// Append writes one journal row.
func (s *BusJournalStore) Append(ctx context.Context, eventType, source string, data []byte, now time.Time) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO bus_events (type, source, data, created_at) VALUES (?, ?, ?, ?)",
		eventType, nullString(source), string(data), common.FormatTime(now))
	if err != nil {
		return fmt.Errorf("append bus event %s: %w", eventType, err)
	}
	return nil
}

// Recent returns journal rows, newest first.
func (s *BusJournalStore) Recent(ctx context.Context, limit int) ([]*models.BusEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, COALESCE(source, ''), data, created_at
		FROM bus_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent bus events: %w", err)
	}
	defer rows.Close()

	var events []*models.BusEvent
	for rows.Next() {
		var e models.BusEvent
		var data, created string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &data, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			e.Data = map[string]any{"raw": data}
		}
		e.CreatedAt = common.ParseTime(created)
		events = append(events, &e)
	}
	return events, rows.Err()
}
