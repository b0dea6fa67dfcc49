package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"taskorch/internal/domain"
)

const taskEventsTable = "task_events"

// CreateTaskEvent appends an event row, assigning a fresh id if the
// caller did not supply one.
func (s *SQLStore) CreateTaskEvent(ctx context.Context, event *domain.TaskEvent) (*domain.TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	details, err := jsonOrNull(event.Details)
	if err != nil {
		return nil, storageErr("sqlstore.CreateTaskEvent", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+taskEventsTable+` (id, task_id, event_type, user_id, details, created_at) VALUES (?,?,?,?,?,?)`,
		event.ID, event.TaskID, string(event.EventType), nullString(event.UserID), details, formatTime(event.CreatedAt),
	)
	if err != nil {
		return nil, storageErr("sqlstore.CreateTaskEvent", err)
	}
	return event, nil
}

// GetTaskEvents returns, most-recent-first, up to limit events for taskID.
func (s *SQLStore) GetTaskEvents(ctx context.Context, taskID string, limit int) ([]*domain.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, event_type, user_id, details, created_at FROM `+taskEventsTable+`
		 WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, storageErr("sqlstore.GetTaskEvents", err)
	}
	defer rows.Close()
	return scanTaskEvents(rows)
}

// GetRecentEvents returns the most recent events across all tasks.
func (s *SQLStore) GetRecentEvents(ctx context.Context, limit int) ([]*domain.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, event_type, user_id, details, created_at FROM `+taskEventsTable+`
		 ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, storageErr("sqlstore.GetRecentEvents", err)
	}
	defer rows.Close()
	return scanTaskEvents(rows)
}

func scanTaskEvents(rows *sql.Rows) ([]*domain.TaskEvent, error) {
	var events []*domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		var userID sql.NullString
		var details []byte
		var createdAt string

		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &userID, &details, &createdAt); err != nil {
			return nil, storageErr("sqlstore.scanTaskEvents", err)
		}
		e.UserID = userID.String
		if err := unmarshalIfPresent(details, &e.Details); err != nil {
			return nil, storageErr("sqlstore.scanTaskEvents", err)
		}
		created, err := parseTime(createdAt)
		if err != nil {
			return nil, storageErr("sqlstore.scanTaskEvents", err)
		}
		e.CreatedAt = created
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("sqlstore.scanTaskEvents", err)
	}
	return events, nil
}
