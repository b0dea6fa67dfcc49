package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
)

const taskColumns = `id, project_id, name, description, service, payload, priority, status,
	dependencies, metadata, created_at, started_at, completed_at, result, error,
	retry_count, created_by, version, recovered_from_running_at`

// SaveTask upserts task by id, overwriting every field.
func (s *SQLStore) SaveTask(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := jsonOrNull(task.Payload)
	if err != nil {
		return storageErr("sqlstore.SaveTask", err)
	}
	deps, err := jsonOrNull(task.Dependencies)
	if err != nil {
		return storageErr("sqlstore.SaveTask", err)
	}
	metadata, err := jsonOrNull(task.Metadata)
	if err != nil {
		return storageErr("sqlstore.SaveTask", err)
	}
	result, err := jsonOrNull(task.Result)
	if err != nil {
		return storageErr("sqlstore.SaveTask", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+tasksTable+` (
			id, project_id, name, description, service, payload, priority, status,
			dependencies, metadata, created_at, started_at, completed_at, result, error,
			retry_count, created_by, version, recovered_from_running_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id, name=excluded.name, description=excluded.description,
			service=excluded.service, payload=excluded.payload, priority=excluded.priority,
			status=excluded.status, dependencies=excluded.dependencies, metadata=excluded.metadata,
			started_at=excluded.started_at, completed_at=excluded.completed_at,
			result=excluded.result, error=excluded.error, retry_count=excluded.retry_count,
			created_by=excluded.created_by, version=excluded.version,
			recovered_from_running_at=excluded.recovered_from_running_at
	`,
		task.ID, nullString(task.ProjectID), task.Name, task.Description, task.Service,
		payload, task.Priority, string(task.Status), deps, metadata,
		formatTime(task.CreatedAt), nullTime(task.StartedAt), nullTime(task.CompletedAt),
		result, nullString(task.Error), task.RetryCount, nullString(task.CreatedBy),
		task.Version, nullTime(task.RecoveredFromRunningAt),
	)
	if err != nil {
		return storageErr("sqlstore.SaveTask", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetTask returns the task with id, or a not-found error.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM `+tasksTable+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New("sqlstore.GetTask", apperr.KindNotFound, nil)
	}
	if err != nil {
		return nil, storageErr("sqlstore.GetTask", err)
	}
	return task, nil
}

// GetAllTasks returns every task, ordered by (priority ASC, created_at ASC).
func (s *SQLStore) GetAllTasks(ctx context.Context) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM `+tasksTable+` ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, storageErr("sqlstore.GetAllTasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTasksByStatus returns tasks with the given status, ordered by
// (priority ASC, created_at ASC).
func (s *SQLStore) GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM `+tasksTable+` WHERE status = ? ORDER BY priority ASC, created_at ASC`,
		string(status))
	if err != nil {
		return nil, storageErr("sqlstore.GetTasksByStatus", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTasksByProject returns tasks belonging to projectID.
func (s *SQLStore) GetTasksByProject(ctx context.Context, projectID string) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM `+tasksTable+` WHERE project_id = ? ORDER BY priority ASC, created_at ASC`,
		projectID)
	if err != nil {
		return nil, storageErr("sqlstore.GetTasksByProject", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStatus transitions id to status, stamping started_at on the
// first transition into running and completed_at on any transition
// into a terminal state, and returns the post-update snapshot.
func (s *SQLStore) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, result map[string]any, errMsg string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("sqlstore.UpdateTaskStatus", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM `+tasksTable+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New("sqlstore.UpdateTaskStatus", apperr.KindNotFound, nil)
	}
	if err != nil {
		return nil, storageErr("sqlstore.UpdateTaskStatus", err)
	}

	now := time.Now().UTC()
	task.Status = status
	if status == domain.TaskRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if status.IsTerminal() {
		task.CompletedAt = &now
	}
	if result != nil {
		task.Result = result
	}
	if errMsg != "" {
		task.Error = errMsg
	}

	resultJSON, err := jsonOrNull(task.Result)
	if err != nil {
		return nil, storageErr("sqlstore.UpdateTaskStatus", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE `+tasksTable+` SET status=?, started_at=?, completed_at=?, result=?, error=? WHERE id=?`,
		string(task.Status), nullTime(task.StartedAt), nullTime(task.CompletedAt), resultJSON, nullString(task.Error), id,
	)
	if err != nil {
		return nil, storageErr("sqlstore.UpdateTaskStatus", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("sqlstore.UpdateTaskStatus", err)
	}
	return task, nil
}

// UpdateTaskVersion atomically increments the task's version and
// returns the new value.
func (s *SQLStore) UpdateTaskVersion(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("sqlstore.UpdateTaskVersion", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE `+tasksTable+` SET version = version + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, storageErr("sqlstore.UpdateTaskVersion", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("sqlstore.UpdateTaskVersion", err)
	}
	if n == 0 {
		return 0, apperr.New("sqlstore.UpdateTaskVersion", apperr.KindNotFound, nil)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT version FROM `+tasksTable+` WHERE id = ?`, id).Scan(&version); err != nil {
		return 0, storageErr("sqlstore.UpdateTaskVersion", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("sqlstore.UpdateTaskVersion", err)
	}
	return version, nil
}

// DeleteTask removes the task row with id.
func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+tasksTable+` WHERE id = ?`, id); err != nil {
		return storageErr("sqlstore.DeleteTask", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var projectID, createdBy, errMsg sql.NullString
	var payload, deps, metadata, result []byte
	var createdAt string
	var startedAt, completedAt, recoveredAt sql.NullString

	if err := row.Scan(
		&t.ID, &projectID, &t.Name, &t.Description, &t.Service, &payload, &t.Priority,
		&t.Status, &deps, &metadata, &createdAt, &startedAt, &completedAt, &result,
		&errMsg, &t.RetryCount, &createdBy, &t.Version, &recoveredAt,
	); err != nil {
		return nil, err
	}

	t.ProjectID = projectID.String
	t.CreatedBy = createdBy.String
	t.Error = errMsg.String

	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = created

	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if t.RecoveredFromRunningAt, err = parseNullTime(recoveredAt); err != nil {
		return nil, err
	}

	if err := unmarshalIfPresent(payload, &t.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(deps, &t.Dependencies); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(result, &t.Result); err != nil {
		return nil, err
	}

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}
