package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
)

// SaveWebhook upserts w by id.
func (s *SQLStore) SaveWebhook(ctx context.Context, w *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := jsonOrNull(w.Events)
	if err != nil {
		return storageErr("sqlstore.SaveWebhook", err)
	}
	active := 0
	if w.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, workspace_id, service, url, events, active, created_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			service=excluded.service, url=excluded.url, events=excluded.events, active=excluded.active
	`, w.ID, w.WorkspaceID, string(w.Service), w.URL, events, active, formatTime(w.CreatedAt))
	if err != nil {
		return storageErr("sqlstore.SaveWebhook", err)
	}
	return nil
}

// GetWebhook returns the webhook with id.
func (s *SQLStore) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, service, url, events, active, created_at FROM webhooks WHERE id = ?`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New("sqlstore.GetWebhook", apperr.KindNotFound, nil)
	}
	if err != nil {
		return nil, storageErr("sqlstore.GetWebhook", err)
	}
	return w, nil
}

// ListWebhooksByWorkspace returns every webhook registered for workspaceID.
func (s *SQLStore) ListWebhooksByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, service, url, events, active, created_at FROM webhooks WHERE workspace_id = ?`,
		workspaceID,
	)
	if err != nil {
		return nil, storageErr("sqlstore.ListWebhooksByWorkspace", err)
	}
	defer rows.Close()

	var out []*domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, storageErr("sqlstore.ListWebhooksByWorkspace", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWebhook removes the webhook row.
func (s *SQLStore) DeleteWebhook(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id); err != nil {
		return storageErr("sqlstore.DeleteWebhook", err)
	}
	return nil
}

func scanWebhook(row scanner) (*domain.Webhook, error) {
	var w domain.Webhook
	var events []byte
	var active int
	var createdAt string

	if err := row.Scan(&w.ID, &w.WorkspaceID, &w.Service, &w.URL, &events, &active, &createdAt); err != nil {
		return nil, err
	}
	w.Active = active != 0
	if err := unmarshalIfPresent(events, &w.Events); err != nil {
		return nil, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	w.CreatedAt = created
	return &w, nil
}

// AppliedMigrations returns the ledger, ordered by version ascending.
func (s *SQLStore) AppliedMigrations(ctx context.Context) ([]*domain.MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, name, applied_at, description FROM _migrations ORDER BY version ASC`)
	if err != nil {
		return nil, storageErr("sqlstore.AppliedMigrations", err)
	}
	defer rows.Close()

	var out []*domain.MigrationRecord
	for rows.Next() {
		var rec domain.MigrationRecord
		var appliedAt string
		if err := rows.Scan(&rec.Version, &rec.Name, &appliedAt, &rec.Description); err != nil {
			return nil, storageErr("sqlstore.AppliedMigrations", err)
		}
		applied, err := parseTime(appliedAt)
		if err != nil {
			return nil, storageErr("sqlstore.AppliedMigrations", err)
		}
		rec.AppliedAt = applied
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// RecordMigration appends a row to the ledger. It writes through the
// store's own connection, not inside any caller's transaction.
func (s *SQLStore) RecordMigration(ctx context.Context, rec *domain.MigrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO _migrations (version, name, applied_at, description) VALUES (?,?,?,?)`,
		rec.Version, rec.Name, formatTime(rec.AppliedAt), rec.Description,
	)
	if err != nil {
		return storageErr("sqlstore.RecordMigration", err)
	}
	return nil
}
