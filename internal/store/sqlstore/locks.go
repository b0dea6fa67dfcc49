package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskorch/internal/domain"
)

const locksTable = "locks"

// AcquireLock performs, in one transaction: delete rows where
// expires_at < now; if any row for (resourceType, resourceID)
// survives, return (nil, nil); else insert and return the new lock.
func (s *SQLStore) AcquireLock(ctx context.Context, lockID, resourceType, resourceID, holderID string, expiresAt *time.Time) (*domain.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("sqlstore.AcquireLock", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+locksTable+` WHERE expires_at IS NOT NULL AND expires_at < ?`, now); err != nil {
		return nil, storageErr("sqlstore.AcquireLock", err)
	}

	var survivorCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+locksTable+` WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID,
	).Scan(&survivorCount); err != nil {
		return nil, storageErr("sqlstore.AcquireLock", err)
	}
	if survivorCount > 0 {
		if err := tx.Commit(); err != nil {
			return nil, storageErr("sqlstore.AcquireLock", err)
		}
		return nil, nil
	}

	acquiredAt := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+locksTable+` (id, resource_type, resource_id, holder_id, acquired_at, expires_at) VALUES (?,?,?,?,?,?)`,
		lockID, resourceType, resourceID, holderID, formatTime(acquiredAt), nullTime(expiresAt),
	)
	if err != nil {
		return nil, storageErr("sqlstore.AcquireLock", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("sqlstore.AcquireLock", err)
	}

	return &domain.Lock{
		ID:           lockID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		HolderID:     holderID,
		AcquiredAt:   acquiredAt,
		ExpiresAt:    expiresAt,
	}, nil
}

// ReleaseLock deletes the row matching lockID and holderID, reporting
// whether a row was removed.
func (s *SQLStore) ReleaseLock(ctx context.Context, lockID, holderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+locksTable+` WHERE id = ? AND holder_id = ?`, lockID, holderID)
	if err != nil {
		return false, storageErr("sqlstore.ReleaseLock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("sqlstore.ReleaseLock", err)
	}
	return n > 0, nil
}

// GetLock purges expired rows for (resourceType, resourceID) and
// returns the surviving lock, if any.
func (s *SQLStore) GetLock(ctx context.Context, resourceType, resourceID string) (*domain.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLockLocked(ctx, resourceType, resourceID)
}

func (s *SQLStore) getLockLocked(ctx context.Context, resourceType, resourceID string) (*domain.Lock, error) {
	now := formatTime(time.Now().UTC())
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+locksTable+` WHERE expires_at IS NOT NULL AND expires_at < ?`, now); err != nil {
		return nil, storageErr("sqlstore.GetLock", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, resource_type, resource_id, holder_id, acquired_at, expires_at FROM `+locksTable+`
		 WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID,
	)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("sqlstore.GetLock", err)
	}
	return lock, nil
}

// LocksByHolder purges expired rows and returns every surviving lock
// held by holderID.
func (s *SQLStore) LocksByHolder(ctx context.Context, holderID string) ([]*domain.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now().UTC())
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+locksTable+` WHERE expires_at IS NOT NULL AND expires_at < ?`, now); err != nil {
		return nil, storageErr("sqlstore.LocksByHolder", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, resource_type, resource_id, holder_id, acquired_at, expires_at FROM `+locksTable+` WHERE holder_id = ?`,
		holderID,
	)
	if err != nil {
		return nil, storageErr("sqlstore.LocksByHolder", err)
	}
	defer rows.Close()
	return scanLocks(rows)
}

// AllLocks purges expired rows and returns every surviving lock.
func (s *SQLStore) AllLocks(ctx context.Context) ([]*domain.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now().UTC())
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+locksTable+` WHERE expires_at IS NOT NULL AND expires_at < ?`, now); err != nil {
		return nil, storageErr("sqlstore.AllLocks", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, resource_type, resource_id, holder_id, acquired_at, expires_at FROM `+locksTable)
	if err != nil {
		return nil, storageErr("sqlstore.AllLocks", err)
	}
	defer rows.Close()
	return scanLocks(rows)
}

func scanLock(row scanner) (*domain.Lock, error) {
	var l domain.Lock
	var acquiredAt string
	var expiresAt sql.NullString

	if err := row.Scan(&l.ID, &l.ResourceType, &l.ResourceID, &l.HolderID, &acquiredAt, &expiresAt); err != nil {
		return nil, err
	}

	acquired, err := parseTime(acquiredAt)
	if err != nil {
		return nil, err
	}
	l.AcquiredAt = acquired

	if l.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanLocks(rows *sql.Rows) ([]*domain.Lock, error) {
	var locks []*domain.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
