// Package migrate implements the schema migrator: a versioned,
// forward-only, transactional gate that must run to completion before
// the core accepts traffic.
//
// Migrations are hand-rolled rather than driven by a file-based
// migration library (see DESIGN.md): the backfill migration needs to
// backfill application-level reserved rows (the default
// workspace/project), which doesn't fit a plain-SQL-file migration
// source without an awkward shim.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskorch/internal/apperr"
	"taskorch/internal/logging"
)

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Name        string
	Description string
	Apply       func(ctx context.Context, tx *sql.Tx) error
}

// Migrator applies the registered Migrations in order against a
// *sql.DB, tracking progress in a _migrations ledger table.
type Migrator struct {
	db         *sql.DB
	logger     logging.Logger
	migrations []Migration
}

// New returns a Migrator bound to db with the given ordered migrations.
// Migrations must be supplied in ascending version order; New panics
// otherwise, since a misordered migration list is a programming error,
// not a runtime condition.
func New(db *sql.DB, logger logging.Logger, migrations []Migration) *Migrator {
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			panic(fmt.Sprintf("migrate: migrations must be strictly increasing by version, got %d after %d",
				migrations[i].Version, migrations[i-1].Version))
		}
	}
	if logger == nil {
		logger = logging.Nop
	}
	return &Migrator{db: db, logger: logger, migrations: migrations}
}

// Run ensures the ledger table exists and applies every migration with
// version greater than the current ledger high-water mark, in order,
// each inside its own transaction. On any failure the transaction
// rolls back and Run returns a migration-failed error without applying
// later migrations; startup must treat this as fatal.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return apperr.New("migrate.Run", apperr.KindMigrationFailed, err)
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return apperr.New("migrate.Run", apperr.KindMigrationFailed, err)
	}

	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			m.logger.Error("migration %d (%s) failed: %v", mig.Version, mig.Name, err)
			return apperr.New("migrate.Run", apperr.KindMigrationFailed, err)
		}
		m.logger.Info("applied migration %d: %s", mig.Version, mig.Name)
	}
	return nil
}

func (m *Migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

func (m *Migrator) currentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	row := m.db.QueryRowContext(ctx, `SELECT MAX(version) FROM _migrations`)
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", mig.Version, err)
	}
	defer tx.Rollback()

	if err := mig.Apply(ctx, tx); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO _migrations (version, name, applied_at, description) VALUES (?,?,?,?)`,
		mig.Version, mig.Name, time.Now().UTC().Format(time.RFC3339Nano), mig.Description,
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", mig.Version, err)
	}

	return tx.Commit()
}
