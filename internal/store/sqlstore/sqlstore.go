// Package sqlstore implements store.Store against an embedded SQLite
// database via database/sql and modernc.org/sqlite (pure Go, no cgo).
//
// SQLite allows only one writer at a time; rather than leaning on
// driver-level busy-retry, every mutating operation here is additionally
// serialized by an in-process mutex so contention surfaces as queueing
// rather than SQLITE_BUSY errors.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"taskorch/internal/apperr"
	"taskorch/internal/logging"
)

const tasksTable = "tasks"

// SQLStore is the SQLite-backed store.Store implementation.
type SQLStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger logging.Logger
}

// Open opens (creating if absent) the SQLite database at path and
// returns a SQLStore. It does not run migrations — call the Migrator
// separately before serving traffic.
func Open(path string, logger logging.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, apperr.New("sqlstore.Open", apperr.KindStorageFault, err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded database.
	if logger == nil {
		logger = logging.Nop
	}
	return &SQLStore{db: db, logger: logger}, nil
}

// DB exposes the underlying *sql.DB, for the Migrator.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close releases the underlying database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperr.New(op, apperr.KindStorageFault, err)
}

func jsonOrNull(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalIfPresent(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
