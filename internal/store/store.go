package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dive-control/dcs/internal/store/migrations"
)

// Store wraps the sqlite database and the per-device lock registry.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (or creates) the database at path, applies WAL pragmas and
// runs pending migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and gives
	// sqlite one writer to serialize behind.
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = db.Exec("PRAGMA synchronous=NORMAL;")
	_, _ = db.Exec("PRAGMA foreign_keys=ON;")

	if err := migrations.Up(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for read-only console listings.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies database liveness with a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// deviceLock returns the mutex owning the given device key, creating it
// on first use. Locks are never removed; the fleet is small and bounded.
func (s *Store) deviceLock(mid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[mid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[mid] = l
	}
	return l
}

// WithDeviceTx runs fn inside a transaction serialized on the device key.
// All side effects are all-or-nothing: if fn returns an error the
// transaction is rolled back and previously committed state is untouched.
func (s *Store) WithDeviceTx(ctx context.Context, mid string, fn func(tx *sql.Tx) error) error {
	l := s.deviceLock(mid)
	l.Lock()
	defer l.Unlock()
	return s.WithTx(ctx, fn)
}

// WithTx runs fn inside a plain transaction, without device scoping.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// marshalJSON renders v as a JSON TEXT column value, NULL for nil.
func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalInto(s string, v interface{}) error { return json.Unmarshal([]byte(s), v) }

// unixTime converts a stored unix-seconds value back to UTC time.
func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// nullUnix renders an optional time as a nullable unix-seconds column.
func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
