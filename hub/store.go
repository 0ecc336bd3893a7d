package hub

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"gonotesync/keylock"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the authoritative DuckDB store shared by every device of every
// user. Each push item is written in its own transaction; items touching
// the same entity or tag name are serialized through keyed locks.
type Store struct {
	db    *sql.DB
	path  string
	clock *Clock
	locks keylock.Locks

	// commitMu lets a pull take its serverTime only while no item write is
	// between its clock tick and its commit. Writers share it, pulls hold
	// it exclusively for the duration of one tick.
	commitMu sync.RWMutex
}

// Open opens (creating if needed) the DuckDB file at path and migrates it.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, serr.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, serr.Wrap(err, "failed to open hub database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, serr.Wrap(err, "failed to ping hub database")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, serr.Wrap(err, "failed to migrate hub database")
	}

	s := &Store{db: db, path: path, clock: NewClock(nil)}
	if err := s.seedClock(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Hub store opened", "path", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// seedClock raises the clock floor to the newest persisted timestamp so a
// restarted hub never issues an updatedAt older than one it already gave out.
func (s *Store) seedClock() error {
	queries := []string{
		"SELECT max(updated_at) FROM notes",
		"SELECT max(updated_at) FROM folders",
		"SELECT max(updated_at) FROM tags",
		"SELECT max(logged_at) FROM change_log",
	}
	for _, q := range queries {
		var t sql.NullTime
		if err := s.db.QueryRow(q).Scan(&t); err != nil {
			return serr.Wrap(err, "failed to read latest timestamp")
		}
		if t.Valid {
			s.clock.Seed(t.Time)
		}
	}
	return nil
}

// watermark returns a serverTime such that every write stamped at or before
// it has committed and every later write is stamped after it.
func (s *Store) watermark() time.Time {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.clock.Tick()
}

// write runs fn in a transaction with a fresh timestamp for the mutation.
// The error returned by fn is passed through untouched.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx, now time.Time) error) error {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()

	now := s.clock.Tick()
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(tx, now)
	})
}

// withTx commits when fn succeeds and rolls back otherwise, re-panicking
// after rollback if fn panicked.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return serr.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.LogErr(rbErr, "failed to roll back transaction")
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = serr.Wrap(cErr, "failed to commit transaction")
		}
	}()

	return fn(tx)
}

// lockKey names an entity for the keyed locks.
func lockKey(parts ...string) string {
	return strings.Join(parts, "|")
}
