package replica

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"gonotesync/models"
)

const (
	ddlRecords = `CREATE TABLE IF NOT EXISTS records (
		local_id          TEXT PRIMARY KEY,
		seq               INTEGER NOT NULL,
		entity_type       TEXT NOT NULL,
		server_id         INTEGER NOT NULL DEFAULT 0,
		title             TEXT NOT NULL DEFAULT '',
		content           TEXT NOT NULL DEFAULT '',
		folder_id         INTEGER NOT NULL DEFAULT 0,
		tags              BLOB,
		available_offline INTEGER NOT NULL DEFAULT 0,
		updated_at        INTEGER NOT NULL DEFAULT 0,
		base_updated_at   INTEGER NOT NULL DEFAULT 0,
		deleted_at        INTEGER,
		sync_status       TEXT NOT NULL,
		revision          INTEGER NOT NULL DEFAULT 0,
		mutation_id       TEXT NOT NULL DEFAULT '',
		conflict          BLOB
	)`

	ddlRecordsServerIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_records_server
		ON records(entity_type, server_id) WHERE server_id > 0`

	ddlRecordsStatusIndex = `CREATE INDEX IF NOT EXISTS idx_records_status_seq
		ON records(sync_status, seq)`

	ddlMeta = `CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value BLOB
	)`

	recordColumns = `local_id, seq, entity_type, server_id, title, content, folder_id, tags,
		available_offline, updated_at, base_updated_at, deleted_at, sync_status, revision,
		mutation_id, conflict`
)

type sqliteBackend struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the SQLite replica at path.
func Open(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, serr.Wrap(err, "failed to create replica directory")
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, serr.Wrap(err, "failed to open replica database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, serr.Wrap(err, "failed to ping replica database")
	}

	for _, ddl := range []string{ddlRecords, ddlRecordsServerIndex, ddlRecordsStatusIndex, ddlMeta} {
		if _, err := db.Exec(ddl); err != nil {
			_ = db.Close()
			return nil, serr.Wrap(err, "failed to migrate replica database")
		}
	}

	logger.Debug("Replica opened", "path", path)
	return newCore(&sqliteBackend{db: db, path: path}), nil
}

func (b *sqliteBackend) mutate(ctx context.Context, key lookup, fn mutation) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return serr.Wrap(err, "failed to begin replica transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cur, err := b.load(ctx, tx, key)
	if err != nil {
		return err
	}

	next, remove, err := fn(cur)
	if err != nil {
		return err
	}

	switch {
	case remove && cur != nil:
		if _, err = tx.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, cur.LocalID); err != nil {
			return serr.Wrap(err, "failed to delete record")
		}
	case next != nil && cur == nil:
		if err = insertRecord(ctx, tx, next); err != nil {
			return err
		}
	case next != nil:
		if err = updateRecord(ctx, tx, next); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return serr.Wrap(err, "failed to commit replica transaction")
	}
	return nil
}

func (b *sqliteBackend) get(ctx context.Context, key lookup) (*Record, error) {
	return b.load(ctx, b.db, key)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *sqliteBackend) load(ctx context.Context, q querier, key lookup) (*Record, error) {
	var row *sql.Row
	if key.localID != "" {
		row = q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE local_id = ?`, key.localID)
	} else {
		row = q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND server_id = ?`,
			string(key.entityType), key.serverID)
	}

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load record")
	}
	return rec, nil
}

func (b *sqliteBackend) list(ctx context.Context, q listQuery) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1 = 1`
	var args []any
	if q.entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, string(q.entityType))
	}
	if q.status != "" {
		query += ` AND sync_status = ?`
		args = append(args, string(q.status))
	}
	if !q.includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY seq`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query records")
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan record")
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "failed to iterate records")
	}
	return recs, nil
}

func (b *sqliteBackend) getMeta(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to read meta")
	}
	return val, nil
}

func (b *sqliteBackend) setMeta(ctx context.Context, key string, val []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, val)
	if err != nil {
		return serr.Wrap(err, "failed to write meta")
	}
	return nil
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec                      Record
		entityType, status       string
		tags, conflict           []byte
		offline                  int64
		updatedAt, baseUpdatedAt int64
		deletedAt                sql.NullInt64
	)
	err := s.Scan(&rec.LocalID, &rec.Seq, &entityType, &rec.ServerID, &rec.Title, &rec.Content,
		&rec.FolderID, &tags, &offline, &updatedAt, &baseUpdatedAt, &deletedAt, &status,
		&rec.Revision, &rec.MutationID, &conflict)
	if err != nil {
		return nil, err
	}

	rec.EntityType = models.EntityType(entityType)
	rec.SyncStatus = SyncStatus(status)
	rec.AvailableOffline = offline != 0
	rec.UpdatedAt = fromMicro(updatedAt)
	rec.BaseUpdatedAt = fromMicro(baseUpdatedAt)
	if deletedAt.Valid {
		t := fromMicro(deletedAt.Int64)
		rec.DeletedAt = &t
	}
	if err := models.Unpack(tags, &rec.Tags); err != nil {
		return nil, err
	}
	if len(conflict) > 0 {
		var cf models.Conflict
		if err := models.Unpack(conflict, &cf); err != nil {
			return nil, err
		}
		rec.Conflict = &cf
	}
	return &rec, nil
}

func recordArgs(r *Record) ([]any, error) {
	var tags, conflict []byte
	var err error
	if r.Tags != nil {
		if tags, err = models.Pack(r.Tags); err != nil {
			return nil, err
		}
	}
	if r.Conflict != nil {
		if conflict, err = models.Pack(r.Conflict); err != nil {
			return nil, err
		}
	}
	var deletedAt sql.NullInt64
	if r.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: toMicro(*r.DeletedAt), Valid: true}
	}
	offline := 0
	if r.AvailableOffline {
		offline = 1
	}

	return []any{
		string(r.EntityType), r.ServerID, r.Title, r.Content, r.FolderID, tags, offline,
		toMicro(r.UpdatedAt), toMicro(r.BaseUpdatedAt), deletedAt, string(r.SyncStatus),
		r.Revision, r.MutationID, conflict,
	}, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r *Record) error {
	args, err := recordArgs(r)
	if err != nil {
		return err
	}
	args = append([]any{r.LocalID}, args...)

	_, err = tx.ExecContext(ctx, `INSERT INTO records (`+recordColumns+`)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		return serr.Wrap(err, "failed to insert record")
	}
	return nil
}

func updateRecord(ctx context.Context, tx *sql.Tx, r *Record) error {
	args, err := recordArgs(r)
	if err != nil {
		return err
	}
	args = append(args, r.LocalID)

	_, err = tx.ExecContext(ctx, `UPDATE records SET
		entity_type = ?, server_id = ?, title = ?, content = ?, folder_id = ?, tags = ?,
		available_offline = ?, updated_at = ?, base_updated_at = ?, deleted_at = ?,
		sync_status = ?, revision = ?, mutation_id = ?, conflict = ?
		WHERE local_id = ?`, args...)
	if err != nil {
		return serr.Wrap(err, "failed to update record")
	}
	return nil
}

// Timestamps are stored as unix microseconds; 0 is the zero time.
func toMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicro(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
