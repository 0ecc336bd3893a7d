package hub

import (
	"context"
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"

	"gonotesync/models"
)

// ============================================================================
// Change Log
//
// Append-only record of every entity mutation, one row per write, appended
// in the same transaction as the write itself. Pull consults it only for
// deletions: creates and updates are found through the entity tables'
// updated_at column, deletions through this log, so deleted rows never need
// to be scanned as tombstones.
// ============================================================================

// ChangeAction is the kind of mutation a log entry records.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// ChangeLogEntry is one row of the change log.
type ChangeLogEntry struct {
	ID         int64             `json:"id"`
	UserID     string            `json:"userId"`
	EntityType models.EntityType `json:"entityType"`
	EntityID   int64             `json:"entityId"`
	Action     ChangeAction      `json:"action"`
	Timestamp  time.Time         `json:"timestamp"`
}

// appendChange writes a log entry within the caller's transaction.
func appendChange(ctx context.Context, tx *sql.Tx, entry ChangeLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (user_id, entity_type, entity_id, action, logged_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.UserID, string(entry.EntityType), entry.EntityID, string(entry.Action), entry.Timestamp)
	if err != nil {
		return serr.Wrap(err, "failed to append change log entry")
	}
	return nil
}

// DeletionsSince returns delete markers for userID logged strictly after since,
// oldest first.
func (s *Store) DeletionsSince(ctx context.Context, userID string, since time.Time) ([]models.DeletionMarker, error) {
	return deletionsSince(ctx, s.db, userID, since)
}

func deletionsSince(ctx context.Context, q dbtx, userID string, since time.Time) ([]models.DeletionMarker, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT entity_type, entity_id, logged_at
		FROM change_log
		WHERE user_id = ? AND action = ? AND logged_at > ?
		ORDER BY logged_at ASC`,
		userID, string(ActionDelete), since)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query deletions")
	}
	defer rows.Close()

	markers := []models.DeletionMarker{}
	for rows.Next() {
		var m models.DeletionMarker
		var entityType string
		if err := rows.Scan(&entityType, &m.EntityID, &m.Timestamp); err != nil {
			return nil, serr.Wrap(err, "failed to scan deletion marker")
		}
		m.EntityType = models.EntityType(entityType)
		m.Timestamp = m.Timestamp.UTC()
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "failed to iterate deletions")
	}
	return markers, nil
}

// ChangesSince returns every log entry for userID after since, oldest first.
// A limit of zero or less means no limit.
func (s *Store) ChangesSince(ctx context.Context, userID string, since time.Time, limit int) ([]ChangeLogEntry, error) {
	query := `
		SELECT id, user_id, entity_type, entity_id, action, logged_at
		FROM change_log
		WHERE user_id = ? AND logged_at > ?
		ORDER BY logged_at ASC, id ASC`
	args := []any{userID, since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query change log")
	}
	defer rows.Close()

	var entries []ChangeLogEntry
	for rows.Next() {
		var e ChangeLogEntry
		var entityType, action string
		if err := rows.Scan(&e.ID, &e.UserID, &entityType, &e.EntityID, &action, &e.Timestamp); err != nil {
			return nil, serr.Wrap(err, "failed to scan change log entry")
		}
		e.EntityType = models.EntityType(entityType)
		e.Action = ChangeAction(action)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "failed to iterate change log")
	}
	return entries, nil
}
