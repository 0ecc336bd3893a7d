package hub

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rohanthewiz/serr"

	"gonotesync/models"
)

// noteRow is a notes table row including the bookkeeping columns that never
// leave the hub.
type noteRow struct {
	models.Note
	clientID       string
	lastMutationID string
	deletedAt      sql.NullTime
}

func (r *noteRow) deleted() bool { return r.deletedAt.Valid }

const noteColumns = `id, client_id, title, content, folder_id, available_offline,
	last_mutation_id, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(sc rowScanner) (*noteRow, error) {
	var r noteRow
	var folderID sql.NullInt64
	err := sc.Scan(&r.ID, &r.clientID, &r.Title, &r.Content, &folderID, &r.AvailableOffline,
		&r.lastMutationID, &r.CreatedAt, &r.UpdatedAt, &r.deletedAt)
	if err != nil {
		return nil, err
	}
	if folderID.Valid {
		r.FolderID = models.Int64Ptr(folderID.Int64)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.Tags = []string{}
	return &r, nil
}

// getNote loads a note owned by userID, deleted or not.
// Returns nil, nil when no such note exists.
func getNote(ctx context.Context, q dbtx, userID string, id int64) (*noteRow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ? AND user_id = ?`, id, userID)
	r, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get note")
	}
	if err := attachTags(ctx, q, []*models.Note{&r.Note}); err != nil {
		return nil, err
	}
	return r, nil
}

// noteByClientID finds the note a client created under the given local id.
func noteByClientID(ctx context.Context, q dbtx, userID, clientID string) (*noteRow, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE user_id = ? AND client_id = ? ORDER BY id LIMIT 1`,
		userID, clientID)
	r, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get note by client id")
	}
	if err := attachTags(ctx, q, []*models.Note{&r.Note}); err != nil {
		return nil, err
	}
	return r, nil
}

func insertNote(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO notes (user_id, client_id, title, content, folder_id, available_offline,
			last_mutation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		userID, it.LocalID, it.Title, it.Content, nullInt64(it.FolderID), it.AvailableOffline,
		it.MutationID, now, now).Scan(&id)
	if err != nil {
		return 0, serr.Wrap(err, "failed to insert note")
	}
	return id, nil
}

// updateNote replaces the note's fields and clears any soft delete.
func updateNote(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE notes
		SET title = ?, content = ?, folder_id = ?, available_offline = ?,
			last_mutation_id = ?, updated_at = ?, deleted_at = NULL
		WHERE id = ? AND user_id = ?`,
		it.Title, it.Content, nullInt64(it.FolderID), it.AvailableOffline,
		it.MutationID, now, it.ID, userID)
	if err != nil {
		return serr.Wrap(err, "failed to update note")
	}
	return nil
}

// notesSince lists live notes updated strictly after since.
func notesSince(ctx context.Context, q dbtx, userID string, since time.Time) ([]models.Note, error) {
	return listNotes(ctx, q, `user_id = ? AND deleted_at IS NULL AND updated_at > ?`, userID, since)
}

// offlineNotes lists live notes flagged for offline availability.
func offlineNotes(ctx context.Context, q dbtx, userID string) ([]models.Note, error) {
	return listNotes(ctx, q, `user_id = ? AND deleted_at IS NULL AND available_offline`, userID)
}

func listNotes(ctx context.Context, q dbtx, where string, args ...any) ([]models.Note, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE `+where+` ORDER BY updated_at ASC, id ASC`, args...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query notes")
	}
	defer rows.Close()

	notes := []models.Note{}
	for rows.Next() {
		r, err := scanNote(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan note")
		}
		notes = append(notes, r.Note)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "failed to iterate notes")
	}

	ptrs := make([]*models.Note, len(notes))
	for i := range notes {
		ptrs[i] = &notes[i]
	}
	if err := attachTags(ctx, q, ptrs); err != nil {
		return nil, err
	}
	return notes, nil
}

// attachTags fills in tag names for the given notes with one query.
func attachTags(ctx context.Context, q dbtx, notes []*models.Note) error {
	if len(notes) == 0 {
		return nil
	}

	byID := make(map[int64]*models.Note, len(notes))
	args := make([]any, 0, len(notes))
	for _, n := range notes {
		n.Tags = []string{}
		byID[n.ID] = n
		args = append(args, n.ID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := q.QueryContext(ctx, `
		SELECT nt.note_id, t.name
		FROM note_tags nt
		JOIN tags t ON t.id = nt.tag_id
		WHERE nt.note_id IN (`+placeholders+`)
		ORDER BY t.name ASC`, args...)
	if err != nil {
		return serr.Wrap(err, "failed to query note tags")
	}
	defer rows.Close()

	for rows.Next() {
		var noteID int64
		var name string
		if err := rows.Scan(&noteID, &name); err != nil {
			return serr.Wrap(err, "failed to scan note tag")
		}
		if n, ok := byID[noteID]; ok {
			n.Tags = append(n.Tags, name)
		}
	}
	if err := rows.Err(); err != nil {
		return serr.Wrap(err, "failed to iterate note tags")
	}
	return nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
