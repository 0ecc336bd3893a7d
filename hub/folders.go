package hub

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rohanthewiz/serr"

	"gonotesync/models"
)

type folderRow struct {
	models.Folder
	clientID       string
	lastMutationID string
	deletedAt      sql.NullTime
}

func (r *folderRow) deleted() bool { return r.deletedAt.Valid }

const folderColumns = `id, client_id, name, parent_id, last_mutation_id, created_at, updated_at, deleted_at`

func scanFolder(sc rowScanner) (*folderRow, error) {
	var r folderRow
	var parentID sql.NullInt64
	err := sc.Scan(&r.ID, &r.clientID, &r.Name, &parentID, &r.lastMutationID,
		&r.CreatedAt, &r.UpdatedAt, &r.deletedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		r.ParentID = models.Int64Ptr(parentID.Int64)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func getFolder(ctx context.Context, q dbtx, userID string, id int64) (*folderRow, error) {
	r, err := scanFolder(q.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get folder")
	}
	return r, nil
}

func folderByClientID(ctx context.Context, q dbtx, userID, clientID string) (*folderRow, error) {
	r, err := scanFolder(q.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE user_id = ? AND client_id = ? ORDER BY id LIMIT 1`,
		userID, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get folder by client id")
	}
	return r, nil
}

func insertFolder(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO folders (user_id, client_id, name, parent_id, last_mutation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		userID, it.LocalID, it.Name, nullInt64(it.ParentID), it.MutationID, now, now).Scan(&id)
	if err != nil {
		return 0, serr.Wrap(err, "failed to insert folder")
	}
	return id, nil
}

func updateFolder(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE folders
		SET name = ?, parent_id = ?, last_mutation_id = ?, updated_at = ?, deleted_at = NULL
		WHERE id = ? AND user_id = ?`,
		it.Name, nullInt64(it.ParentID), it.MutationID, now, it.ID, userID)
	if err != nil {
		return serr.Wrap(err, "failed to update folder")
	}
	return nil
}

// folderExists reports whether userID owns folder id. Deleted folders still
// count: a note may keep pointing at a folder another device removed.
func folderExists(ctx context.Context, q dbtx, userID string, id int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM folders WHERE id = ? AND user_id = ?`, id, userID).Scan(&n)
	if err != nil {
		return false, serr.Wrap(err, "failed to check folder")
	}
	return n > 0, nil
}

func foldersSince(ctx context.Context, q dbtx, userID string, since time.Time) ([]models.Folder, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE user_id = ? AND deleted_at IS NULL AND updated_at > ?
		ORDER BY updated_at ASC, id ASC`, userID, since)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query folders")
	}
	defer rows.Close()

	folders := []models.Folder{}
	for rows.Next() {
		r, err := scanFolder(rows)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan folder")
		}
		folders = append(folders, r.Folder)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "failed to iterate folders")
	}
	return folders, nil
}
