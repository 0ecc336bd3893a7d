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

// normalizeTags trims names and drops duplicates, keeping first-seen order.
// Returns a reason when a name is blank.
func normalizeTags(names []string) ([]string, string) {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, "tag names must not be blank"
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, ""
}

// upsertTags resolves names to tag ids for userID, creating missing tags.
// The caller must hold the keyed locks for every name.
func upsertTags(ctx context.Context, tx *sql.Tx, userID string, names []string, now time.Time) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM tags WHERE user_id = ? AND name = ?`, userID, name).Scan(&id)
		switch {
		case err == nil:
			ids = append(ids, id)
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return nil, serr.Wrap(err, "failed to look up tag")
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO tags (user_id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			RETURNING id`, userID, name, now, now).Scan(&id)
		if err != nil {
			return nil, serr.Wrap(err, "failed to insert tag")
		}
		if err := appendChange(ctx, tx, ChangeLogEntry{
			UserID: userID, EntityType: models.EntityTag, EntityID: id, Action: ActionCreate, Timestamp: now,
		}); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// setNoteTags makes the note's links equal to tagIDs, touching only the
// pairs that change.
func setNoteTags(ctx context.Context, tx *sql.Tx, noteID int64, tagIDs []int64) error {
	rows, err := tx.QueryContext(ctx, `SELECT tag_id FROM note_tags WHERE note_id = ?`, noteID)
	if err != nil {
		return serr.Wrap(err, "failed to query note tags")
	}
	current := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return serr.Wrap(err, "failed to scan note tag")
		}
		current[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return serr.Wrap(err, "failed to iterate note tags")
	}

	wanted := make(map[int64]bool, len(tagIDs))
	for _, id := range tagIDs {
		wanted[id] = true
		if current[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO note_tags (note_id, tag_id) VALUES (?, ?)`, noteID, id); err != nil {
			return serr.Wrap(err, "failed to link tag")
		}
	}
	for id := range current {
		if wanted[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM note_tags WHERE note_id = ? AND tag_id = ?`, noteID, id); err != nil {
			return serr.Wrap(err, "failed to unlink tag")
		}
	}
	return nil
}

func tagsSince(ctx context.Context, q dbtx, userID string, since time.Time) ([]models.Tag, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at FROM tags
		WHERE user_id = ? AND updated_at > ?
		ORDER BY updated_at ASC, id ASC`, userID, since)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query tags")
	}
	defer rows.Close()

	tags := []models.Tag{}
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, serr.Wrap(err, "failed to scan tag")
		}
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "failed to iterate tags")
	}
	return tags, nil
}
