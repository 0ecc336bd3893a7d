package hub

import (
	"context"
	"database/sql"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"gonotesync/models"
)

// Endpoint answers the sync protocol for any number of users against one
// authoritative Store. Callers pass an already authenticated userID.
type Endpoint struct {
	store *Store
}

// NewEndpoint wraps store.
func NewEndpoint(store *Store) *Endpoint {
	return &Endpoint{store: store}
}

// Store exposes the underlying store, e.g. for change log inspection.
func (e *Endpoint) Store() *Store {
	return e.store
}

// Pull returns every live entity of userID changed strictly after since,
// deletion markers logged after since, and the serverTime the client must
// adopt as its next cursor. A zero since pulls everything.
//
// serverTime is fixed before reading, so anything committed concurrently is
// either in this response or stamped after serverTime and picked up by the
// next pull. Entities may therefore arrive twice, never zero times.
func (e *Endpoint) Pull(ctx context.Context, userID string, since time.Time) (*models.PullResponse, error) {
	if userID == "" {
		return nil, serr.New("user id is required")
	}
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}

	resp := &models.PullResponse{ServerTime: e.store.watermark()}

	err := withTx(ctx, e.store.db, func(tx *sql.Tx) error {
		var err error
		if resp.Folders, err = foldersSince(ctx, tx, userID, since); err != nil {
			return err
		}
		if resp.Tags, err = tagsSince(ctx, tx, userID, since); err != nil {
			return err
		}
		if resp.Notes, err = notesSince(ctx, tx, userID, since); err != nil {
			return err
		}
		deletions, err := deletionsSince(ctx, tx, userID, since)
		if err != nil {
			return err
		}
		resp.Deletions = dropResurrected(deletions, resp)
		return nil
	})
	if err != nil {
		return nil, serr.Wrap(err, "failed to pull changes")
	}

	logger.Debug("Pull served", "user_id", userID, "since", since.Format(time.RFC3339Nano),
		"notes", len(resp.Notes), "folders", len(resp.Folders), "tags", len(resp.Tags),
		"deletions", len(resp.Deletions))
	return resp, nil
}

// dropResurrected removes deletion markers for entities that are live in the
// same response: they were deleted and later restored, and the client applies
// deletions after upserts.
func dropResurrected(markers []models.DeletionMarker, resp *models.PullResponse) []models.DeletionMarker {
	live := make(map[models.EntityType]map[int64]bool, 2)
	live[models.EntityNote] = make(map[int64]bool, len(resp.Notes))
	live[models.EntityFolder] = make(map[int64]bool, len(resp.Folders))
	for _, n := range resp.Notes {
		live[models.EntityNote][n.ID] = true
	}
	for _, f := range resp.Folders {
		live[models.EntityFolder][f.ID] = true
	}

	out := markers[:0]
	for _, m := range markers {
		if live[m.EntityType][m.EntityID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Offline returns every live note userID marked available offline.
func (e *Endpoint) Offline(ctx context.Context, userID string) (*models.OfflineSnapshot, error) {
	if userID == "" {
		return nil, serr.New("user id is required")
	}

	snap := &models.OfflineSnapshot{ServerTime: e.store.watermark()}
	notes, err := offlineNotes(ctx, e.store.db, userID)
	if err != nil {
		return nil, serr.Wrap(err, "failed to load offline notes")
	}
	snap.Notes = notes
	return snap, nil
}
