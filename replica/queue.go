package replica

import (
	"context"
	"time"

	"github.com/rohanthewiz/serr"

	"gonotesync/models"
)

// Batch is one push request built from the change queue, together with the
// revision each record had when it was read. Acknowledgements use the
// revision to tell whether the record was edited again mid-flight.
type Batch struct {
	Request   models.PushRequest
	Revisions map[string]int64
	Records   map[string]Record
}

// Len is the number of items in the batch.
func (b *Batch) Len() int {
	return len(b.Request.Notes) + len(b.Request.Folders)
}

// Queue reads pending records from a Store and turns them into push batches.
// The queue is the set of pending records itself; it keeps no state of its
// own so nothing is lost if the process dies between building and pushing.
type Queue struct {
	store Store
}

// NewQueue returns a queue over store.
func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Build returns a batch holding every pending record. Folders come before
// notes so a parent exists before its children reference it.
func (q *Queue) Build(ctx context.Context) (*Batch, error) {
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return nil, serr.Wrap(err, "failed to read change queue")
	}

	b := &Batch{
		Request:   models.PushRequest{Notes: []models.PushItem{}, Folders: []models.PushItem{}},
		Revisions: make(map[string]int64, len(pending)),
		Records:   make(map[string]Record, len(pending)),
	}
	for _, rec := range pending {
		item, ok := PushItemFor(rec)
		if !ok {
			continue
		}
		switch rec.EntityType {
		case models.EntityNote:
			b.Request.Notes = append(b.Request.Notes, item)
		case models.EntityFolder:
			b.Request.Folders = append(b.Request.Folders, item)
		}
		b.Revisions[rec.LocalID] = rec.Revision
		b.Records[rec.LocalID] = rec
	}
	return b, nil
}

// PushItemFor converts a pending record into its wire item. A locally
// deleted record is a delete, addressed by local id when no server id is
// known yet. Otherwise a record without a server id is a create keyed by its
// local id and anything else is an update from BaseUpdatedAt.
func PushItemFor(rec Record) (models.PushItem, bool) {
	if rec.EntityType != models.EntityNote && rec.EntityType != models.EntityFolder {
		return models.PushItem{}, false
	}

	item := models.PushItem{
		ID:         rec.ServerID,
		LocalID:    rec.LocalID,
		MutationID: rec.MutationID,
	}

	switch {
	case rec.DeletedAt != nil:
		item.Deleted = true
		return item, true
	case rec.ServerID == 0:
		item.IsNew = true
	default:
		base := rec.BaseUpdatedAt
		if base.IsZero() {
			base = time.Unix(0, 0).UTC()
		}
		item.BaseUpdatedAt = &base
	}

	if rec.EntityType == models.EntityFolder {
		item.Name = rec.Title
		item.ParentID = models.Int64Ptr(rec.FolderID)
		return item, true
	}

	item.Title = rec.Title
	item.Content = rec.Content
	item.FolderID = models.Int64Ptr(rec.FolderID)
	item.Tags = append([]string{}, rec.Tags...)
	item.AvailableOffline = rec.AvailableOffline
	return item, true
}
