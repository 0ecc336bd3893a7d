package hub

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"gonotesync/models"
)

// ============================================================================
// Push
//
// Every item of a batch is processed on its own: its conflict check, entity
// write and change-log append share one transaction, and nothing about one
// item affects another. The outcome of each item is an ItemResult; a conflict
// or a malformed item is a result, not an error. Push only returns an error
// when the store itself fails, in which case the client retries the whole
// batch (creates are deduplicated by localId, updates by mutation id).
// ============================================================================

// ResultKind tags an ItemResult.
type ResultKind int

const (
	ResultCreated ResultKind = iota + 1
	ResultUpdated
	ResultDeleted
	ResultConflict
	ResultRejected
)

func (k ResultKind) String() string {
	switch k {
	case ResultCreated:
		return "created"
	case ResultUpdated:
		return "updated"
	case ResultDeleted:
		return "deleted"
	case ResultConflict:
		return "conflict"
	case ResultRejected:
		return "rejected"
	}
	return "unknown"
}

// ItemResult is the outcome of one push item. Which payload field is set
// depends on Kind: Note or Folder for Created/Updated, Conflict for
// Conflict, Reason for Rejected, none for Deleted.
type ItemResult struct {
	Kind       ResultKind
	EntityType models.EntityType
	LocalID    string
	EntityID   int64
	Note       *models.Note
	Folder     *models.Folder
	Conflict   *models.Conflict
	Reason     string
}

// PushOutcome holds per-item results in request order (folders first).
type PushOutcome struct {
	Items      []ItemResult
	ServerTime time.Time
}

// Count returns how many items ended with kind k.
func (o *PushOutcome) Count(k ResultKind) int {
	n := 0
	for _, it := range o.Items {
		if it.Kind == k {
			n++
		}
	}
	return n
}

// Response folds the results into the wire format. Created and updated
// records both appear under notes/folders so the client learns the new
// updatedAt either way.
func (o *PushOutcome) Response() models.PushResponse {
	res := models.PushResults{
		Notes:     []models.NoteResult{},
		Folders:   []models.FolderResult{},
		Conflicts: []models.Conflict{},
		Deleted:   []models.DeletedResult{},
		Rejected:  []models.Rejection{},
	}

	for _, it := range o.Items {
		switch it.Kind {
		case ResultCreated, ResultUpdated:
			if it.Note != nil {
				res.Notes = append(res.Notes, models.NoteResult{LocalID: it.LocalID, Server: *it.Note})
			}
			if it.Folder != nil {
				res.Folders = append(res.Folders, models.FolderResult{LocalID: it.LocalID, Server: *it.Folder})
			}
		case ResultDeleted:
			res.Deleted = append(res.Deleted, models.DeletedResult{
				EntityType: it.EntityType, LocalID: it.LocalID, ID: it.EntityID,
			})
		case ResultConflict:
			res.Conflicts = append(res.Conflicts, *it.Conflict)
		case ResultRejected:
			res.Rejected = append(res.Rejected, models.Rejection{
				EntityType: it.EntityType, LocalID: it.LocalID, ID: it.EntityID, Reason: it.Reason,
			})
		}
	}

	return models.PushResponse{Results: res, ServerTime: o.ServerTime}
}

// rejectError aborts an item's transaction and turns into a Rejected result.
type rejectError struct{ reason string }

func (e *rejectError) Error() string { return e.reason }

func reject(reason string) error { return &rejectError{reason: reason} }

// Push applies a batch for userID.
func (e *Endpoint) Push(ctx context.Context, userID string, req models.PushRequest) (*PushOutcome, error) {
	if userID == "" {
		return nil, serr.New("user id is required")
	}

	out := &PushOutcome{Items: make([]ItemResult, 0, len(req.Folders)+len(req.Notes))}

	for _, it := range req.Folders {
		r, err := e.pushItem(ctx, userID, models.EntityFolder, it)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, r)
	}
	for _, it := range req.Notes {
		r, err := e.pushItem(ctx, userID, models.EntityNote, it)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, r)
	}

	out.ServerTime = e.store.watermark()

	logger.Info("Push processed", "user_id", userID,
		"items", len(out.Items),
		"created", out.Count(ResultCreated),
		"updated", out.Count(ResultUpdated),
		"deleted", out.Count(ResultDeleted),
		"conflicts", out.Count(ResultConflict),
		"rejected", out.Count(ResultRejected))
	return out, nil
}

func (e *Endpoint) pushItem(ctx context.Context, userID string, kind models.EntityType, it models.PushItem) (ItemResult, error) {
	base := ItemResult{EntityType: kind, LocalID: it.LocalID, EntityID: it.ID}

	if reason := validateItem(kind, it); reason != "" {
		base.Kind, base.Reason = ResultRejected, reason
		return base, nil
	}

	if it.Deleted {
		return e.deleteEntity(ctx, userID, kind, it)
	}

	var tagNames []string
	if kind == models.EntityNote {
		names, reason := normalizeTags(it.Tags)
		if reason != "" {
			base.Kind, base.Reason = ResultRejected, reason
			return base, nil
		}
		tagNames = names
		it.Tags = names
	}

	keys := make([]string, 0, len(tagNames)+1)
	if it.IsNew {
		keys = append(keys, lockKey(string(kind), "client", userID, it.LocalID))
	} else {
		keys = append(keys, entityKey(kind, userID, it.ID))
	}
	for _, name := range tagNames {
		keys = append(keys, lockKey("tag", userID, name))
	}
	unlock := e.store.locks.Lock(keys...)
	defer unlock()

	var res ItemResult
	err := e.store.write(ctx, func(tx *sql.Tx, now time.Time) error {
		var err error
		switch {
		case kind == models.EntityNote && it.IsNew:
			res, err = createNote(ctx, tx, userID, it, now)
		case kind == models.EntityNote:
			res, err = updateNoteItem(ctx, tx, userID, it, now)
		case it.IsNew:
			res, err = createFolder(ctx, tx, userID, it, now)
		default:
			res, err = updateFolderItem(ctx, tx, userID, it, now)
		}
		return err
	})

	var rej *rejectError
	if errors.As(err, &rej) {
		base.Kind, base.Reason = ResultRejected, rej.reason
		return base, nil
	}
	if err != nil {
		return ItemResult{}, serr.Wrap(err, "failed to push "+string(kind))
	}

	res.EntityType = kind
	res.LocalID = it.LocalID
	return res, nil
}

// validateItem returns a reason when the item is malformed.
func validateItem(kind models.EntityType, it models.PushItem) string {
	switch {
	case it.IsNew && it.Deleted:
		return "item cannot be both new and deleted"
	case it.IsNew && it.LocalID == "":
		return "localId is required for new items"
	case it.IsNew && it.ID != 0:
		return "new items must not carry an id"
	case it.Deleted && it.ID < 0:
		return "invalid id"
	case it.Deleted && it.ID == 0 && it.LocalID == "":
		return "id or localId is required for deletes"
	case !it.IsNew && !it.Deleted && it.ID <= 0:
		return "id is required for updates"
	case it.IsUpdate() && it.BaseUpdatedAt == nil:
		return "_baseUpdatedAt is required for updates"
	}

	if it.Deleted {
		return ""
	}

	switch kind {
	case models.EntityFolder:
		if strings.TrimSpace(it.Name) == "" {
			return "folder name is required"
		}
		if it.ParentID != nil && (*it.ParentID <= 0 || *it.ParentID == it.ID) {
			return "invalid parentId"
		}
	case models.EntityNote:
		if it.FolderID != nil && *it.FolderID <= 0 {
			return "invalid folderId"
		}
	}
	return ""
}

func entityKey(kind models.EntityType, userID string, id int64) string {
	return lockKey(string(kind), userID, strconv.FormatInt(id, 10))
}

// ============================================================================
// Notes
// ============================================================================

func createNote(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) (ItemResult, error) {
	existing, err := noteByClientID(ctx, tx, userID, it.LocalID)
	if err != nil {
		return ItemResult{}, err
	}
	if existing != nil {
		if existing.deleted() {
			// Deleted before this retry got through; the client still
			// holds the note, so it decides like for any other edit.
			return ItemResult{Kind: ResultConflict, EntityID: existing.ID, Conflict: noteConflict(it, existing)}, nil
		}
		switch {
		case it.MutationID == existing.lastMutationID:
			// Retried create whose first response was lost
			return ItemResult{Kind: ResultCreated, EntityID: existing.ID, Note: &existing.Note}, nil
		case existing.UpdatedAt.After(existing.CreatedAt):
			// Edited locally after the lost create, and someone else
			// already changed the hub copy
			return ItemResult{Kind: ResultConflict, EntityID: existing.ID, Conflict: noteConflict(it, existing)}, nil
		}
		// Edited locally after the lost create; the hub copy is still the
		// create, so the edit replaces it
		it.ID = existing.ID
		res, err := applyNoteUpdate(ctx, tx, userID, it, now)
		res.Kind = ResultCreated
		return res, err
	}

	if err := checkFolderRef(ctx, tx, userID, it.FolderID); err != nil {
		return ItemResult{}, err
	}

	id, err := insertNote(ctx, tx, userID, it, now)
	if err != nil {
		return ItemResult{}, err
	}
	if err := writeNoteTags(ctx, tx, userID, id, it.Tags, now); err != nil {
		return ItemResult{}, err
	}
	if err := appendChange(ctx, tx, ChangeLogEntry{
		UserID: userID, EntityType: models.EntityNote, EntityID: id, Action: ActionCreate, Timestamp: now,
	}); err != nil {
		return ItemResult{}, err
	}

	row, err := getNote(ctx, tx, userID, id)
	if err != nil {
		return ItemResult{}, err
	}
	return ItemResult{Kind: ResultCreated, EntityID: id, Note: &row.Note}, nil
}

func updateNoteItem(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) (ItemResult, error) {
	cur, err := getNote(ctx, tx, userID, it.ID)
	if err != nil {
		return ItemResult{}, err
	}
	if cur == nil {
		return ItemResult{}, reject("note not found")
	}

	if it.MutationID != "" && it.MutationID == cur.lastMutationID && !cur.deleted() {
		// Replay of an update already applied
		return ItemResult{Kind: ResultUpdated, EntityID: cur.ID, Note: &cur.Note}, nil
	}

	if cur.UpdatedAt.After(*it.BaseUpdatedAt) {
		return ItemResult{Kind: ResultConflict, EntityID: cur.ID, Conflict: noteConflict(it, cur)}, nil
	}
	return applyNoteUpdate(ctx, tx, userID, it, now)
}

// applyNoteUpdate writes it over note it.ID once the conflict check passed.
func applyNoteUpdate(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) (ItemResult, error) {
	if err := checkFolderRef(ctx, tx, userID, it.FolderID); err != nil {
		return ItemResult{}, err
	}
	if err := updateNote(ctx, tx, userID, it, now); err != nil {
		return ItemResult{}, err
	}
	if err := writeNoteTags(ctx, tx, userID, it.ID, it.Tags, now); err != nil {
		return ItemResult{}, err
	}
	if err := appendChange(ctx, tx, ChangeLogEntry{
		UserID: userID, EntityType: models.EntityNote, EntityID: it.ID, Action: ActionUpdate, Timestamp: now,
	}); err != nil {
		return ItemResult{}, err
	}

	row, err := getNote(ctx, tx, userID, it.ID)
	if err != nil {
		return ItemResult{}, err
	}
	return ItemResult{Kind: ResultUpdated, EntityID: it.ID, Note: &row.Note}, nil
}

func noteConflict(it models.PushItem, cur *noteRow) *models.Conflict {
	c := &models.Conflict{
		EntityType:      models.EntityNote,
		NoteID:          cur.ID,
		LocalID:         it.LocalID,
		LocalTitle:      it.Title,
		LocalContent:    it.Content,
		ServerUpdatedAt: cur.UpdatedAt,
		ServerDeleted:   cur.deleted(),
	}
	if !cur.deleted() {
		n := cur.Note
		c.ServerNote = &n
		c.Diff = models.ContentDiff(cur.Content, it.Content)
	}
	return c
}

func writeNoteTags(ctx context.Context, tx *sql.Tx, userID string, noteID int64, names []string, now time.Time) error {
	tagIDs, err := upsertTags(ctx, tx, userID, names, now)
	if err != nil {
		return err
	}
	return setNoteTags(ctx, tx, noteID, tagIDs)
}

func checkFolderRef(ctx context.Context, tx *sql.Tx, userID string, folderID *int64) error {
	if folderID == nil {
		return nil
	}
	ok, err := folderExists(ctx, tx, userID, *folderID)
	if err != nil {
		return err
	}
	if !ok {
		return reject("folder not found")
	}
	return nil
}

// ============================================================================
// Folders
// ============================================================================

func createFolder(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) (ItemResult, error) {
	existing, err := folderByClientID(ctx, tx, userID, it.LocalID)
	if err != nil {
		return ItemResult{}, err
	}
	if existing != nil {
		if existing.deleted() {
			return ItemResult{Kind: ResultConflict, EntityID: existing.ID, Conflict: folderConflict(it, existing)}, nil
		}
		switch {
		case it.MutationID == existing.lastMutationID:
			return ItemResult{Kind: ResultCreated, EntityID: existing.ID, Folder: &existing.Folder}, nil
		case existing.UpdatedAt.After(existing.CreatedAt):
			return ItemResult{Kind: ResultConflict, EntityID: existing.ID, Conflict: folderConflict(it, existing)}, nil
		}
		it.ID = existing.ID
		res, err := applyFolderUpdate(ctx, tx, userID, it, now)
		res.Kind = ResultCreated
		return res, err
	}

	it.Name = strings.TrimSpace(it.Name)
	if err := checkFolderRef(ctx, tx, userID, it.ParentID); err != nil {
		return ItemResult{}, err
	}

	id, err := insertFolder(ctx, tx, userID, it, now)
	if err != nil {
		return ItemResult{}, err
	}
	if err := appendChange(ctx, tx, ChangeLogEntry{
		UserID: userID, EntityType: models.EntityFolder, EntityID: id, Action: ActionCreate, Timestamp: now,
	}); err != nil {
		return ItemResult{}, err
	}

	row, err := getFolder(ctx, tx, userID, id)
	if err != nil {
		return ItemResult{}, err
	}
	return ItemResult{Kind: ResultCreated, EntityID: id, Folder: &row.Folder}, nil
}

func updateFolderItem(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) (ItemResult, error) {
	cur, err := getFolder(ctx, tx, userID, it.ID)
	if err != nil {
		return ItemResult{}, err
	}
	if cur == nil {
		return ItemResult{}, reject("folder not found")
	}

	if it.MutationID != "" && it.MutationID == cur.lastMutationID && !cur.deleted() {
		return ItemResult{Kind: ResultUpdated, EntityID: cur.ID, Folder: &cur.Folder}, nil
	}

	if cur.UpdatedAt.After(*it.BaseUpdatedAt) {
		return ItemResult{Kind: ResultConflict, EntityID: cur.ID, Conflict: folderConflict(it, cur)}, nil
	}
	return applyFolderUpdate(ctx, tx, userID, it, now)
}

func applyFolderUpdate(ctx context.Context, tx *sql.Tx, userID string, it models.PushItem, now time.Time) (ItemResult, error) {
	it.Name = strings.TrimSpace(it.Name)
	if err := checkFolderRef(ctx, tx, userID, it.ParentID); err != nil {
		return ItemResult{}, err
	}
	if err := updateFolder(ctx, tx, userID, it, now); err != nil {
		return ItemResult{}, err
	}
	if err := appendChange(ctx, tx, ChangeLogEntry{
		UserID: userID, EntityType: models.EntityFolder, EntityID: it.ID, Action: ActionUpdate, Timestamp: now,
	}); err != nil {
		return ItemResult{}, err
	}

	row, err := getFolder(ctx, tx, userID, it.ID)
	if err != nil {
		return ItemResult{}, err
	}
	return ItemResult{Kind: ResultUpdated, EntityID: it.ID, Folder: &row.Folder}, nil
}

// folderConflict carries the folder's id in NoteID, the conflict's entity id.
func folderConflict(it models.PushItem, cur *folderRow) *models.Conflict {
	c := &models.Conflict{
		EntityType:      models.EntityFolder,
		NoteID:          cur.ID,
		LocalID:         it.LocalID,
		LocalTitle:      it.Name,
		ServerUpdatedAt: cur.UpdatedAt,
		ServerDeleted:   cur.deleted(),
	}
	if !cur.deleted() {
		f := cur.Folder
		c.ServerFolder = &f
	}
	return c
}

// ============================================================================
// Deletes
// ============================================================================

var entityTables = map[models.EntityType]string{
	models.EntityNote:   "notes",
	models.EntityFolder: "folders",
}

// deleteEntity soft-deletes a live entity and logs it. Deleting something
// already deleted or unknown succeeds without writing.
//
// A delete without an id names the entity by the localId it was created
// under: the client never learned the id because the create's response was
// lost. When no such entity exists yet, a deleted placeholder row is stored
// under that localId so a create arriving late dedupes onto it instead of
// bringing the entity to life.
func (e *Endpoint) deleteEntity(ctx context.Context, userID string, kind models.EntityType, it models.PushItem) (ItemResult, error) {
	table, ok := entityTables[kind]
	if !ok {
		return ItemResult{Kind: ResultRejected, EntityType: kind, LocalID: it.LocalID, EntityID: it.ID,
			Reason: "entity type cannot be deleted"}, nil
	}

	if it.ID == 0 {
		// Lock order is client key before entity key; nothing takes them
		// the other way round.
		unlockClient := e.store.locks.Lock(lockKey(string(kind), "client", userID, it.LocalID))
		defer unlockClient()

		id, err := idByClientID(ctx, e.store.db, table, userID, it.LocalID)
		if err != nil {
			return ItemResult{}, err
		}
		if id == 0 {
			return e.deleteUnseen(ctx, userID, kind, it)
		}
		it.ID = id
	}

	unlock := e.store.locks.Lock(entityKey(kind, userID, it.ID))
	defer unlock()

	err := e.store.write(ctx, func(tx *sql.Tx, now time.Time) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE `+table+`
			SET deleted_at = ?, updated_at = ?
			WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
			now, now, it.ID, userID)
		if err != nil {
			return serr.Wrap(err, "failed to delete "+string(kind))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return serr.Wrap(err, "failed to read rows affected")
		}
		if n == 0 {
			return nil
		}
		return appendChange(ctx, tx, ChangeLogEntry{
			UserID: userID, EntityType: kind, EntityID: it.ID, Action: ActionDelete, Timestamp: now,
		})
	})
	if err != nil {
		return ItemResult{}, serr.Wrap(err, "failed to push delete")
	}

	return ItemResult{Kind: ResultDeleted, EntityType: kind, LocalID: it.LocalID, EntityID: it.ID}, nil
}

// deleteUnseen stores a deleted placeholder for a localId the hub has not
// seen a create for. Nothing is logged: no client can hold the entity.
func (e *Endpoint) deleteUnseen(ctx context.Context, userID string, kind models.EntityType, it models.PushItem) (ItemResult, error) {
	var id int64
	err := e.store.write(ctx, func(tx *sql.Tx, now time.Time) error {
		var err error
		if kind == models.EntityFolder {
			err = tx.QueryRowContext(ctx, `
				INSERT INTO folders (user_id, client_id, name, last_mutation_id, created_at, updated_at, deleted_at)
				VALUES (?, ?, '', ?, ?, ?, ?)
				RETURNING id`,
				userID, it.LocalID, it.MutationID, now, now, now).Scan(&id)
		} else {
			err = tx.QueryRowContext(ctx, `
				INSERT INTO notes (user_id, client_id, last_mutation_id, created_at, updated_at, deleted_at)
				VALUES (?, ?, ?, ?, ?, ?)
				RETURNING id`,
				userID, it.LocalID, it.MutationID, now, now, now).Scan(&id)
		}
		if err != nil {
			return serr.Wrap(err, "failed to store deleted "+string(kind))
		}
		return nil
	})
	if err != nil {
		return ItemResult{}, serr.Wrap(err, "failed to push delete")
	}

	logger.Debug("Delete arrived before its create", "user_id", userID,
		"entity_type", string(kind), "local_id", it.LocalID, "id", id)
	return ItemResult{Kind: ResultDeleted, EntityType: kind, LocalID: it.LocalID, EntityID: id}, nil
}

// idByClientID resolves the id created under clientID, deleted or not.
// Returns 0 when there is none.
func idByClientID(ctx context.Context, q dbtx, table, userID, clientID string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM `+table+` WHERE user_id = ? AND client_id = ? ORDER BY id LIMIT 1`,
		userID, clientID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, serr.Wrap(err, "failed to look up "+table+" by client id")
	}
	return id, nil
}
