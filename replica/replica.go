// Package replica is the client's durable local copy of a user's notes,
// folders and tags, annotated with the metadata the sync coordinator needs:
// server id, local id, dirty flag, base version and soft-delete marker.
//
// A Store is built once per authenticated session and closed on logout.
// Open returns the SQLite-backed store; NewMemStore returns an in-memory one
// with identical semantics for tests.
package replica

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"gonotesync/keylock"
	"gonotesync/models"
)

// Store is the local replica contract used by the coordinator and the UI.
type Store interface {
	CreateLocal(ctx context.Context, entityType models.EntityType, p Patch) (Record, error)
	UpsertFromServer(ctx context.Context, rec Record) (bool, error)
	MarkDirty(ctx context.Context, localID string, p Patch) (Record, error)
	MarkDeletedLocally(ctx context.Context, localID string) error
	ListPending(ctx context.Context) ([]Record, error)
	ApplyServerDeletion(ctx context.Context, entityType models.EntityType, serverID int64, deletedAt time.Time) (bool, error)

	AckPushed(ctx context.Context, localID string, revision int64, server Record) error
	AckDeleted(ctx context.Context, localID string) error
	MarkConflict(ctx context.Context, localID string, c models.Conflict) error
	ResolveConflict(ctx context.Context, localID string, r Resolution) (*Record, error)

	Get(ctx context.Context, localID string) (Record, error)
	GetByServerID(ctx context.Context, entityType models.EntityType, serverID int64) (Record, error)
	List(ctx context.Context, entityType models.EntityType) ([]Record, error)

	LastSyncAt(ctx context.Context) (time.Time, error)
	SetLastSyncAt(ctx context.Context, t time.Time) error
	SaveOfflineSnapshot(ctx context.Context, snap models.OfflineSnapshot) error
	OfflineSnapshot(ctx context.Context) (*models.OfflineSnapshot, error)

	Close() error
}

// lookup addresses a record by local id, or by entity type and server id
// when localID is empty.
type lookup struct {
	localID    string
	entityType models.EntityType
	serverID   int64
}

func byLocal(localID string) lookup { return lookup{localID: localID} }

func byServer(et models.EntityType, id int64) lookup {
	return lookup{entityType: et, serverID: id}
}

// mutation computes a record's next state from its current one (nil when
// absent). Returning next == nil and remove == false leaves the row as is.
type mutation func(cur *Record) (next *Record, remove bool, err error)

type listQuery struct {
	entityType     models.EntityType
	status         SyncStatus
	includeDeleted bool
}

// backend is the storage primitive under core. mutate must read and write
// the addressed row atomically; a crash leaves either the old or the new row.
type backend interface {
	mutate(ctx context.Context, key lookup, fn mutation) error
	get(ctx context.Context, key lookup) (*Record, error)
	list(ctx context.Context, q listQuery) ([]Record, error)
	getMeta(ctx context.Context, key string) ([]byte, error)
	setMeta(ctx context.Context, key string, val []byte) error
	close() error
}

const (
	metaLastSyncAt      = "last_sync_at"
	metaOfflineSnapshot = "offline_snapshot"
)

// core holds the replica rules; backends only persist rows.
type core struct {
	b     backend
	rows  keylock.Locks
	now   func() time.Time
	newID func() string
	// cursorLock guards the read-compare-write of the sync cursor
	cursorLock keylock.Locks
}

func newCore(b backend) *core {
	return &core{
		b:     b,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (c *core) lockRow(localID string) func() {
	return c.rows.Lock("row:" + localID)
}

// CreateLocal adds a record created on this device. It is pending and has
// no server id until its first push succeeds.
func (c *core) CreateLocal(ctx context.Context, et models.EntityType, p Patch) (Record, error) {
	if et != models.EntityNote && et != models.EntityFolder {
		return Record{}, serr.Wrap(ErrInvalid, "only notes and folders can be created locally")
	}

	rec := Record{
		EntityType: et,
		LocalID:    c.newID(),
		SyncStatus: StatusPending,
		Revision:   1,
		MutationID: c.newID(),
	}
	p.apply(&rec)
	if et == models.EntityFolder && rec.Title == "" {
		return Record{}, serr.Wrap(ErrInvalid, "folder name is required")
	}

	unlock := c.lockRow(rec.LocalID)
	defer unlock()

	err := c.b.mutate(ctx, byLocal(rec.LocalID), func(cur *Record) (*Record, bool, error) {
		if cur != nil {
			return nil, false, serr.New("local id collision")
		}
		return &rec, false, nil
	})
	if err != nil {
		return Record{}, serr.Wrap(err, "failed to create local record")
	}
	return c.Get(ctx, rec.LocalID)
}

// UpsertFromServer stores a hub version. It never overwrites a record that
// is pending or in conflict; those keep their local edits until a push
// settles them. A conflict does track the newer version though, so that
// accepting the hub's side later lands on the hub's current state.
// Returns whether the hub version was applied.
func (c *core) UpsertFromServer(ctx context.Context, rec Record) (bool, error) {
	if rec.ServerID <= 0 || !rec.EntityType.Valid() {
		return false, serr.Wrap(ErrInvalid, "server record needs an entity type and server id")
	}

	if existing, err := c.b.get(ctx, byServer(rec.EntityType, rec.ServerID)); err != nil {
		return false, serr.Wrap(err, "failed to look up record")
	} else if existing != nil {
		unlock := c.lockRow(existing.LocalID)
		defer unlock()
	}

	applied := false
	err := c.b.mutate(ctx, byServer(rec.EntityType, rec.ServerID), func(cur *Record) (*Record, bool, error) {
		if cur == nil {
			next := Record{
				EntityType: rec.EntityType,
				LocalID:    c.newID(),
				ServerID:   rec.ServerID,
			}
			next.takeServerFields(rec)
			applied = true
			return &next, false, nil
		}
		if cur.SyncStatus == StatusConflict && cur.Conflict != nil {
			if !rec.UpdatedAt.After(cur.Conflict.ServerUpdatedAt) {
				return nil, false, nil
			}
			next := cur.clone()
			next.refreshConflict(rec)
			return &next, false, nil
		}
		if cur.SyncStatus != StatusSynced {
			return nil, false, nil
		}
		if rec.UpdatedAt.Before(cur.UpdatedAt) {
			return nil, false, nil
		}
		next := cur.clone()
		next.takeServerFields(rec)
		applied = true
		return &next, false, nil
	})
	if err != nil {
		return false, serr.Wrap(err, "failed to upsert server record")
	}
	return applied, nil
}

// MarkDirty applies a local edit. BaseUpdatedAt is kept: it names the
// version the edit was made from. A record in conflict stays in conflict.
func (c *core) MarkDirty(ctx context.Context, localID string, p Patch) (Record, error) {
	unlock := c.lockRow(localID)
	defer unlock()

	err := c.b.mutate(ctx, byLocal(localID), func(cur *Record) (*Record, bool, error) {
		if cur == nil {
			return nil, false, ErrNotFound
		}
		if cur.DeletedAt != nil {
			return nil, false, ErrDeleted
		}
		if cur.EntityType == models.EntityTag {
			return nil, false, serr.Wrap(ErrInvalid, "tags are edited through their notes")
		}
		next := cur.clone()
		p.apply(&next)
		if next.SyncStatus != StatusConflict {
			next.SyncStatus = StatusPending
		}
		next.Revision++
		next.MutationID = c.newID()
		return &next, false, nil
	})
	if err != nil {
		return Record{}, err
	}
	return c.Get(ctx, localID)
}

// MarkDeletedLocally soft-deletes a record and queues the delete. A record
// without a server id keeps its tombstone too: its create may have reached
// the hub with the response lost, so the delete is pushed by local id.
func (c *core) MarkDeletedLocally(ctx context.Context, localID string) error {
	unlock := c.lockRow(localID)
	defer unlock()

	return c.b.mutate(ctx, byLocal(localID), func(cur *Record) (*Record, bool, error) {
		if cur == nil {
			return nil, false, ErrNotFound
		}
		if cur.DeletedAt != nil {
			return nil, false, nil
		}
		next := cur.clone()
		now := c.now().UTC()
		next.DeletedAt = &now
		next.SyncStatus = StatusPending
		next.Conflict = nil
		next.Revision++
		next.MutationID = c.newID()
		return &next, false, nil
	})
}

// ListPending returns every pending record in creation order.
func (c *core) ListPending(ctx context.Context) ([]Record, error) {
	recs, err := c.b.list(ctx, listQuery{status: StatusPending, includeDeleted: true})
	if err != nil {
		return nil, serr.Wrap(err, "failed to list pending records")
	}
	return recs, nil
}

// ApplyServerDeletion removes the local row of an entity the hub deleted at
// deletedAt. A row with unpushed local edits is kept so the edit is not
// lost; its next push meets the deletion as a conflict. A row already in
// conflict records the deletion so AcceptServer removes it.
// Returns whether a row was removed.
func (c *core) ApplyServerDeletion(ctx context.Context, et models.EntityType, serverID int64, deletedAt time.Time) (bool, error) {
	existing, err := c.b.get(ctx, byServer(et, serverID))
	if err != nil {
		return false, serr.Wrap(err, "failed to look up record")
	}
	if existing == nil {
		return false, nil
	}

	unlock := c.lockRow(existing.LocalID)
	defer unlock()

	removed := false
	err = c.b.mutate(ctx, byServer(et, serverID), func(cur *Record) (*Record, bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		if cur.SyncStatus == StatusConflict && cur.Conflict != nil && cur.DeletedAt == nil {
			if deletedAt.Before(cur.Conflict.ServerUpdatedAt) {
				return nil, false, nil
			}
			next := cur.clone()
			next.markConflictServerDeleted(deletedAt)
			return &next, false, nil
		}
		if cur.SyncStatus != StatusSynced && cur.DeletedAt == nil {
			logger.Info("Keeping locally edited record deleted on hub",
				"local_id", cur.LocalID, "server_id", serverID, "status", string(cur.SyncStatus))
			return nil, false, nil
		}
		removed = true
		return nil, true, nil
	})
	if err != nil {
		return false, serr.Wrap(err, "failed to apply server deletion")
	}
	return removed, nil
}

// AckPushed settles a record after the hub accepted its create or update.
// The server id is learned here. If the record was edited again while the
// push was in flight (revision moved on) it stays pending, but its base
// advances to the version the hub now holds.
func (c *core) AckPushed(ctx context.Context, localID string, revision int64, server Record) error {
	unlock := c.lockRow(localID)
	defer unlock()

	return c.b.mutate(ctx, byLocal(localID), func(cur *Record) (*Record, bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		if cur.ServerID != 0 && cur.ServerID != server.ServerID {
			return nil, false, serr.New("hub returned a different server id for a synced record")
		}

		next := cur.clone()
		next.ServerID = server.ServerID
		if cur.Revision == revision && cur.SyncStatus == StatusPending {
			next.takeServerFields(server)
			return &next, false, nil
		}

		next.UpdatedAt = server.UpdatedAt
		next.BaseUpdatedAt = server.UpdatedAt
		return &next, false, nil
	})
}

// AckDeleted removes a record whose delete the hub confirmed.
func (c *core) AckDeleted(ctx context.Context, localID string) error {
	unlock := c.lockRow(localID)
	defer unlock()

	return c.b.mutate(ctx, byLocal(localID), func(cur *Record) (*Record, bool, error) {
		if cur == nil || cur.DeletedAt == nil {
			return nil, false, nil
		}
		return nil, true, nil
	})
}

// MarkConflict parks a record whose update the hub refused. The local edit
// is kept untouched for the user to inspect. A create that met its own
// entity already deleted learns the server id here.
func (c *core) MarkConflict(ctx context.Context, localID string, cf models.Conflict) error {
	unlock := c.lockRow(localID)
	defer unlock()

	return c.b.mutate(ctx, byLocal(localID), func(cur *Record) (*Record, bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		next := cur.clone()
		if next.ServerID == 0 {
			next.ServerID = cf.NoteID
		}
		next.SyncStatus = StatusConflict
		next.Conflict = &cf
		return &next, false, nil
	})
}

// ResolveConflict applies the user's choice. KeepLocal makes the record
// pending again from the hub's version; AcceptServer takes the hub's copy
// and, when the hub deleted the entity, removes the row (nil is returned).
func (c *core) ResolveConflict(ctx context.Context, localID string, r Resolution) (*Record, error) {
	unlock := c.lockRow(localID)
	defer unlock()

	removed := false
	err := c.b.mutate(ctx, byLocal(localID), func(cur *Record) (*Record, bool, error) {
		if cur == nil {
			return nil, false, ErrNotFound
		}
		if cur.SyncStatus != StatusConflict || cur.Conflict == nil {
			return nil, false, ErrNotInConflict
		}
		cf := cur.Conflict
		next := cur.clone()
		next.Revision++

		switch r {
		case KeepLocal:
			next.SyncStatus = StatusPending
			next.BaseUpdatedAt = cf.ServerUpdatedAt
			next.UpdatedAt = cf.ServerUpdatedAt
			next.MutationID = c.newID()
			next.Conflict = nil
			return &next, false, nil

		case AcceptServer:
			switch {
			case cf.ServerDeleted:
				removed = true
				return nil, true, nil
			case cf.ServerNote != nil:
				next.takeServerFields(FromNote(*cf.ServerNote))
			case cf.ServerFolder != nil:
				next.takeServerFields(FromFolder(*cf.ServerFolder))
			default:
				return nil, false, serr.New("conflict carries no server version")
			}
			return &next, false, nil
		}
		return nil, false, serr.Wrap(ErrInvalid, "unknown resolution")
	})
	if err != nil {
		return nil, err
	}
	if removed {
		return nil, nil
	}
	rec, err := c.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns a record by local id, or ErrNotFound.
func (c *core) Get(ctx context.Context, localID string) (Record, error) {
	rec, err := c.b.get(ctx, byLocal(localID))
	if err != nil {
		return Record{}, serr.Wrap(err, "failed to get record")
	}
	if rec == nil {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// GetByServerID returns a record by hub id, or ErrNotFound.
func (c *core) GetByServerID(ctx context.Context, et models.EntityType, serverID int64) (Record, error) {
	rec, err := c.b.get(ctx, byServer(et, serverID))
	if err != nil {
		return Record{}, serr.Wrap(err, "failed to get record")
	}
	if rec == nil {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// List returns the visible records of one type (locally deleted ones are
// hidden) in creation order.
func (c *core) List(ctx context.Context, et models.EntityType) ([]Record, error) {
	recs, err := c.b.list(ctx, listQuery{entityType: et})
	if err != nil {
		return nil, serr.Wrap(err, "failed to list records")
	}
	return recs, nil
}

// LastSyncAt returns the sync cursor; zero before the first successful pull.
func (c *core) LastSyncAt(ctx context.Context) (time.Time, error) {
	raw, err := c.b.getMeta(ctx, metaLastSyncAt)
	if err != nil {
		return time.Time{}, serr.Wrap(err, "failed to read sync cursor")
	}
	var t time.Time
	if err := models.Unpack(raw, &t); err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// SetLastSyncAt advances the cursor. An older value is ignored so the
// cursor never moves backwards.
func (c *core) SetLastSyncAt(ctx context.Context, t time.Time) error {
	unlock := c.cursorLock.Lock(metaLastSyncAt)
	defer unlock()

	cur, err := c.LastSyncAt(ctx)
	if err != nil {
		return err
	}
	if !t.After(cur) {
		return nil
	}
	raw, err := models.Pack(t.UTC())
	if err != nil {
		return err
	}
	if err := c.b.setMeta(ctx, metaLastSyncAt, raw); err != nil {
		return serr.Wrap(err, "failed to write sync cursor")
	}
	return nil
}

// SaveOfflineSnapshot replaces the cached offline snapshot.
func (c *core) SaveOfflineSnapshot(ctx context.Context, snap models.OfflineSnapshot) error {
	raw, err := models.Pack(snap)
	if err != nil {
		return err
	}
	if err := c.b.setMeta(ctx, metaOfflineSnapshot, raw); err != nil {
		return serr.Wrap(err, "failed to write offline snapshot")
	}
	return nil
}

// OfflineSnapshot returns the cached snapshot, or nil if none was saved yet.
func (c *core) OfflineSnapshot(ctx context.Context) (*models.OfflineSnapshot, error) {
	raw, err := c.b.getMeta(ctx, metaOfflineSnapshot)
	if err != nil {
		return nil, serr.Wrap(err, "failed to read offline snapshot")
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var snap models.OfflineSnapshot
	if err := models.Unpack(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close releases the backend.
func (c *core) Close() error {
	return c.b.close()
}
