package replica

import (
	"errors"
	"time"

	"gonotesync/models"
)

// SyncStatus is a record's position in the sync lifecycle.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

var (
	// ErrNotFound is returned when no record matches a local id.
	ErrNotFound = errors.New("record not found")
	// ErrDeleted is returned when editing a record already deleted locally.
	ErrDeleted = errors.New("record is deleted locally")
	// ErrNotInConflict is returned when resolving a record that has no conflict.
	ErrNotInConflict = errors.New("record is not in conflict")
	// ErrInvalid is returned for records that cannot be stored as given.
	ErrInvalid = errors.New("invalid record")
)

// Record is one note, folder or tag in the local replica together with its
// sync metadata.
//
// Title carries a note's title, a folder's name or a tag's name. FolderID is
// a note's folder or a folder's parent, both as server ids (0 for none).
type Record struct {
	EntityType       models.EntityType
	LocalID          string
	ServerID         int64
	Title            string
	Content          string
	FolderID         int64
	Tags             []string
	AvailableOffline bool

	UpdatedAt     time.Time
	BaseUpdatedAt time.Time
	DeletedAt     *time.Time
	SyncStatus    SyncStatus

	// Revision counts local edits. A push acknowledgement only settles the
	// record if no edit happened since the batch was built.
	Revision int64
	// MutationID identifies the latest local edit to the hub.
	MutationID string
	// Seq is the creation order within the replica.
	Seq int64

	// Conflict holds the hub's competing version while SyncStatus is conflict.
	Conflict *models.Conflict
}

// Patch is a local edit. Nil fields are left unchanged.
type Patch struct {
	Title            *string
	Content          *string
	FolderID         *int64
	Tags             *[]string
	AvailableOffline *bool
}

func (p Patch) apply(r *Record) {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Content != nil {
		r.Content = *p.Content
	}
	if p.FolderID != nil {
		r.FolderID = *p.FolderID
	}
	if p.Tags != nil {
		r.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.AvailableOffline != nil {
		r.AvailableOffline = *p.AvailableOffline
	}
}

// Resolution picks the winning side of a conflict.
type Resolution int

const (
	// KeepLocal re-queues the local edit on top of the hub's version.
	KeepLocal Resolution = iota + 1
	// AcceptServer discards the local edit in favour of the hub's version.
	AcceptServer
)

// FromNote converts a hub note into a record ready for UpsertFromServer.
func FromNote(n models.Note) Record {
	return Record{
		EntityType:       models.EntityNote,
		ServerID:         n.ID,
		Title:            n.Title,
		Content:          n.Content,
		FolderID:         models.Int64Val(n.FolderID),
		Tags:             append([]string(nil), n.Tags...),
		AvailableOffline: n.AvailableOffline,
		UpdatedAt:        n.UpdatedAt,
	}
}

// FromFolder converts a hub folder into a record.
func FromFolder(f models.Folder) Record {
	return Record{
		EntityType: models.EntityFolder,
		ServerID:   f.ID,
		Title:      f.Name,
		FolderID:   models.Int64Val(f.ParentID),
		UpdatedAt:  f.UpdatedAt,
	}
}

// FromTag converts a hub tag into a record.
func FromTag(t models.Tag) Record {
	return Record{
		EntityType: models.EntityTag,
		ServerID:   t.ID,
		Title:      t.Name,
		UpdatedAt:  t.UpdatedAt,
	}
}

// takeServerFields copies the content of a hub version onto r and marks it
// synced at that version. Identity fields are left alone.
func (r *Record) takeServerFields(s Record) {
	r.Title = s.Title
	r.Content = s.Content
	r.FolderID = s.FolderID
	r.Tags = append([]string(nil), s.Tags...)
	r.AvailableOffline = s.AvailableOffline
	r.UpdatedAt = s.UpdatedAt
	r.BaseUpdatedAt = s.UpdatedAt
	r.DeletedAt = nil
	r.SyncStatus = StatusSynced
	r.Conflict = nil
}

// refreshConflict points a parked conflict at a newer hub version s, so the
// user resolves against what the hub holds now rather than what it held
// when the push was refused.
func (r *Record) refreshConflict(s Record) {
	cf := r.Conflict
	cf.ServerUpdatedAt = s.UpdatedAt
	cf.ServerDeleted = false
	cf.ServerNote, cf.ServerFolder, cf.Diff = nil, nil, ""

	switch s.EntityType {
	case models.EntityNote:
		n := models.Note{
			ID:               s.ServerID,
			Title:            s.Title,
			Content:          s.Content,
			FolderID:         models.Int64Ptr(s.FolderID),
			Tags:             append([]string(nil), s.Tags...),
			AvailableOffline: s.AvailableOffline,
			UpdatedAt:        s.UpdatedAt,
		}
		cf.ServerNote = &n
		cf.Diff = models.ContentDiff(s.Content, r.Content)
	case models.EntityFolder:
		f := models.Folder{
			ID:        s.ServerID,
			Name:      s.Title,
			ParentID:  models.Int64Ptr(s.FolderID),
			UpdatedAt: s.UpdatedAt,
		}
		cf.ServerFolder = &f
	}
}

// markConflictServerDeleted records that the hub deleted the entity after
// the conflict was parked.
func (r *Record) markConflictServerDeleted(at time.Time) {
	cf := r.Conflict
	cf.ServerUpdatedAt = at
	cf.ServerDeleted = true
	cf.ServerNote, cf.ServerFolder, cf.Diff = nil, nil, ""
}

func (r Record) clone() Record {
	c := r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	if r.Conflict != nil {
		cf := *r.Conflict
		c.Conflict = &cf
	}
	return c
}
