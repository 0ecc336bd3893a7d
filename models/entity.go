package models

import "time"

// EntityType names the kind of record carried by the sync protocol.
type EntityType string

const (
	EntityNote   EntityType = "note"
	EntityFolder EntityType = "folder"
	EntityTag    EntityType = "tag"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityNote, EntityFolder, EntityTag:
		return true
	}
	return false
}

// Note is the server's view of a note as exchanged on the wire.
// Tags holds tag names; the server resolves them to tag rows per user.
type Note struct {
	ID               int64     `json:"id" msgpack:"id"`
	Title            string    `json:"title" msgpack:"title"`
	Content          string    `json:"content" msgpack:"content"`
	FolderID         *int64    `json:"folderId,omitempty" msgpack:"folder_id"`
	Tags             []string  `json:"tags" msgpack:"tags"`
	AvailableOffline bool      `json:"availableOffline" msgpack:"available_offline"`
	CreatedAt        time.Time `json:"createdAt" msgpack:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" msgpack:"updated_at"`
}

// Folder is the server's view of a folder. ParentID is nil for top level folders.
type Folder struct {
	ID        int64     `json:"id" msgpack:"id"`
	Name      string    `json:"name" msgpack:"name"`
	ParentID  *int64    `json:"parentId,omitempty" msgpack:"parent_id"`
	CreatedAt time.Time `json:"createdAt" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" msgpack:"updated_at"`
}

// Tag is unique per user by name. Tags are created implicitly when a note
// referencing a new name is pushed.
type Tag struct {
	ID        int64     `json:"id" msgpack:"id"`
	Name      string    `json:"name" msgpack:"name"`
	CreatedAt time.Time `json:"createdAt" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" msgpack:"updated_at"`
}

// Int64Ptr returns a pointer to v, or nil when v is zero.
// Server ids start at 1 so zero always means "none".
func Int64Ptr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// Int64Val dereferences p, treating nil as zero.
func Int64Val(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
