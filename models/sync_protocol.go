package models

import (
	"time"
)

// ============================================================================
// Sync Wire Protocol
//
// Bodies exchanged by POST /sync/pull, POST /sync/push and GET /sync/offline.
// Pull is a delta keyed on the client's cursor (lastSyncAt); push carries the
// client's pending records, each tagged as new, deleted or an update made
// from a known base version. Every timestamp on the wire is assigned by the
// server, the client never orders anything by its own clock.
// ============================================================================

// PullRequest is the body of POST /sync/pull.
// A nil LastSyncAt requests a full pull.
type PullRequest struct {
	LastSyncAt *time.Time `json:"lastSyncAt"`
	DeviceID   string     `json:"deviceId"`
}

// DeletionMarker tells the client an entity was deleted on the server.
type DeletionMarker struct {
	EntityType EntityType `json:"entityType"`
	EntityID   int64      `json:"entityId"`
	Timestamp  time.Time  `json:"timestamp"`
}

// PullResponse is the body returned by POST /sync/pull.
// ServerTime is the cursor the client adopts once everything else is applied.
type PullResponse struct {
	Notes      []Note           `json:"notes"`
	Folders    []Folder         `json:"folders"`
	Tags       []Tag            `json:"tags"`
	Deletions  []DeletionMarker `json:"deletions"`
	ServerTime time.Time        `json:"serverTime"`
}

// PushItem is one pending record in a push batch.
// Exactly one of IsNew, Deleted or an update (ID plus BaseUpdatedAt) applies.
// Notes use Title, Content, FolderID, Tags and AvailableOffline; folders use
// Name and ParentID.
type PushItem struct {
	ID               int64      `json:"id,omitempty"`
	LocalID          string     `json:"localId,omitempty"`
	Title            string     `json:"title,omitempty"`
	Content          string     `json:"content,omitempty"`
	FolderID         *int64     `json:"folderId,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	AvailableOffline bool       `json:"availableOffline,omitempty"`
	Name             string     `json:"name,omitempty"`
	ParentID         *int64     `json:"parentId,omitempty"`
	IsNew            bool       `json:"_isNew,omitempty"`
	Deleted          bool       `json:"_deleted,omitempty"`
	BaseUpdatedAt    *time.Time `json:"_baseUpdatedAt,omitempty"`
	MutationID       string     `json:"_mutationId,omitempty"`
}

// IsUpdate reports whether the item is neither a create nor a delete.
func (it PushItem) IsUpdate() bool {
	return !it.IsNew && !it.Deleted
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Notes   []PushItem `json:"notes"`
	Folders []PushItem `json:"folders"`
}

// NoteResult maps a client record to the server's copy after a create or update.
type NoteResult struct {
	LocalID string `json:"local_id"`
	Server  Note   `json:"server"`
}

// FolderResult maps a client record to the server's copy after a create or update.
type FolderResult struct {
	LocalID string `json:"local_id"`
	Server  Folder `json:"server"`
}

// Conflict is returned instead of applying an update whose base version is
// older than the server's. The local fields echo what the client attempted.
// ServerNote or ServerFolder holds the server's current copy unless the
// entity was deleted there.
type Conflict struct {
	EntityType      EntityType `json:"entity_type" msgpack:"entity_type"`
	NoteID          int64      `json:"note_id" msgpack:"note_id"`
	LocalID         string     `json:"local_id" msgpack:"local_id"`
	LocalTitle      string     `json:"local_title" msgpack:"local_title"`
	LocalContent    string     `json:"local_content" msgpack:"local_content"`
	ServerNote      *Note      `json:"server_note,omitempty" msgpack:"server_note"`
	ServerFolder    *Folder    `json:"server_folder,omitempty" msgpack:"server_folder"`
	ServerUpdatedAt time.Time  `json:"server_updated_at" msgpack:"server_updated_at"`
	ServerDeleted   bool       `json:"server_deleted" msgpack:"server_deleted"`
	Diff            string     `json:"diff,omitempty" msgpack:"diff"`
}

// DeletedResult acknowledges a delete item.
type DeletedResult struct {
	EntityType EntityType `json:"entity_type"`
	LocalID    string     `json:"local_id"`
	ID         int64      `json:"id"`
}

// Rejection reports a malformed push item. Other items in the batch are unaffected.
type Rejection struct {
	EntityType EntityType `json:"entity_type"`
	LocalID    string     `json:"local_id"`
	ID         int64      `json:"id,omitempty"`
	Reason     string     `json:"reason"`
}

// PushResults groups per-item outcomes by kind.
type PushResults struct {
	Notes     []NoteResult    `json:"notes"`
	Folders   []FolderResult  `json:"folders"`
	Conflicts []Conflict      `json:"conflicts"`
	Deleted   []DeletedResult `json:"deleted"`
	Rejected  []Rejection     `json:"rejected"`
}

// PushResponse is the body returned by POST /sync/push.
type PushResponse struct {
	Results    PushResults `json:"results"`
	ServerTime time.Time   `json:"serverTime"`
}

// OfflineSnapshot is the body of GET /sync/offline: every live note the user
// flagged as available offline.
type OfflineSnapshot struct {
	Notes      []Note    `json:"notes" msgpack:"notes"`
	ServerTime time.Time `json:"serverTime" msgpack:"server_time"`
}
