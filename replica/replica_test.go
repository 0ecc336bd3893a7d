package replica_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonotesync/models"
	"gonotesync/replica"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

// forEachStore runs fn against the SQLite replica and the in-memory fake so
// both keep the same semantics.
func forEachStore(t *testing.T, fn func(t *testing.T, s replica.Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		s, err := replica.Open(filepath.Join(t.TempDir(), "replica.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		s := replica.NewMemStore()
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func serverNote(id int64, title string, at time.Time) replica.Record {
	return replica.FromNote(models.Note{ID: id, Title: title, Content: title + " body", UpdatedAt: at})
}

// ============================================================================
// Local edits
// ============================================================================

func TestCreateLocalIsPendingWithoutServerID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		rec, err := s.CreateLocal(ctx, models.EntityNote, replica.Patch{Title: strPtr("Draft"), Content: strPtr("x")})
		require.NoError(t, err)

		assert.NotEmpty(t, rec.LocalID)
		assert.Zero(t, rec.ServerID)
		assert.Equal(t, replica.StatusPending, rec.SyncStatus)
		assert.Equal(t, "Draft", rec.Title)
		assert.NotEmpty(t, rec.MutationID)

		pending, err := s.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, rec.LocalID, pending[0].LocalID)
	})
}

func TestCreateLocalRejectsTagsAndBlankFolders(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		_, err := s.CreateLocal(ctx, models.EntityTag, replica.Patch{Title: strPtr("x")})
		assert.ErrorIs(t, err, replica.ErrInvalid)

		_, err = s.CreateLocal(ctx, models.EntityFolder, replica.Patch{})
		assert.ErrorIs(t, err, replica.ErrInvalid)
	})
}

func TestMarkDirtyKeepsBaseVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		applied, err := s.UpsertFromServer(ctx, serverNote(5, "A", t0))
		require.NoError(t, err)
		require.True(t, applied)

		local, err := s.GetByServerID(ctx, models.EntityNote, 5)
		require.NoError(t, err)
		assert.Equal(t, replica.StatusSynced, local.SyncStatus)

		edited, err := s.MarkDirty(ctx, local.LocalID, replica.Patch{Title: strPtr("A2")})
		require.NoError(t, err)

		assert.Equal(t, replica.StatusPending, edited.SyncStatus)
		assert.Equal(t, "A2", edited.Title)
		assert.Equal(t, "A body", edited.Content)
		assert.True(t, edited.BaseUpdatedAt.Equal(t0))
		assert.Equal(t, local.Revision+1, edited.Revision)
		assert.NotEqual(t, local.MutationID, edited.MutationID)
	})
}

func TestMarkDirtyUnknownRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		_, err := s.MarkDirty(context.Background(), "missing", replica.Patch{Title: strPtr("x")})
		assert.ErrorIs(t, err, replica.ErrNotFound)
	})
}

// ============================================================================
// Server versions
// ============================================================================

func TestUpsertFromServerIgnoresOlderVersions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		_, err := s.UpsertFromServer(ctx, serverNote(1, "new", t0.Add(time.Minute)))
		require.NoError(t, err)

		applied, err := s.UpsertFromServer(ctx, serverNote(1, "old", t0))
		require.NoError(t, err)
		assert.False(t, applied)

		rec, err := s.GetByServerID(ctx, models.EntityNote, 1)
		require.NoError(t, err)
		assert.Equal(t, "new", rec.Title)
	})
}

func TestUpsertFromServerNeverOverwritesPendingEdit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		_, err := s.UpsertFromServer(ctx, serverNote(5, "A", t0))
		require.NoError(t, err)
		local, err := s.GetByServerID(ctx, models.EntityNote, 5)
		require.NoError(t, err)
		_, err = s.MarkDirty(ctx, local.LocalID, replica.Patch{Content: strPtr("mine")})
		require.NoError(t, err)

		applied, err := s.UpsertFromServer(ctx, serverNote(5, "theirs", t0.Add(time.Hour)))
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := s.Get(ctx, local.LocalID)
		require.NoError(t, err)
		assert.Equal(t, "mine", got.Content)
		assert.Equal(t, replica.StatusPending, got.SyncStatus)
		assert.True(t, got.BaseUpdatedAt.Equal(t0))
	})
}

func TestUpsertFromServerRequiresServerID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		_, err := s.UpsertFromServer(context.Background(), replica.Record{EntityType: models.EntityNote})
		assert.ErrorIs(t, err, replica.ErrInvalid)
	})
}

func TestTagsAndFoldersFromServer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		_, err := s.UpsertFromServer(ctx, replica.FromTag(models.Tag{ID: 3, Name: "work", UpdatedAt: t0}))
		require.NoError(t, err)
		parent := int64(7)
		_, err = s.UpsertFromServer(ctx, replica.FromFolder(models.Folder{ID: 8, Name: "Sub", ParentID: &parent, UpdatedAt: t0}))
		require.NoError(t, err)

		tags, err := s.List(ctx, models.EntityTag)
		require.NoError(t, err)
		require.Len(t, tags, 1)
		assert.Equal(t, "work", tags[0].Title)

		folder, err := s.GetByServerID(ctx, models.EntityFolder, 8)
		require.NoError(t, err)
		assert.Equal(t, "Sub", folder.Title)
		assert.Equal(t, int64(7), folder.FolderID)

		// the same server id under another type is a different record
		_, err = s.GetByServerID(ctx, models.EntityNote, 8)
		assert.ErrorIs(t, err, replica.ErrNotFound)
	})
}

// ============================================================================
// Deletions
// ============================================================================

func TestMarkDeletedLocally(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		draft, err := s.CreateLocal(ctx, models.EntityNote, replica.Patch{Title: strPtr("draft")})
		require.NoError(t, err)
		require.NoError(t, s.MarkDeletedLocally(ctx, draft.LocalID))

		tomb, err := s.Get(ctx, draft.LocalID)
		require.NoError(t, err, "unacknowledged create keeps a tombstone")
		assert.NotNil(t, tomb.DeletedAt)
		assert.Zero(t, tomb.ServerID)
		assert.Equal(t, replica.StatusPending, tomb.SyncStatus)
		require.NoError(t, s.AckDeleted(ctx, draft.LocalID))

		_, err = s.UpsertFromServer(ctx, serverNote(9, "synced", t0))
		require.NoError(t, err)
		synced, err := s.GetByServerID(ctx, models.EntityNote, 9)
		require.NoError(t, err)
		require.NoError(t, s.MarkDeletedLocally(ctx, synced.LocalID))

		visible, err := s.List(ctx, models.EntityNote)
		require.NoError(t, err)
		assert.Empty(t, visible)

		pending, err := s.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.NotNil(t, pending[0].DeletedAt)

		_, err = s.MarkDirty(ctx, synced.LocalID, replica.Patch{Title: strPtr("x")})
		assert.ErrorIs(t, err, replica.ErrDeleted)

		require.NoError(t, s.AckDeleted(ctx, synced.LocalID))
		_, err = s.Get(ctx, synced.LocalID)
		assert.ErrorIs(t, err, replica.ErrNotFound)
	})
}

func TestApplyServerDeletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		_, err := s.UpsertFromServer(ctx, serverNote(1, "clean", t0))
		require.NoError(t, err)
		_, err = s.UpsertFromServer(ctx, serverNote(2, "edited", t0))
		require.NoError(t, err)
		edited, err := s.GetByServerID(ctx, models.EntityNote, 2)
		require.NoError(t, err)
		_, err = s.MarkDirty(ctx, edited.LocalID, replica.Patch{Content: strPtr("keep me")})
		require.NoError(t, err)

		removed, err := s.ApplyServerDeletion(ctx, models.EntityNote, 1, t0.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, removed)
		_, err = s.GetByServerID(ctx, models.EntityNote, 1)
		assert.ErrorIs(t, err, replica.ErrNotFound)

		removed, err = s.ApplyServerDeletion(ctx, models.EntityNote, 2, t0.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, removed, "pending edit must survive a server deletion")

		removed, err = s.ApplyServerDeletion(ctx, models.EntityNote, 99, t0.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

// ============================================================================
// Push acknowledgements
// ============================================================================

func TestAckPushedSettlesRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		rec, err := s.CreateLocal(ctx, models.EntityNote, replica.Patch{Title: strPtr("T")})
		require.NoError(t, err)

		server := serverNote(5, "T", t0)
		require.NoError(t, s.AckPushed(ctx, rec.LocalID, rec.Revision, server))

		got, err := s.GetByServerID(ctx, models.EntityNote, 5)
		require.NoError(t, err)
		assert.Equal(t, rec.LocalID, got.LocalID)
		assert.Equal(t, replica.StatusSynced, got.SyncStatus)
		assert.True(t, got.UpdatedAt.Equal(t0))
		assert.True(t, got.BaseUpdatedAt.Equal(t0))

		pending, err := s.ListPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestAckPushedKeepsMidFlightEdit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		rec, err := s.CreateLocal(ctx, models.EntityNote, replica.Patch{Title: strPtr("v1")})
		require.NoError(t, err)
		sentRevision := rec.Revision

		_, err = s.MarkDirty(ctx, rec.LocalID, replica.Patch{Title: strPtr("v2")})
		require.NoError(t, err)

		require.NoError(t, s.AckPushed(ctx, rec.LocalID, sentRevision, serverNote(5, "v1", t0)))

		got, err := s.Get(ctx, rec.LocalID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.ServerID)
		assert.Equal(t, "v2", got.Title)
		assert.Equal(t, replica.StatusPending, got.SyncStatus)
		assert.True(t, got.BaseUpdatedAt.Equal(t0), "next push must be an update from the acked version")
	})
}

func TestAckPushedAfterMidFlightDeleteKeepsTombstone(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		rec, err := s.CreateLocal(ctx, models.EntityNote, replica.Patch{Title: strPtr("v1")})
		require.NoError(t, err)
		require.NoError(t, s.MarkDeletedLocally(ctx, rec.LocalID))

		require.NoError(t, s.AckPushed(ctx, rec.LocalID, rec.Revision, serverNote(5, "v1", t0)))

		got, err := s.Get(ctx, rec.LocalID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.ServerID, "server id learned for the delete")
		assert.NotNil(t, got.DeletedAt)
		assert.Equal(t, replica.StatusPending, got.SyncStatus)

		item, ok := replica.PushItemFor(got)
		require.True(t, ok)
		assert.True(t, item.Deleted)
		assert.Equal(t, int64(5), item.ID)
	})
}

func TestAckPushedRejectsServerIDChange(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		_, err := s.UpsertFromServer(ctx, serverNote(5, "A", t0))
		require.NoError(t, err)
		rec, err := s.GetByServerID(ctx, models.EntityNote, 5)
		require.NoError(t, err)

		assert.Error(t, s.AckPushed(ctx, rec.LocalID, rec.Revision, serverNote(6, "A", t0)))
	})
}

// ============================================================================
// Conflicts
// ============================================================================

func conflicted(t *testing.T, s replica.Store, deleted bool) replica.Record {
	t.Helper()
	ctx := context.Background()

	_, err := s.UpsertFromServer(ctx, serverNote(5, "A", t0))
	require.NoError(t, err)
	rec, err := s.GetByServerID(ctx, models.EntityNote, 5)
	require.NoError(t, err)
	rec, err = s.MarkDirty(ctx, rec.LocalID, replica.Patch{Content: strPtr("local")})
	require.NoError(t, err)

	serverAt := t0.Add(time.Minute)
	cf := models.Conflict{
		EntityType:      models.EntityNote,
		NoteID:          5,
		LocalID:         rec.LocalID,
		LocalContent:    "local",
		ServerUpdatedAt: serverAt,
		ServerDeleted:   deleted,
	}
	if !deleted {
		cf.ServerNote = &models.Note{ID: 5, Title: "A", Content: "remote", UpdatedAt: serverAt}
	}
	require.NoError(t, s.MarkConflict(ctx, rec.LocalID, cf))

	got, err := s.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	require.Equal(t, replica.StatusConflict, got.SyncStatus)
	require.NotNil(t, got.Conflict)
	return got
}

func TestConflictIsNotPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		rec := conflicted(t, s, false)
		assert.Equal(t, "local", rec.Content)

		pending, err := s.ListPending(context.Background())
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestResolveConflictKeepLocal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()
		rec := conflicted(t, s, false)

		got, err := s.ResolveConflict(ctx, rec.LocalID, replica.KeepLocal)
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, replica.StatusPending, got.SyncStatus)
		assert.Equal(t, "local", got.Content)
		assert.True(t, got.BaseUpdatedAt.Equal(t0.Add(time.Minute)))
		assert.Nil(t, got.Conflict)
		assert.NotEqual(t, rec.MutationID, got.MutationID)
	})
}

func TestResolveConflictAcceptServer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()
		rec := conflicted(t, s, false)

		got, err := s.ResolveConflict(ctx, rec.LocalID, replica.AcceptServer)
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, replica.StatusSynced, got.SyncStatus)
		assert.Equal(t, "remote", got.Content)
		assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Minute)))
	})
}

func TestResolveConflictAcceptServerDeletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()
		rec := conflicted(t, s, true)

		got, err := s.ResolveConflict(ctx, rec.LocalID, replica.AcceptServer)
		require.NoError(t, err)
		assert.Nil(t, got)

		_, err = s.Get(ctx, rec.LocalID)
		assert.ErrorIs(t, err, replica.ErrNotFound)
	})
}

func TestConflictTracksNewerServerVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()
		rec := conflicted(t, s, false)

		// the version the conflict already holds and anything older change nothing
		applied, err := s.UpsertFromServer(ctx, serverNote(5, "stale", t0.Add(30*time.Second)))
		require.NoError(t, err)
		assert.False(t, applied)
		got, err := s.Get(ctx, rec.LocalID)
		require.NoError(t, err)
		assert.Equal(t, "remote", got.Conflict.ServerNote.Content)

		newer := replica.FromNote(models.Note{ID: 5, Title: "A3", Content: "remote v3", UpdatedAt: t0.Add(2 * time.Minute)})
		applied, err = s.UpsertFromServer(ctx, newer)
		require.NoError(t, err)
		assert.False(t, applied, "local edit stays in place")

		got, err = s.Get(ctx, rec.LocalID)
		require.NoError(t, err)
		assert.Equal(t, replica.StatusConflict, got.SyncStatus)
		assert.Equal(t, "local", got.Content)
		require.NotNil(t, got.Conflict.ServerNote)
		assert.Equal(t, "remote v3", got.Conflict.ServerNote.Content)
		assert.True(t, got.Conflict.ServerUpdatedAt.Equal(t0.Add(2*time.Minute)))
		assert.NotEmpty(t, got.Conflict.Diff)

		accepted, err := s.ResolveConflict(ctx, rec.LocalID, replica.AcceptServer)
		require.NoError(t, err)
		require.NotNil(t, accepted)
		assert.Equal(t, replica.StatusSynced, accepted.SyncStatus)
		assert.Equal(t, "A3", accepted.Title)
		assert.Equal(t, "remote v3", accepted.Content)
		assert.True(t, accepted.UpdatedAt.Equal(t0.Add(2*time.Minute)))
	})
}

func TestConflictRecordsLaterServerDeletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()
		rec := conflicted(t, s, false)

		// a deletion older than the conflicting version is already superseded
		removed, err := s.ApplyServerDeletion(ctx, models.EntityNote, 5, t0.Add(30*time.Second))
		require.NoError(t, err)
		assert.False(t, removed)
		got, err := s.Get(ctx, rec.LocalID)
		require.NoError(t, err)
		assert.False(t, got.Conflict.ServerDeleted)

		deletedAt := t0.Add(3 * time.Minute)
		removed, err = s.ApplyServerDeletion(ctx, models.EntityNote, 5, deletedAt)
		require.NoError(t, err)
		assert.False(t, removed, "conflict waits for the user")

		got, err = s.Get(ctx, rec.LocalID)
		require.NoError(t, err)
		assert.Equal(t, replica.StatusConflict, got.SyncStatus)
		assert.True(t, got.Conflict.ServerDeleted)
		assert.Nil(t, got.Conflict.ServerNote)
		assert.True(t, got.Conflict.ServerUpdatedAt.Equal(deletedAt))

		accepted, err := s.ResolveConflict(ctx, rec.LocalID, replica.AcceptServer)
		require.NoError(t, err)
		assert.Nil(t, accepted)
		_, err = s.Get(ctx, rec.LocalID)
		assert.ErrorIs(t, err, replica.ErrNotFound)
	})
}

func TestKeepLocalAfterServerDeletionBasesOnDeletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()
		rec := conflicted(t, s, false)

		deletedAt := t0.Add(3 * time.Minute)
		_, err := s.ApplyServerDeletion(ctx, models.EntityNote, 5, deletedAt)
		require.NoError(t, err)

		kept, err := s.ResolveConflict(ctx, rec.LocalID, replica.KeepLocal)
		require.NoError(t, err)
		require.NotNil(t, kept)
		assert.Equal(t, replica.StatusPending, kept.SyncStatus)
		assert.Equal(t, "local", kept.Content)
		assert.True(t, kept.BaseUpdatedAt.Equal(deletedAt))
	})
}

func TestResolveWithoutConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()
		rec, err := s.CreateLocal(ctx, models.EntityNote, replica.Patch{Title: strPtr("x")})
		require.NoError(t, err)

		_, err = s.ResolveConflict(ctx, rec.LocalID, replica.KeepLocal)
		assert.ErrorIs(t, err, replica.ErrNotInConflict)
	})
}

// ============================================================================
// Metadata
// ============================================================================

func TestLastSyncAtNeverRegresses(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		got, err := s.LastSyncAt(ctx)
		require.NoError(t, err)
		assert.True(t, got.IsZero())

		require.NoError(t, s.SetLastSyncAt(ctx, t0.Add(time.Hour)))
		require.NoError(t, s.SetLastSyncAt(ctx, t0))

		got, err = s.LastSyncAt(ctx)
		require.NoError(t, err)
		assert.True(t, got.Equal(t0.Add(time.Hour)), "got %v", got)
	})
}

func TestOfflineSnapshotRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s replica.Store) {
		ctx := context.Background()

		snap, err := s.OfflineSnapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, snap)

		want := models.OfflineSnapshot{
			Notes:      []models.Note{{ID: 1, Title: "offline", Tags: []string{"a"}, AvailableOffline: true, UpdatedAt: t0}},
			ServerTime: t0,
		}
		require.NoError(t, s.SaveOfflineSnapshot(ctx, want))

		snap, err = s.OfflineSnapshot(ctx)
		require.NoError(t, err)
		require.NotNil(t, snap)
		require.Len(t, snap.Notes, 1)
		assert.Equal(t, "offline", snap.Notes[0].Title)
		assert.Equal(t, []string{"a"}, snap.Notes[0].Tags)
		assert.True(t, snap.ServerTime.Equal(t0))
	})
}

func TestSQLiteReplicaSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replica.db")

	s, err := replica.Open(path)
	require.NoError(t, err)
	rec, err := s.CreateLocal(ctx, models.EntityNote, replica.Patch{
		Title: strPtr("persist"), Tags: &[]string{"x", "y"},
	})
	require.NoError(t, err)
	require.NoError(t, s.SetLastSyncAt(ctx, t0))
	require.NoError(t, s.Close())

	s, err = replica.Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "persist", got.Title)
	assert.Equal(t, []string{"x", "y"}, got.Tags)
	assert.Equal(t, replica.StatusPending, got.SyncStatus)

	cursor, err := s.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, cursor.Equal(t0))
}
