package hub_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gonotesync/hub"
	"gonotesync/models"
)

const testUser = "user-a"

// openTestEndpoint creates an endpoint over a fresh DuckDB file.
func openTestEndpoint(t *testing.T) (*hub.Endpoint, func()) {
	t.Helper()

	store, err := hub.Open(filepath.Join(t.TempDir(), "hub.ddb"))
	if err != nil {
		t.Fatalf("failed to open hub store: %v", err)
	}
	return hub.NewEndpoint(store), func() { store.Close() }
}

func pushNotes(t *testing.T, ep *hub.Endpoint, items ...models.PushItem) *hub.PushOutcome {
	t.Helper()
	out, err := ep.Push(context.Background(), testUser, models.PushRequest{Notes: items})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	return out
}

func createNote(t *testing.T, ep *hub.Endpoint, localID, title string) models.Note {
	t.Helper()
	out := pushNotes(t, ep, models.PushItem{LocalID: localID, Title: title, IsNew: true})
	if len(out.Items) != 1 || out.Items[0].Kind != hub.ResultCreated {
		t.Fatalf("expected one created result, got %+v", out.Items)
	}
	return *out.Items[0].Note
}

func timePtr(t time.Time) *time.Time { return &t }

// ============================================================================
// Create
// ============================================================================

func TestPushCreateAssignsServerID(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	note := createNote(t, ep, "local-1", "A")
	if note.ID <= 0 {
		t.Fatalf("expected server id, got %d", note.ID)
	}
	if note.UpdatedAt.IsZero() {
		t.Error("expected updatedAt to be assigned")
	}

	changes, err := ep.Store().ChangesSince(context.Background(), testUser, time.Time{}, 0)
	if err != nil {
		t.Fatalf("failed to read change log: %v", err)
	}
	if len(changes) != 1 || changes[0].Action != hub.ActionCreate || changes[0].EntityID != note.ID {
		t.Errorf("expected one create entry for note %d, got %+v", note.ID, changes)
	}
}

func TestPushCreateIsIdempotent(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	first := createNote(t, ep, "local-retry", "Retried")
	second := createNote(t, ep, "local-retry", "Retried")

	if first.ID != second.ID {
		t.Fatalf("retried create produced a second entity: %d vs %d", first.ID, second.ID)
	}

	resp, err := ep.Pull(context.Background(), testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(resp.Notes) != 1 {
		t.Errorf("expected exactly one note on the server, got %d", len(resp.Notes))
	}
}

func TestRetriedCreateCarriesLaterEdit(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	first := pushNotes(t, ep, models.PushItem{LocalID: "L1", Title: "v1", IsNew: true, MutationID: "m1"})
	id := first.Items[0].EntityID

	// the client missed the response and edited before retrying
	out := pushNotes(t, ep, models.PushItem{LocalID: "L1", Title: "v2", IsNew: true, MutationID: "m2"})
	if out.Items[0].Kind != hub.ResultCreated || out.Items[0].EntityID != id {
		t.Fatalf("expected the retry to settle on note %d, got %+v", id, out.Items[0])
	}
	if out.Items[0].Note.Title != "v2" {
		t.Errorf("expected the later edit to win, got %q", out.Items[0].Note.Title)
	}

	// someone else edits, then a further retry must not overwrite them
	pushNotes(t, ep, models.PushItem{
		ID: id, Title: "other", BaseUpdatedAt: timePtr(out.Items[0].Note.UpdatedAt), MutationID: "o1",
	})
	out = pushNotes(t, ep, models.PushItem{LocalID: "L1", Title: "v3", IsNew: true, MutationID: "m3"})
	if out.Items[0].Kind != hub.ResultConflict || out.Items[0].Conflict.ServerNote.Title != "other" {
		t.Errorf("expected a conflict against the other edit, got %+v", out.Items[0])
	}
}

func TestPushConcurrentCreatesSameKey(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := ep.Push(context.Background(), testUser, models.PushRequest{
				Notes: []models.PushItem{{LocalID: "same-key", Title: "dup", IsNew: true}},
			})
			if err != nil {
				t.Errorf("push failed: %v", err)
				return
			}
			ids[i] = out.Items[0].EntityID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected all creates to resolve to one entity, got %v", ids)
		}
	}
}

// ============================================================================
// Update and conflicts
// ============================================================================

func TestPushUpdateAdvancesUpdatedAt(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	note := createNote(t, ep, "local-1", "A")
	out := pushNotes(t, ep, models.PushItem{
		ID: note.ID, LocalID: "local-1", Title: "B", BaseUpdatedAt: timePtr(note.UpdatedAt), MutationID: "m1",
	})

	r := out.Items[0]
	if r.Kind != hub.ResultUpdated {
		t.Fatalf("expected updated, got %v (%s)", r.Kind, r.Reason)
	}
	if !r.Note.UpdatedAt.After(note.UpdatedAt) {
		t.Errorf("expected updatedAt to advance past %v, got %v", note.UpdatedAt, r.Note.UpdatedAt)
	}
	if r.Note.Title != "B" {
		t.Errorf("expected title B, got %q", r.Note.Title)
	}
}

// TestConflictScenario follows one device creating note A, a second device
// editing it, and the first device pushing an edit from its stale base.
func TestConflictScenario(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	note := createNote(t, ep, "L1", "A")
	t1 := note.UpdatedAt

	// Second device edits from T1
	out := pushNotes(t, ep, models.PushItem{
		ID: note.ID, LocalID: "other-device", Title: "From B", Content: "b", BaseUpdatedAt: timePtr(t1), MutationID: "mb",
	})
	t2 := out.Items[0].Note.UpdatedAt

	// First device still holds T1
	out = pushNotes(t, ep, models.PushItem{
		ID: note.ID, LocalID: "L1", Title: "From A", Content: "a", BaseUpdatedAt: timePtr(t1), MutationID: "ma",
	})

	r := out.Items[0]
	if r.Kind != hub.ResultConflict {
		t.Fatalf("expected conflict, got %v", r.Kind)
	}
	resp := out.Response()
	if len(resp.Results.Conflicts) != 1 {
		t.Fatalf("expected one conflict in response, got %d", len(resp.Results.Conflicts))
	}
	c := resp.Results.Conflicts[0]
	if c.NoteID != note.ID || c.LocalTitle != "From A" || c.LocalContent != "a" {
		t.Errorf("unexpected conflict record: %+v", c)
	}
	if c.ServerNote == nil || c.ServerNote.Title != "From B" {
		t.Errorf("expected server copy in conflict, got %+v", c.ServerNote)
	}
	if c.Diff == "" {
		t.Error("expected a content diff")
	}

	pull, err := ep.Pull(context.Background(), testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pull.Notes) != 1 || pull.Notes[0].Title != "From B" || !pull.Notes[0].UpdatedAt.Equal(t2) {
		t.Errorf("expected server note unchanged at T2, got %+v", pull.Notes)
	}
}

func TestPushEqualBaseWins(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	note := createNote(t, ep, "L1", "A")
	out := pushNotes(t, ep, models.PushItem{
		ID: note.ID, Title: "B", BaseUpdatedAt: timePtr(note.UpdatedAt), MutationID: "m1",
	})
	if out.Items[0].Kind != hub.ResultUpdated {
		t.Errorf("equal base should win, got %v", out.Items[0].Kind)
	}
}

func TestPushReplayedUpdateIsNotAConflict(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	note := createNote(t, ep, "L1", "A")
	item := models.PushItem{
		ID: note.ID, LocalID: "L1", Title: "B", BaseUpdatedAt: timePtr(note.UpdatedAt), MutationID: "edit-1",
	}
	first := pushNotes(t, ep, item)
	second := pushNotes(t, ep, item)

	if second.Items[0].Kind != hub.ResultUpdated {
		t.Fatalf("expected replay to be reported as updated, got %v", second.Items[0].Kind)
	}
	if !second.Items[0].Note.UpdatedAt.Equal(first.Items[0].Note.UpdatedAt) {
		t.Error("replay must not write again")
	}
}

func TestPushConflictDoesNotBlockOtherItems(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	a := createNote(t, ep, "LA", "A")
	pushNotes(t, ep, models.PushItem{ID: a.ID, Title: "A2", BaseUpdatedAt: timePtr(a.UpdatedAt), MutationID: "x"})

	out := pushNotes(t, ep,
		models.PushItem{ID: a.ID, Title: "stale", BaseUpdatedAt: timePtr(a.UpdatedAt), MutationID: "y"},
		models.PushItem{LocalID: "LB", Title: "B", IsNew: true},
		models.PushItem{LocalID: "LC", IsNew: true, Deleted: true},
	)

	kinds := []hub.ResultKind{out.Items[0].Kind, out.Items[1].Kind, out.Items[2].Kind}
	want := []hub.ResultKind{hub.ResultConflict, hub.ResultCreated, hub.ResultRejected}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("item %d: expected %v, got %v", i, want[i], kinds[i])
		}
	}
}

func TestPushRejectsMalformedItems(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	out := pushNotes(t, ep,
		models.PushItem{Title: "no key", IsNew: true},
		models.PushItem{ID: 99, Title: "no base"},
		models.PushItem{ID: 99, Title: "unknown", BaseUpdatedAt: timePtr(time.Now())},
		models.PushItem{LocalID: "L", Title: "bad tag", IsNew: true, Tags: []string{" "}},
		models.PushItem{LocalID: "L2", Title: "bad folder", IsNew: true, FolderID: models.Int64Ptr(42)},
		models.PushItem{Deleted: true},
		models.PushItem{ID: -3, LocalID: "L3", Deleted: true},
	)
	for i, r := range out.Items {
		if r.Kind != hub.ResultRejected || r.Reason == "" {
			t.Errorf("item %d: expected rejection with reason, got %v %q", i, r.Kind, r.Reason)
		}
	}
}

// ============================================================================
// Tags
// ============================================================================

func TestTagsUpsertByName(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	pushNotes(t, ep,
		models.PushItem{LocalID: "L1", Title: "one", IsNew: true, Tags: []string{"work", "idea"}},
		models.PushItem{LocalID: "L2", Title: "two", IsNew: true, Tags: []string{"work", " work "}},
	)

	resp, err := ep.Pull(context.Background(), testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(resp.Tags) != 2 {
		t.Errorf("expected 2 distinct tags, got %+v", resp.Tags)
	}
	for _, n := range resp.Notes {
		if n.Title == "two" && len(n.Tags) != 1 {
			t.Errorf("expected duplicate tag names to collapse, got %v", n.Tags)
		}
	}
}

func TestTagsReplacedOnUpdate(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	out := pushNotes(t, ep, models.PushItem{LocalID: "L1", Title: "n", IsNew: true, Tags: []string{"a", "b"}})
	note := *out.Items[0].Note

	out = pushNotes(t, ep, models.PushItem{
		ID: note.ID, Title: "n", Tags: []string{"b", "c"}, BaseUpdatedAt: timePtr(note.UpdatedAt), MutationID: "m",
	})
	got := out.Items[0].Note.Tags
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("expected tags [b c], got %v", got)
	}
}

// ============================================================================
// Delete and pull
// ============================================================================

func TestDeleteIsIdempotentAndPropagates(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()
	ctx := context.Background()

	note := createNote(t, ep, "L1", "A")
	before, err := ep.Pull(ctx, testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		out := pushNotes(t, ep, models.PushItem{ID: note.ID, LocalID: "L1", Deleted: true})
		if out.Items[0].Kind != hub.ResultDeleted {
			t.Fatalf("delete %d: expected deleted, got %v", i, out.Items[0].Kind)
		}
	}
	out := pushNotes(t, ep, models.PushItem{ID: 12345, Deleted: true})
	if out.Items[0].Kind != hub.ResultDeleted {
		t.Errorf("deleting an absent entity should succeed, got %v", out.Items[0].Kind)
	}

	after, err := ep.Pull(ctx, testUser, before.ServerTime)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(after.Notes) != 0 {
		t.Errorf("deleted note should not be returned, got %+v", after.Notes)
	}
	if len(after.Deletions) != 1 || after.Deletions[0].EntityID != note.ID || after.Deletions[0].EntityType != models.EntityNote {
		t.Errorf("expected one deletion marker for note %d, got %+v", note.ID, after.Deletions)
	}

	markers, err := ep.Store().DeletionsSince(ctx, testUser, before.ServerTime)
	if err != nil {
		t.Fatalf("deletions since failed: %v", err)
	}
	if len(markers) != 1 || markers[0].EntityID != note.ID {
		t.Errorf("expected the idempotent delete to be logged once, got %+v", markers)
	}
	if !markers[0].Timestamp.Equal(after.Deletions[0].Timestamp) {
		t.Errorf("marker timestamp %v differs from pull's %v", markers[0].Timestamp, after.Deletions[0].Timestamp)
	}
}

func TestDeleteByLocalIDResolvesCreatedNote(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()
	ctx := context.Background()

	// The client never saw this response, so it only knows the localId
	note := createNote(t, ep, "L1", "A")

	out := pushNotes(t, ep, models.PushItem{LocalID: "L1", Deleted: true})
	if out.Items[0].Kind != hub.ResultDeleted || out.Items[0].EntityID != note.ID {
		t.Fatalf("expected delete of note %d, got %+v", note.ID, out.Items[0])
	}

	resp, err := ep.Pull(ctx, testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(resp.Notes) != 0 {
		t.Errorf("expected no live notes, got %+v", resp.Notes)
	}
	if len(resp.Deletions) != 1 || resp.Deletions[0].EntityID != note.ID {
		t.Errorf("expected a deletion marker for note %d, got %+v", note.ID, resp.Deletions)
	}

	// a retried create of the same localId stays deleted
	pushNotes(t, ep, models.PushItem{LocalID: "L1", Title: "A", IsNew: true})
	resp, err = ep.Pull(ctx, testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(resp.Notes) != 0 {
		t.Errorf("retried create resurrected the note: %+v", resp.Notes)
	}
}

func TestDeleteBeforeCreateKeepsLateCreateDead(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()
	ctx := context.Background()

	out := pushNotes(t, ep, models.PushItem{LocalID: "L9", Deleted: true})
	if out.Items[0].Kind != hub.ResultDeleted || out.Items[0].EntityID == 0 {
		t.Fatalf("expected a deleted result with an id, got %+v", out.Items[0])
	}

	folderOut, err := ep.Push(ctx, testUser, models.PushRequest{
		Folders: []models.PushItem{{LocalID: "F9", Deleted: true}},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if folderOut.Items[0].Kind != hub.ResultDeleted {
		t.Fatalf("expected folder delete to succeed, got %+v", folderOut.Items[0])
	}

	// the create that was in flight when the client deleted
	late := pushNotes(t, ep, models.PushItem{LocalID: "L9", Title: "late", IsNew: true})
	if late.Items[0].Kind != hub.ResultConflict || !late.Items[0].Conflict.ServerDeleted {
		t.Errorf("late create should meet the deletion as a conflict, got %+v", late.Items[0])
	}
	_, err = ep.Push(ctx, testUser, models.PushRequest{
		Folders: []models.PushItem{{LocalID: "F9", Name: "late", IsNew: true}},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}

	resp, err := ep.Pull(ctx, testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(resp.Notes) != 0 || len(resp.Folders) != 0 {
		t.Errorf("late creates should stay deleted, got notes %+v folders %+v", resp.Notes, resp.Folders)
	}
	if len(resp.Deletions) != 0 {
		t.Errorf("nothing was ever live, expected no markers, got %+v", resp.Deletions)
	}
}

func TestPullReturnsOnlyChangesSinceCursor(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()
	ctx := context.Background()

	createNote(t, ep, "L1", "old")
	first, err := ep.Pull(ctx, testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	createNote(t, ep, "L2", "new")

	second, err := ep.Pull(ctx, testUser, first.ServerTime)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(second.Notes) != 1 || second.Notes[0].Title != "new" {
		t.Errorf("expected only the new note, got %+v", second.Notes)
	}
	if !second.ServerTime.After(first.ServerTime) {
		t.Errorf("serverTime must advance: %v then %v", first.ServerTime, second.ServerTime)
	}
}

func TestPullIsolatesUsers(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	createNote(t, ep, "L1", "mine")
	resp, err := ep.Pull(context.Background(), "someone-else", time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(resp.Notes) != 0 {
		t.Errorf("expected no notes for another user, got %d", len(resp.Notes))
	}
}

func TestUpdateOfDeletedNote(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()
	ctx := context.Background()

	note := createNote(t, ep, "L1", "A")
	pushNotes(t, ep, models.PushItem{ID: note.ID, Deleted: true})

	// Edit made before the deletion was seen
	out := pushNotes(t, ep, models.PushItem{ID: note.ID, Title: "edited", BaseUpdatedAt: timePtr(note.UpdatedAt), MutationID: "m1"})
	r := out.Items[0]
	if r.Kind != hub.ResultConflict || !r.Conflict.ServerDeleted {
		t.Fatalf("expected conflict against deletion, got %v %+v", r.Kind, r.Conflict)
	}

	// Keeping the local copy resubmits from the deletion's timestamp
	out = pushNotes(t, ep, models.PushItem{ID: note.ID, Title: "kept", BaseUpdatedAt: timePtr(r.Conflict.ServerUpdatedAt), MutationID: "m2"})
	if out.Items[0].Kind != hub.ResultUpdated {
		t.Fatalf("expected resurrecting update, got %v", out.Items[0].Kind)
	}

	resp, err := ep.Pull(ctx, testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(resp.Notes) != 1 || resp.Notes[0].Title != "kept" {
		t.Errorf("expected resurrected note, got %+v", resp.Notes)
	}
	if len(resp.Deletions) != 0 {
		t.Errorf("deletion marker of a live note must be dropped, got %+v", resp.Deletions)
	}
}

// ============================================================================
// Folders and offline
// ============================================================================

func TestFolderLifecycle(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()
	ctx := context.Background()

	out, err := ep.Push(ctx, testUser, models.PushRequest{
		Folders: []models.PushItem{{LocalID: "F1", Name: "Work", IsNew: true}},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	folder := out.Items[0].Folder
	if folder == nil || folder.ID <= 0 {
		t.Fatalf("expected created folder, got %+v", out.Items[0])
	}

	out, err = ep.Push(ctx, testUser, models.PushRequest{
		Folders: []models.PushItem{{ID: folder.ID, Name: "", BaseUpdatedAt: timePtr(folder.UpdatedAt)}},
		Notes:   []models.PushItem{{LocalID: "N1", Title: "filed", IsNew: true, FolderID: models.Int64Ptr(folder.ID)}},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if out.Items[0].Kind != hub.ResultRejected {
		t.Errorf("empty folder name should be rejected, got %v", out.Items[0].Kind)
	}
	if out.Items[1].Kind != hub.ResultCreated || models.Int64Val(out.Items[1].Note.FolderID) != folder.ID {
		t.Errorf("expected note filed in folder %d, got %+v", folder.ID, out.Items[1])
	}
}

func TestOfflineReturnsFlaggedNotes(t *testing.T) {
	ep, cleanup := openTestEndpoint(t)
	defer cleanup()

	pushNotes(t, ep,
		models.PushItem{LocalID: "L1", Title: "keep", IsNew: true, AvailableOffline: true},
		models.PushItem{LocalID: "L2", Title: "skip", IsNew: true},
	)

	snap, err := ep.Offline(context.Background(), testUser)
	if err != nil {
		t.Fatalf("offline failed: %v", err)
	}
	if len(snap.Notes) != 1 || snap.Notes[0].Title != "keep" {
		t.Errorf("expected only the flagged note, got %+v", snap.Notes)
	}
	if snap.ServerTime.IsZero() {
		t.Error("expected serverTime")
	}
}

func TestStoreReopenKeepsClockAhead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.ddb")
	store, err := hub.Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	ep := hub.NewEndpoint(store)
	note := createNote(t, ep, "L1", "A")
	store.Close()

	store, err = hub.Open(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store.Close()

	resp, err := hub.NewEndpoint(store).Pull(context.Background(), testUser, time.Time{})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !resp.ServerTime.After(note.UpdatedAt) {
		t.Errorf("serverTime %v must be after persisted updatedAt %v", resp.ServerTime, note.UpdatedAt)
	}
}
