package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// seedContent inserts non-chunked items c1..cN with ascending creation times.
func seedContent(t *testing.T, cs *ChunkStore, sessionID string, ids []string) {
	t.Helper()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range ids {
		meta := chunkedMeta(sessionID, id, 1)
		meta.IsChunked = false
		meta.TotalChunks = 1
		meta.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := cs.SaveContent(context.Background(), meta); err != nil {
			t.Fatalf("SaveContent(%s) failed: %v", id, err)
		}
	}
}

func listIDs(t *testing.T, cs *ChunkStore, sessionID string, limit int) []string {
	t.Helper()
	items, err := cs.ListContent(context.Background(), sessionID, limit)
	if err != nil {
		t.Fatalf("ListContent failed: %v", err)
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ContentID
	}
	return ids
}

func assertIDs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestListContentOrdering(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	seedContent(t, cs, "s1", []string{"c1", "c2", "c3", "c4"})
	if err := cs.PinContent(ctx, "c2"); err != nil {
		t.Fatalf("PinContent failed: %v", err)
	}

	t.Run("pinned first then newest", func(t *testing.T) {
		assertIDs(t, listIDs(t, cs, "s1", AllContent), []string{"c2", "c4", "c3", "c1"})
	})

	t.Run("limit after ordering", func(t *testing.T) {
		assertIDs(t, listIDs(t, cs, "s1", 2), []string{"c2", "c4"})
	})

	t.Run("zero limit is empty", func(t *testing.T) {
		assertIDs(t, listIDs(t, cs, "s1", 0), []string{})
	})

	t.Run("other session is empty", func(t *testing.T) {
		assertIDs(t, listIDs(t, cs, "s2", AllContent), []string{})
	})
}

func TestCleanupKeepsPinned(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	seedContent(t, cs, "s1", []string{"c1", "c2", "c3", "c4"})
	if err := cs.PinContent(ctx, "c1"); err != nil {
		t.Fatalf("PinContent failed: %v", err)
	}

	result, err := cs.CleanupOldContent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("CleanupOldContent failed: %v", err)
	}
	if len(result.Removed) != 1 || result.Removed[0] != "c2" {
		t.Errorf("removed %v, want [c2]", result.Removed)
	}

	assertIDs(t, listIDs(t, cs, "s1", AllContent), []string{"c1", "c4", "c3"})

	count, err := cs.GetPinnedContentCount(ctx, "s1")
	if err != nil {
		t.Fatalf("GetPinnedContentCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("pinned count = %d, want 1", count)
	}
}

func TestCleanupZeroKeepsOnlyPinned(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	seedContent(t, cs, "s1", []string{"c1", "c2", "c3"})
	if err := cs.PinContent(ctx, "c3"); err != nil {
		t.Fatalf("PinContent failed: %v", err)
	}

	result, err := cs.CleanupOldContent(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("CleanupOldContent failed: %v", err)
	}
	if len(result.Removed) != 2 {
		t.Errorf("removed %v, want two items", result.Removed)
	}

	assertIDs(t, listIDs(t, cs, "s1", AllContent), []string{"c3"})
}

func TestCleanupIsStableAcrossRepeats(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	seedContent(t, cs, "s1", []string{"c1", "c2", "c3", "c4", "c5"})

	if _, err := cs.CleanupOldContent(ctx, "s1", 3); err != nil {
		t.Fatalf("first cleanup failed: %v", err)
	}
	result, err := cs.CleanupOldContent(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("second cleanup failed: %v", err)
	}
	if len(result.Removed) != 0 {
		t.Errorf("second cleanup removed %v, want nothing", result.Removed)
	}
}

func TestPinnedSurvivesRepeatedCleanup(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	seedContent(t, cs, "s1", []string{"c1", "c2", "c3"})
	if err := cs.PinContent(ctx, "c1"); err != nil {
		t.Fatalf("PinContent failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := cs.CleanupOldContent(ctx, "s1", 1); err != nil {
			t.Fatalf("cleanup %d failed: %v", i, err)
		}
	}

	meta, err := cs.GetContentMetadata(ctx, "c1")
	if err != nil {
		t.Fatalf("pinned content was removed: %v", err)
	}
	if !meta.IsPinned {
		t.Error("c1 should still be pinned")
	}
}

func TestUnpinUnknownIsNoOp(t *testing.T) {
	cs := newTestStore(t)

	if err := cs.PinContent(context.Background(), "ghost"); err != nil {
		t.Errorf("pin of unknown content should be a no-op, got %v", err)
	}
	if err := cs.UnpinContent(context.Background(), "ghost"); err != nil {
		t.Errorf("unpin of unknown content should be a no-op, got %v", err)
	}
}

func TestRenameContent(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	meta := chunkedMeta("s1", "doc", 1)
	meta.IsChunked = false
	meta.FileName = "old.txt"
	meta.AdditionalMetadata = json.RawMessage(`{"fileName":"old.txt","color":"blue"}`)
	if err := cs.SaveContent(ctx, meta); err != nil {
		t.Fatalf("SaveContent failed: %v", err)
	}

	if err := cs.RenameContent(ctx, "doc", "new.txt"); err != nil {
		t.Fatalf("RenameContent failed: %v", err)
	}

	got, err := cs.GetContentMetadata(ctx, "doc")
	if err != nil {
		t.Fatalf("GetContentMetadata failed: %v", err)
	}
	if got.FileName != "new.txt" {
		t.Errorf("fileName = %q, want new.txt", got.FileName)
	}

	var extra map[string]interface{}
	if err := json.Unmarshal(got.AdditionalMetadata, &extra); err != nil {
		t.Fatalf("additionalMetadata unmarshal failed: %v", err)
	}
	if extra["fileName"] != "new.txt" {
		t.Errorf("additionalMetadata.fileName = %v, want new.txt", extra["fileName"])
	}
	if extra["color"] != "blue" {
		t.Errorf("additionalMetadata.color = %v, other keys must survive", extra["color"])
	}

	t.Run("empty name rejected", func(t *testing.T) {
		if err := cs.RenameContent(ctx, "doc", ""); err == nil {
			t.Error("expected error for empty file name")
		}
	})

	t.Run("unknown content", func(t *testing.T) {
		if err := cs.RenameContent(ctx, "missing", "x"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRemoveContent(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	if err := cs.SaveContent(ctx, chunkedMeta("s1", "gone", 1)); err != nil {
		t.Fatalf("SaveContent failed: %v", err)
	}
	saveChunkT(t, cs, "s1", "gone", 0, 1, []byte{1, 2})

	if err := cs.RemoveContent(ctx, "gone"); err != nil {
		t.Fatalf("RemoveContent failed: %v", err)
	}

	if _, err := cs.GetContentMetadata(ctx, "gone"); err != ErrNotFound {
		t.Errorf("metadata should be gone, got %v", err)
	}
	if _, _, err := cs.GetChunk(ctx, "gone", 0); err != ErrNotFound {
		t.Errorf("chunk should be gone, got %v", err)
	}
	assertIDs(t, listIDs(t, cs, "s1", AllContent), []string{})
}

func TestClearSessionRemovesPinned(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	seedContent(t, cs, "s1", []string{"c1", "c2"})
	seedContent(t, cs, "s2", []string{"x1"})
	if err := cs.PinContent(ctx, "c1"); err != nil {
		t.Fatalf("PinContent failed: %v", err)
	}

	if err := cs.ClearSession(ctx, "s1"); err != nil {
		t.Fatalf("ClearSession failed: %v", err)
	}

	assertIDs(t, listIDs(t, cs, "s1", AllContent), []string{})
	assertIDs(t, listIDs(t, cs, "s2", AllContent), []string{"x1"})
}

func TestMarkContentComplete(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	if err := cs.SaveContent(ctx, chunkedMeta("s1", "m", 2)); err != nil {
		t.Fatalf("SaveContent failed: %v", err)
	}
	saveChunkT(t, cs, "s1", "m", 0, 2, []byte{1, 2})
	saveChunkT(t, cs, "s1", "m", 1, 2, []byte{3})

	if err := cs.MarkContentComplete(ctx, "m"); err != nil {
		t.Fatalf("MarkContentComplete failed: %v", err)
	}

	meta, err := cs.GetContentMetadata(ctx, "m")
	if err != nil {
		t.Fatalf("GetContentMetadata failed: %v", err)
	}
	if !meta.IsComplete || meta.TotalSize != 3 {
		t.Errorf("meta = complete:%v size:%d, want complete with size 3", meta.IsComplete, meta.TotalSize)
	}

	if err := cs.MarkContentComplete(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHasContent(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	has, err := cs.HasContent(ctx, "s1")
	if err != nil || has {
		t.Errorf("empty session: has=%v err=%v", has, err)
	}

	seedContent(t, cs, "s1", []string{"c1"})
	has, err = cs.HasContent(ctx, "s1")
	if err != nil || !has {
		t.Errorf("seeded session: has=%v err=%v", has, err)
	}
}
