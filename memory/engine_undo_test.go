package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

func TestUndoDeleteRestores(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "note that survives deletion", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	id := res.Memory.ID

	if err := e.engine.DeleteMemory(ctx, alice, id); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	undoID := e.undos.lastID(t)

	out, err := e.engine.Undo(ctx, alice, undoID)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if out.Operation != "delete_memory" || out.ChainSize != 1 {
		t.Fatalf("undo result = %+v", out)
	}

	m, _, err := e.engine.GetMemory(ctx, alice, id)
	if err != nil {
		t.Fatalf("restored memory unreadable: %v", err)
	}
	if m.Text != res.Memory.Text {
		t.Fatalf("restored text = %q", m.Text)
	}
}

func TestUndoAddDeletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "accidental note", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	undoID := e.undos.lastID(t)

	if _, err := e.engine.Undo(ctx, alice, undoID); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	_, _, err := e.engine.GetMemory(ctx, alice, res.Memory.ID)
	wantCode(t, err, memerr.CodeNotFound)
}

func TestUndoUpdateRestoresOriginal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "the original wording", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	newText := "the revised wording"
	if _, err := e.engine.UpdateMemory(ctx, alice, memory.UpdateInput{ID: res.Memory.ID, Text: &newText}); err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	undoID := e.undos.lastID(t)

	if _, err := e.engine.Undo(ctx, alice, undoID); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	m, _, err := e.engine.GetMemory(ctx, alice, res.Memory.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if m.Text != "the original wording" {
		t.Fatalf("text after undo = %q", m.Text)
	}
}

func TestUndoRequiresOriginalAgent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "agent-bound operation", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	if err := e.engine.DeleteMemory(ctx, alice, res.Memory.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	undoID := e.undos.lastID(t)

	_, err := e.engine.Undo(ctx, bob, undoID)
	wantCode(t, err, memerr.CodeAccessDenied)
}

func TestUndoTwiceConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "undo exactly once", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	if err := e.engine.DeleteMemory(ctx, alice, res.Memory.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	undoID := e.undos.lastID(t)

	if _, err := e.engine.Undo(ctx, alice, undoID); err != nil {
		t.Fatalf("first Undo: %v", err)
	}
	_, err := e.engine.Undo(ctx, alice, undoID)
	wantCode(t, err, memerr.CodeConflict)
}

func TestUndoUnknownID(t *testing.T) {
	e := newEnv(t)
	_, err := e.engine.Undo(context.Background(), alice, "no-such-entry")
	wantCode(t, err, memerr.CodeNotFound)
}

func TestUndoWindowExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "past the retention window", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	if err := e.engine.DeleteMemory(ctx, alice, res.Memory.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	undoID := e.undos.lastID(t)

	e.advance(8 * 24 * time.Hour) // default retention is seven days

	_, err := e.engine.Undo(ctx, alice, undoID)
	wantCode(t, err, memerr.CodeNotFound)
}

func TestUndoMergeChainAllOrNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	survivor := e.mustAdd(t, memory.AddInput{
		Text: "canonical note about the cache layer", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	e.advance(time.Minute)
	dup := e.mustAdd(t, memory.AddInput{
		Text: "duplicate-ish note about caching behavior", UserID: alice.UserID, AgentID: alice.AgentID,
		SkipDedup: true,
	})
	e.advance(time.Minute)

	chainID, err := e.engine.MergeMemories(ctx, alice, survivor.Memory.ID, []string{dup.Memory.ID})
	if err != nil {
		t.Fatalf("MergeMemories: %v", err)
	}
	if chainID == "" {
		t.Fatal("merge must return a chain id")
	}

	merged, _, err := e.engine.GetMemory(ctx, alice, survivor.Memory.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if merged.MentionCount() != 2 {
		t.Fatalf("merged mention count = %d, want 2", merged.MentionCount())
	}
	_, _, err = e.engine.GetMemory(ctx, alice, dup.Memory.ID)
	wantCode(t, err, memerr.CodeNotFound)

	// Undoing any entry of the chain reverses the whole merge.
	undoID := e.undos.lastID(t)
	out, err := e.engine.Undo(ctx, alice, undoID)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if out.ChainSize != 2 {
		t.Fatalf("chain size = %d, want 2", out.ChainSize)
	}

	restored, _, err := e.engine.GetMemory(ctx, alice, dup.Memory.ID)
	if err != nil {
		t.Fatalf("duplicate not restored: %v", err)
	}
	if restored.Text != dup.Memory.Text {
		t.Fatalf("restored duplicate text = %q", restored.Text)
	}
	back, _, err := e.engine.GetMemory(ctx, alice, survivor.Memory.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if back.MentionCount() != 1 {
		t.Fatalf("survivor mention count after undo = %d, want 1", back.MentionCount())
	}
}

func TestListUndoable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "operation to appear in the trail", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	if err := e.engine.DeleteMemory(ctx, alice, res.Memory.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}

	entries, err := e.engine.ListUndoable(ctx, alice, 10)
	if err != nil {
		t.Fatalf("ListUndoable: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected add and delete in the trail, got %d entries", len(entries))
	}
	if entries[0].OperationType != "delete_memory" {
		t.Fatalf("newest entry = %s", entries[0].OperationType)
	}
	for _, a := range entries {
		if a.AgentID != alice.AgentID {
			t.Fatalf("foreign agent entry leaked: %+v", a)
		}
	}
}
