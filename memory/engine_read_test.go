package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

func TestGetMemoryAccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	private := e.mustAdd(t, memory.AddInput{
		Text: "private note on the deploy pipeline", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	shared := e.mustAdd(t, memory.AddInput{
		Text: "shared note on the release checklist", UserID: alice.UserID, AgentID: alice.AgentID,
		SharePolicy: memory.ShareShared,
	})

	m, reason, err := e.engine.GetMemory(ctx, alice, private.Memory.ID)
	if err != nil || reason != memory.ReasonOwner {
		t.Fatalf("owner read: reason=%s err=%v", reason, err)
	}
	if m.ID != private.Memory.ID {
		t.Fatalf("got %s", m.ID)
	}

	_, _, err = e.engine.GetMemory(ctx, bob, private.Memory.ID)
	wantCode(t, err, memerr.CodeAccessDenied)

	_, reason, err = e.engine.GetMemory(ctx, bob, shared.Memory.ID)
	if err != nil || reason != memory.ReasonShared {
		t.Fatalf("shared read: reason=%s err=%v", reason, err)
	}

	// Cross-tenant reads deny rather than leak existence through not_found
	// asymmetry; the explicit access probe covers the inverse.
	_, _, err = e.engine.GetMemory(ctx, eve, shared.Memory.ID)
	wantCode(t, err, memerr.CodeAccessDenied)

	_, _, err = e.engine.GetMemory(ctx, alice, "")
	wantCode(t, err, memerr.CodeInvalidInput)
}

func TestGetMemoryHidesLifecycleStates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "note that will be archived", UserID: alice.UserID, AgentID: alice.AgentID,
	})

	if err := e.engine.ArchiveMemory(ctx, alice, res.Memory.ID); err != nil {
		t.Fatalf("ArchiveMemory: %v", err)
	}
	_, _, err := e.engine.GetMemory(ctx, alice, res.Memory.ID)
	wantCode(t, err, memerr.CodeNotFound)

	// Repair-pending memories read as absent too.
	pending := e.mustAdd(t, memory.AddInput{
		Text: "note awaiting repair", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	stored, err := e.records.Get(ctx, pending.Memory.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Metadata == nil {
		stored.Metadata = map[string]any{}
	}
	stored.Metadata[memory.MetaRepairPending] = true
	if err := e.records.Update(ctx, stored); err != nil {
		t.Fatalf("Update: %v", err)
	}
	_, _, err = e.engine.GetMemory(ctx, alice, pending.Memory.ID)
	wantCode(t, err, memerr.CodeNotFound)
}

func TestListMemoriesPagination(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		res := e.mustAdd(t, memory.AddInput{
			Text:    fmt.Sprintf("note number %d about the worker pool", i),
			UserID:  alice.UserID,
			AgentID: alice.AgentID,
		})
		ids = append(ids, res.Memory.ID)
		e.advance(time.Minute)
	}

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		page, err := e.engine.ListMemories(ctx, alice, memory.ListInput{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("ListMemories: %v", err)
		}
		pages++
		for _, m := range page.Memories {
			if seen[m.ID] {
				t.Fatalf("memory %s returned twice", m.ID)
			}
			seen[m.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("paged %d memories, want 5", len(seen))
	}
	if pages < 3 {
		t.Fatalf("expected at least 3 pages at limit 2, got %d", pages)
	}

	// Newest first.
	page, err := e.engine.ListMemories(ctx, alice, memory.ListInput{Limit: 1})
	if err != nil || len(page.Memories) != 1 {
		t.Fatalf("ListMemories: %v", err)
	}
	if page.Memories[0].ID != ids[len(ids)-1] {
		t.Fatalf("first page entry = %s, want newest %s", page.Memories[0].ID, ids[len(ids)-1])
	}
}

func TestListMemoriesForcesRequesterTenant(t *testing.T) {
	e := newEnv(t)
	e.mustAdd(t, memory.AddInput{Text: "tenant one note", UserID: "u1", AgentID: "coder"})
	e.mustAdd(t, memory.AddInput{Text: "tenant two note", UserID: "u2", AgentID: "coder"})

	page, err := e.engine.ListMemories(context.Background(), alice, memory.ListInput{
		Filter: memory.Filter{UserID: "u2"}, // ignored: requester wins
	})
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	for _, m := range page.Memories {
		if m.UserID != "u1" {
			t.Fatalf("leaked memory of %s", m.UserID)
		}
	}
	if len(page.Memories) != 1 {
		t.Fatalf("got %d memories, want 1", len(page.Memories))
	}
}

func TestGetMemoryBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	mine := e.mustAdd(t, memory.AddInput{Text: "batch item one", UserID: alice.UserID, AgentID: alice.AgentID})
	other := e.mustAdd(t, memory.AddInput{Text: "batch item two", UserID: alice.UserID, AgentID: bob.AgentID})

	got, err := e.engine.GetMemoryBatch(ctx, alice, []string{mine.Memory.ID, other.Memory.ID, mine.Memory.ID, "missing"})
	if err != nil {
		t.Fatalf("GetMemoryBatch: %v", err)
	}
	// The other agent's private memory and the unknown id are silently
	// omitted; duplicates collapse.
	if len(got) != 1 || got[0].ID != mine.Memory.ID {
		t.Fatalf("batch = %v", got)
	}

	_, err = e.engine.GetMemoryBatch(ctx, alice, nil)
	wantCode(t, err, memerr.CodeInvalidInput)

	big := make([]string, memory.MaxBatchSize+1)
	for i := range big {
		big[i] = fmt.Sprintf("id-%d", i)
	}
	_, err = e.engine.GetMemoryBatch(ctx, alice, big)
	wantCode(t, err, memerr.CodeInvalidInput)
}

func TestSearchIndexEmptyQueryPagesNewest(t *testing.T) {
	e := newEnv(t)
	first := e.mustAdd(t, memory.AddInput{Text: "older entry in the index", UserID: alice.UserID, AgentID: alice.AgentID})
	e.advance(time.Minute)
	second := e.mustAdd(t, memory.AddInput{Text: "newer entry in the index", UserID: alice.UserID, AgentID: alice.AgentID})

	entries, err := e.engine.SearchIndex(context.Background(), alice, memory.SearchInput{})
	if err != nil {
		t.Fatalf("SearchIndex: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != second.Memory.ID || entries[1].ID != first.Memory.ID {
		t.Fatalf("order = [%s %s]", entries[0].ID, entries[1].ID)
	}
	if entries[0].Summary == "" || entries[0].TokenEstimate == 0 {
		t.Fatalf("index entry missing projection fields: %+v", entries[0])
	}
}

func TestGetTimelineNeighbors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		res := e.mustAdd(t, memory.AddInput{
			Text:    fmt.Sprintf("timeline entry %d about the migration", i),
			UserID:  alice.UserID,
			AgentID: alice.AgentID,
		})
		ids = append(ids, res.Memory.ID)
		e.advance(time.Minute)
	}

	tl, err := e.engine.GetTimeline(ctx, alice, ids[2], 2, 2)
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	if tl.Anchor.ID != ids[2] {
		t.Fatalf("anchor = %s, want %s", tl.Anchor.ID, ids[2])
	}
	if len(tl.Before) != 2 || tl.Before[0].ID != ids[0] || tl.Before[1].ID != ids[1] {
		t.Fatalf("before neighbors = %+v", tl.Before)
	}
	if len(tl.After) != 2 || tl.After[0].ID != ids[3] || tl.After[1].ID != ids[4] {
		t.Fatalf("after neighbors = %+v", tl.After)
	}

	// Edges truncate rather than wrap.
	tl, err = e.engine.GetTimeline(ctx, alice, ids[0], 2, 10)
	if err != nil {
		t.Fatalf("GetTimeline at edge: %v", err)
	}
	if len(tl.Before) != 0 || len(tl.After) != 4 {
		t.Fatalf("edge neighborhood = %d before, %d after", len(tl.Before), len(tl.After))
	}

	_, err = e.engine.GetTimeline(ctx, alice, "missing", 2, 2)
	wantCode(t, err, memerr.CodeNotFound)
}

func TestGetTimelineFiltersUnreadableNeighbors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	hidden := e.mustAdd(t, memory.AddInput{
		Text: "bob's private prep notes", UserID: alice.UserID, AgentID: bob.AgentID,
	})
	e.advance(time.Minute)
	visible := e.mustAdd(t, memory.AddInput{
		Text: "shared rollout checklist", UserID: alice.UserID, AgentID: bob.AgentID,
		SharePolicy: memory.ShareShared,
	})
	e.advance(time.Minute)
	anchor := e.mustAdd(t, memory.AddInput{
		Text: "anchor note on the rollout", UserID: alice.UserID, AgentID: alice.AgentID,
	})

	tl, err := e.engine.GetTimeline(ctx, alice, anchor.Memory.ID, 5, 5)
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	for _, entry := range tl.Before {
		if entry.ID == hidden.Memory.ID {
			t.Fatal("unreadable neighbor leaked into the timeline")
		}
	}
	if len(tl.Before) != 1 || tl.Before[0].ID != visible.Memory.ID {
		t.Fatalf("before neighbors = %+v", tl.Before)
	}
}

func TestGetTimelineDaysGroupsByDay(t *testing.T) {
	e := newEnv(t)
	base := e.clock()

	e.setNow(base.Add(-48 * time.Hour))
	old := e.mustAdd(t, memory.AddInput{
		Text: "work from two days ago", UserID: alice.UserID, AgentID: alice.AgentID,
		SessionID: "s-old",
	})
	e.setNow(base)
	recent := e.mustAdd(t, memory.AddInput{
		Text: "work from today", UserID: alice.UserID, AgentID: alice.AgentID,
	})

	days, err := e.engine.GetTimelineDays(context.Background(), alice, time.Time{}, 0)
	if err != nil {
		t.Fatalf("GetTimelineDays: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("got %d days, want 2", len(days))
	}
	if days[0].Date <= days[1].Date {
		t.Fatalf("days not newest first: %s, %s", days[0].Date, days[1].Date)
	}
	if days[0].Entries[0].ID != recent.Memory.ID {
		t.Fatalf("newest day entry = %s", days[0].Entries[0].ID)
	}
	if len(days[1].Sessions) != 1 || days[1].Sessions[0] != "s-old" {
		t.Fatalf("session rollup = %v", days[1].Sessions)
	}
	if days[1].Entries[0].ID != old.Memory.ID {
		t.Fatalf("old day entry = %s", days[1].Entries[0].ID)
	}
}

func TestGetFacets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.mustAdd(t, memory.AddInput{
		Text: "first note", UserID: alice.UserID, AgentID: alice.AgentID,
		Type: memory.TypeBugfix, Files: []string{"pkg/a.go"},
	})
	e.advance(time.Minute)
	e.mustAdd(t, memory.AddInput{
		Text: "second note", UserID: alice.UserID, AgentID: alice.AgentID,
		Type: memory.TypeFeature, Files: []string{"pkg/a.go", "pkg/b.go"},
	})
	e.advance(time.Minute)
	archived := e.mustAdd(t, memory.AddInput{
		Text: "third note", UserID: alice.UserID, AgentID: alice.AgentID,
		Type: memory.TypeBugfix,
	})
	if err := e.engine.ArchiveMemory(ctx, alice, archived.Memory.ID); err != nil {
		t.Fatalf("ArchiveMemory: %v", err)
	}

	f, err := e.engine.GetFacets(ctx, alice)
	if err != nil {
		t.Fatalf("GetFacets: %v", err)
	}
	if f.Total != 2 {
		t.Fatalf("total = %d, want 2 (archived excluded)", f.Total)
	}
	if f.ByType["bugfix"] != 1 || f.ByType["feature"] != 1 {
		t.Fatalf("by type = %v", f.ByType)
	}
	if len(f.TopFiles) == 0 || f.TopFiles[0].Value != "pkg/a.go" || f.TopFiles[0].Count != 2 {
		t.Fatalf("top files = %v", f.TopFiles)
	}
}
