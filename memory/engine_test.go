package memory_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/llm"
	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
	"github.com/memhive/memoryd/memory/memstore"
)

// undoLog wraps the in-memory journal store to expose the undo ids it
// assigns, since engine operations do not return them.
type undoLog struct {
	*journal.MemoryStore
	mu  sync.Mutex
	ids []string
}

func (u *undoLog) AppendUndo(ctx context.Context, e *journal.UndoEntry) error {
	u.mu.Lock()
	u.ids = append(u.ids, e.UndoID)
	u.mu.Unlock()
	return u.MemoryStore.AppendUndo(ctx, e)
}

func (u *undoLog) lastID(t *testing.T) string {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.ids) == 0 {
		t.Fatal("no undo entries recorded")
	}
	return u.ids[len(u.ids)-1]
}

// env wires an engine against the in-process backends with a controllable
// clock.
type env struct {
	engine  *memory.Engine
	records *memstore.Records
	vectors *memstore.Vectors
	graph   *memstore.Graph
	bus     *memstore.Bus
	undos   *undoLog
	jrnl    *journal.Journal

	mu  sync.Mutex
	now time.Time
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func (e *env) setNow(t time.Time) {
	e.mu.Lock()
	e.now = t
	e.mu.Unlock()
}

func newEnv(t *testing.T) *env {
	return newEnvCfg(t, memory.EngineConfig{})
}

func newEnvCfg(t *testing.T, cfg memory.EngineConfig) *env {
	return newEnvDeps(t, cfg, nil)
}

func newEnvDeps(t *testing.T, cfg memory.EngineConfig, completer memory.Completer) *env {
	t.Helper()
	e := &env{
		records: memstore.NewRecords(),
		vectors: memstore.NewVectors(),
		graph:   memstore.NewGraph(),
		bus:     memstore.NewBus(),
		undos:   &undoLog{MemoryStore: journal.NewMemoryStore()},
		now:     time.Now().UTC(),
	}
	e.jrnl = journal.New(e.undos, 0, zerolog.Nop()).WithClock(e.clock)
	e.engine = memory.NewEngine(memory.Deps{
		Records:   e.records,
		Vectors:   e.vectors,
		Graph:     e.graph,
		Bus:       e.bus,
		Leases:    memstore.NewLeases().WithClock(e.clock),
		Embedder:  llm.NewLocalEmbedder(64),
		Completer: completer,
		Journal:   e.jrnl,
		Clock:     e.clock,
	}, cfg, zerolog.Nop())
	return e
}

var (
	alice = memory.Requester{UserID: "u1", AgentID: "coder"}
	bob   = memory.Requester{UserID: "u1", AgentID: "reviewer"}
	eve   = memory.Requester{UserID: "u2", AgentID: "coder"}
)

func (e *env) mustAdd(t *testing.T, in memory.AddInput) *memory.AddResult {
	t.Helper()
	res, err := e.engine.AddMemory(context.Background(), in)
	if err != nil {
		t.Fatalf("AddMemory(%q): %v", in.Text, err)
	}
	return res
}

func wantCode(t *testing.T, err error, code memerr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := memerr.CodeOf(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}

func TestAddMemoryDerivesFields(t *testing.T) {
	e := newEnv(t)
	res := e.mustAdd(t, memory.AddInput{
		Text:    "Fixed the nil pointer crash in internal/api/server.go when the request body is empty.",
		UserID:  alice.UserID,
		AgentID: alice.AgentID,
	})
	m := res.Memory
	if res.Merged {
		t.Fatal("first add must not merge")
	}
	if m.Type != memory.TypeBugfix {
		t.Fatalf("classified type = %q, want bugfix", m.Type)
	}
	if len(m.Files) != 1 || m.Files[0] != "internal/api/server.go" {
		t.Fatalf("extracted files = %v", m.Files)
	}
	if m.SharePolicy != memory.SharePrivate {
		t.Fatalf("default share policy = %q", m.SharePolicy)
	}
	if m.LanguageCode != "en" {
		t.Fatalf("language = %q, want en", m.LanguageCode)
	}
	if m.Summary == "" || m.CharCount == 0 || m.TokenEstimate == 0 {
		t.Fatalf("derived fields missing: %+v", m)
	}
	if m.VectorID != m.ID {
		t.Fatalf("vector id = %q, want %q", m.VectorID, m.ID)
	}
}

func TestAddMemoryValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.engine.AddMemory(ctx, memory.AddInput{UserID: "u1", AgentID: "a1"})
	wantCode(t, err, memerr.CodeInvalidInput)

	_, err = e.engine.AddMemory(ctx, memory.AddInput{Text: "hello"})
	wantCode(t, err, memerr.CodeInvalidInput)

	_, err = e.engine.AddMemory(ctx, memory.AddInput{
		Text: "x", UserID: "u1", AgentID: "a1",
		SharePolicy: memory.ShareCustom,
	})
	wantCode(t, err, memerr.CodeInvalidInput)

	_, err = e.engine.AddMemory(ctx, memory.AddInput{
		Text: "x", UserID: "u1", AgentID: "a1",
		SharePolicy: memory.SharePrivate, AllowedAgents: []string{"a2"},
	})
	wantCode(t, err, memerr.CodeInvalidInput)

	past := e.clock().Add(-time.Hour)
	_, err = e.engine.AddMemory(ctx, memory.AddInput{
		Text: "x", UserID: "u1", AgentID: "a1", ExpiresAt: &past,
	})
	wantCode(t, err, memerr.CodeInvalidInput)

	_, err = e.engine.AddMemory(ctx, memory.AddInput{Text: "   \n\t ", UserID: "u1", AgentID: "a1"})
	wantCode(t, err, memerr.CodeInvalidInput)
}

func TestAddMemoryTooLarge(t *testing.T) {
	e := newEnvCfg(t, memory.EngineConfig{MaxTextBytes: 32})
	_, err := e.engine.AddMemory(context.Background(), memory.AddInput{
		Text:    strings.Repeat("a", 33),
		UserID:  "u1",
		AgentID: "a1",
	})
	wantCode(t, err, memerr.CodeTooLarge)
}

func TestAddMemoryExactDuplicateMerges(t *testing.T) {
	e := newEnv(t)
	text := "The staging cluster uses spot instances and may lose nodes at any time."

	first := e.mustAdd(t, memory.AddInput{Text: text, UserID: "u1", AgentID: "coder"})
	e.advance(time.Minute)
	second := e.mustAdd(t, memory.AddInput{
		Text: text, UserID: "u1", AgentID: "coder",
		Files: []string{"deploy/staging.yaml"},
	})

	if !second.Merged {
		t.Fatal("identical add should merge")
	}
	if second.Memory.ID != first.Memory.ID {
		t.Fatalf("merge target = %s, want %s", second.Memory.ID, first.Memory.ID)
	}
	if got := second.Memory.MentionCount(); got != 2 {
		t.Fatalf("mention count = %d, want 2", got)
	}
	if len(second.Memory.Files) == 0 || second.Memory.Files[len(second.Memory.Files)-1] != "deploy/staging.yaml" {
		t.Fatalf("merge should union new files, got %v", second.Memory.Files)
	}
	n, err := e.records.Count(context.Background(), memory.Filter{UserID: "u1", IncludePending: true})
	if err != nil || n != 1 {
		t.Fatalf("record count = %d (err %v), want 1", n, err)
	}
}

func TestAddMemoryNearDuplicateLinksSibling(t *testing.T) {
	e := newEnv(t)
	// Same word set in a different order: identical bag-of-words embedding,
	// different normalized text.
	first := e.mustAdd(t, memory.AddInput{
		Text: "retry queue drains slowly under sustained load", UserID: "u1", AgentID: "coder",
	})
	e.advance(time.Minute)
	second := e.mustAdd(t, memory.AddInput{
		Text: "under sustained load retry queue drains slowly", UserID: "u1", AgentID: "coder",
	})

	if second.Merged {
		t.Fatal("near-duplicate must not merge")
	}
	if second.SiblingID != first.Memory.ID {
		t.Fatalf("sibling id = %q, want %q", second.SiblingID, first.Memory.ID)
	}
	edges, err := e.graph.Neighborhood(context.Background(), second.Memory.ID, 1, []string{memory.EdgeSiblingOf})
	if err != nil || len(edges) != 1 {
		t.Fatalf("sibling edge missing: %v (err %v)", edges, err)
	}
}

func TestAddMemorySkipDedup(t *testing.T) {
	e := newEnv(t)
	e.mustAdd(t, memory.AddInput{
		Text: "cache warmup takes ninety seconds after deploy", UserID: "u1", AgentID: "coder",
	})
	e.advance(time.Minute)
	res := e.mustAdd(t, memory.AddInput{
		Text: "after deploy cache warmup takes ninety seconds", UserID: "u1", AgentID: "coder",
		SkipDedup: true,
	})
	if res.Merged || res.SiblingID != "" {
		t.Fatalf("SkipDedup should store as-is, got merged=%v sibling=%q", res.Merged, res.SiblingID)
	}
}

func TestUpdateMemory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "initial note about the indexer", UserID: alice.UserID, AgentID: alice.AgentID,
	})

	newText := "the indexer rebuilds from the oplog on startup"
	updated, err := e.engine.UpdateMemory(ctx, alice, memory.UpdateInput{ID: res.Memory.ID, Text: &newText})
	if err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	if updated.Text != newText || updated.Summary != newText {
		t.Fatalf("text not applied: %+v", updated)
	}
	if updated.CharCount != len(newText) {
		t.Fatalf("char count = %d, want %d", updated.CharCount, len(newText))
	}

	_, err = e.engine.UpdateMemory(ctx, bob, memory.UpdateInput{ID: res.Memory.ID, Text: &newText})
	wantCode(t, err, memerr.CodeAccessDenied)

	_, err = e.engine.UpdateMemory(ctx, alice, memory.UpdateInput{ID: "missing", Text: &newText})
	wantCode(t, err, memerr.CodeNotFound)

	empty := "  "
	_, err = e.engine.UpdateMemory(ctx, alice, memory.UpdateInput{ID: res.Memory.ID, Text: &empty})
	wantCode(t, err, memerr.CodeInvalidInput)
}

func TestDeleteMemoryEmitsCriticalEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res := e.mustAdd(t, memory.AddInput{
		Text: "scratch note to delete", UserID: alice.UserID, AgentID: alice.AgentID,
	})

	sub, err := e.bus.Subscribe(ctx, "memory.u1.coder.memory_deleted")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := e.engine.DeleteMemory(ctx, alice, res.Memory.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}

	select {
	case msg := <-sub.Events():
		if msg.Channel != "memory.u1.coder.memory_deleted" {
			t.Fatalf("event channel = %q", msg.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("no deletion event published")
	}

	_, _, err = e.engine.GetMemory(ctx, alice, res.Memory.ID)
	wantCode(t, err, memerr.CodeNotFound)

	err = e.engine.DeleteMemory(ctx, alice, res.Memory.ID)
	wantCode(t, err, memerr.CodeNotFound)
}

func TestDeleteMemoryRequiresOwnership(t *testing.T) {
	e := newEnv(t)
	res := e.mustAdd(t, memory.AddInput{
		Text: "owned by the coder agent", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	err := e.engine.DeleteMemory(context.Background(), bob, res.Memory.ID)
	wantCode(t, err, memerr.CodeAccessDenied)
}
