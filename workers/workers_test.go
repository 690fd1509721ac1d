package workers_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memhive/memoryd/backup"
	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/llm"
	"github.com/memhive/memoryd/memory"
	"github.com/memhive/memoryd/memory/memstore"
	"github.com/memhive/memoryd/workers"
)

// wenv wires an engine against the in-process backends for worker passes.
type wenv struct {
	engine  *memory.Engine
	records *memstore.Records
	vectors *memstore.Vectors
	leases  *memstore.Leases
	jrnl    *journal.Journal

	mu  sync.Mutex
	now time.Time
}

func (e *wenv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *wenv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newWorkerEnv(t *testing.T) *wenv {
	t.Helper()
	e := &wenv{
		records: memstore.NewRecords(),
		vectors: memstore.NewVectors(),
		leases:  memstore.NewLeases(),
		now:     time.Now().UTC().Add(-time.Hour),
	}
	e.leases = e.leases.WithClock(e.clock)
	e.jrnl = journal.New(journal.NewMemoryStore(), 0, zerolog.Nop()).WithClock(e.clock)
	e.engine = memory.NewEngine(memory.Deps{
		Records:  e.records,
		Vectors:  e.vectors,
		Graph:    memstore.NewGraph(),
		Bus:      memstore.NewBus(),
		Leases:   e.leases,
		Embedder: llm.NewLocalEmbedder(64),
		Journal:  e.jrnl,
		Clock:    e.clock,
	}, memory.EngineConfig{}, zerolog.Nop())
	return e
}

func (e *wenv) add(t *testing.T, in memory.AddInput) *memory.Memory {
	t.Helper()
	res, err := e.engine.AddMemory(context.Background(), in)
	require.NoError(t, err)
	e.advance(time.Second)
	return res.Memory
}

// backdate rewrites stored timestamps directly, bypassing the engine.
func (e *wenv) backdate(t *testing.T, id string, mutate func(m *memory.Memory)) {
	t.Helper()
	m, err := e.records.Get(context.Background(), id)
	require.NoError(t, err)
	mutate(m)
	require.NoError(t, e.records.Update(context.Background(), m))
}

func countOwned(t *testing.T, e *wenv, userID string) int {
	t.Helper()
	n, err := e.records.Count(context.Background(), memory.Filter{UserID: userID})
	require.NoError(t, err)
	return n
}

func TestDedupMergesNearDuplicates(t *testing.T) {
	e := newWorkerEnv(t)
	ctx := context.Background()

	// Same words, different order: identical local embedding, distinct
	// normalized text, so AddMemory keeps both as siblings.
	first := e.add(t, memory.AddInput{
		Text: "redis timeout raised to thirty seconds", UserID: "u1", AgentID: "coder",
	})
	second := e.add(t, memory.AddInput{
		Text: "thirty seconds timeout raised to redis", UserID: "u1", AgentID: "coder",
	})
	require.Equal(t, 2, countOwned(t, e, "u1"))

	d := workers.NewDedup(e.engine, e.leases, zerolog.Nop())
	report, err := d.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 0, report.Errors)
	require.Len(t, report.Actions, 1)
	assert.True(t, report.Actions[0].Applied)
	assert.Equal(t, first.ID, report.Actions[0].MemoryID)

	assert.Equal(t, 1, countOwned(t, e, "u1"))
	survivor, _, err := e.engine.GetMemory(ctx, memory.Requester{UserID: "u1", AgentID: "coder"}, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, survivor.MentionCount())
	_, _, err = e.engine.GetMemory(ctx, memory.Requester{UserID: "u1", AgentID: "coder"}, second.ID)
	assert.Error(t, err)
}

func TestDedupDryRunPlansWithoutMerging(t *testing.T) {
	e := newWorkerEnv(t)

	e.add(t, memory.AddInput{Text: "redis timeout raised to thirty seconds", UserID: "u1", AgentID: "coder"})
	e.add(t, memory.AddInput{Text: "thirty seconds timeout raised to redis", UserID: "u1", AgentID: "coder"})

	d := workers.NewDedup(e.engine, e.leases, zerolog.Nop())
	report, err := d.Run(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.False(t, report.Actions[0].Applied)
	assert.Equal(t, 2, countOwned(t, e, "u1"))
}

func TestDedupNeverMergesAcrossSessions(t *testing.T) {
	e := newWorkerEnv(t)

	e.add(t, memory.AddInput{
		Text: "redis timeout raised to thirty seconds", UserID: "u1", AgentID: "coder",
		SessionID: "sess-1",
	})
	e.add(t, memory.AddInput{
		Text: "thirty seconds timeout raised to redis", UserID: "u1", AgentID: "coder",
		SessionID: "sess-2",
	})

	d := workers.NewDedup(e.engine, e.leases, zerolog.Nop())
	report, err := d.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
	assert.Equal(t, 2, countOwned(t, e, "u1"))
}

func TestDedupMergesSharedAcrossSessions(t *testing.T) {
	e := newWorkerEnv(t)
	ctx := context.Background()

	first := e.add(t, memory.AddInput{
		Text: "redis timeout raised to thirty seconds", UserID: "u1", AgentID: "coder",
		SessionID: "sess-1", SharePolicy: memory.ShareShared,
	})
	e.add(t, memory.AddInput{
		Text: "thirty seconds timeout raised to redis", UserID: "u1", AgentID: "coder",
		SessionID: "sess-2", SharePolicy: memory.ShareShared,
	})

	d := workers.NewDedup(e.engine, e.leases, zerolog.Nop())
	report, err := d.Run(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, first.ID, report.Actions[0].MemoryID)
	assert.Equal(t, 1, countOwned(t, e, "u1"))
}

func TestDedupExactTextFallbackWithoutVectors(t *testing.T) {
	e := newWorkerEnv(t)
	ctx := context.Background()

	// Seeded directly: no vector entries, as after an embedder outage.
	base := e.clock()
	for i, id := range []string{"m-old", "m-new"} {
		m := &memory.Memory{
			ID: id, UserID: "u1", AgentID: "coder",
			Text:        "Switched the build to Go 1.25.",
			Summary:     "Switched the build to Go 1.25.",
			CharCount:   30,
			Type:        memory.TypeGeneral,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   base.Add(time.Duration(i) * time.Minute),
			SharePolicy: memory.SharePrivate,
		}
		require.NoError(t, e.records.Put(ctx, m))
	}

	d := workers.NewDedup(e.engine, e.leases, zerolog.Nop())
	report, err := d.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 0, report.Errors)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, "m-old", report.Actions[0].MemoryID)
	assert.Equal(t, 1, countOwned(t, e, "u1"))
}

func TestExpiryArchivesThenDeletes(t *testing.T) {
	e := newWorkerEnv(t)
	ctx := context.Background()

	m := e.add(t, memory.AddInput{Text: "temporary scratch note", UserID: "u1", AgentID: "coder"})
	past := time.Now().UTC().Add(-time.Hour)
	e.backdate(t, m.ID, func(rec *memory.Memory) { rec.ExpiresAt = &past })

	// Engine clock must be ahead of the expiry for the delete stage.
	e.advance(2 * time.Hour)

	w := workers.NewExpiry(e.engine, 30*24*time.Hour, "archive", zerolog.Nop())
	report, err := w.Run(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, "archive", report.Actions[0].Kind)
	assert.True(t, report.Actions[0].Applied)

	rec, err := e.records.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.ArchivedAt)

	// Inside the grace window nothing further happens.
	report, err = w.Run(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)

	longAgo := time.Now().UTC().Add(-31 * 24 * time.Hour)
	e.backdate(t, m.ID, func(rec *memory.Memory) { rec.ArchivedAt = &longAgo })

	report, err = w.Run(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, "delete", report.Actions[0].Kind)
	assert.True(t, report.Actions[0].Applied)

	_, err = e.records.Get(ctx, m.ID)
	assert.Error(t, err)
}

func TestExpiryDeletePolicySkipsArchiveStage(t *testing.T) {
	e := newWorkerEnv(t)
	ctx := context.Background()

	direct := e.add(t, memory.AddInput{Text: "scratch note under the delete policy", UserID: "u1", AgentID: "coder"})
	held := e.add(t, memory.AddInput{
		Text: "note that should still be archived first", UserID: "u1", AgentID: "coder",
		Metadata: map[string]any{memory.MetaExpiryPolicy: "archive"},
	})
	past := time.Now().UTC().Add(-time.Hour)
	for _, id := range []string{direct.ID, held.ID} {
		e.backdate(t, id, func(rec *memory.Memory) { rec.ExpiresAt = &past })
	}
	e.advance(2 * time.Hour)

	w := workers.NewExpiry(e.engine, 30*24*time.Hour, "delete", zerolog.Nop())
	report, err := w.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 0, report.Errors)
	require.Len(t, report.Actions, 2)

	kinds := map[string]string{}
	for _, a := range report.Actions {
		assert.True(t, a.Applied)
		kinds[a.MemoryID] = a.Kind
	}
	assert.Equal(t, "delete", kinds[direct.ID])
	assert.Equal(t, "archive", kinds[held.ID])

	_, err = e.records.Get(ctx, direct.ID)
	assert.Error(t, err)
	rec, err := e.records.Get(ctx, held.ID)
	require.NoError(t, err)
	assert.NotNil(t, rec.ArchivedAt)
}

func TestSessionsWorkerClosesStale(t *testing.T) {
	e := newWorkerEnv(t)
	ctx := context.Background()
	req := memory.Requester{UserID: "u1", AgentID: "coder"}

	sess, err := e.engine.StartSession(ctx, req, nil)
	require.NoError(t, err)
	e.add(t, memory.AddInput{Text: "worked on the session memory grouping", UserID: "u1", AgentID: "coder", SessionID: sess.ID})

	w := workers.NewSessions(e.engine, zerolog.Nop())

	// Fresh session: nothing to do.
	report, err := w.Run(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)

	// Engine clock moves past the staleness cutoff; the dry run plans the
	// close and leaves the session open. Idleness tracks CloseStaleSessions,
	// which runs on wall time, so the stored timestamps are backdated too.
	stale := time.Now().UTC().Add(-memory.StaleSessionCutoff - time.Hour)
	sess.StartTime = stale
	require.NoError(t, e.records.UpdateSession(ctx, sess))
	page, err := e.records.Query(ctx, memory.Filter{UserID: "u1", SessionID: sess.ID}, memory.OrderCreatedDesc, 10, "")
	require.NoError(t, err)
	for _, m := range page.Memories {
		e.backdate(t, m.ID, func(rec *memory.Memory) { rec.CreatedAt = stale })
	}

	report, err = w.Run(ctx, true)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, "close_session", report.Actions[0].Kind)
	assert.False(t, report.Actions[0].Applied)

	report, err = w.Run(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.True(t, report.Actions[0].Applied)

	closed, err := e.records.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, closed.Active())
}

func TestSummarizeWorkerCondensesOldLargeMemories(t *testing.T) {
	e := newWorkerEnv(t)
	ctx := context.Background()

	long := strings.Repeat("The migration runner retries failed statements with exponential backoff. ", 40)
	m := e.add(t, memory.AddInput{Text: long, UserID: "u1", AgentID: "coder"})
	small := e.add(t, memory.AddInput{Text: "short note about the retries", UserID: "u1", AgentID: "coder"})

	old := time.Now().UTC().Add(-45 * 24 * time.Hour)
	e.backdate(t, m.ID, func(rec *memory.Memory) { rec.CreatedAt = old })
	e.backdate(t, small.ID, func(rec *memory.Memory) { rec.CreatedAt = old })

	w := workers.NewSummarize(e.engine, 2000, 30*24*time.Hour, zerolog.Nop())
	report, err := w.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 0, report.Errors)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, m.ID, report.Actions[0].MemoryID)
	assert.True(t, report.Actions[0].Applied)

	rec, err := e.records.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, rec.Summarized)
	assert.Less(t, rec.CharCount, len(long))
	assert.Equal(t, long, rec.Metadata[memory.MetaOriginalText])

	// A second pass skips already-summarized memories.
	report, err = w.Run(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
}

func TestPurgeWorkerDropsExpiredUndos(t *testing.T) {
	e := newWorkerEnv(t)
	ctx := context.Background()

	_, err := e.jrnl.RecordUndo(ctx, journal.UndoEntry{
		OperationType: "delete_memory",
		AgentID:       "coder",
		ExpiresAt:     e.clock().Add(time.Minute),
	})
	require.NoError(t, err)
	e.advance(time.Hour)

	w := workers.NewPurge(e.jrnl, zerolog.Nop())

	report, err := w.Run(ctx, true)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.False(t, report.Actions[0].Applied)

	report, err = w.Run(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.True(t, report.Actions[0].Applied)
	assert.Contains(t, report.Actions[0].Detail, "purged 1")
}

func TestBackupWorkerCreatesAndVerifies(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "memoryd.db"), []byte("payload"), 0o600))
	mgr := backup.NewManager(dataDir, t.TempDir(), zerolog.Nop())

	w := workers.NewBackup(mgr, 7, zerolog.Nop())
	report, err := w.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 0, report.Errors)
	require.Len(t, report.Actions, 2)
	assert.Equal(t, "create_backup", report.Actions[0].Kind)
	assert.Equal(t, "verify_backup", report.Actions[1].Kind)
	assert.True(t, report.Actions[1].Applied)
}
