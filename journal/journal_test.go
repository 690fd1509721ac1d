package journal

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) (*Journal, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j := New(NewMemoryStore(), 7*24*time.Hour, zerolog.Nop()).
		WithClock(func() time.Time { return now })
	return j, &now
}

func TestAuditAssignsIDAndTimestamp(t *testing.T) {
	j, now := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Audit(ctx, AuditEntry{
		OperationType: "add_memory",
		AgentID:       "agent-a",
		Status:        StatusSuccess,
		MemoryID:      "mem-1",
	}))

	entries, err := j.ListAudit(ctx, AuditFilter{AgentID: "agent-a"}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].LogID)
	assert.Equal(t, now.UTC(), entries[0].Timestamp)
	assert.Equal(t, "add_memory", entries[0].OperationType)
}

func TestListAuditFilters(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Audit(ctx, AuditEntry{OperationType: "add_memory", AgentID: "agent-a", Status: StatusSuccess, MemoryID: "mem-1"}))
	require.NoError(t, j.Audit(ctx, AuditEntry{OperationType: "delete_memory", AgentID: "agent-a", Status: StatusFailure, MemoryID: "mem-2"}))
	require.NoError(t, j.Audit(ctx, AuditEntry{OperationType: "add_memory", AgentID: "agent-b", Status: StatusSuccess, MemoryID: "mem-3"}))

	byAgent, err := j.ListAudit(ctx, AuditFilter{AgentID: "agent-a"}, 10)
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byStatus, err := j.ListAudit(ctx, AuditFilter{Status: StatusFailure}, 10)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "mem-2", byStatus[0].MemoryID)

	byOp, err := j.ListAudit(ctx, AuditFilter{OperationType: "add_memory"}, 10)
	require.NoError(t, err)
	assert.Len(t, byOp, 2)
}

func TestUndoRoundTrip(t *testing.T) {
	j, now := newTestJournal(t)
	ctx := context.Background()

	id, err := j.RecordUndo(ctx, UndoEntry{
		OperationType: "delete_memory",
		AgentID:       "agent-a",
		MemoryID:      "mem-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e, err := j.GetUndo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, UndoPending, e.Status)
	assert.Equal(t, now.UTC(), e.CreatedAt)
	assert.Equal(t, now.UTC().Add(7*24*time.Hour), e.ExpiresAt)

	require.NoError(t, j.Resolve(ctx, id, UndoCompleted))
	e, err = j.GetUndo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, UndoCompleted, e.Status)
}

func TestGetUndoExpiredReportsNotFound(t *testing.T) {
	j, now := newTestJournal(t)
	ctx := context.Background()

	id, err := j.RecordUndo(ctx, UndoEntry{OperationType: "update_memory", AgentID: "agent-a"})
	require.NoError(t, err)

	*now = now.Add(7*24*time.Hour + time.Minute)
	_, err = j.GetUndo(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChainAllOrNothing(t *testing.T) {
	j, now := newTestJournal(t)
	ctx := context.Background()

	first, err := j.RecordUndo(ctx, UndoEntry{
		OperationType:    "merge_memories",
		AgentID:          "agent-a",
		OperationChainID: "chain-1",
	})
	require.NoError(t, err)
	_ = first

	// Second entry carries a shorter explicit window.
	_, err = j.RecordUndo(ctx, UndoEntry{
		OperationType:    "delete_memory",
		AgentID:          "agent-a",
		OperationChainID: "chain-1",
		ExpiresAt:        now.Add(time.Hour),
	})
	require.NoError(t, err)

	entries, err := j.Chain(ctx, "chain-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// One expired member closes the whole chain.
	*now = now.Add(2 * time.Hour)
	_, err = j.Chain(ctx, "chain-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	j, now := newTestJournal(t)
	ctx := context.Background()

	keep, err := j.RecordUndo(ctx, UndoEntry{OperationType: "update_memory", AgentID: "agent-a"})
	require.NoError(t, err)
	_, err = j.RecordUndo(ctx, UndoEntry{
		OperationType: "delete_memory",
		AgentID:       "agent-a",
		ExpiresAt:     now.Add(time.Minute),
	})
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	purged, err := j.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = j.GetUndo(ctx, keep)
	assert.NoError(t, err)
}
