package memory

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/memerr"
)

// UndoResult reports what an undo reversed.
type UndoResult struct {
	UndoID     string   `json:"undo_id"`
	Operation  string   `json:"operation_type"`
	MemoryIDs  []string `json:"memory_ids"`
	ChainSize  int      `json:"chain_size"`
	RestoredAt string   `json:"restored_at"`
}

// Undo reverses one journaled operation. An entry belonging to a chain
// reverses the whole chain all-or-nothing. Only the agent that performed
// the operation may undo it, and only within the retention window.
func (e *Engine) Undo(ctx context.Context, req Requester, undoID string) (*UndoResult, error) {
	if e.journal == nil {
		return nil, memerr.New(memerr.CodeUnavailable, "undo journal is not configured")
	}
	entry, err := e.journal.GetUndo(ctx, undoID)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, memerr.New(memerr.CodeNotFound, "undo entry not found or expired")
		}
		return nil, memerr.Wrap(memerr.CodeInternal, "undo lookup failed", err)
	}
	if entry.AgentID != req.AgentID {
		return nil, memerr.New(memerr.CodeAccessDenied, "only the original agent may undo this operation")
	}
	if entry.Status != journal.UndoPending {
		return nil, memerr.Newf(memerr.CodeConflict, "undo entry is already %s", entry.Status)
	}

	entries := []*journal.UndoEntry{entry}
	if entry.OperationChainID != "" {
		entries, err = e.journal.Chain(ctx, entry.OperationChainID)
		if err != nil {
			if errors.Is(err, journal.ErrNotFound) {
				return nil, memerr.New(memerr.CodeNotFound, "undo chain expired")
			}
			return nil, memerr.Wrap(memerr.CodeInternal, "undo chain lookup failed", err)
		}
		for _, ce := range entries {
			if ce.Status != journal.UndoPending {
				return nil, memerr.Newf(memerr.CodeConflict, "chain entry %s is already %s", ce.UndoID, ce.Status)
			}
		}
	}

	// Reverse newest-first so a merge chain restores the survivor's prior
	// state before resurrecting the merged-away memory.
	res := &UndoResult{
		UndoID:     undoID,
		Operation:  entry.OperationType,
		ChainSize:  len(entries),
		RestoredAt: e.now().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	for i := len(entries) - 1; i >= 0; i-- {
		ce := entries[i]
		if err := e.reverse(ctx, req, ce); err != nil {
			for _, fe := range entries {
				_ = e.journal.Resolve(ctx, fe.UndoID, journal.UndoFailed)
			}
			return nil, err
		}
		if ce.MemoryID != "" {
			res.MemoryIDs = append(res.MemoryIDs, ce.MemoryID)
		}
	}
	for _, ce := range entries {
		if err := e.journal.Resolve(ctx, ce.UndoID, journal.UndoCompleted); err != nil {
			e.logger.Warn().Err(err).Str("undoID", ce.UndoID).Msg("undo status update failed")
		}
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "undo",
		AgentID:       req.AgentID,
		Status:        journal.StatusSuccess,
		Details:       map[string]any{"undo_id": undoID, "reversed_op": entry.OperationType, "chain_size": len(entries)},
	})
	return res, nil
}

// reverse applies the inverse of one journaled operation.
func (e *Engine) reverse(ctx context.Context, req Requester, entry *journal.UndoEntry) error {
	switch entry.OperationType {
	case "add_memory":
		// Reversing an add deletes the created memory. Already-gone is fine.
		m, err := e.decodeState(entry.NewState)
		if err != nil {
			return err
		}
		err = e.deleteCommitted(ctx, req, m, "undo_add_memory", "", e.now())
		if err != nil && !memerr.IsNotFound(err) {
			return err
		}
		return nil
	case "delete_memory", "undo_add_memory", "expire_memory", "merge_memory":
		m, err := e.decodeState(entry.OriginalState)
		if err != nil {
			return err
		}
		return e.restoreMemory(ctx, m)
	case "update_memory", "set_memory_sharing", "summarize_memory", "archive_memory":
		m, err := e.decodeState(entry.OriginalState)
		if err != nil {
			return err
		}
		return e.restoreMemory(ctx, m)
	default:
		return memerr.Newf(memerr.CodeInvalidInput, "operation %q is not reversible", entry.OperationType)
	}
}

func (e *Engine) decodeState(raw json.RawMessage) (*Memory, error) {
	if len(raw) == 0 {
		return nil, memerr.New(memerr.CodeInternal, "undo entry has no state snapshot")
	}
	var m Memory
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, memerr.Wrap(memerr.CodeInternal, "corrupt state snapshot", err)
	}
	return &m, nil
}

// restoreMemory writes a snapshot back into every store: record first, then
// vector and graph, so the record store is again the source of truth.
func (e *Engine) restoreMemory(ctx context.Context, m *Memory) error {
	rctx, cancel := e.recordCtx(ctx)
	err := e.records.Update(rctx, m)
	if errors.Is(err, ErrRecordNotFound) {
		err = e.records.Put(rctx, m)
	}
	cancel()
	if err != nil {
		if IsTransient(err) {
			return memerr.Wrap(memerr.CodeUnavailable, "record store unavailable", err)
		}
		return memerr.Wrap(memerr.CodeInternal, "state restore failed", err)
	}

	repaired := true
	if e.embedder != nil {
		if embedding, err := e.embedder.Embed(ctx, m.Text); err == nil {
			if err := e.upsertVector(ctx, m, embedding); err != nil {
				e.logger.Warn().Err(err).Str("memoryID", m.ID).Msg("vector restore failed")
				repaired = false
			}
		} else {
			repaired = false
		}
	}
	if err := e.mergeGraph(ctx, m, ""); err != nil {
		e.logger.Warn().Err(err).Str("memoryID", m.ID).Msg("graph restore failed")
		repaired = false
	}
	if !repaired {
		e.markRepairPending(ctx, m)
	}

	e.publish(ctx, Event{
		Type:      EventMemoryUpdated,
		MemoryID:  m.ID,
		SessionID: m.SessionID,
		AgentID:   m.AgentID,
		UserID:    m.UserID,
		Timestamp: e.now().UTC(),
		Data:      map[string]any{"restored": true},
	})
	return nil
}

// ListUndoable returns the requester's live undo entries via the audit
// trail, newest first.
func (e *Engine) ListUndoable(ctx context.Context, req Requester, limit int) ([]*journal.AuditEntry, error) {
	if e.journal == nil {
		return nil, memerr.New(memerr.CodeUnavailable, "undo journal is not configured")
	}
	return e.journal.ListAudit(ctx, journal.AuditFilter{AgentID: req.AgentID}, limit)
}
