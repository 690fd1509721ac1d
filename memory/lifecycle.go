package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/memerr"
)

// RepairMemory re-derives a memory's vector and graph entries and clears
// the repair_pending flag. Idempotent: repairing a healthy memory is a
// no-op rewrite.
func (e *Engine) RepairMemory(ctx context.Context, id string) error {
	lease, err := e.acquireMemoryLease(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	rctx, cancel := e.recordCtx(ctx)
	m, err := e.records.Get(rctx, id)
	cancel()
	if err != nil {
		return notFoundOr(err)
	}

	if e.embedder != nil {
		embedding, err := e.embedder.Embed(ctx, m.Text)
		if err != nil {
			return memerr.Wrap(memerr.CodeUnavailable, "repair embedding failed", err)
		}
		if err := e.upsertVector(ctx, m, embedding); err != nil {
			return memerr.Wrap(memerr.CodeUnavailable, "repair vector upsert failed", err)
		}
	}
	if err := e.mergeGraph(ctx, m, ""); err != nil {
		return memerr.Wrap(memerr.CodeUnavailable, "repair graph merge failed", err)
	}

	if m.RepairPending() {
		delete(m.Metadata, MetaRepairPending)
		m.UpdatedAt = e.now().UTC()
		if err := e.updateRecord(ctx, m); err != nil {
			return err
		}
	}
	e.logger.Info().Str("memoryID", id).Msg("memory repaired")
	return nil
}

// MergeMemories collapses duplicates into a survivor as one composite
// operation: every step shares an operation chain id so undo restores the
// duplicates and the survivor's prior state together.
func (e *Engine) MergeMemories(ctx context.Context, req Requester, survivorID string, duplicateIDs []string) (string, error) {
	if len(duplicateIDs) == 0 {
		return "", memerr.New(memerr.CodeInvalidInput, "no duplicates to merge")
	}
	lease, err := e.acquireMemoryLease(ctx, survivorID)
	if err != nil {
		return "", err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	survivor, err := e.getOwned(ctx, req, survivorID)
	if err != nil {
		return "", err
	}
	chainID := uuid.NewString()
	original := e.snapshot(survivor)

	merged := survivor.Clone()
	if merged.Metadata == nil {
		merged.Metadata = make(map[string]any)
	}
	mentions := merged.MentionCount()

	for _, dupID := range duplicateIDs {
		if dupID == survivorID {
			continue
		}
		dup, err := e.getOwned(ctx, req, dupID)
		if err != nil {
			if memerr.IsNotFound(err) {
				continue
			}
			return "", err
		}
		mentions += dup.MentionCount()
		merged.Files = unionOrdered(merged.Files, dup.Files)
		merged.Facts = unionOrdered(merged.Facts, dup.Facts)

		// Relations the duplicate held move to the survivor before the
		// duplicate's node is removed.
		gctx, gcancel := e.graphCtx(ctx)
		if err := e.graph.MoveEdges(gctx, dup.ID, survivorID); err != nil {
			e.logger.Warn().Err(err).Str("from", dup.ID).Str("to", survivorID).Msg("edge move failed during merge")
		}
		gcancel()

		if err := e.deleteCommitted(ctx, req, dup, "merge_memory", chainID, e.now()); err != nil {
			return "", err
		}
	}

	merged.Metadata[MetaMentionCount] = mentions
	merged.UpdatedAt = e.now().UTC()
	if err := e.updateRecord(ctx, merged); err != nil {
		return "", err
	}
	if e.journal != nil {
		if _, err := e.journal.RecordUndo(ctx, journal.UndoEntry{
			OperationType:    "update_memory",
			AgentID:          req.AgentID,
			OriginalState:    original,
			NewState:         e.snapshot(merged),
			MemoryID:         survivorID,
			OperationChainID: chainID,
		}); err != nil {
			e.logger.Warn().Err(err).Str("memoryID", survivorID).Msg("undo record failed")
		}
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "merge_memories",
		AgentID:       req.AgentID,
		Status:        journal.StatusSuccess,
		MemoryID:      survivorID,
		Details:       map[string]any{"chain_id": chainID, "merged": len(duplicateIDs)},
	})
	return chainID, nil
}

// ArchiveMemory hides an expired memory from reads without destroying it.
func (e *Engine) ArchiveMemory(ctx context.Context, req Requester, id string) error {
	lease, err := e.acquireMemoryLease(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	m, err := e.getOwned(ctx, req, id)
	if err != nil {
		return err
	}
	if m.ArchivedAt != nil {
		return nil
	}
	original := e.snapshot(m)
	now := e.now().UTC()
	m.ArchivedAt = &now
	m.UpdatedAt = now
	if err := e.updateRecord(ctx, m); err != nil {
		return err
	}
	if e.journal != nil {
		if _, err := e.journal.RecordUndo(ctx, journal.UndoEntry{
			OperationType: "archive_memory",
			AgentID:       req.AgentID,
			OriginalState: original,
			NewState:      e.snapshot(m),
			MemoryID:      id,
		}); err != nil {
			e.logger.Warn().Err(err).Str("memoryID", id).Msg("undo record failed")
		}
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "archive_memory",
		AgentID:       req.AgentID,
		Status:        journal.StatusSuccess,
		MemoryID:      id,
	})
	return nil
}

// ExpireMemory permanently removes an expired memory. The full prior state
// stays in the undo log for the retention window.
func (e *Engine) ExpireMemory(ctx context.Context, req Requester, id string) error {
	lease, err := e.acquireMemoryLease(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	m, err := e.getOwned(ctx, req, id)
	if err != nil {
		return err
	}
	if !m.Expired(e.now()) {
		return memerr.New(memerr.CodeConflict, "memory is not expired")
	}
	return e.deleteCommitted(ctx, req, m, "expire_memory", "", e.now())
}

// SummarizeMemory replaces a long memory's text with a condensed version,
// preserving the original under the original_text metadata key so the
// operation is lossless and reversible.
func (e *Engine) SummarizeMemory(ctx context.Context, req Requester, id string) (*Memory, error) {
	lease, err := e.acquireMemoryLease(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	m, err := e.getOwned(ctx, req, id)
	if err != nil {
		return nil, err
	}
	if m.Summarized {
		return m, nil
	}
	original := e.snapshot(m)

	condensed, usage := e.condense(ctx, m.Text)
	if condensed == "" || len(condensed) >= len(m.Text) {
		return m, nil
	}

	updated := m.Clone()
	if updated.Metadata == nil {
		updated.Metadata = make(map[string]any)
	}
	updated.Metadata[MetaOriginalText] = m.Text
	updated.Text = condensed
	updated.Summary = DeriveSummary(condensed)
	updated.CharCount = len(condensed)
	updated.TokenEstimate = TokenEstimateFor(updated.CharCount)
	updated.Summarized = true
	updated.UpdatedAt = e.now().UTC()

	if err := e.updateRecord(ctx, updated); err != nil {
		return nil, err
	}
	if e.embedder != nil {
		if embedding, err := e.embedder.Embed(ctx, updated.Text); err == nil {
			if err := e.upsertVector(ctx, updated, embedding); err != nil {
				e.markRepairPending(ctx, updated)
			}
		} else {
			e.markRepairPending(ctx, updated)
		}
	}
	if e.journal != nil {
		if _, err := e.journal.RecordUndo(ctx, journal.UndoEntry{
			OperationType: "summarize_memory",
			AgentID:       req.AgentID,
			OriginalState: original,
			NewState:      e.snapshot(updated),
			MemoryID:      id,
		}); err != nil {
			e.logger.Warn().Err(err).Str("memoryID", id).Msg("undo record failed")
		}
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "summarize_memory",
		AgentID:       req.AgentID,
		Status:        journal.StatusSuccess,
		MemoryID:      id,
		Details: map[string]any{
			"before_chars":  m.CharCount,
			"after_chars":   updated.CharCount,
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"cost_usd":      usage.CostUSD,
		},
	})
	return updated, nil
}

// DuplicateCheck is the result of probing text against existing memories.
type DuplicateCheck struct {
	ExactMatch *Memory     `json:"exact_match,omitempty"`
	Similar    []SearchHit `json:"similar,omitempty"`
}

// CheckDuplicate probes whether adding text would merge into an existing
// memory: an exact normalized-text match, or near neighbors at or above the
// dedup threshold.
func (e *Engine) CheckDuplicate(ctx context.Context, req Requester, text string) (*DuplicateCheck, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, memerr.New(memerr.CodeInvalidInput, "text is required")
	}
	out := &DuplicateCheck{}

	exact, err := e.findExactDuplicate(ctx, req.UserID, req.AgentID, text)
	if err != nil {
		return nil, err
	}
	out.ExactMatch = exact

	if e.embedder != nil {
		embedding, err := e.embedder.Embed(ctx, text)
		if err != nil {
			return out, nil // exact probe already answered; vector probe is best-effort
		}
		vctx, cancel := e.vectorCtx(ctx)
		refs, err := e.vectors.Search(vctx, embedding, e.cfg.DedupTopK, map[string]any{"user_id": req.UserID})
		cancel()
		if err != nil {
			return out, nil
		}
		for _, ref := range refs {
			if ref.Score < e.cfg.DedupThreshold {
				continue
			}
			rctx, rcancel := e.recordCtx(ctx)
			m, err := e.records.Get(rctx, ref.ID)
			rcancel()
			if err != nil {
				continue
			}
			out.Similar = append(out.Similar, SearchHit{Memory: m, Score: ref.Score, Semantic: ref.Score})
		}
	}
	return out, nil
}

// condense produces the shortened text along with the provider usage that
// produced it: generated when a completer is configured, extractive (lead
// sentences fitting the target length) otherwise or on failure.
func (e *Engine) condense(ctx context.Context, text string) (string, Completion) {
	target := e.cfg.SummarizeTargetChars
	if e.completer != nil {
		out, err := e.completer.Complete(ctx,
			fmt.Sprintf("Condense this note to its essential facts in about %d characters. Keep file paths and identifiers verbatim.", target),
			text, 512)
		if err == nil && strings.TrimSpace(out.Text) != "" {
			return strings.TrimSpace(out.Text), out
		}
		e.logger.Warn().Err(err).Msg("summary generation failed, using extractive fallback")
	}
	sentences := sentenceSplit.Split(text, -1)
	var keep []string
	total := 0
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		keep = append(keep, s)
		total += len(s)
		if total > target {
			break
		}
	}
	return strings.Join(keep, " "), Completion{}
}
