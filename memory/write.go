package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/memerr"
)

// AddInput is the AddMemory request.
type AddInput struct {
	Text    string
	UserID  string
	AgentID string

	Type    Type
	Concept Concept

	Narrative   string
	BeforeState string
	AfterState  string
	Files       []string
	Facts       []string

	LanguageCode       string
	LanguageConfidence float64

	SessionID string

	SharePolicy   SharePolicy
	AllowedAgents []string
	ExpiresAt     *time.Time

	Metadata map[string]any

	// SkipDedup bypasses the dedup probe, not the fingerprint lock.
	SkipDedup bool
}

// AddResult is the AddMemory response.
type AddResult struct {
	Memory *Memory `json:"memory"`
	// Merged is true when the add collapsed into an existing identical
	// memory; Memory then refers to the survivor.
	Merged bool `json:"merged"`
	// SiblingID is set when a near-duplicate was linked in the graph.
	SiblingID string `json:"sibling_id,omitempty"`
}

// AddMemory runs the staged write pipeline. Steps before the record commit
// are side-effect-free; post-commit failures schedule a repair instead of
// failing the call.
func (e *Engine) AddMemory(ctx context.Context, in AddInput) (*AddResult, error) {
	start := e.now()

	if !e.admission.TryAcquire(1) {
		return nil, memerr.New(memerr.CodeUnavailable, "ingest at capacity, retry later")
	}
	defer e.admission.Release(1)

	if err := e.validateAdd(in); err != nil {
		return nil, err
	}

	// Stages 1-4: pure derivation, no side effects.
	text := NormalizeText(in.Text)
	if text == "" {
		return nil, memerr.New(memerr.CodeInvalidInput, "text is empty")
	}

	m := e.buildMemory(in, text)

	// Fingerprint lock serializes concurrent identical adds around the
	// probe and the commit point.
	fp := Fingerprint(in.UserID, in.AgentID, text)
	lease, err := e.acquireFingerprint(ctx, fp)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	if err := ctx.Err(); err != nil {
		return nil, memerr.Wrap(memerr.CodeCancelled, "add cancelled", err)
	}

	// Exact-duplicate check against the record store: a concurrent loser
	// returns the winner's id.
	if existing, err := e.findExactDuplicate(ctx, in.UserID, in.AgentID, text); err == nil && existing != nil {
		merged, err := e.mergeMention(ctx, existing, in)
		if err != nil {
			return nil, err
		}
		e.logger.Info().
			Str("memoryID", merged.ID).
			Int("mentions", merged.MentionCount()).
			Msg("identical add merged into existing memory")
		return &AddResult{Memory: merged, Merged: true}, nil
	}

	// Stage 5: dedup probe through the vector index.
	var siblingID string
	var embedding []float32
	if e.embedder != nil {
		embedding, err = e.embedder.Embed(ctx, text)
		if err != nil {
			e.logger.Warn().Err(err).Msg("embedding failed, storing without vector")
			embedding = nil
		}
	}
	if embedding != nil && !in.SkipDedup && e.cfg.DedupTopK > 0 {
		hit, err := e.dedupProbe(ctx, in.UserID, embedding)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dedup probe failed, continuing as new memory")
		} else if hit != nil {
			if NormalizeText(hit.Text) == text {
				merged, err := e.mergeMention(ctx, hit, in)
				if err != nil {
					return nil, err
				}
				return &AddResult{Memory: merged, Merged: true}, nil
			}
			// High similarity without text equality is not identity:
			// keep both and link them as siblings.
			siblingID = hit.ID
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, memerr.Wrap(memerr.CodeCancelled, "add cancelled", err)
	}

	// Stage 6: the commit point.
	if err := e.putRecord(ctx, m); err != nil {
		return nil, err
	}

	// Stages 7-10: post-commit. Failures mark the memory repair_pending.
	repair := false
	if embedding != nil {
		if err := e.upsertVector(ctx, m, embedding); err != nil {
			e.logger.Warn().Err(err).Str("memoryID", m.ID).Msg("vector upsert failed after commit")
			repair = true
		}
	} else {
		repair = true
	}
	if err := e.mergeGraph(ctx, m, siblingID); err != nil {
		e.logger.Warn().Err(err).Str("memoryID", m.ID).Msg("graph merge failed after commit")
		repair = true
	}

	if repair {
		e.markRepairPending(ctx, m)
	}

	elapsed := e.now().Sub(start)
	e.audit(ctx, journal.AuditEntry{
		OperationType:   "add_memory",
		AgentID:         in.AgentID,
		Status:          auditStatus(repair),
		MemoryID:        m.ID,
		Details:         map[string]any{"user_id": in.UserID, "char_count": m.CharCount, "sibling_id": siblingID},
		ExecutionTimeMs: elapsed.Milliseconds(),
	})
	if e.journal != nil {
		if _, err := e.journal.RecordUndo(ctx, journal.UndoEntry{
			OperationType: "add_memory",
			AgentID:       in.AgentID,
			NewState:      e.snapshot(m),
			MemoryID:      m.ID,
			Status:        journal.UndoCompleted,
		}); err != nil {
			e.logger.Warn().Err(err).Str("memoryID", m.ID).Msg("undo record failed")
		}
	}

	e.publish(ctx, Event{
		Type:      EventMemoryAdded,
		MemoryID:  m.ID,
		SessionID: m.SessionID,
		AgentID:   m.AgentID,
		UserID:    m.UserID,
		Timestamp: m.CreatedAt,
		Data:      map[string]any{"summary": m.Summary, "memory_type": string(m.Type)},
	})

	return &AddResult{Memory: m, SiblingID: siblingID}, nil
}

func (e *Engine) validateAdd(in AddInput) error {
	if in.Text == "" {
		return memerr.New(memerr.CodeInvalidInput, "text is required")
	}
	if len(in.Text) > e.cfg.MaxTextBytes {
		return memerr.Newf(memerr.CodeTooLarge, "text exceeds %d byte cap", e.cfg.MaxTextBytes)
	}
	if in.UserID == "" || in.AgentID == "" {
		return memerr.New(memerr.CodeInvalidInput, "user_id and agent_id are required")
	}
	switch in.SharePolicy {
	case "", SharePrivate, ShareShared, ShareCategoryShared:
		if len(in.AllowedAgents) > 0 {
			return memerr.New(memerr.CodeInvalidInput, "allowed_agents requires custom share policy")
		}
	case ShareCustom:
		if len(in.AllowedAgents) == 0 {
			return memerr.New(memerr.CodeInvalidInput, "custom share policy requires allowed_agents")
		}
	default:
		return memerr.Newf(memerr.CodeInvalidInput, "unknown share policy %q", in.SharePolicy)
	}
	if in.ExpiresAt != nil && in.ExpiresAt.Before(e.now()) {
		return memerr.New(memerr.CodeInvalidInput, "expires_at is in the past")
	}
	return nil
}

// buildMemory derives the full record from validated input. Pure.
func (e *Engine) buildMemory(in AddInput, text string) *Memory {
	now := e.now().UTC()
	m := &Memory{
		ID:            uuid.NewString(),
		UserID:        in.UserID,
		AgentID:       in.AgentID,
		Text:          text,
		Summary:       DeriveSummary(text),
		CharCount:     len(text),
		Type:          in.Type,
		Concept:       in.Concept,
		Narrative:     in.Narrative,
		BeforeState:   in.BeforeState,
		AfterState:    in.AfterState,
		Files:         append([]string(nil), in.Files...),
		Facts:         append([]string(nil), in.Facts...),
		SessionID:     in.SessionID,
		SharePolicy:   in.SharePolicy,
		AllowedAgents: append([]string(nil), in.AllowedAgents...),
		ExpiresAt:     in.ExpiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      make(map[string]any),
	}
	for k, v := range in.Metadata {
		m.Metadata[k] = v
	}
	m.TokenEstimate = TokenEstimateFor(m.CharCount)

	if m.SharePolicy == "" {
		m.SharePolicy = e.cfg.DefaultSharePolicy
	}
	if m.Type == "" {
		m.Type = e.classifier.ClassifyType(text)
	}
	if m.Concept == "" {
		m.Concept = e.classifier.ClassifyConcept(text)
	}
	m.Files = unionOrdered(m.Files, e.classifier.ExtractFiles(text))
	if len(m.Facts) == 0 {
		m.Facts = e.classifier.ExtractFacts(text)
	}

	if in.LanguageCode != "" {
		m.LanguageCode = in.LanguageCode
		m.LanguageConfidence = in.LanguageConfidence
	} else {
		det := DetectLanguage(text)
		m.LanguageCode = det.Code
		m.LanguageConfidence = det.Confidence
	}
	return m
}

// acquireFingerprint takes the short-TTL dedup lock, waiting briefly for a
// concurrent holder before giving up with conflict.
func (e *Engine) acquireFingerprint(ctx context.Context, fp string) (Lease, error) {
	const attempts = 20
	wait := 25 * time.Millisecond
	for i := 0; i < attempts; i++ {
		lease, err := e.leases.Acquire(ctx, "fingerprint:"+fp, e.cfg.FingerprintTTL)
		if err == nil {
			return lease, nil
		}
		if ctx.Err() != nil {
			return nil, memerr.Wrap(memerr.CodeCancelled, "add cancelled", ctx.Err())
		}
		select {
		case <-ctx.Done():
			return nil, memerr.Wrap(memerr.CodeCancelled, "add cancelled", ctx.Err())
		case <-time.After(wait):
		}
	}
	return nil, memerr.New(memerr.CodeConflict, "fingerprint lock contention")
}

func (e *Engine) findExactDuplicate(ctx context.Context, userID, agentID, text string) (*Memory, error) {
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	page, err := e.records.Query(rctx, Filter{
		UserID:       userID,
		AgentID:      agentID,
		TextContains: text,
		// A repair-pending twin still counts as the winner.
		IncludePending: true,
	}, OrderCreatedDesc, 5, "")
	if err != nil {
		return nil, err
	}
	for _, m := range page.Memories {
		if NormalizeText(m.Text) == text {
			return m, nil
		}
	}
	return nil, nil
}

// dedupProbe returns the best same-tenant vector hit at or above the dedup
// threshold, hydrated from the record store.
func (e *Engine) dedupProbe(ctx context.Context, userID string, embedding []float32) (*Memory, error) {
	vctx, cancel := e.vectorCtx(ctx)
	defer cancel()
	refs, err := e.vectors.Search(vctx, embedding, e.cfg.DedupTopK, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 || refs[0].Score < e.cfg.DedupThreshold {
		return nil, nil
	}
	rctx, rcancel := e.recordCtx(ctx)
	defer rcancel()
	m, err := e.records.Get(rctx, refs[0].ID)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// mergeMention folds an identical add into the existing memory: bump the
// mention count and append any new files/facts.
func (e *Engine) mergeMention(ctx context.Context, existing *Memory, in AddInput) (*Memory, error) {
	lease, err := e.acquireMemoryLease(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	m := existing.Clone()
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[MetaMentionCount] = m.MentionCount() + 1
	m.Files = unionOrdered(m.Files, in.Files)
	m.Facts = unionOrdered(m.Facts, in.Facts)
	m.UpdatedAt = e.now().UTC()

	if err := e.updateRecord(ctx, m); err != nil {
		return nil, err
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "add_memory_merge",
		AgentID:       in.AgentID,
		Status:        journal.StatusSuccess,
		MemoryID:      m.ID,
		Details:       map[string]any{"mention_count": m.MentionCount()},
	})
	return m, nil
}

func (e *Engine) putRecord(ctx context.Context, m *Memory) error {
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	err := WithRetry(rctx, e.logger, DefaultRetryPolicy(), "record.put", func() error {
		return e.records.Put(rctx, m)
	})
	if err != nil {
		if IsTransient(err) {
			return memerr.Wrap(memerr.CodeUnavailable, "record store unavailable", err)
		}
		return memerr.Wrap(memerr.CodeInternal, "record write failed", err)
	}
	return nil
}

func (e *Engine) updateRecord(ctx context.Context, m *Memory) error {
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	err := WithRetry(rctx, e.logger, DefaultRetryPolicy(), "record.update", func() error {
		return e.records.Update(rctx, m)
	})
	if err != nil {
		if IsTransient(err) {
			return memerr.Wrap(memerr.CodeUnavailable, "record store unavailable", err)
		}
		return memerr.Wrap(memerr.CodeInternal, "record update failed", err)
	}
	return nil
}

func (e *Engine) upsertVector(ctx context.Context, m *Memory, embedding []float32) error {
	vctx, cancel := e.vectorCtx(ctx)
	defer cancel()
	payload := map[string]any{
		"user_id":     m.UserID,
		"agent_id":    m.AgentID,
		"memory_type": string(m.Type),
		"language":    m.LanguageCode,
	}
	if err := e.vectors.Upsert(vctx, m.ID, embedding, payload); err != nil {
		return err
	}
	m.VectorID = m.ID
	rctx, rcancel := e.recordCtx(ctx)
	defer rcancel()
	return e.records.Update(rctx, m)
}

func (e *Engine) mergeGraph(ctx context.Context, m *Memory, siblingID string) error {
	gctx, cancel := e.graphCtx(ctx)
	defer cancel()

	if err := e.graph.MergeNode(gctx, m.ID, []string{"memory"}, map[string]any{"user_id": m.UserID}); err != nil {
		return err
	}
	if m.SessionID != "" {
		if err := e.graph.MergeNode(gctx, "session:"+m.SessionID, []string{"session"}, nil); err != nil {
			return err
		}
		if err := e.graph.MergeEdge(gctx, m.ID, "session:"+m.SessionID, EdgeInSession, nil); err != nil {
			return err
		}
	}
	for _, f := range m.Files {
		if err := e.graph.MergeNode(gctx, "file:"+f, []string{"file"}, map[string]any{"path": f}); err != nil {
			return err
		}
		if err := e.graph.MergeEdge(gctx, m.ID, "file:"+f, EdgeTouchesFile, nil); err != nil {
			return err
		}
	}
	if siblingID != "" {
		if err := e.graph.MergeEdge(gctx, m.ID, siblingID, EdgeSiblingOf, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) markRepairPending(ctx context.Context, m *Memory) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[MetaRepairPending] = true
	if err := e.updateRecord(ctx, m); err != nil {
		e.logger.Error().Err(err).Str("memoryID", m.ID).Msg("failed to mark repair_pending")
	}
	e.scheduleRepair(m.ID)
}

func auditStatus(partial bool) string {
	if partial {
		return journal.StatusPartial
	}
	return journal.StatusSuccess
}

// unionOrdered appends items from extra not already present, preserving
// first-seen order.
func unionOrdered(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	out := base
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// UpdateInput patches one memory. Nil pointers leave fields untouched.
type UpdateInput struct {
	ID          string
	Text        *string
	Type        *Type
	Concept     *Concept
	Narrative   *string
	BeforeState *string
	AfterState  *string
	Files       []string
	Facts       []string
	ExpiresAt   *time.Time
	ClearExpiry bool
	Metadata    map[string]any
}

// UpdateMemory applies a patch under the per-memory lease. Only the owning
// agent may update.
func (e *Engine) UpdateMemory(ctx context.Context, req Requester, in UpdateInput) (*Memory, error) {
	start := e.now()
	if in.ID == "" {
		return nil, memerr.New(memerr.CodeInvalidInput, "memory id is required")
	}
	lease, err := e.acquireMemoryLease(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	m, err := e.getOwned(ctx, req, in.ID)
	if err != nil {
		return nil, err
	}
	original := e.snapshot(m)
	updated := m.Clone()

	reembed := false
	if in.Text != nil {
		text := NormalizeText(*in.Text)
		if text == "" {
			return nil, memerr.New(memerr.CodeInvalidInput, "text is empty")
		}
		if len(text) > e.cfg.MaxTextBytes {
			return nil, memerr.Newf(memerr.CodeTooLarge, "text exceeds %d byte cap", e.cfg.MaxTextBytes)
		}
		updated.Text = text
		updated.Summary = DeriveSummary(text)
		updated.CharCount = len(text)
		updated.TokenEstimate = TokenEstimateFor(updated.CharCount)
		reembed = true
	}
	if in.Type != nil {
		updated.Type = *in.Type
	}
	if in.Concept != nil {
		updated.Concept = *in.Concept
	}
	if in.Narrative != nil {
		updated.Narrative = *in.Narrative
	}
	if in.BeforeState != nil {
		updated.BeforeState = *in.BeforeState
	}
	if in.AfterState != nil {
		updated.AfterState = *in.AfterState
	}
	if in.Files != nil {
		updated.Files = unionOrdered(updated.Files, in.Files)
	}
	if in.Facts != nil {
		updated.Facts = unionOrdered(updated.Facts, in.Facts)
	}
	if in.ClearExpiry {
		updated.ExpiresAt = nil
	} else if in.ExpiresAt != nil {
		updated.ExpiresAt = in.ExpiresAt
	}
	for k, v := range in.Metadata {
		// original_text is owned by the summarization lifecycle while
		// summarized is set; callers may not clear it.
		if k == MetaOriginalText && v == nil && updated.Summarized {
			return nil, memerr.New(memerr.CodeInvalidInput, "original_text is preserved while summarized")
		}
		if updated.Metadata == nil {
			updated.Metadata = make(map[string]any)
		}
		if v == nil {
			delete(updated.Metadata, k)
			continue
		}
		updated.Metadata[k] = v
	}
	updated.UpdatedAt = e.now().UTC()

	if err := e.updateRecord(ctx, updated); err != nil {
		return nil, err
	}
	if reembed && e.embedder != nil {
		if embedding, err := e.embedder.Embed(ctx, updated.Text); err == nil {
			if err := e.upsertVector(ctx, updated, embedding); err != nil {
				e.logger.Warn().Err(err).Str("memoryID", updated.ID).Msg("vector refresh failed")
				e.markRepairPending(ctx, updated)
			}
		} else {
			e.logger.Warn().Err(err).Str("memoryID", updated.ID).Msg("re-embed failed")
			e.markRepairPending(ctx, updated)
		}
	}

	if e.journal != nil {
		if _, err := e.journal.RecordUndo(ctx, journal.UndoEntry{
			OperationType: "update_memory",
			AgentID:       req.AgentID,
			OriginalState: original,
			NewState:      e.snapshot(updated),
			MemoryID:      updated.ID,
		}); err != nil {
			e.logger.Warn().Err(err).Str("memoryID", updated.ID).Msg("undo record failed")
		}
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType:   "update_memory",
		AgentID:         req.AgentID,
		Status:          journal.StatusSuccess,
		MemoryID:        updated.ID,
		ExecutionTimeMs: e.now().Sub(start).Milliseconds(),
	})
	e.publish(ctx, Event{
		Type:      EventMemoryUpdated,
		MemoryID:  updated.ID,
		SessionID: updated.SessionID,
		AgentID:   updated.AgentID,
		UserID:    updated.UserID,
		Timestamp: updated.UpdatedAt,
	})
	return updated, nil
}

// DeleteMemory removes a memory from every store. The full prior state is
// preserved in the undo log for the retention window.
func (e *Engine) DeleteMemory(ctx context.Context, req Requester, id string) error {
	start := e.now()
	lease, err := e.acquireMemoryLease(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	m, err := e.getOwned(ctx, req, id)
	if err != nil {
		return err
	}
	return e.deleteCommitted(ctx, req, m, "delete_memory", "", start)
}

// deleteCommitted is the shared deletion path used by DeleteMemory, expiry
// execution and dedup merges. chainID groups composite undo entries.
func (e *Engine) deleteCommitted(ctx context.Context, req Requester, m *Memory, op, chainID string, start time.Time) error {
	original := e.snapshot(m)

	rctx, cancel := e.recordCtx(ctx)
	err := WithRetry(rctx, e.logger, DefaultRetryPolicy(), "record.delete", func() error {
		return e.records.Delete(rctx, m.ID)
	})
	cancel()
	if err != nil {
		if IsTransient(err) {
			return memerr.Wrap(memerr.CodeUnavailable, "record store unavailable", err)
		}
		return memerr.Wrap(memerr.CodeInternal, "record delete failed", err)
	}

	vctx, vcancel := e.vectorCtx(ctx)
	if err := e.vectors.Delete(vctx, m.ID); err != nil {
		e.logger.Warn().Err(err).Str("memoryID", m.ID).Msg("vector delete failed")
	}
	vcancel()

	gctx, gcancel := e.graphCtx(ctx)
	if err := e.graph.DeleteNode(gctx, m.ID, true); err != nil {
		e.logger.Warn().Err(err).Str("memoryID", m.ID).Msg("graph delete failed")
	}
	gcancel()

	if e.journal != nil {
		if _, err := e.journal.RecordUndo(ctx, journal.UndoEntry{
			OperationType:    op,
			AgentID:          req.AgentID,
			OriginalState:    original,
			MemoryID:         m.ID,
			OperationChainID: chainID,
		}); err != nil {
			e.logger.Warn().Err(err).Str("memoryID", m.ID).Msg("undo record failed")
		}
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType:   op,
		AgentID:         req.AgentID,
		Status:          journal.StatusSuccess,
		MemoryID:        m.ID,
		ExecutionTimeMs: e.now().Sub(start).Milliseconds(),
	})
	e.publish(ctx, Event{
		Type:      EventMemoryDeleted,
		MemoryID:  m.ID,
		SessionID: m.SessionID,
		AgentID:   m.AgentID,
		UserID:    m.UserID,
		Timestamp: e.now().UTC(),
	})
	return nil
}

// getOwned fetches a memory and requires the requester to be its owner.
func (e *Engine) getOwned(ctx context.Context, req Requester, id string) (*Memory, error) {
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	m, err := e.records.Get(rctx, id)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if m.UserID != req.UserID || m.AgentID != req.AgentID {
		return nil, memerr.New(memerr.CodeAccessDenied, "only the owning agent may modify a memory")
	}
	return m, nil
}

func notFoundOr(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return memerr.Wrap(memerr.CodeUnavailable, "record store unavailable", err)
	}
	if errIsNotFound(err) {
		return memerr.Wrap(memerr.CodeNotFound, "no such memory", err)
	}
	return memerr.Wrap(memerr.CodeInternal, "record read failed", err)
}

func errIsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
