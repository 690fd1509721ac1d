package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/memerr"
)

// SetMemorySharing changes a memory's share policy. Only the owner may
// change sharing; the old state is journaled for undo.
func (e *Engine) SetMemorySharing(ctx context.Context, req Requester, id string, policy SharePolicy, allowedAgents []string) (*Memory, error) {
	switch policy {
	case SharePrivate, ShareShared, ShareCategoryShared:
		if len(allowedAgents) > 0 {
			return nil, memerr.New(memerr.CodeInvalidInput, "allowed_agents requires custom share policy")
		}
	case ShareCustom:
		if len(allowedAgents) == 0 {
			return nil, memerr.New(memerr.CodeInvalidInput, "custom share policy requires allowed_agents")
		}
	default:
		return nil, memerr.Newf(memerr.CodeInvalidInput, "unknown share policy %q", policy)
	}

	lease, err := e.acquireMemoryLease(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	m, err := e.getOwned(ctx, req, id)
	if err != nil {
		return nil, err
	}
	original := e.snapshot(m)

	updated := m.Clone()
	updated.SharePolicy = policy
	updated.AllowedAgents = append([]string(nil), allowedAgents...)
	updated.UpdatedAt = e.now().UTC()

	if err := e.updateRecord(ctx, updated); err != nil {
		return nil, err
	}
	if e.journal != nil {
		if _, err := e.journal.RecordUndo(ctx, journal.UndoEntry{
			OperationType: "set_memory_sharing",
			AgentID:       req.AgentID,
			OriginalState: original,
			NewState:      e.snapshot(updated),
			MemoryID:      updated.ID,
		}); err != nil {
			e.logger.Warn().Err(err).Str("memoryID", id).Msg("undo record failed")
		}
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "set_memory_sharing",
		AgentID:       req.AgentID,
		Status:        journal.StatusSuccess,
		MemoryID:      id,
		Details:       map[string]any{"policy": string(policy)},
	})
	e.publish(ctx, Event{
		Type:      EventMemoryUpdated,
		MemoryID:  updated.ID,
		AgentID:   updated.AgentID,
		UserID:    updated.UserID,
		Timestamp: updated.UpdatedAt,
		Data:      map[string]any{"share_policy": string(policy)},
	})
	return updated, nil
}

// AccessDecision is the result of an explicit access probe.
type AccessDecision struct {
	Allowed bool         `json:"allowed"`
	Reason  AccessReason `json:"reason"`
}

// CheckMemoryAccess evaluates visibility without reading the memory body.
// Missing memories still return not_found so callers cannot probe existence
// of other tenants' data through the reason code.
func (e *Engine) CheckMemoryAccess(ctx context.Context, req Requester, id string) (*AccessDecision, error) {
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	m, err := e.records.Get(rctx, id)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if m.UserID != req.UserID {
		return nil, memerr.New(memerr.CodeNotFound, "no such memory")
	}
	ok, reason := e.visibleTo(ctx, m, req)
	return &AccessDecision{Allowed: ok, Reason: reason}, nil
}

// GetSharedMemories lists memories other agents of the same user have made
// visible to the requester. FromAgent narrows to one producing agent.
func (e *Engine) GetSharedMemories(ctx context.Context, req Requester, fromAgent string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	f := Filter{UserID: req.UserID}
	if fromAgent != "" {
		f.AgentID = fromAgent
	}

	var out []*Memory
	cursor := ""
	now := e.now()
	for len(out) < limit {
		rctx, cancel := e.recordCtx(ctx)
		page, err := e.records.Query(rctx, f, OrderCreatedDesc, 200, cursor)
		cancel()
		if err != nil {
			return nil, notFoundOr(err)
		}
		for _, m := range page.Memories {
			if m.AgentID == req.AgentID {
				continue
			}
			if !e.readable(ctx, m, req, now) {
				continue
			}
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// CreateSharedSpace registers a named agent group. The creating agent is
// always a member.
func (e *Engine) CreateSharedSpace(ctx context.Context, req Requester, name string, members []string) (*SharedSpace, error) {
	if name == "" {
		return nil, memerr.New(memerr.CodeInvalidInput, "space name is required")
	}
	sp := &SharedSpace{
		ID:        uuid.NewString(),
		Name:      name,
		Members:   lo.Uniq(append([]string{req.AgentID}, members...)),
		CreatedAt: e.now().UTC(),
	}
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	if err := e.records.PutSpace(rctx, sp); err != nil {
		return nil, memerr.Wrap(memerr.CodeInternal, "space create failed", err)
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "create_shared_space",
		AgentID:       req.AgentID,
		Status:        journal.StatusSuccess,
		Details:       map[string]any{"space_id": sp.ID, "members": len(sp.Members)},
	})
	return sp, nil
}

// UpdateSpaceMembers replaces a space's member list. Only current members
// may change membership. Visibility through the space follows the new list
// on the next access check.
func (e *Engine) UpdateSpaceMembers(ctx context.Context, req Requester, spaceID string, members []string) (*SharedSpace, error) {
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	sp, err := e.records.GetSpace(rctx, spaceID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if !sp.HasMember(req.AgentID) {
		return nil, memerr.New(memerr.CodeAccessDenied, "only space members may change membership")
	}
	if len(members) == 0 {
		return nil, memerr.New(memerr.CodeInvalidInput, "a space needs at least one member")
	}
	sp.Members = lo.Uniq(members)
	if err := e.records.UpdateSpace(rctx, sp); err != nil {
		return nil, memerr.Wrap(memerr.CodeInternal, "space update failed", err)
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "update_space_members",
		AgentID:       req.AgentID,
		Status:        journal.StatusSuccess,
		Details:       map[string]any{"space_id": spaceID, "members": len(sp.Members)},
	})
	return sp, nil
}

// ListSharedSpaces returns the spaces the requester belongs to.
func (e *Engine) ListSharedSpaces(ctx context.Context, req Requester) ([]*SharedSpace, error) {
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	sps, err := e.records.ListSpaces(rctx, req.AgentID)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeInternal, "space listing failed", err)
	}
	return sps, nil
}

// AssignToSpace tags a memory to a shared space. The requester must own the
// memory and belong to the space.
func (e *Engine) AssignToSpace(ctx context.Context, req Requester, memoryID, spaceID string) (*Memory, error) {
	rctx, cancel := e.recordCtx(ctx)
	sp, err := e.records.GetSpace(rctx, spaceID)
	cancel()
	if err != nil {
		return nil, notFoundOr(err)
	}
	if !sp.HasMember(req.AgentID) {
		return nil, memerr.New(memerr.CodeAccessDenied, "requester is not a space member")
	}
	return e.UpdateMemory(ctx, req, UpdateInput{
		ID:       memoryID,
		Metadata: map[string]any{MetaSpaceID: spaceID},
	})
}
