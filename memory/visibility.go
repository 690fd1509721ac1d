package memory

import (
	"context"
	"time"
)

// AccessReason explains why a visibility check passed or failed.
type AccessReason string

const (
	ReasonOwner    AccessReason = "owner"
	ReasonShared   AccessReason = "shared"
	ReasonCategory AccessReason = "category"
	ReasonCustom   AccessReason = "custom"
	ReasonSpace    AccessReason = "space"
	ReasonDenied   AccessReason = "denied"
)

// visibleTo evaluates the sharing rules for a requester against a memory.
// Space membership is resolved lazily through the record store so that
// removing an agent from a space revokes access on the next check.
func (e *Engine) visibleTo(ctx context.Context, m *Memory, req Requester) (bool, AccessReason) {
	if m.UserID != req.UserID {
		return false, ReasonDenied
	}
	if m.AgentID == req.AgentID {
		return true, ReasonOwner
	}
	switch m.SharePolicy {
	case ShareShared:
		return true, ReasonShared
	case ShareCategoryShared:
		if m.Category() != "" && e.agentSharesCategory(ctx, req, m.Category()) {
			return true, ReasonCategory
		}
	case ShareCustom:
		for _, a := range m.AllowedAgents {
			if a == req.AgentID {
				return true, ReasonCustom
			}
		}
	}
	if e.agentSharesSpace(ctx, m, req) {
		return true, ReasonSpace
	}
	return false, ReasonDenied
}

// agentSharesCategory reports whether the requester has any memory of its
// own in the category. Category is an opaque string key.
func (e *Engine) agentSharesCategory(ctx context.Context, req Requester, category string) bool {
	n, err := e.records.Count(ctx, Filter{
		UserID:   req.UserID,
		AgentID:  req.AgentID,
		Category: category,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("category", category).Msg("category visibility check failed")
		return false
	}
	return n > 0
}

// agentSharesSpace reports whether the memory is tagged to a space that
// both the owner and the requester belong to.
func (e *Engine) agentSharesSpace(ctx context.Context, m *Memory, req Requester) bool {
	spaceID, _ := m.Metadata[MetaSpaceID].(string)
	if spaceID == "" {
		return false
	}
	sp, err := e.records.GetSpace(ctx, spaceID)
	if err != nil {
		return false
	}
	return sp.HasMember(m.AgentID) && sp.HasMember(req.AgentID)
}

// readable reports whether a memory may appear in a non-administrative read
// for the requester: visible, not expired, not archived, not repair-pending.
func (e *Engine) readable(ctx context.Context, m *Memory, req Requester, now time.Time) bool {
	if m.Expired(now) || m.ArchivedAt != nil || m.RepairPending() {
		return false
	}
	ok, _ := e.visibleTo(ctx, m, req)
	return ok
}
