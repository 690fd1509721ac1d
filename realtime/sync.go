package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

// SyncResult summarizes one agent state reconciliation.
type SyncResult struct {
	SourceAgent string    `json:"source_agent"`
	TargetAgent string    `json:"target_agent"`
	Examined    int       `json:"examined"`
	Granted     int       `json:"granted"`
	AlreadyOpen int       `json:"already_open"`
	SyncedAt    time.Time `json:"synced_at"`
}

// SyncAgentState grants the target agent read access to the requester's
// memories matching the filter. It copies references through the sharing
// layer, never contents, and runs once rather than continuously.
func (c *Coordinator) SyncAgentState(ctx context.Context, req memory.Requester, targetAgent string, f memory.Filter) (*SyncResult, error) {
	if targetAgent == "" {
		return nil, memerr.New(memerr.CodeInvalidInput, "target_agent is required")
	}
	if targetAgent == req.AgentID {
		return nil, memerr.New(memerr.CodeInvalidInput, "cannot sync an agent to itself")
	}
	res := &SyncResult{SourceAgent: req.AgentID, TargetAgent: targetAgent, SyncedAt: time.Now().UTC()}

	f.UserID = req.UserID
	f.AgentID = req.AgentID
	cursor := ""
	for {
		page, err := c.engine.Records().Query(ctx, f, memory.OrderCreatedDesc, 200, cursor)
		if err != nil {
			return nil, fmt.Errorf("sync scan: %w", err)
		}
		for _, m := range page.Memories {
			res.Examined++
			policy, agents, changed := grantFor(m, targetAgent)
			if !changed {
				res.AlreadyOpen++
				continue
			}
			if _, err := c.engine.SetMemorySharing(ctx, req, m.ID, policy, agents); err != nil {
				return res, fmt.Errorf("grant %s to %s: %w", m.ID, targetAgent, err)
			}
			res.Granted++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	c.logger.Info().
		Str("source", req.AgentID).
		Str("target", targetAgent).
		Int("examined", res.Examined).
		Int("granted", res.Granted).
		Msg("agent state synced")
	return res, nil
}

// grantFor widens a memory's policy just enough for target to read it.
// Already-shared policies are left alone.
func grantFor(m *memory.Memory, target string) (memory.SharePolicy, []string, bool) {
	switch m.SharePolicy {
	case memory.ShareShared, memory.ShareCategoryShared:
		return m.SharePolicy, nil, false
	case memory.ShareCustom:
		if lo.Contains(m.AllowedAgents, target) {
			return m.SharePolicy, nil, false
		}
		return memory.ShareCustom, append(append([]string(nil), m.AllowedAgents...), target), true
	default:
		return memory.ShareCustom, []string{target}, true
	}
}
