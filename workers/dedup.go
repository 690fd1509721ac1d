package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// dedupNeighborK bounds how many vector neighbors are examined per memory.
const dedupNeighborK = 10

// Dedup sweeps each (user, agent) pair for near-duplicate memories. A
// candidate pair merges when the vector index scores it at or above the
// engine's dedup threshold, or when the normalized texts are identical.
// The older member of each group survives. Memories from different
// sessions never merge unless both carry share_policy=shared.
type Dedup struct {
	engine *memory.Engine
	leases memory.LeaseManager
	logger zerolog.Logger
}

// NewDedup builds the dedup worker.
func NewDedup(engine *memory.Engine, leases memory.LeaseManager, logger zerolog.Logger) *Dedup {
	return &Dedup{
		engine: engine,
		leases: leases,
		logger: logger.With().Str("component", "dedup_worker").Logger(),
	}
}

func (d *Dedup) Kind() string { return "dedup" }

func (d *Dedup) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{Worker: d.Kind(), StartedAt: time.Now(), DryRun: dryRun}
	defer func() { report.FinishedAt = time.Now() }()

	users, err := d.engine.Records().ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		// One user at a time across the fleet.
		lease, err := d.leases.Acquire(ctx, "worker:dedup:"+userID, 5*time.Minute)
		if err != nil {
			if errors.Is(err, memory.ErrLeaseHeld) {
				continue
			}
			return report, err
		}
		d.sweepUser(ctx, userID, dryRun, report)
		_ = lease.Release(context.WithoutCancel(ctx))
	}
	return report, nil
}

func (d *Dedup) sweepUser(ctx context.Context, userID string, dryRun bool, report *Report) {
	all, ok := d.collect(ctx, userID, report)
	if !ok {
		return
	}

	byID := make(map[string]*memory.Memory, len(all))
	for _, m := range all {
		byID[m.ID] = m
	}
	claimed := make(map[string]bool)

	// Pass 1: vector-confirmed near-duplicates. all is oldest first, so
	// the first unclaimed member of a cluster is its survivor.
	for _, survivor := range all {
		if claimed[survivor.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return
		}
		hits, err := d.engine.Vectors().Nearby(ctx, survivor.ID, dedupNeighborK)
		if err != nil {
			// Vectorless or repair-pending memories fall through to the
			// exact-text pass.
			continue
		}
		var dupIDs []string
		for _, hit := range hits {
			other, present := byID[hit.ID]
			if !present || claimed[other.ID] || other.ID == survivor.ID {
				continue
			}
			if hit.Score < d.engine.Config().DedupThreshold {
				continue
			}
			if other.AgentID != survivor.AgentID || !sameMergeScope(survivor, other) {
				continue
			}
			dupIDs = append(dupIDs, other.ID)
		}
		if len(dupIDs) == 0 {
			continue
		}
		claimed[survivor.ID] = true
		for _, id := range dupIDs {
			claimed[id] = true
		}
		d.merge(ctx, survivor, dupIDs, "similarity", dryRun, report)
	}

	// Pass 2: exact normalized-text fallback for whatever pass 1 left.
	groups := make(map[string][]*memory.Memory)
	for _, m := range all {
		if claimed[m.ID] {
			continue
		}
		key := m.AgentID + "\x00" + memory.NormalizeText(m.Text)
		groups[key] = append(groups[key], m)
	}
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		survivor := group[0]
		var dupIDs []string
		for _, m := range group[1:] {
			if sameMergeScope(survivor, m) {
				dupIDs = append(dupIDs, m.ID)
			}
		}
		if len(dupIDs) == 0 {
			continue
		}
		d.merge(ctx, survivor, dupIDs, "exact text", dryRun, report)
	}
}

// collect pages through the user's memories and returns them oldest first.
func (d *Dedup) collect(ctx context.Context, userID string, report *Report) ([]*memory.Memory, bool) {
	var all []*memory.Memory
	cursor := ""
	for {
		page, err := d.engine.Records().Query(ctx, memory.Filter{UserID: userID}, memory.OrderCreatedDesc, 500, cursor)
		if err != nil {
			d.logger.Warn().Err(err).Str("userID", userID).Msg("dedup scan failed")
			report.Errors++
			return nil, false
		}
		all = append(all, page.Memories...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, true
}

// sameMergeScope reports whether two memories may merge under the session
// rule: same session, or both explicitly shared.
func sameMergeScope(a, b *memory.Memory) bool {
	if a.SessionID == b.SessionID {
		return true
	}
	return a.SharePolicy == memory.ShareShared && b.SharePolicy == memory.ShareShared
}

func (d *Dedup) merge(ctx context.Context, survivor *memory.Memory, dupIDs []string, reason string, dryRun bool, report *Report) {
	action := Action{
		Kind:     "merge",
		MemoryID: survivor.ID,
		UserID:   survivor.UserID,
		Detail:   fmt.Sprintf("merge %d %s duplicates into %s", len(dupIDs), reason, survivor.ID),
	}
	if !dryRun {
		req := memory.Requester{UserID: survivor.UserID, AgentID: survivor.AgentID}
		if _, err := d.engine.MergeMemories(ctx, req, survivor.ID, dupIDs); err != nil {
			action.Error = err.Error()
			report.Errors++
		} else {
			action.Applied = true
		}
	}
	report.Actions = append(report.Actions, action)
}

var _ Worker = (*Dedup)(nil)
