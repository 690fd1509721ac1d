package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Expiry enforces per-memory expiries. Under the "archive" policy an
// expired memory is archived first, then permanently removed after a grace
// period; under "delete" it goes directly. Removal still leaves the undo
// window open. A memory's expiry_policy metadata overrides the default.
type Expiry struct {
	engine *memory.Engine
	grace  time.Duration
	policy string
	logger zerolog.Logger
}

// NewExpiry builds the expiry worker with the archive-to-delete grace and
// the default policy applied to memories without an override.
func NewExpiry(engine *memory.Engine, grace time.Duration, policy string, logger zerolog.Logger) *Expiry {
	if grace <= 0 {
		grace = 30 * 24 * time.Hour
	}
	if policy != "delete" {
		policy = "archive"
	}
	return &Expiry{
		engine: engine,
		grace:  grace,
		policy: policy,
		logger: logger.With().Str("component", "expiry_worker").Logger(),
	}
}

func (e *Expiry) Kind() string { return "expiry" }

func (e *Expiry) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{Worker: e.Kind(), StartedAt: time.Now(), DryRun: dryRun}
	defer func() { report.FinishedAt = time.Now() }()

	now := time.Now()
	cursor := ""
	for {
		page, err := e.engine.Records().Query(ctx, memory.Filter{
			IncludeExpired:  true,
			IncludeArchived: true,
			IncludePending:  true,
		}, memory.OrderCreatedDesc, 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("expiry scan: %w", err)
		}
		for _, m := range page.Memories {
			if !m.Expired(now) {
				continue
			}
			req := memory.Requester{UserID: m.UserID, AgentID: m.AgentID}
			policy := m.ExpiryPolicy()
			if policy == "" {
				policy = e.policy
			}
			switch {
			case policy == "delete" && m.ArchivedAt == nil:
				action := Action{Kind: "delete", MemoryID: m.ID, UserID: m.UserID, Detail: "delete policy"}
				if !dryRun {
					if err := e.engine.ExpireMemory(ctx, req, m.ID); err != nil {
						action.Error = err.Error()
						report.Errors++
					} else {
						action.Applied = true
					}
				}
				report.Actions = append(report.Actions, action)
			case m.ArchivedAt == nil:
				action := Action{Kind: "archive", MemoryID: m.ID, UserID: m.UserID}
				if !dryRun {
					if err := e.engine.ArchiveMemory(ctx, req, m.ID); err != nil {
						action.Error = err.Error()
						report.Errors++
					} else {
						action.Applied = true
					}
				}
				report.Actions = append(report.Actions, action)
			case now.Sub(*m.ArchivedAt) >= e.grace:
				action := Action{Kind: "delete", MemoryID: m.ID, UserID: m.UserID,
					Detail: fmt.Sprintf("archived %s ago", now.Sub(*m.ArchivedAt).Round(time.Hour))}
				if !dryRun {
					if err := e.engine.ExpireMemory(ctx, req, m.ID); err != nil {
						action.Error = err.Error()
						report.Errors++
					} else {
						action.Applied = true
					}
				}
				report.Actions = append(report.Actions, action)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return report, nil
}

var _ Worker = (*Expiry)(nil)
