package ops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

func (s *Service) requireRunner() error {
	if s.runner == nil {
		return memerr.New(memerr.CodeUnavailable, "lifecycle workers are not running")
	}
	return nil
}

func (s *Service) registerLifecycleOps() {
	s.registry.Register("set_memory_ttl", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			ID        string     `json:"id"`
			ExpiresAt *time.Time `json:"expires_at,omitempty"`
			Clear     bool       `json:"clear,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if a.ExpiresAt == nil && !a.Clear {
			return nil, memerr.New(memerr.CodeInvalidInput, "expires_at or clear is required")
		}
		return s.engine.UpdateMemory(ctx, req, memory.UpdateInput{
			ID:          a.ID,
			ExpiresAt:   a.ExpiresAt,
			ClearExpiry: a.Clear,
		})
	})

	s.registry.Register("expire_memories", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			DryRun bool `json:"dry_run,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireRunner(); err != nil {
			return nil, err
		}
		return s.runner.Trigger(ctx, "expiry", a.DryRun)
	})

	s.registry.Register("archive_category", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Category string `json:"category"`
		}](args)
		if err != nil {
			return nil, err
		}
		if a.Category == "" {
			return nil, memerr.New(memerr.CodeInvalidInput, "category is required")
		}
		return s.forEachOwned(ctx, req, memory.Filter{Category: a.Category}, func(m *memory.Memory) error {
			return s.engine.ArchiveMemory(ctx, req, m.ID)
		})
	})

	s.registry.Register("check_duplicate", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Text string `json:"text"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.CheckDuplicate(ctx, req, a.Text)
	})

	s.registry.Register("auto_deduplicate", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			DryRun bool `json:"dry_run,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireRunner(); err != nil {
			return nil, err
		}
		return s.runner.Trigger(ctx, "dedup", a.DryRun)
	})

	s.registry.Register("summarize_old_memories", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			DryRun bool `json:"dry_run,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireRunner(); err != nil {
			return nil, err
		}
		return s.runner.Trigger(ctx, "summarize", a.DryRun)
	})

	s.registry.Register("summarize_category", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Category string `json:"category"`
		}](args)
		if err != nil {
			return nil, err
		}
		if a.Category == "" {
			return nil, memerr.New(memerr.CodeInvalidInput, "category is required")
		}
		return s.forEachOwned(ctx, req, memory.Filter{Category: a.Category}, func(m *memory.Memory) error {
			_, err := s.engine.SummarizeMemory(ctx, req, m.ID)
			return err
		})
	})

	s.registry.Register("undo", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			UndoID string `json:"undo_id"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.Undo(ctx, req, a.UndoID)
	})

	s.registry.Register("list_undoable", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Limit int `json:"limit,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.ListUndoable(ctx, req, a.Limit)
	})

	s.registry.Register("list_audit", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			OperationType string     `json:"operation_type,omitempty"`
			MemoryID      string     `json:"memory_id,omitempty"`
			Status        string     `json:"status,omitempty"`
			Since         *time.Time `json:"since,omitempty"`
			Limit         int        `json:"limit,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		j := s.engine.Journal()
		if j == nil {
			return nil, memerr.New(memerr.CodeUnavailable, "journal is not configured")
		}
		return j.ListAudit(ctx, journal.AuditFilter{
			AgentID:       req.AgentID,
			OperationType: a.OperationType,
			MemoryID:      a.MemoryID,
			Status:        a.Status,
			Since:         a.Since,
		}, a.Limit)
	})
}

// forEachOwned applies op to every memory the requester owns under the
// filter, reporting per-id outcomes rather than failing wholesale.
func (s *Service) forEachOwned(ctx context.Context, req memory.Requester, f memory.Filter, op func(*memory.Memory) error) (map[string]any, error) {
	f.UserID = req.UserID
	f.AgentID = req.AgentID

	applied := 0
	failed := map[string]string{}
	cursor := ""
	for {
		page, err := s.engine.Records().Query(ctx, f, memory.OrderCreatedDesc, 200, cursor)
		if err != nil {
			return nil, err
		}
		for _, m := range page.Memories {
			if err := op(m); err != nil {
				failed[m.ID] = err.Error()
				continue
			}
			applied++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	out := map[string]any{"applied": applied}
	if len(failed) > 0 {
		out["failed"] = failed
	}
	return out, nil
}
