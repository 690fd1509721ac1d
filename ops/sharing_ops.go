package ops

import (
	"context"
	"encoding/json"

	"github.com/memhive/memoryd/memory"
)

func (s *Service) registerSharingOps() {
	s.registry.Register("set_memory_sharing", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			ID            string   `json:"id"`
			SharePolicy   string   `json:"share_policy"`
			AllowedAgents []string `json:"allowed_agents,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.SetMemorySharing(ctx, req, a.ID, memory.SharePolicy(a.SharePolicy), a.AllowedAgents)
	})

	s.registry.Register("check_memory_access", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			ID string `json:"id"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.CheckMemoryAccess(ctx, req, a.ID)
	})

	s.registry.Register("get_shared_memories", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			FromAgent string `json:"from_agent,omitempty"`
			Limit     int    `json:"limit,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.GetSharedMemories(ctx, req, a.FromAgent, a.Limit)
	})

	s.registry.Register("create_shared_space", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Name    string   `json:"name"`
			Members []string `json:"members,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.CreateSharedSpace(ctx, req, a.Name, a.Members)
	})

	s.registry.Register("update_space_members", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			SpaceID string   `json:"space_id"`
			Members []string `json:"members"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.UpdateSpaceMembers(ctx, req, a.SpaceID, a.Members)
	})

	s.registry.Register("list_shared_spaces", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		return s.engine.ListSharedSpaces(ctx, req)
	})

	s.registry.Register("assign_to_space", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			MemoryID string `json:"memory_id"`
			SpaceID  string `json:"space_id"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.AssignToSpace(ctx, req, a.MemoryID, a.SpaceID)
	})
}
