package ops

import (
	"context"
	"encoding/json"

	"github.com/memhive/memoryd/memory"
)

func (s *Service) registerSessionOps() {
	s.registry.Register("start_session", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Metadata map[string]any `json:"metadata,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.StartSession(ctx, req, a.Metadata)
	})

	s.registry.Register("end_session", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			SessionID string `json:"session_id"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.EndSession(ctx, req, a.SessionID)
	})

	s.registry.Register("get_session_context", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			SessionID string `json:"session_id"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.GetSessionContext(ctx, req, a.SessionID)
	})

	s.registry.Register("list_recent_sessions", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			ActiveOnly bool `json:"active_only,omitempty"`
			Limit      int  `json:"limit,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.ListRecentSessions(ctx, req, a.ActiveOnly, a.Limit)
	})
}
