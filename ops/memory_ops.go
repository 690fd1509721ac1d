package ops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

type addMemoryArgs struct {
	Text          string         `json:"text"`
	Type          string         `json:"type,omitempty"`
	Concept       string         `json:"concept,omitempty"`
	Narrative     string         `json:"narrative,omitempty"`
	BeforeState   string         `json:"before_state,omitempty"`
	AfterState    string         `json:"after_state,omitempty"`
	Files         []string       `json:"files,omitempty"`
	Facts         []string       `json:"facts,omitempty"`
	LanguageCode  string         `json:"language_code,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	SharePolicy   string         `json:"share_policy,omitempty"`
	AllowedAgents []string       `json:"allowed_agents,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SkipDedup     bool           `json:"skip_dedup,omitempty"`
}

func (a addMemoryArgs) toInput(req memory.Requester) memory.AddInput {
	return memory.AddInput{
		Text:          a.Text,
		UserID:        req.UserID,
		AgentID:       req.AgentID,
		Type:          memory.Type(a.Type),
		Concept:       memory.Concept(a.Concept),
		Narrative:     a.Narrative,
		BeforeState:   a.BeforeState,
		AfterState:    a.AfterState,
		Files:         a.Files,
		Facts:         a.Facts,
		LanguageCode:  a.LanguageCode,
		SessionID:     a.SessionID,
		SharePolicy:   memory.SharePolicy(a.SharePolicy),
		AllowedAgents: a.AllowedAgents,
		ExpiresAt:     a.ExpiresAt,
		Metadata:      a.Metadata,
		SkipDedup:     a.SkipDedup,
	}
}

func (s *Service) registerMemoryOps() {
	s.registry.Register("add_memory", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[addMemoryArgs](args)
		if err != nil {
			return nil, err
		}
		return s.engine.AddMemory(ctx, a.toInput(req))
	})

	// add_observation is add_memory with the classification fixed by the
	// caller; both type and concept are required.
	s.registry.Register("add_observation", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[addMemoryArgs](args)
		if err != nil {
			return nil, err
		}
		if a.Type == "" || a.Concept == "" {
			return nil, memerr.New(memerr.CodeInvalidInput, "observations require type and concept")
		}
		return s.engine.AddMemory(ctx, a.toInput(req))
	})

	s.registry.Register("get_memory", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			ID string `json:"id"`
		}](args)
		if err != nil {
			return nil, err
		}
		m, reason, err := s.engine.GetMemory(ctx, req, a.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"memory": m, "access_reason": reason}, nil
	})

	s.registry.Register("update_memory", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			ID          string         `json:"id"`
			Text        *string        `json:"text,omitempty"`
			Type        *string        `json:"type,omitempty"`
			Concept     *string        `json:"concept,omitempty"`
			Narrative   *string        `json:"narrative,omitempty"`
			BeforeState *string        `json:"before_state,omitempty"`
			AfterState  *string        `json:"after_state,omitempty"`
			Files       []string       `json:"files,omitempty"`
			Facts       []string       `json:"facts,omitempty"`
			ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
			ClearExpiry bool           `json:"clear_expiry,omitempty"`
			Metadata    map[string]any `json:"metadata,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		in := memory.UpdateInput{
			ID:          a.ID,
			Text:        a.Text,
			Narrative:   a.Narrative,
			BeforeState: a.BeforeState,
			AfterState:  a.AfterState,
			Files:       a.Files,
			Facts:       a.Facts,
			ExpiresAt:   a.ExpiresAt,
			ClearExpiry: a.ClearExpiry,
			Metadata:    a.Metadata,
		}
		if a.Type != nil {
			t := memory.Type(*a.Type)
			in.Type = &t
		}
		if a.Concept != nil {
			c := memory.Concept(*a.Concept)
			in.Concept = &c
		}
		return s.engine.UpdateMemory(ctx, req, in)
	})

	s.registry.Register("delete_memory", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			ID string `json:"id"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.engine.DeleteMemory(ctx, req, a.ID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": a.ID}, nil
	})

	s.registry.Register("list_memories", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Filter filterArgs `json:"filter"`
			Limit  int        `json:"limit,omitempty"`
			Cursor string     `json:"cursor,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.ListMemories(ctx, req, memory.ListInput{
			Filter: a.Filter.toFilter(),
			Limit:  a.Limit,
			Cursor: a.Cursor,
		})
	})

	s.registry.Register("get_memory_batch", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			IDs []string `json:"ids"`
		}](args)
		if err != nil {
			return nil, err
		}
		return s.engine.GetMemoryBatch(ctx, req, a.IDs)
	})
}
