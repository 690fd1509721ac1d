package ops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
	"github.com/memhive/memoryd/realtime"
)

func (s *Service) requireCoordinator() error {
	if s.coord == nil {
		return memerr.New(memerr.CodeUnavailable, "realtime coordinator is not running")
	}
	return nil
}

// ownedSubscription resolves a subscription id and checks the caller's
// agent owns it.
func (s *Service) ownedSubscription(req memory.Requester, id string) (*realtime.Subscriber, error) {
	if id == "" {
		return nil, memerr.New(memerr.CodeInvalidInput, "subscription_id is required")
	}
	sub, ok := s.coord.Get(id)
	if !ok {
		return nil, memerr.New(memerr.CodeNotFound, "subscription not found: "+id)
	}
	if sub.AgentID != req.AgentID {
		return nil, memerr.New(memerr.CodeAccessDenied, "subscription belongs to another agent")
	}
	return sub, nil
}

func (s *Service) registerRealtimeOps() {
	s.registry.Register("publish_memory_event", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			EventType string         `json:"event_type"`
			MemoryID  string         `json:"memory_id,omitempty"`
			SessionID string         `json:"session_id,omitempty"`
			Data      map[string]any `json:"data,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireCoordinator(); err != nil {
			return nil, err
		}
		ev := memory.Event{
			Type:      memory.EventType(a.EventType),
			MemoryID:  a.MemoryID,
			SessionID: a.SessionID,
			UserID:    req.UserID,
			AgentID:   req.AgentID,
			Timestamp: time.Now().UTC(),
			Data:      a.Data,
		}
		if err := s.coord.Publish(ctx, ev); err != nil {
			return nil, err
		}
		return map[string]any{"channel": ev.Channel()}, nil
	})

	s.registry.Register("get_sync_status", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			AgentID string `json:"agent_id,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireCoordinator(); err != nil {
			return nil, err
		}
		agent := a.AgentID
		if agent == "" {
			agent = req.AgentID
		}
		return s.coord.Status(agent), nil
	})

	s.registry.Register("subscribe_memory_events", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Pattern string `json:"pattern,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireCoordinator(); err != nil {
			return nil, err
		}
		pattern := a.Pattern
		if pattern == "" {
			pattern = "memory." + req.UserID + "." + req.AgentID + ".*"
		}
		// Subscriptions outlive the request; only Close tears them down.
		sub, err := s.coord.Subscribe(context.WithoutCancel(ctx), req.AgentID, pattern)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"subscription_id": sub.ID,
			"pattern":         sub.Pattern,
		}, nil
	})

	s.registry.Register("poll_memory_events", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			SubscriptionID string `json:"subscription_id"`
			Max            int    `json:"max,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireCoordinator(); err != nil {
			return nil, err
		}
		sub, err := s.ownedSubscription(req, a.SubscriptionID)
		if err != nil {
			return nil, err
		}
		max := a.Max
		if max <= 0 {
			max = 100
		}
		events := sub.Poll(max)
		if events == nil {
			events = []memory.Event{}
		}
		return map[string]any{
			"events":  events,
			"dropped": sub.Dropped(),
		}, nil
	})

	s.registry.Register("unsubscribe_memory_events", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			SubscriptionID string `json:"subscription_id"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireCoordinator(); err != nil {
			return nil, err
		}
		sub, err := s.ownedSubscription(req, a.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if err := sub.Close(); err != nil {
			return nil, err
		}
		return map[string]any{"closed": true}, nil
	})

	s.registry.Register("sync_agent_state", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			TargetAgent string     `json:"target_agent"`
			Filter      filterArgs `json:"filter"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireCoordinator(); err != nil {
			return nil, err
		}
		return s.coord.SyncAgentState(ctx, req, a.TargetAgent, a.Filter.toFilter())
	})
}
