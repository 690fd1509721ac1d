package ops

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/backup"
	"github.com/memhive/memoryd/memory"
	"github.com/memhive/memoryd/realtime"
	"github.com/memhive/memoryd/workers"
)

// Service bundles the subsystems the control plane fronts and registers one
// handler per operation.
type Service struct {
	engine   *memory.Engine
	coord    *realtime.Coordinator
	runner   *workers.Runner
	backups  *backup.Manager
	registry *Registry
	gatherer prometheus.Gatherer
	started  time.Time
	logger   zerolog.Logger
}

// NewService builds the control plane and registers every operation.
// Runner, coordinator and backups may be nil; their operations then return
// unavailable.
func NewService(engine *memory.Engine, coord *realtime.Coordinator, runner *workers.Runner, backups *backup.Manager, registry *Registry, logger zerolog.Logger) *Service {
	s := &Service{
		engine:   engine,
		coord:    coord,
		runner:   runner,
		backups:  backups,
		registry: registry,
		started:  time.Now(),
		logger:   logger.With().Str("component", "ops").Logger(),
	}
	s.registerMemoryOps()
	s.registerSearchOps()
	s.registerSharingOps()
	s.registerSessionOps()
	s.registerLifecycleOps()
	s.registerRealtimeOps()
	s.registerAdminOps()
	return s
}

// Registry exposes the dispatch table to the protocol adapter.
func (s *Service) Registry() *Registry { return s.registry }

// filterArgs is the wire form of a record filter.
type filterArgs struct {
	AgentID      string     `json:"agent_id,omitempty"`
	Types        []string   `json:"types,omitempty"`
	Concepts     []string   `json:"concepts,omitempty"`
	Language     string     `json:"language,omitempty"`
	After        *time.Time `json:"after,omitempty"`
	Before       *time.Time `json:"before,omitempty"`
	File         string     `json:"file,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	TextContains string     `json:"text_contains,omitempty"`
	Category     string     `json:"category,omitempty"`
}

func (f filterArgs) toFilter() memory.Filter {
	out := memory.Filter{
		AgentID:      f.AgentID,
		Language:     f.Language,
		After:        f.After,
		Before:       f.Before,
		File:         f.File,
		SessionID:    f.SessionID,
		TextContains: f.TextContains,
		Category:     f.Category,
	}
	for _, t := range f.Types {
		out.Types = append(out.Types, memory.Type(t))
	}
	for _, c := range f.Concepts {
		out.Concepts = append(out.Concepts, memory.Concept(c))
	}
	return out
}
