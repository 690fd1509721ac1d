package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

// AdapterStatus is one adapter's health.
type AdapterStatus string

const (
	StatusOK       AdapterStatus = "ok"
	StatusDegraded AdapterStatus = "degraded"
	StatusDown     AdapterStatus = "down"
)

// HealthReport is the per-adapter and composite health of the service.
type HealthReport struct {
	Status   AdapterStatus            `json:"status"`
	Adapters map[string]AdapterStatus `json:"adapters"`
	Uptime   string                   `json:"uptime"`
}

// Health pings every adapter. Record and vector stores are required; the
// rest only degrade the composite.
func (s *Service) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:   StatusOK,
		Adapters: make(map[string]AdapterStatus),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	}
	check := func(name string, required bool, ping func(context.Context) error) {
		if ping == nil {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := ping(pctx); err != nil {
			report.Adapters[name] = StatusDown
			if required {
				report.Status = StatusDown
			} else if report.Status == StatusOK {
				report.Status = StatusDegraded
			}
			s.logger.Warn().Err(err).Str("adapter", name).Msg("adapter ping failed")
			return
		}
		report.Adapters[name] = StatusOK
	}
	check("records", true, s.engine.Records().Ping)
	check("vectors", true, s.engine.Vectors().Ping)
	if g := s.engine.Graph(); g != nil {
		check("graph", false, g.Ping)
	}
	if b := s.engine.Bus(); b != nil {
		check("bus", false, b.Ping)
	}
	if j := s.engine.Journal(); j != nil {
		check("journal", false, j.Ping)
	}
	return report
}

// SetGatherer wires the Prometheus registry for text exposition.
func (s *Service) SetGatherer(g prometheus.Gatherer) { s.gatherer = g }

func (s *Service) registerAdminOps() {
	s.registry.Register("health", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		return s.Health(ctx), nil
	})

	s.registry.Register("get_stats", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		total, err := s.engine.Records().Count(ctx, memory.Filter{
			UserID:          req.UserID,
			IncludeExpired:  true,
			IncludeArchived: true,
			IncludePending:  true,
		})
		if err != nil {
			return nil, err
		}
		visible, err := s.engine.Records().Count(ctx, memory.Filter{UserID: req.UserID})
		if err != nil {
			return nil, err
		}
		stats := map[string]any{
			"uptime":           time.Since(s.started).Round(time.Second).String(),
			"total_memories":   total,
			"visible_memories": visible,
			"operations":       len(s.registry.Names()),
		}
		if s.runner != nil {
			stats["tasks"] = s.runner.Tasks()
		}
		return stats, nil
	})

	s.registry.Register("get_performance_metrics", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return map[string]any{
			"uptime":         time.Since(s.started).Round(time.Second).String(),
			"goroutines":     runtime.NumGoroutine(),
			"heap_bytes":     ms.HeapAlloc,
			"gc_cycles":      ms.NumGC,
			"slow_query_log": len(s.registry.SlowQueries()),
		}, nil
	})

	s.registry.Register("get_slow_queries", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		return s.registry.SlowQueries(), nil
	})

	s.registry.Register("get_prometheus_metrics", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		if s.gatherer == nil {
			return nil, memerr.New(memerr.CodeUnavailable, "metrics are not configured")
		}
		families, err := s.gatherer.Gather()
		if err != nil {
			return nil, memerr.Wrap(memerr.CodeInternal, "metric gather failed", err)
		}
		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, fam := range families {
			if err := enc.Encode(fam); err != nil {
				return nil, memerr.Wrap(memerr.CodeInternal, "metric encode failed", err)
			}
		}
		return buf.String(), nil
	})

	s.registry.Register("list_backups", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		if s.backups == nil {
			return nil, memerr.New(memerr.CodeUnavailable, "backups are not configured")
		}
		return s.backups.List(ctx)
	})

	s.registry.Register("create_backup", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		if s.backups == nil {
			return nil, memerr.New(memerr.CodeUnavailable, "backups are not configured")
		}
		return s.backups.Create(ctx)
	})

	s.registry.Register("verify_backup", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			ID string `json:"id"`
		}](args)
		if err != nil {
			return nil, err
		}
		if s.backups == nil {
			return nil, memerr.New(memerr.CodeUnavailable, "backups are not configured")
		}
		return s.backups.Verify(ctx, a.ID)
	})

	s.registry.Register("restore_backup", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			ID string `json:"id"`
		}](args)
		if err != nil {
			return nil, err
		}
		if s.backups == nil {
			return nil, memerr.New(memerr.CodeUnavailable, "backups are not configured")
		}
		if err := s.backups.Restore(ctx, a.ID); err != nil {
			return nil, err
		}
		return map[string]any{"restored": a.ID}, nil
	})

	s.registry.Register("rollback_restore", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		if s.backups == nil {
			return nil, memerr.New(memerr.CodeUnavailable, "backups are not configured")
		}
		if err := s.backups.RollbackRestore(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"rolled_back": true}, nil
	})

	s.registry.Register("list_tasks", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		if err := s.requireRunner(); err != nil {
			return nil, err
		}
		return s.runner.Tasks(), nil
	})

	// schedule_task runs one worker out of band, usually as a dry run whose
	// plan approve_task later applies.
	s.registry.Register("schedule_task", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Worker string `json:"worker"`
			DryRun bool   `json:"dry_run,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireRunner(); err != nil {
			return nil, err
		}
		return s.runner.Trigger(ctx, a.Worker, a.DryRun)
	})

	s.registry.Register("approve_task", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Worker string `json:"worker"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireRunner(); err != nil {
			return nil, err
		}
		return s.runner.Approve(ctx, a.Worker)
	})

	s.registry.Register("cancel_task", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Worker string `json:"worker"`
			Resume bool   `json:"resume,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if err := s.requireRunner(); err != nil {
			return nil, err
		}
		if err := s.runner.SetKindPaused(a.Worker, !a.Resume); err != nil {
			return nil, memerr.Wrap(memerr.CodeNotFound, "no such worker", err)
		}
		return map[string]any{"worker": a.Worker, "paused": !a.Resume}, nil
	})
}
