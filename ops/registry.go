// Package ops is the control plane: a typed operation registry consumed by
// the protocol adapter, plus health, stats and performance surfaces.
package ops

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

// Handler executes one named operation for a requester.
type Handler func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error)

// Metrics holds the control plane's counters and histograms.
type Metrics struct {
	Duration *prometheus.HistogramVec
	Errors   *prometheus.CounterVec
}

// NewMetrics registers the operation metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memoryd_operation_duration_seconds",
			Help:    "Control plane operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"op"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoryd_operation_errors_total",
			Help: "Control plane operation failures by error code.",
		}, []string{"op", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.Duration, m.Errors)
	}
	return m
}

// SlowQuery is one operation that exceeded the slow threshold.
type SlowQuery struct {
	Operation string        `json:"operation"`
	Requester string        `json:"requester"`
	Elapsed   time.Duration `json:"elapsed"`
	At        time.Time     `json:"at"`
}

const slowQueryKeep = 100

// Registry maps operation names to handlers and records per-call timing.
type Registry struct {
	handlers      map[string]Handler
	metrics       *Metrics
	slowThreshold time.Duration
	logger        zerolog.Logger

	mu   sync.Mutex
	slow []SlowQuery
}

// NewRegistry creates an empty registry. slowThreshold of zero disables the
// slow query log.
func NewRegistry(metrics *Metrics, slowThreshold time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		handlers:      make(map[string]Handler),
		metrics:       metrics,
		slowThreshold: slowThreshold,
		logger:        logger.With().Str("component", "ops_registry").Logger(),
	}
}

// Register adds a handler under name. Last registration wins.
func (r *Registry) Register(name string, h Handler) {
	r.logger.Debug().Str("op", name).Msg("registering operation")
	r.handlers[name] = h
}

// Names lists registered operations, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Handle dispatches one operation call.
func (r *Registry) Handle(ctx context.Context, name string, req memory.Requester, args json.RawMessage) (any, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, memerr.Newf(memerr.CodeNotFound, "unknown operation %q", name)
	}
	start := time.Now()
	result, err := h(ctx, req, args)
	elapsed := time.Since(start)

	if r.metrics != nil {
		r.metrics.Duration.WithLabelValues(name).Observe(elapsed.Seconds())
		if err != nil {
			r.metrics.Errors.WithLabelValues(name, string(memerr.CodeOf(err))).Inc()
		}
	}
	if r.slowThreshold > 0 && elapsed >= r.slowThreshold {
		r.recordSlow(SlowQuery{Operation: name, Requester: req.String(), Elapsed: elapsed, At: start.UTC()})
		r.logger.Warn().Str("op", name).Stringer("requester", req).Dur("elapsed", elapsed).Msg("slow operation")
	}
	if err != nil {
		r.logger.Warn().Str("op", name).Stringer("requester", req).Err(err).Msg("operation failed")
		return nil, err
	}
	r.logger.Debug().Str("op", name).Stringer("requester", req).Dur("elapsed", elapsed).Msg("operation complete")
	return result, nil
}

func (r *Registry) recordSlow(q SlowQuery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slow = append(r.slow, q)
	if len(r.slow) > slowQueryKeep {
		r.slow = r.slow[len(r.slow)-slowQueryKeep:]
	}
}

// SlowQueries returns the retained slow operations, newest last.
func (r *Registry) SlowQueries() []SlowQuery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SlowQuery(nil), r.slow...)
}

// decode unmarshals operation arguments, mapping malformed input to the
// invalid_input code.
func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, memerr.Wrap(memerr.CodeInvalidInput, "malformed operation arguments", err)
	}
	return v, nil
}
