// Package realtime fans memory events out to subscribed agents with bounded
// per-subscriber queues. Slow consumers lose the oldest non-critical events;
// deletion events are never dropped.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

// Metrics holds the coordinator's counters.
type Metrics struct {
	Delivered *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
}

// NewMetrics registers the coordinator counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoryd_events_delivered_total",
			Help: "Events delivered to realtime subscribers.",
		}, []string{"agent_id"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoryd_events_dropped_total",
			Help: "Non-critical events dropped under subscriber backpressure.",
		}, []string{"agent_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.Delivered, m.Dropped)
	}
	return m
}

// Coordinator manages event subscriptions and one-shot agent state sync.
type Coordinator struct {
	bus       memory.EventBus
	engine    *memory.Engine
	metrics   *Metrics
	queueSize int
	logger    zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscriber
}

// New builds a coordinator. queueSize bounds each subscriber's queue.
func New(bus memory.EventBus, engine *memory.Engine, metrics *Metrics, queueSize int, logger zerolog.Logger) *Coordinator {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Coordinator{
		bus:       bus,
		engine:    engine,
		metrics:   metrics,
		queueSize: queueSize,
		logger:    logger.With().Str("component", "realtime").Logger(),
		subs:      make(map[string]*Subscriber),
	}
}

// Subscriber is one live pattern subscription with a bounded queue.
type Subscriber struct {
	ID      string
	AgentID string
	Pattern string

	queue     chan memory.Event
	busSub    memory.Subscription
	delivered atomic.Uint64
	dropped   atomic.Uint64
	lastEvent atomic.Int64
	closeOnce sync.Once
	coord     *Coordinator
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan memory.Event { return s.queue }

// Dropped reports how many events this subscriber has lost to backpressure.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Poll drains up to max queued events without blocking.
func (s *Subscriber) Poll(max int) []memory.Event {
	if max <= 0 {
		max = 1
	}
	var out []memory.Event
	for len(out) < max {
		select {
		case ev, ok := <-s.queue:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// Close detaches the subscription from the bus and the coordinator.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.busSub.Close()
		s.coord.remove(s.ID)
	})
	return err
}

// Subscribe attaches agentID to every channel matching pattern, for example
// "memory.alice.*.memory_added" or "memory.alice.*.*".
func (c *Coordinator) Subscribe(ctx context.Context, agentID, pattern string) (*Subscriber, error) {
	if agentID == "" {
		return nil, memerr.New(memerr.CodeInvalidInput, "agent_id is required")
	}
	if pattern == "" {
		return nil, memerr.New(memerr.CodeInvalidInput, "pattern is required")
	}
	busSub, err := c.bus.Subscribe(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", pattern, err)
	}
	sub := &Subscriber{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Pattern: pattern,
		queue:   make(chan memory.Event, c.queueSize),
		busSub:  busSub,
		coord:   c,
	}
	c.mu.Lock()
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	go c.pump(ctx, sub)
	return sub, nil
}

// Get returns the live subscription with the given id.
func (c *Coordinator) Get(id string) (*Subscriber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	return sub, ok
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Coordinator) pump(ctx context.Context, sub *Subscriber) {
	defer close(sub.queue)
	for msg := range sub.busSub.Events() {
		var ev memory.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			c.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("undecodable event payload")
			continue
		}
		c.deliver(ctx, sub, ev)
	}
}

// deliver enqueues one event. Critical events block until there is room;
// everything else evicts the oldest queued event when the queue is full.
func (c *Coordinator) deliver(ctx context.Context, sub *Subscriber, ev memory.Event) {
	if ev.Critical() {
		select {
		case sub.queue <- ev:
			c.delivered(sub, ev)
		case <-ctx.Done():
		}
		return
	}
	select {
	case sub.queue <- ev:
		c.delivered(sub, ev)
		return
	default:
	}
	// Full. Evict the oldest non-critical head; if the head is critical we
	// drop the incoming event instead, never the critical one.
	select {
	case old := <-sub.queue:
		if old.Critical() {
			sub.queue <- old
			c.drop(sub, ev)
			return
		}
		c.drop(sub, old)
	default:
	}
	select {
	case sub.queue <- ev:
		c.delivered(sub, ev)
	default:
		c.drop(sub, ev)
	}
}

func (c *Coordinator) delivered(sub *Subscriber, ev memory.Event) {
	sub.delivered.Add(1)
	sub.lastEvent.Store(ev.Timestamp.UnixNano())
	if c.metrics != nil {
		c.metrics.Delivered.WithLabelValues(sub.AgentID).Inc()
	}
}

func (c *Coordinator) drop(sub *Subscriber, ev memory.Event) {
	sub.dropped.Add(1)
	if c.metrics != nil {
		c.metrics.Dropped.WithLabelValues(sub.AgentID).Inc()
	}
	c.logger.Debug().
		Str("subscriber", sub.ID).
		Str("agentID", sub.AgentID).
		Str("event", string(ev.Type)).
		Msg("event dropped under backpressure")
}

// Publish sends an event onto the bus under the standard channel grammar.
func (c *Coordinator) Publish(ctx context.Context, ev memory.Event) error {
	if ev.UserID == "" || ev.AgentID == "" || ev.Type == "" {
		return memerr.New(memerr.CodeInvalidInput, "event requires user_id, agent_id and event_type")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.bus.Publish(ctx, ev.Channel(), payload)
}

// SubscriberStatus is a point-in-time view of one subscription.
type SubscriberStatus struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Pattern     string    `json:"pattern"`
	QueueDepth  int       `json:"queue_depth"`
	Delivered   uint64    `json:"delivered"`
	Dropped     uint64    `json:"dropped"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// Status snapshots every live subscription, optionally filtered by agent.
func (c *Coordinator) Status(agentID string) []SubscriberStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SubscriberStatus
	for _, sub := range c.subs {
		if agentID != "" && sub.AgentID != agentID {
			continue
		}
		st := SubscriberStatus{
			ID:         sub.ID,
			AgentID:    sub.AgentID,
			Pattern:    sub.Pattern,
			QueueDepth: len(sub.queue),
			Delivered:  sub.delivered.Load(),
			Dropped:    sub.dropped.Load(),
		}
		if ns := sub.lastEvent.Load(); ns > 0 {
			st.LastEventAt = time.Unix(0, ns).UTC()
		}
		out = append(out, st)
	}
	return out
}
