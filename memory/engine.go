package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/memerr"
)

// Weights are the hybrid search mixing weights.
type Weights struct {
	Semantic float64 `yaml:"semantic"`
	Lexical  float64 `yaml:"lexical"`
	Recency  float64 `yaml:"recency"`
}

// EngineConfig tunes the engine. Zero values select the documented defaults.
type EngineConfig struct {
	// MaxTextBytes rejects any larger input with too_large. No truncation.
	MaxTextBytes int

	DedupThreshold float64
	DedupTopK      int

	SearchWeights  Weights
	RecencyTauDays float64

	DefaultSharePolicy SharePolicy

	// SummarizeTargetChars caps the extractive fallback and sizes the
	// generated summary prompt.
	SummarizeTargetChars int

	// AdmissionLimit bounds concurrent AddMemory calls; overload returns
	// unavailable rather than queueing unbounded.
	AdmissionLimit int64

	RecordDeadline time.Duration
	VectorDeadline time.Duration
	GraphDeadline  time.Duration

	FingerprintTTL time.Duration
	MemoryLeaseTTL time.Duration

	UndoRetention time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxTextBytes == 0 {
		c.MaxTextBytes = 1 << 20
	}
	if c.DedupThreshold == 0 {
		c.DedupThreshold = 0.95
	}
	if c.DedupTopK == 0 {
		c.DedupTopK = 5
	}
	if c.SearchWeights == (Weights{}) {
		c.SearchWeights = Weights{Semantic: 0.5, Lexical: 0.3, Recency: 0.2}
	}
	if c.RecencyTauDays == 0 {
		c.RecencyTauDays = 30
	}
	if c.DefaultSharePolicy == "" {
		c.DefaultSharePolicy = SharePrivate
	}
	if c.SummarizeTargetChars == 0 {
		c.SummarizeTargetChars = 200
	}
	if c.AdmissionLimit == 0 {
		c.AdmissionLimit = 64
	}
	if c.RecordDeadline == 0 {
		c.RecordDeadline = 2 * time.Second
	}
	if c.VectorDeadline == 0 {
		c.VectorDeadline = 3 * time.Second
	}
	if c.GraphDeadline == 0 {
		c.GraphDeadline = 3 * time.Second
	}
	if c.FingerprintTTL == 0 {
		c.FingerprintTTL = 10 * time.Second
	}
	if c.MemoryLeaseTTL == 0 {
		c.MemoryLeaseTTL = 10 * time.Second
	}
	if c.UndoRetention == 0 {
		c.UndoRetention = 7 * 24 * time.Hour
	}
	return c
}

// Engine is the memory engine: write path, multi-modal read path, sharing,
// sessions. All background lifecycle work lives in the workers package and
// drives the engine through its exported operations.
type Engine struct {
	records    RecordStore
	vectors    VectorStore
	graph      GraphStore
	bus        EventBus
	leases     LeaseManager
	embedder   Embedder
	completer  Completer
	classifier *Classifier
	journal    *journal.Journal
	logger     zerolog.Logger
	cfg        EngineConfig

	admission *semaphore.Weighted
	repairs   chan string

	now func() time.Time
}

// Deps carries the engine's injected collaborators.
type Deps struct {
	Records   RecordStore
	Vectors   VectorStore
	Graph     GraphStore
	Bus       EventBus
	Leases    LeaseManager
	Embedder  Embedder
	Completer Completer
	Journal   *journal.Journal
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// NewEngine wires an engine from its dependencies.
func NewEngine(deps Deps, cfg EngineConfig, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		records:    deps.Records,
		vectors:    deps.Vectors,
		graph:      deps.Graph,
		bus:        deps.Bus,
		leases:     deps.Leases,
		embedder:   deps.Embedder,
		completer:  deps.Completer,
		classifier: NewClassifier(nil, nil),
		journal:    deps.Journal,
		logger:     logger.With().Str("component", "memory_engine").Logger(),
		cfg:        cfg,
		admission:  semaphore.NewWeighted(cfg.AdmissionLimit),
		repairs:    make(chan string, 256),
		now:        clock,
	}
}

// Config exposes the resolved engine configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Journal exposes the operation journal for the control plane and workers.
func (e *Engine) Journal() *journal.Journal { return e.journal }

// Records exposes the record store to lifecycle workers.
func (e *Engine) Records() RecordStore { return e.records }

// Vectors exposes the vector store to lifecycle workers.
func (e *Engine) Vectors() VectorStore { return e.vectors }

// Graph exposes the graph store for health checks.
func (e *Engine) Graph() GraphStore { return e.graph }

// Bus exposes the event bus for health checks.
func (e *Engine) Bus() EventBus { return e.bus }

// Repairs is the stream of memory ids awaiting post-commit repair.
func (e *Engine) Repairs() <-chan string { return e.repairs }

// Fingerprint derives the dedup lock key for one logical write.
func Fingerprint(userID, agentID, normalizedText string) string {
	sum := sha256.Sum256([]byte(userID + "|" + agentID + "|" + normalizedText))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) recordCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.RecordDeadline)
}

func (e *Engine) vectorCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.VectorDeadline)
}

func (e *Engine) graphCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.GraphDeadline)
}

// acquireMemoryLease serializes writers of one memory id.
func (e *Engine) acquireMemoryLease(ctx context.Context, memoryID string) (Lease, error) {
	lease, err := e.leases.Acquire(ctx, "memory:"+memoryID, e.cfg.MemoryLeaseTTL)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeConflict, "memory is being written by another operation", err)
	}
	return lease, nil
}

// publish emits an event to the bus. Delivery is best-effort; failures are
// logged, never surfaced to the caller.
func (e *Engine) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("event marshal failed")
		return
	}
	if err := e.bus.Publish(ctx, ev.Channel(), payload); err != nil {
		e.logger.Warn().
			Err(err).
			Str("channel", ev.Channel()).
			Str("event", string(ev.Type)).
			Msg("event publish failed")
	}
}

// scheduleRepair queues a memory for the repair worker and marks it so
// reads hide it until repair completes.
func (e *Engine) scheduleRepair(memoryID string) {
	select {
	case e.repairs <- memoryID:
	default:
		e.logger.Error().Str("memoryID", memoryID).Msg("repair queue full, dropping repair request")
	}
}

// audit writes one audit entry; journal failures are logged, not surfaced.
func (e *Engine) audit(ctx context.Context, entry journal.AuditEntry) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Audit(ctx, entry); err != nil {
		e.logger.Warn().Err(err).Str("op", entry.OperationType).Msg("audit write failed")
	}
}

func (e *Engine) snapshot(m *Memory) json.RawMessage {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		e.logger.Error().Err(err).Str("memoryID", m.ID).Msg("state snapshot failed")
		return nil
	}
	return raw
}
