package workers

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Repairer drains the engine's repair queue, rebuilding vector and graph
// entries for memories whose post-commit indexing failed. It runs
// continuously rather than on a schedule.
type Repairer struct {
	engine *memory.Engine
	logger zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRepairer builds the repair drainer.
func NewRepairer(engine *memory.Engine, logger zerolog.Logger) *Repairer {
	return &Repairer{
		engine: engine,
		logger: logger.With().Str("component", "repairer").Logger(),
	}
}

// Start launches the drain loop.
func (r *Repairer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.drain(ctx)
}

// Stop halts the drain loop and waits for the in-flight repair.
func (r *Repairer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Repairer) drain(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-r.engine.Repairs():
			if !ok {
				return
			}
			r.repair(ctx, id)
		}
	}
}

// repair retries with backoff; the embedder or vector store may still be
// recovering from the outage that queued the repair in the first place.
func (r *Repairer) repair(ctx context.Context, id string) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * time.Second
	eb.MaxInterval = time.Minute

	op := func() error {
		err := r.engine.RepairMemory(ctx, id)
		if err == nil {
			return nil
		}
		if !memory.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, 5), ctx)); err != nil {
		r.logger.Error().Err(err).Str("memoryID", id).Msg("repair failed, leaving memory pending")
	}
}
