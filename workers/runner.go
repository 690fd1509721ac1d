// Package workers runs the lifecycle maintenance passes: deduplication,
// summarization, expiry, stale session closure, journal purge and repair.
// Every pass plans first; in dry-run mode the plan is reported without
// being applied, and an operator approval replays it for real.
package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Action is one planned or applied lifecycle step.
type Action struct {
	Kind     string `json:"kind"`
	MemoryID string `json:"memory_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Applied  bool   `json:"applied"`
	Error    string `json:"error,omitempty"`
}

// Report is the outcome of one worker pass.
type Report struct {
	Worker     string    `json:"worker"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`
	Actions    []Action  `json:"actions"`
	Errors     int       `json:"errors"`
}

// Worker is one schedulable lifecycle pass.
type Worker interface {
	Kind() string
	// Run executes one pass. In dry-run mode it plans without mutating.
	Run(ctx context.Context, dryRun bool) (*Report, error)
}

// Runner schedules workers, serializing each kind behind a lease so that
// only one node runs a given pass at a time.
type Runner struct {
	leases memory.LeaseManager
	logger zerolog.Logger

	mu       sync.Mutex
	paused   bool
	dryRun   bool
	entries  []*entry
	reports  map[string]*Report
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	leaseTTL time.Duration
}

type entry struct {
	worker   Worker
	schedule Schedule
	spec     string
	paused   bool
	// requireApproval forces scheduled passes to plan-only; an operator
	// approval replays the plan for real.
	requireApproval bool
}

// NewRunner builds a runner. dryRun makes every scheduled pass plan-only.
func NewRunner(leases memory.LeaseManager, paused, dryRun bool, logger zerolog.Logger) *Runner {
	return &Runner{
		leases:   leases,
		logger:   logger.With().Str("component", "worker_runner").Logger(),
		paused:   paused,
		dryRun:   dryRun,
		reports:  make(map[string]*Report),
		leaseTTL: 10 * time.Minute,
	}
}

// Register adds a worker on the given schedule.
func (r *Runner) Register(w Worker, schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.entries = append(r.entries, &entry{worker: w, schedule: sched, spec: schedule})
	r.mu.Unlock()
	return nil
}

// Start launches one scheduling goroutine per worker.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	entries := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	for _, e := range entries {
		r.wg.Add(1)
		go r.loop(ctx, e)
	}
}

// Stop cancels scheduling and waits for in-flight passes.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, e *entry) {
	defer r.wg.Done()
	for {
		next := e.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		if r.Paused() || r.kindPaused(e) {
			r.logger.Debug().Str("worker", e.worker.Kind()).Msg("skipping scheduled pass, paused")
			continue
		}
		r.runOnce(ctx, e.worker, r.DryRun() || r.kindRequiresApproval(e))
	}
}

// runOnce executes one pass under the worker's lease. A held lease means
// another node is already on it.
func (r *Runner) runOnce(ctx context.Context, w Worker, dryRun bool) *Report {
	lease, err := r.leases.Acquire(ctx, "worker:"+w.Kind(), r.leaseTTL)
	if err != nil {
		if errors.Is(err, memory.ErrLeaseHeld) {
			r.logger.Debug().Str("worker", w.Kind()).Msg("pass already running elsewhere")
			return nil
		}
		r.logger.Error().Err(err).Str("worker", w.Kind()).Msg("worker lease acquisition failed")
		return nil
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	start := time.Now()
	report, err := w.Run(ctx, dryRun)
	if err != nil {
		r.logger.Error().Err(err).Str("worker", w.Kind()).Msg("worker pass failed")
		return nil
	}
	r.logger.Info().
		Str("worker", w.Kind()).
		Bool("dryRun", dryRun).
		Int("actions", len(report.Actions)).
		Int("errors", report.Errors).
		Dur("elapsed", time.Since(start)).
		Msg("worker pass complete")

	r.mu.Lock()
	r.reports[w.Kind()] = report
	r.mu.Unlock()
	return report
}

// Trigger runs one worker immediately, outside its schedule.
func (r *Runner) Trigger(ctx context.Context, kind string, dryRun bool) (*Report, error) {
	w := r.find(kind)
	if w == nil {
		return nil, errors.New("unknown worker: " + kind)
	}
	report := r.runOnce(ctx, w, dryRun)
	if report == nil {
		return nil, errors.New("worker pass did not run")
	}
	return report, nil
}

// Approve replays the last dry-run plan of a worker for real. The pass
// re-plans before applying so actions invalidated since the dry run are
// skipped rather than applied blindly.
func (r *Runner) Approve(ctx context.Context, kind string) (*Report, error) {
	r.mu.Lock()
	last, ok := r.reports[kind]
	r.mu.Unlock()
	if !ok || !last.DryRun {
		return nil, errors.New("no pending dry-run plan for worker: " + kind)
	}
	return r.Trigger(ctx, kind, false)
}

func (r *Runner) find(kind string) Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.worker.Kind() == kind {
			return e.worker
		}
	}
	return nil
}

// Pause stops scheduled passes; manual triggers still run.
func (r *Runner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume re-enables scheduled passes.
func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Paused reports whether scheduling is paused.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// DryRun reports whether scheduled passes are plan-only.
func (r *Runner) DryRun() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dryRun
}

// LastReport returns the most recent report for a worker kind.
func (r *Runner) LastReport(kind string) *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports[kind]
}

func (r *Runner) kindPaused(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.paused
}

func (r *Runner) kindRequiresApproval(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.requireApproval
}

// SetRequireApproval marks a worker's scheduled passes as plan-only until
// approved, or clears the requirement.
func (r *Runner) SetRequireApproval(kind string, required bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.worker.Kind() == kind {
			e.requireApproval = required
			return nil
		}
	}
	return errors.New("unknown worker: " + kind)
}

// SetKindPaused pauses or resumes one worker's schedule.
func (r *Runner) SetKindPaused(kind string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.worker.Kind() == kind {
			e.paused = paused
			return nil
		}
	}
	return errors.New("unknown worker: " + kind)
}

// TaskInfo describes one registered worker schedule.
type TaskInfo struct {
	Kind            string    `json:"kind"`
	Schedule        string    `json:"schedule"`
	Paused          bool      `json:"paused"`
	RequireApproval bool      `json:"require_approval,omitempty"`
	NextRun         time.Time `json:"next_run"`
	LastReport      *Report   `json:"last_report,omitempty"`
}

// Tasks snapshots every registered worker for the control plane.
func (r *Runner) Tasks() []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]TaskInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, TaskInfo{
			Kind:            e.worker.Kind(),
			Schedule:        e.spec,
			Paused:          e.paused || r.paused,
			RequireApproval: e.requireApproval,
			NextRun:         e.schedule.Next(now),
			LastReport:      r.reports[e.worker.Kind()],
		})
	}
	return out
}
