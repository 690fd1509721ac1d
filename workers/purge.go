package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/journal"
)

// Purge drops undo entries whose recovery window has closed.
type Purge struct {
	journal *journal.Journal
	logger  zerolog.Logger
}

// NewPurge builds the journal purge worker.
func NewPurge(j *journal.Journal, logger zerolog.Logger) *Purge {
	return &Purge{
		journal: j,
		logger:  logger.With().Str("component", "purge_worker").Logger(),
	}
}

func (p *Purge) Kind() string { return "purge" }

func (p *Purge) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{Worker: p.Kind(), StartedAt: time.Now(), DryRun: dryRun}
	defer func() { report.FinishedAt = time.Now() }()

	if dryRun {
		// Purge is idempotent and destroys nothing recoverable, so the dry-run
		// plan is just a marker action.
		report.Actions = append(report.Actions, Action{Kind: "purge_undo", Detail: "purge expired undo entries"})
		return report, nil
	}
	n, err := p.journal.PurgeExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("purge undo entries: %w", err)
	}
	report.Actions = append(report.Actions, Action{
		Kind:    "purge_undo",
		Detail:  fmt.Sprintf("purged %d expired undo entries", n),
		Applied: true,
	})
	return report, nil
}

var _ Worker = (*Purge)(nil)
