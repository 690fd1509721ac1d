package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Summarize condenses old, large memories. The original text survives in
// metadata so the operation is reversible through the undo log.
type Summarize struct {
	engine   *memory.Engine
	minChars int
	minAge   time.Duration
	logger   zerolog.Logger
}

// NewSummarize builds the summarization worker. Memories below minChars or
// younger than minAge are never touched.
func NewSummarize(engine *memory.Engine, minChars int, minAge time.Duration, logger zerolog.Logger) *Summarize {
	if minChars <= 0 {
		minChars = 2000
	}
	if minAge <= 0 {
		minAge = 30 * 24 * time.Hour
	}
	return &Summarize{
		engine:   engine,
		minChars: minChars,
		minAge:   minAge,
		logger:   logger.With().Str("component", "summarize_worker").Logger(),
	}
}

func (s *Summarize) Kind() string { return "summarize" }

func (s *Summarize) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{Worker: s.Kind(), StartedAt: time.Now(), DryRun: dryRun}
	defer func() { report.FinishedAt = time.Now() }()

	cutoff := time.Now().Add(-s.minAge)
	cursor := ""
	for {
		page, err := s.engine.Records().Query(ctx, memory.Filter{Before: &cutoff}, memory.OrderCreatedDesc, 200, cursor)
		if err != nil {
			return nil, fmt.Errorf("summarize scan: %w", err)
		}
		for _, m := range page.Memories {
			if m.Summarized || m.CharCount < s.minChars {
				continue
			}
			action := Action{
				Kind:     "summarize",
				MemoryID: m.ID,
				UserID:   m.UserID,
				Detail:   fmt.Sprintf("condense %d chars", m.CharCount),
			}
			if !dryRun {
				req := memory.Requester{UserID: m.UserID, AgentID: m.AgentID}
				if _, err := s.engine.SummarizeMemory(ctx, req, m.ID); err != nil {
					action.Error = err.Error()
					report.Errors++
				} else {
					action.Applied = true
				}
			}
			report.Actions = append(report.Actions, action)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return report, nil
}

var _ Worker = (*Summarize)(nil)
