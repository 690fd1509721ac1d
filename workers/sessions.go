package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Sessions closes sessions that have been idle past the staleness cutoff.
type Sessions struct {
	engine *memory.Engine
	logger zerolog.Logger
}

// NewSessions builds the stale session worker.
func NewSessions(engine *memory.Engine, logger zerolog.Logger) *Sessions {
	return &Sessions{
		engine: engine,
		logger: logger.With().Str("component", "session_worker").Logger(),
	}
}

func (s *Sessions) Kind() string { return "sessions" }

func (s *Sessions) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{Worker: s.Kind(), StartedAt: time.Now(), DryRun: dryRun}
	defer func() { report.FinishedAt = time.Now() }()

	users, err := s.engine.Records().ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	now := time.Now()
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if dryRun {
			stale, err := s.staleSessionIDs(ctx, userID, now)
			if err != nil {
				report.Errors++
				continue
			}
			for _, id := range stale {
				report.Actions = append(report.Actions, Action{Kind: "close_session", MemoryID: id, UserID: userID})
			}
			continue
		}
		closed, err := s.engine.CloseStaleSessions(ctx, userID, now)
		if err != nil {
			s.logger.Warn().Err(err).Str("userID", userID).Msg("stale session sweep failed")
			report.Errors++
			continue
		}
		for _, id := range closed {
			report.Actions = append(report.Actions, Action{Kind: "close_session", MemoryID: id, UserID: userID, Applied: true})
		}
	}
	return report, nil
}

// staleSessionIDs plans the sweep without ending anything. Idleness is the
// newest memory in the session, or its start time when empty.
func (s *Sessions) staleSessionIDs(ctx context.Context, userID string, now time.Time) ([]string, error) {
	sessions, err := s.engine.Records().ListSessions(ctx, userID, true, 500)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-memory.StaleSessionCutoff)
	var stale []string
	for _, sess := range sessions {
		last := sess.StartTime
		page, err := s.engine.Records().Query(ctx, memory.Filter{UserID: userID, SessionID: sess.ID}, memory.OrderCreatedDesc, 1, "")
		if err != nil {
			return nil, err
		}
		if len(page.Memories) > 0 && page.Memories[0].CreatedAt.After(last) {
			last = page.Memories[0].CreatedAt
		}
		if last.Before(cutoff) {
			stale = append(stale, sess.ID)
		}
	}
	return stale, nil
}

var _ Worker = (*Sessions)(nil)
