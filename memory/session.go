package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/memerr"
)

// StartSession opens a new session for the requester.
func (e *Engine) StartSession(ctx context.Context, req Requester, metadata map[string]any) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		StartTime: e.now().UTC(),
		Metadata:  metadata,
	}
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	if err := e.records.PutSession(rctx, s); err != nil {
		return nil, memerr.Wrap(memerr.CodeInternal, "session create failed", err)
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "start_session",
		AgentID:       req.AgentID,
		Status:        journal.StatusSuccess,
		Details:       map[string]any{"session_id": s.ID},
	})
	e.publish(ctx, Event{
		Type:      EventSessionStarted,
		SessionID: s.ID,
		AgentID:   s.AgentID,
		UserID:    s.UserID,
		Timestamp: s.StartTime,
	})
	return s, nil
}

// EndSession closes a session and attaches a summary of its memories.
// Ending an already-ended session is idempotent.
func (e *Engine) EndSession(ctx context.Context, req Requester, sessionID string) (*Session, error) {
	rctx, cancel := e.recordCtx(ctx)
	s, err := e.records.GetSession(rctx, sessionID)
	cancel()
	if err != nil {
		return nil, notFoundOr(err)
	}
	if s.UserID != req.UserID || s.AgentID != req.AgentID {
		return nil, memerr.New(memerr.CodeAccessDenied, "session belongs to another agent")
	}
	if !s.Active() {
		return s, nil
	}

	end := e.now().UTC()
	s.EndTime = &end
	summary, usage := e.summarizeSession(ctx, req, sessionID)
	s.Summary = summary

	rctx, cancel = e.recordCtx(ctx)
	defer cancel()
	if err := e.records.UpdateSession(rctx, s); err != nil {
		return nil, memerr.Wrap(memerr.CodeInternal, "session close failed", err)
	}
	e.audit(ctx, journal.AuditEntry{
		OperationType: "end_session",
		AgentID:       req.AgentID,
		Status:        journal.StatusSuccess,
		Details: map[string]any{
			"session_id":    sessionID,
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"cost_usd":      usage.CostUSD,
		},
	})
	e.publish(ctx, Event{
		Type:      EventSessionEnded,
		SessionID: s.ID,
		AgentID:   s.AgentID,
		UserID:    s.UserID,
		Timestamp: end,
	})
	return s, nil
}

// summarizeSession builds a closing summary from the session's memories
// and reports the provider usage the generation cost. With a completer
// configured the summary is generated; otherwise, or on failure, it falls
// back to stitching the stored summaries.
func (e *Engine) summarizeSession(ctx context.Context, req Requester, sessionID string) (string, Completion) {
	rctx, cancel := e.recordCtx(ctx)
	page, err := e.records.Query(rctx, Filter{
		UserID:    req.UserID,
		SessionID: sessionID,
	}, OrderCreatedDesc, 50, "")
	cancel()
	if err != nil || len(page.Memories) == 0 {
		return "", Completion{}
	}

	var sb strings.Builder
	for i := len(page.Memories) - 1; i >= 0; i-- {
		sb.WriteString("- ")
		sb.WriteString(page.Memories[i].Summary)
		sb.WriteString("\n")
	}
	raw := sb.String()

	if e.completer != nil {
		out, err := e.completer.Complete(ctx,
			"Summarize this work session in two or three sentences. Keep concrete file names and decisions.",
			raw, 256)
		if err == nil && strings.TrimSpace(out.Text) != "" {
			return strings.TrimSpace(out.Text), out
		}
		e.logger.Warn().Err(err).Str("sessionID", sessionID).Msg("session summary generation failed, using extractive fallback")
	}
	return DeriveSummary(strings.TrimSpace(raw)), Completion{}
}

// SessionContext is everything an agent needs to resume work: the session,
// its memories oldest first, and the files they touched.
type SessionContext struct {
	Session  *Session  `json:"session"`
	Memories []*Memory `json:"memories"`
	Files    []string  `json:"files,omitempty"`
}

// GetSessionContext hydrates one session for the requester.
func (e *Engine) GetSessionContext(ctx context.Context, req Requester, sessionID string) (*SessionContext, error) {
	rctx, cancel := e.recordCtx(ctx)
	s, err := e.records.GetSession(rctx, sessionID)
	cancel()
	if err != nil {
		return nil, notFoundOr(err)
	}
	if s.UserID != req.UserID {
		return nil, memerr.New(memerr.CodeNotFound, "no such session")
	}

	rctx, cancel = e.recordCtx(ctx)
	page, err := e.records.Query(rctx, Filter{
		UserID:    req.UserID,
		SessionID: sessionID,
	}, OrderCreatedDesc, 200, "")
	cancel()
	if err != nil {
		return nil, notFoundOr(err)
	}

	now := e.now()
	sc := &SessionContext{Session: s}
	seenFiles := make(map[string]bool)
	for i := len(page.Memories) - 1; i >= 0; i-- {
		m := page.Memories[i]
		if !e.readable(ctx, m, req, now) {
			continue
		}
		sc.Memories = append(sc.Memories, m)
		for _, f := range m.Files {
			if !seenFiles[f] {
				seenFiles[f] = true
				sc.Files = append(sc.Files, f)
			}
		}
	}
	return sc, nil
}

// ListRecentSessions returns the requester's sessions newest first.
func (e *Engine) ListRecentSessions(ctx context.Context, req Requester, activeOnly bool, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	sessions, err := e.records.ListSessions(rctx, req.UserID, activeOnly, limit)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeInternal, "session listing failed", err)
	}
	out := sessions[:0]
	for _, s := range sessions {
		if s.AgentID == req.AgentID {
			out = append(out, s)
		}
	}
	return out, nil
}

// StaleSessionCutoff is how long a session may sit idle before the stale
// session worker closes it.
const StaleSessionCutoff = 24 * time.Hour

// CloseStaleSessions force-closes sessions idle past the cutoff. Idleness is
// measured from the newest memory in the session, or the session start when
// it has none. Returns the ids closed.
func (e *Engine) CloseStaleSessions(ctx context.Context, userID string, now time.Time) ([]string, error) {
	rctx, cancel := e.recordCtx(ctx)
	sessions, err := e.records.ListSessions(rctx, userID, true, 500)
	cancel()
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeInternal, "session listing failed", err)
	}

	var closed []string
	for _, s := range sessions {
		last := s.StartTime
		rctx, cancel := e.recordCtx(ctx)
		page, err := e.records.Query(rctx, Filter{UserID: s.UserID, SessionID: s.ID}, OrderCreatedDesc, 1, "")
		cancel()
		if err == nil && len(page.Memories) > 0 && page.Memories[0].CreatedAt.After(last) {
			last = page.Memories[0].CreatedAt
		}
		if now.Sub(last) < StaleSessionCutoff {
			continue
		}
		req := Requester{UserID: s.UserID, AgentID: s.AgentID}
		if _, err := e.EndSession(ctx, req, s.ID); err != nil {
			e.logger.Warn().Err(err).Str("sessionID", s.ID).Msg("stale session close failed")
			continue
		}
		closed = append(closed, s.ID)
	}
	return closed, nil
}
