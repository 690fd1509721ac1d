// Package journal is the operation journal: an append-only audit log of
// every mutating operation and a time-bounded undo log enabling reversal.
// Entries are owned exclusively by the journal; nothing mutates them after
// write except the undo status transitions.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPartial = "partial"
)

// Undo statuses.
const (
	UndoPending   = "pending"
	UndoCompleted = "completed"
	UndoFailed    = "failed"
	UndoExpired   = "expired"
)

// ErrNotFound is returned for missing or expired undo entries.
var ErrNotFound = errors.New("journal entry not found")

// AuditEntry records one operation's occurrence and outcome.
type AuditEntry struct {
	LogID           string         `json:"log_id"`
	Timestamp       time.Time      `json:"timestamp"`
	OperationType   string         `json:"operation_type"`
	AgentID         string         `json:"agent_id"`
	Status          string         `json:"status"`
	MemoryID        string         `json:"memory_id,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// UndoEntry captures the full prior state of one reversible operation.
type UndoEntry struct {
	UndoID           string          `json:"undo_id"`
	OperationType    string          `json:"operation_type"`
	AgentID          string          `json:"agent_id"`
	OriginalState    json.RawMessage `json:"original_state,omitempty"`
	NewState         json.RawMessage `json:"new_state,omitempty"`
	MemoryID         string          `json:"memory_id,omitempty"`
	OperationChainID string          `json:"operation_chain_id,omitempty"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// Expired reports whether the undo window has closed.
func (u *UndoEntry) Expired(now time.Time) bool { return u.ExpiresAt.Before(now) }

// AuditFilter narrows audit listings.
type AuditFilter struct {
	AgentID       string
	OperationType string
	MemoryID      string
	Status        string
	Since         *time.Time
}

// Store persists journal entries. Implementations: sqlite, in-memory.
type Store interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter, limit int) ([]*AuditEntry, error)

	AppendUndo(ctx context.Context, e *UndoEntry) error
	GetUndo(ctx context.Context, undoID string) (*UndoEntry, error)
	ListUndoByChain(ctx context.Context, chainID string) ([]*UndoEntry, error)
	SetUndoStatus(ctx context.Context, undoID, status string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	Ping(ctx context.Context) error
}

// Journal wraps a Store with id assignment and retention policy.
type Journal struct {
	store     Store
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// New builds a journal with the given undo retention window.
func New(store Store, undoRetention time.Duration, logger zerolog.Logger) *Journal {
	if undoRetention == 0 {
		undoRetention = 7 * 24 * time.Hour
	}
	return &Journal{
		store:     store,
		retention: undoRetention,
		logger:    logger.With().Str("component", "journal").Logger(),
		now:       time.Now,
	}
}

// WithClock overrides the journal clock in tests.
func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

// Audit appends one audit entry, assigning id and timestamp when unset.
func (j *Journal) Audit(ctx context.Context, e AuditEntry) error {
	if e.LogID == "" {
		e.LogID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now().UTC()
	}
	if err := j.store.AppendAudit(ctx, &e); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns recent audit entries matching the filter.
func (j *Journal) ListAudit(ctx context.Context, f AuditFilter, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return j.store.ListAudit(ctx, f, limit)
}

// RecordUndo appends one undo entry and returns its id.
func (j *Journal) RecordUndo(ctx context.Context, e UndoEntry) (string, error) {
	if e.UndoID == "" {
		e.UndoID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = UndoPending
	}
	now := j.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = now.Add(j.retention)
	}
	if err := j.store.AppendUndo(ctx, &e); err != nil {
		return "", fmt.Errorf("append undo: %w", err)
	}
	return e.UndoID, nil
}

// GetUndo returns a live (non-expired) undo entry. Expired entries report
// ErrNotFound: the undo window has closed.
func (j *Journal) GetUndo(ctx context.Context, undoID string) (*UndoEntry, error) {
	e, err := j.store.GetUndo(ctx, undoID)
	if err != nil {
		return nil, err
	}
	if e.Expired(j.now()) {
		return nil, ErrNotFound
	}
	return e, nil
}

// Chain returns every undo entry sharing an operation chain id, so that a
// composite operation reverses all-or-nothing.
func (j *Journal) Chain(ctx context.Context, chainID string) ([]*UndoEntry, error) {
	entries, err := j.store.ListUndoByChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	now := j.now()
	for _, e := range entries {
		if e.Expired(now) {
			return nil, ErrNotFound
		}
	}
	return entries, nil
}

// Resolve marks an undo entry's terminal status.
func (j *Journal) Resolve(ctx context.Context, undoID, status string) error {
	return j.store.SetUndoStatus(ctx, undoID, status)
}

// PurgeExpired deletes undo entries past their window.
func (j *Journal) PurgeExpired(ctx context.Context) (int, error) {
	return j.store.PurgeExpired(ctx, j.now())
}

// Ping probes the backing store.
func (j *Journal) Ping(ctx context.Context) error { return j.store.Ping(ctx) }
