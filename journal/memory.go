package journal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory journal backend used in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	audit []*AuditEntry
	undos map[string]*UndoEntry
}

// NewMemoryStore returns an empty in-memory journal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{undos: make(map[string]*UndoEntry)}
}

func (s *MemoryStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, f AuditFilter, limit int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuditEntry
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.audit[i]
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.OperationType != "" && e.OperationType != f.OperationType {
			continue
		}
		if f.MemoryID != "" && e.MemoryID != f.MemoryID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) AppendUndo(ctx context.Context, e *UndoEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.undos[e.UndoID] = &cp
	return nil
}

func (s *MemoryStore) GetUndo(ctx context.Context, undoID string) (*UndoEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.undos[undoID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListUndoByChain(ctx context.Context, chainID string) ([]*UndoEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UndoEntry
	for _, e := range s.undos {
		if e.OperationChainID == chainID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetUndoStatus(ctx context.Context, undoID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.undos[undoID]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	return nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.undos {
		if e.Expired(now) {
			delete(s.undos, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
