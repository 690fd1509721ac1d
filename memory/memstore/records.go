// Package memstore provides in-process implementations of every storage
// interface. They back single-node deployments without external services
// and all package tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/memhive/memoryd/memory"
)

// Records is an in-memory RecordStore.
type Records struct {
	mu       sync.RWMutex
	memories map[string]*memory.Memory
	sessions map[string]*memory.Session
	spaces   map[string]*memory.SharedSpace
}

// NewRecords returns an empty record store.
func NewRecords() *Records {
	return &Records{
		memories: make(map[string]*memory.Memory),
		sessions: make(map[string]*memory.Session),
		spaces:   make(map[string]*memory.SharedSpace),
	}
}

func (r *Records) Put(ctx context.Context, m *memory.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.memories[m.ID]; ok {
		return fmt.Errorf("memory %s already exists", m.ID)
	}
	r.memories[m.ID] = m.Clone()
	return nil
}

func (r *Records) Get(ctx context.Context, id string) (*memory.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.memories[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, memory.ErrRecordNotFound)
	}
	return m.Clone(), nil
}

func (r *Records) Update(ctx context.Context, m *memory.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.memories[m.ID]; !ok {
		return fmt.Errorf("memory %s: %w", m.ID, memory.ErrRecordNotFound)
	}
	r.memories[m.ID] = m.Clone()
	return nil
}

func (r *Records) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.memories[id]; !ok {
		return fmt.Errorf("memory %s: %w", id, memory.ErrRecordNotFound)
	}
	delete(r.memories, id)
	return nil
}

// Query filters and pages in memory. Ordering is newest first with id as
// the tiebreaker, matching the cursor encoding.
func (r *Records) Query(ctx context.Context, f memory.Filter, order memory.Order, limit int, cursor string) (*memory.Page, error) {
	r.mu.RLock()
	now := time.Now()
	var all []*memory.Memory
	for _, m := range r.memories {
		if f.Matches(m, now) {
			all = append(all, m.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	start := 0
	if cursor != "" {
		ts, id, err := memory.DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		for i, m := range all {
			if m.CreatedAt.Before(ts) || (m.CreatedAt.Equal(ts) && m.ID > id) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start >= len(all) {
		return &memory.Page{}, nil
	}
	all = all[start:]

	page := &memory.Page{}
	if limit > 0 && len(all) > limit {
		page.Memories = all[:limit]
		last := page.Memories[limit-1]
		page.NextCursor = memory.EncodeCursor(last.CreatedAt, last.ID)
	} else {
		page.Memories = all
	}
	return page, nil
}

func (r *Records) BulkGet(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*memory.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.memories[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (r *Records) Count(ctx context.Context, f memory.Filter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, m := range r.memories {
		if f.Matches(m, now) {
			n++
		}
	}
	return n, nil
}

func (r *Records) PutSession(ctx context.Context, s *memory.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *Records) GetSession(ctx context.Context, id string) (*memory.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, memory.ErrRecordNotFound)
	}
	cp := *s
	return &cp, nil
}

func (r *Records) UpdateSession(ctx context.Context, s *memory.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s: %w", s.ID, memory.ErrRecordNotFound)
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *Records) ListSessions(ctx context.Context, userID string, activeOnly bool, limit int) ([]*memory.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*memory.Session
	for _, s := range r.sessions {
		if s.UserID != userID {
			continue
		}
		if activeOnly && !s.Active() {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Records) ListUsers(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.memories {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			out = append(out, m.UserID)
		}
	}
	for _, s := range r.sessions {
		if !seen[s.UserID] {
			seen[s.UserID] = true
			out = append(out, s.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Records) PutSpace(ctx context.Context, sp *memory.SharedSpace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sp
	cp.Members = append([]string(nil), sp.Members...)
	r.spaces[sp.ID] = &cp
	return nil
}

func (r *Records) GetSpace(ctx context.Context, id string) (*memory.SharedSpace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.spaces[id]
	if !ok {
		return nil, fmt.Errorf("space %s: %w", id, memory.ErrRecordNotFound)
	}
	cp := *sp
	cp.Members = append([]string(nil), sp.Members...)
	return &cp, nil
}

func (r *Records) UpdateSpace(ctx context.Context, sp *memory.SharedSpace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.spaces[sp.ID]; !ok {
		return fmt.Errorf("space %s: %w", sp.ID, memory.ErrRecordNotFound)
	}
	cp := *sp
	cp.Members = append([]string(nil), sp.Members...)
	r.spaces[sp.ID] = &cp
	return nil
}

func (r *Records) ListSpaces(ctx context.Context, agentID string) ([]*memory.SharedSpace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*memory.SharedSpace
	for _, sp := range r.spaces {
		if sp.HasMember(agentID) {
			cp := *sp
			cp.Members = append([]string(nil), sp.Members...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Records) Ping(ctx context.Context) error { return nil }

var _ memory.RecordStore = (*Records)(nil)
