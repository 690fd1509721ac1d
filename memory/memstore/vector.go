package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/memhive/memoryd/memory"
)

type vectorEntry struct {
	vector  []float32
	payload map[string]any
}

// Vectors is an in-memory VectorStore ranking by cosine similarity.
type Vectors struct {
	mu      sync.RWMutex
	entries map[string]vectorEntry
}

// NewVectors returns an empty vector store.
func NewVectors() *Vectors {
	return &Vectors{entries: make(map[string]vectorEntry)}
}

func (v *Vectors) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for %s", id)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := make([]float32, len(vector))
	copy(cp, vector)
	pl := make(map[string]any, len(payload))
	for k, val := range payload {
		pl[k] = val
	}
	v.entries[id] = vectorEntry{vector: cp, payload: pl}
	return nil
}

func (v *Vectors) Delete(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, id)
	return nil
}

func (v *Vectors) Search(ctx context.Context, vector []float32, k int, filter map[string]any) ([]memory.VectorRef, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var refs []memory.VectorRef
	for id, e := range v.entries {
		if !payloadMatches(e.payload, filter) {
			continue
		}
		refs = append(refs, memory.VectorRef{ID: id, Score: memory.CosineSimilarity(vector, e.vector)})
	}
	sortRefs(refs)
	if k > 0 && len(refs) > k {
		refs = refs[:k]
	}
	return refs, nil
}

// Nearby returns the neighbors of an indexed vector, excluding itself.
// Results stay within the vector's own tenant.
func (v *Vectors) Nearby(ctx context.Context, id string, k int) ([]memory.VectorRef, error) {
	v.mu.RLock()
	e, ok := v.entries[id]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vector %s: %w", id, memory.ErrRecordNotFound)
	}
	var filter map[string]any
	if uid, ok := e.payload["user_id"]; ok {
		filter = map[string]any{"user_id": uid}
	}
	refs, err := v.Search(ctx, e.vector, k+1, filter)
	if err != nil {
		return nil, err
	}
	out := refs[:0]
	for _, r := range refs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (v *Vectors) Ping(ctx context.Context) error { return nil }

func payloadMatches(payload, filter map[string]any) bool {
	for k, want := range filter {
		if fmt.Sprint(payload[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func sortRefs(refs []memory.VectorRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Score != refs[j].Score {
			return refs[i].Score > refs[j].Score
		}
		return refs[i].ID < refs[j].ID
	})
}

var _ memory.VectorStore = (*Vectors)(nil)
