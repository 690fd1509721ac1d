// Package chromemstore implements the vector index on chromem-go: an
// embedded, pure-Go store with optional file persistence. It is the
// zero-config default when no Qdrant server is configured.
package chromemstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Config controls persistence. An empty PersistPath keeps vectors in RAM.
type Config struct {
	PersistPath string `yaml:"persist_path,omitempty"`
	Compress    bool   `yaml:"compress,omitempty"`
	Collection  string `yaml:"collection"`
}

// Store implements memory.VectorStore on chromem-go.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	cfg        Config
	logger     zerolog.Logger
	mu         sync.Mutex
}

// New opens or creates the store. An existing persisted database is loaded;
// a corrupt one is replaced with a warning rather than failing startup.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}
	log := logger.With().Str("component", "chromem_vectors").Logger()

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.PersistPath), 0o755); err != nil {
			return nil, fmt.Errorf("create vector directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistPath, cfg.Compress)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.PersistPath).Msg("vector database unreadable, starting empty")
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed; the embedding func must never run.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectors are pre-computed")
	}
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, identity)
	if err != nil {
		return nil, fmt.Errorf("open collection %q: %w", cfg.Collection, err)
	}
	return &Store{db: db, collection: col, cfg: cfg, logger: log}, nil
}

func (s *Store) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	meta := make(map[string]string, len(payload))
	for k, v := range payload {
		meta[k] = fmt.Sprint(v)
	}
	doc := chromem.Document{ID: id, Metadata: meta, Embedding: vector}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert vector %s: %w", id, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, vector []float32, k int, filter map[string]any) ([]memory.VectorRef, error) {
	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for key, v := range filter {
			where[key] = fmt.Sprint(v)
		}
	}
	// chromem rejects k larger than the collection size.
	if n := s.collection.Count(); k > n {
		k = n
	}
	if k == 0 {
		return nil, nil
	}
	results, err := s.collection.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	refs := make([]memory.VectorRef, 0, len(results))
	for _, r := range results {
		refs = append(refs, memory.VectorRef{ID: r.ID, Score: float64(r.Similarity)})
	}
	return refs, nil
}

func (s *Store) Nearby(ctx context.Context, id string, k int) ([]memory.VectorRef, error) {
	doc, err := s.collection.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("vector %s: %w", id, memory.ErrRecordNotFound)
	}
	var filter map[string]any
	if uid, ok := doc.Metadata["user_id"]; ok {
		filter = map[string]any{"user_id": uid}
	}
	refs, err := s.Search(ctx, doc.Embedding, k+1, filter)
	if err != nil {
		return nil, err
	}
	out := refs[:0]
	for _, r := range refs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

var _ memory.VectorStore = (*Store)(nil)
