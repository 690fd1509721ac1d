// Package qdrantstore implements the vector index on a Qdrant server over
// its gRPC API. It is the recommended backend for multi-node deployments.
package qdrantstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Config locates the Qdrant server and names the collection.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	Collection string `yaml:"collection"`
	// Dimension of the embedding vectors; the collection is created with it
	// on first use.
	Dimension int `yaml:"dimension"`
}

// Store implements memory.VectorStore on Qdrant.
type Store struct {
	client     *qdrant.Client
	collection string
	dimension  int
	logger     zerolog.Logger
}

// New connects to Qdrant and ensures the collection exists.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	s := &Store{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		logger:     logger.With().Str("component", "qdrant_vectors").Logger(),
	}
	if cfg.Dimension > 0 {
		if err := s.ensureCollection(ctx, cfg.Dimension); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return memory.Transient(fmt.Errorf("check collection %s: %w", s.collection, err))
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return memory.Transient(fmt.Errorf("create collection %s: %w", s.collection, err))
	}
	s.logger.Info().Str("collection", s.collection).Int("dimension", dimension).Msg("created vector collection")
	return nil
}

func (s *Store) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	if err := s.ensureCollection(ctx, len(vector)); err != nil {
		return err
	}
	qp := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		val, err := qdrant.NewValue(v)
		if err != nil {
			return fmt.Errorf("convert payload key %s: %w", k, err)
		}
		qp[k] = val
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qp,
		}},
	})
	if err != nil {
		return memory.Transient(fmt.Errorf("upsert vector %s: %w", id, err))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}},
				},
			},
		},
	})
	if err != nil {
		return memory.Transient(fmt.Errorf("delete vector %s: %w", id, err))
	}
	return nil
}

func (s *Store) Search(ctx context.Context, vector []float32, k int, filter map[string]any) ([]memory.VectorRef, error) {
	req := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(false),
	}
	if len(filter) > 0 {
		req.Filter = buildFilter(filter)
	}
	res, err := s.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, memory.Transient(fmt.Errorf("vector search: %w", err))
	}
	return toRefs(res.Result), nil
}

// Nearby reads the stored vector for id and searches around it within the
// same tenant.
func (s *Store) Nearby(ctx context.Context, id string, k int) ([]memory.VectorRef, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}},
		WithVectors:    qdrant.NewWithVectors(true),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, memory.Transient(fmt.Errorf("get vector %s: %w", id, err))
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("vector %s: %w", id, memory.ErrRecordNotFound)
	}
	p := points[0]
	var vec []float32
	if p.Vectors != nil {
		if v := p.Vectors.GetVector(); v != nil {
			if dense, ok := v.Vector.(*qdrant.VectorOutput_Dense); ok && dense.Dense != nil {
				vec = dense.Dense.Data
			}
		}
	}
	if vec == nil {
		return nil, fmt.Errorf("vector %s has no dense data", id)
	}
	var filter map[string]any
	if p.Payload != nil {
		if uid, ok := p.Payload["user_id"]; ok {
			filter = map[string]any{"user_id": uid.GetStringValue()}
		}
	}
	refs, err := s.Search(ctx, vec, k+1, filter)
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

func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return memory.Transient(fmt.Errorf("qdrant health: %w", err))
	}
	return nil
}

// Close releases the gRPC connection.
func (s *Store) Close() error { return s.client.Close() }

func buildFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: val.GetStringValue()},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func toRefs(points []*qdrant.ScoredPoint) []memory.VectorRef {
	refs := make([]memory.VectorRef, 0, len(points))
	for _, p := range points {
		var id string
		if p.Id != nil {
			switch v := p.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = v.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", v.Num)
			}
		}
		refs = append(refs, memory.VectorRef{ID: id, Score: float64(p.Score)})
	}
	return refs
}

var _ memory.VectorStore = (*Store)(nil)
