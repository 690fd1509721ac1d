package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/memhive/memoryd/memory"
)

// LocalEmbedder derives embeddings from word content so overlapping texts
// score high cosine similarity. It is deterministic and needs no external
// service: the development default and the embedder behind all tests.
type LocalEmbedder struct {
	dimensions int
}

// NewLocalEmbedder returns a hash-based embedder of the given dimension.
func NewLocalEmbedder(dimensions int) *LocalEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &LocalEmbedder{dimensions: dimensions}
}

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	words := strings.Fields(strings.ToLower(text))
	embedding := make([]float32, e.dimensions)
	if len(words) == 0 {
		return embedding, nil
	}

	for _, word := range words {
		h := fnv.New32a()
		if _, err := h.Write([]byte(word)); err != nil {
			return nil, err
		}
		hash := h.Sum32()
		// Each word influences a few dimensions so shared vocabulary shows
		// up as vector overlap.
		for i := 0; i < 3; i++ {
			dim := int((hash + uint32(i)*2654435761) % uint32(e.dimensions)) //nolint:gosec // bounded by dimensions
			embedding[dim] += float32(math.Sin(float64(hash+uint32(i))*0.1) + 1.0)
		}
	}

	var magnitude float32
	for _, v := range embedding {
		magnitude += v * v
	}
	magnitude = float32(math.Sqrt(float64(magnitude)))
	if magnitude > 0 {
		for i := range embedding {
			embedding[i] /= magnitude
		}
	}
	return embedding, nil
}

var _ memory.Embedder = (*LocalEmbedder)(nil)
