package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"shellchat/internal/monitor"
)

// maxEmbedChars is the provider-safe input length; longer text is truncated
// before hashing so cache keys match what was actually embedded.
const maxEmbedChars = 8000

// EmbeddingClient abstracts the OpenAI embeddings call for testing.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

var _ EmbeddingClient = (*openai.Client)(nil)

// Embedder turns text into vectors, memoizing through a bounded LRU cache
// keyed by a hash of the normalized text.
type Embedder struct {
	client  EmbeddingClient
	model   openai.EmbeddingModel
	cache   *Cache
	metrics *monitor.Metrics
}

// NewEmbedder creates an embedder with the given cache capacity.
func NewEmbedder(client EmbeddingClient, model openai.EmbeddingModel, cacheSize int, metrics *monitor.Metrics) *Embedder {
	if model == "" {
		model = openai.SmallEmbedding3
	}
	return &Embedder{
		client:  client,
		model:   model,
		cache:   NewCache(cacheSize),
		metrics: metrics,
	}
}

// Embed returns the embedding vector for text, from cache when available.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	normalized := normalizeText(text)
	key := hashText(normalized)

	if vec, ok := e.cache.Get(key); ok {
		if e.metrics != nil {
			e.metrics.EmbeddingCacheHits.Inc()
		}
		return vec, nil
	}
	if e.metrics != nil {
		e.metrics.EmbeddingCacheMisses.Inc()
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: e.model,
		Input: []string{normalized},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}

	vec := resp.Data[0].Embedding
	e.cache.Put(key, vec)
	return vec, nil
}

// CacheLen reports the number of memoized vectors.
func (e *Embedder) CacheLen() int {
	return e.cache.Len()
}

// normalizeText collapses whitespace (including newlines) and truncates to
// the provider-safe length.
func normalizeText(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if len(collapsed) > maxEmbedChars {
		collapsed = collapsed[:maxEmbedChars]
	}
	return collapsed
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
