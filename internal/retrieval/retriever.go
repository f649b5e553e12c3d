package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"shellchat/internal/monitor"
)

const (
	// DefaultThreshold is the minimum cosine similarity for a prior turn
	// to count as relevant.
	DefaultThreshold = 0.7
	// MaxResults caps search results regardless of the caller's limit.
	MaxResults = 50
)

// Result is one scored prior message, transient to a single query.
type Result struct {
	MessageID  string    `json:"message_id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Similarity float64   `json:"similarity"`
}

// Context is an assembled LLM context block with its cited sources.
type Context struct {
	Text    string   `json:"text"`
	Sources []Result `json:"sources"`
}

// Retriever turns a free-text query into ranked, token-budgeted prior
// conversation snippets. Embedding or store failures degrade to empty
// results; a lost context never blocks a chat turn.
type Retriever struct {
	embedder  *Embedder
	store     VectorStore
	threshold float64
	metrics   *monitor.Metrics
}

// NewRetriever creates a retriever with the given similarity threshold
// (DefaultThreshold when zero).
func NewRetriever(embedder *Embedder, store VectorStore, threshold float64, metrics *monitor.Metrics) *Retriever {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Retriever{
		embedder:  embedder,
		store:     store,
		threshold: threshold,
		metrics:   metrics,
	}
}

// Embedder exposes the retriever's embedder for callers that persist new
// turns alongside their vectors.
func (r *Retriever) Embedder() *Embedder {
	return r.embedder
}

// Search returns the user's prior messages most similar to query, above the
// similarity threshold, most-similar first. A non-empty sessionID
// post-filters to that session. Errors are absorbed into an empty result.
func (r *Retriever) Search(ctx context.Context, query, userID, sessionID string, limit int) []Result {
	if limit <= 0 || limit > MaxResults {
		limit = MaxResults
	}

	start := time.Now()
	results, err := r.search(ctx, query, userID, sessionID, limit)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("retrieval failed, returning no context")
		return nil
	}
	if r.metrics != nil {
		r.metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
	}
	return results
}

func (r *Retriever) search(ctx context.Context, query, userID, sessionID string, limit int) ([]Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := r.store.NearestMessages(ctx, userID, vec, r.threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbors: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sc := range scored {
		if sessionID != "" && sc.SessionID != sessionID {
			continue
		}
		results = append(results, Result{
			MessageID:  sc.ID,
			SessionID:  sc.SessionID,
			UserID:     sc.UserID,
			Role:       sc.Role,
			Content:    sc.Content,
			Timestamp:  sc.CreatedAt,
			Similarity: sc.Similarity,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// BuildContext assembles "[role]: content" blocks in similarity-descending
// order until the next block would push the estimated token count past
// maxTokens. Blocks are never truncated mid-content, and Sources lists
// exactly the included results in order.
func (r *Retriever) BuildContext(ctx context.Context, query, userID, sessionID string, maxTokens int) *Context {
	results := r.Search(ctx, query, userID, sessionID, MaxResults)

	var b strings.Builder
	var sources []Result
	for _, res := range results {
		block := formatBlock(res)
		if estimateTokens(b.Len()+len(block)) > maxTokens {
			break
		}
		b.WriteString(block)
		sources = append(sources, res)
	}

	return &Context{Text: b.String(), Sources: sources}
}

func formatBlock(res Result) string {
	return "[" + res.Role + "]: " + res.Content + "\n\n"
}

// estimateTokens approximates tokens as ceil(chars/4).
func estimateTokens(chars int) int {
	return (chars + 3) / 4
}
