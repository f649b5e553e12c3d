package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Message is one stored conversation turn.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Scored pairs a message with its cosine similarity to a query, 0..1.
type Scored struct {
	Message
	Similarity float64 `json:"similarity"`
}

// VectorStore persists conversation turns with their embeddings and serves
// nearest-neighbor queries scoped to one user.
type VectorStore interface {
	InsertMessage(ctx context.Context, msg *Message, embedding []float32) error
	// NearestMessages returns messages for userID whose similarity meets
	// the threshold, ordered most-similar first, at most limit entries.
	NearestMessages(ctx context.Context, userID string, embedding []float32, threshold float64, limit int) ([]Scored, error)
}

// PostgresStore implements VectorStore on pgvector.
type PostgresStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewPostgresStore creates a pgvector-backed message store. dims must match
// the embedding model's output dimension.
func NewPostgresStore(pool *pgxpool.Pool, dims int) *PostgresStore {
	if dims <= 0 {
		dims = 1536
	}
	return &PostgresStore{pool: pool, dims: dims}
}

var _ VectorStore = (*PostgresStore)(nil)

// EnsureSchema creates the messages table and vector index if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS messages (
			id         UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			embedding  vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS messages_user_idx ON messages (user_id, created_at DESC);`, s.dims)

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating message schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *Message, embedding []float32) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO messages (id, session_id, user_id, role, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		msg.ID, msg.SessionID, msg.UserID, msg.Role, msg.Content,
		pgvector.NewVector(embedding), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *PostgresStore) NearestMessages(ctx context.Context, userID string, embedding []float32, threshold float64, limit int) ([]Scored, error) {
	const query = `
		SELECT id, session_id, user_id, role, content, created_at,
			1 - (embedding <=> $1) AS similarity
		FROM messages
		WHERE user_id = $2 AND embedding IS NOT NULL
			AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4`

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(embedding), userID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("querying nearest messages: %w", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		var sc Scored
		if err := rows.Scan(
			&sc.ID, &sc.SessionID, &sc.UserID, &sc.Role, &sc.Content,
			&sc.CreatedAt, &sc.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

// MemoryStore is an in-process VectorStore using brute-force cosine
// similarity. Used when no database is configured, and by tests.
type MemoryStore struct {
	mu       sync.Mutex
	messages []Message
	vectors  [][]float32
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ VectorStore = (*MemoryStore)(nil)

func (s *MemoryStore) InsertMessage(_ context.Context, msg *Message, embedding []float32) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *msg)
	s.vectors = append(s.vectors, embedding)
	return nil
}

func (s *MemoryStore) NearestMessages(_ context.Context, userID string, embedding []float32, threshold float64, limit int) ([]Scored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []Scored
	for i := range s.messages {
		if s.messages[i].UserID != userID {
			continue
		}
		sim := cosineSimilarity(embedding, s.vectors[i])
		if sim < threshold {
			continue
		}
		results = append(results, Scored{Message: s.messages[i], Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
