package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPool creates the shared PostgreSQL connection pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return pool, nil
}

// NewPostgres creates a Postgres-backed ledger store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Store = (*Postgres)(nil)

// EnsureSchema creates the ledger tables if missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS executions (
			id            UUID PRIMARY KEY,
			user_id       TEXT NOT NULL,
			sandbox_key   TEXT NOT NULL,
			command       TEXT NOT NULL,
			output        TEXT NOT NULL DEFAULT '',
			success       BOOLEAN NOT NULL,
			duration_ms   BIGINT NOT NULL DEFAULT 0,
			cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
			started_at    TIMESTAMPTZ NOT NULL,
			ended_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS executions_user_idx ON executions (user_id, ended_at DESC);

		CREATE TABLE IF NOT EXISTS usage_rollups (
			user_id          TEXT NOT NULL,
			day              DATE NOT NULL,
			total_executions BIGINT NOT NULL DEFAULT 0,
			total_cost       DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, day)
		);`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating ledger schema: %w", err)
	}
	return nil
}

func (s *Postgres) InsertExecution(ctx context.Context, rec *Record) error {
	const query = `
		INSERT INTO executions (id, user_id, sandbox_key, command, output,
			success, duration_ms, cost_estimate, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.SandboxKey, rec.Command,
		truncateForDB(rec.Output, 65535),
		rec.Success, rec.DurationMS, rec.CostEstimate,
		rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *Postgres) UsageStats(ctx context.Context, userID, sandboxKey string) (*UsageStats, error) {
	const query = `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COALESCE(SUM(cost_estimate), 0),
			COALESCE(SUM(duration_ms), 0),
			MAX(ended_at)
		FROM executions
		WHERE user_id = $1 AND ($2 = '' OR sandbox_key = $2)`

	var stats UsageStats
	var totalDurationMS int64
	var lastUsed *time.Time
	err := s.pool.QueryRow(ctx, query, userID, sandboxKey).Scan(
		&stats.TotalExecutions, &stats.SuccessfulExecutions,
		&stats.TotalCost, &totalDurationMS, &lastUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats for %s: %w", userID, err)
	}

	stats.LastUsedAt = lastUsed
	stats.finalize(totalDurationMS)
	return &stats, nil
}

func (s *Postgres) RecentExecutions(ctx context.Context, userID string, limit int) ([]Record, error) {
	const query = `
		SELECT id, user_id, sandbox_key, command, output, success,
			duration_ms, cost_estimate, started_at, ended_at
		FROM executions
		WHERE user_id = $1
		ORDER BY ended_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions for %s: %w", userID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.SandboxKey, &rec.Command, &rec.Output,
			&rec.Success, &rec.DurationMS, &rec.CostEstimate,
			&rec.StartedAt, &rec.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Postgres) BumpDailyRollup(ctx context.Context, userID string, day time.Time, cost float64) error {
	const query = `
		INSERT INTO usage_rollups (user_id, day, total_executions, total_cost, updated_at)
		VALUES ($1, $2, 1, $3, now())
		ON CONFLICT (user_id, day) DO UPDATE SET
			total_executions = usage_rollups.total_executions + 1,
			total_cost = usage_rollups.total_cost + EXCLUDED.total_cost,
			updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, userID, day.UTC().Truncate(24*time.Hour), cost); err != nil {
		return fmt.Errorf("bumping rollup: %w", err)
	}
	return nil
}

func (s *Postgres) UpsertDailyRollup(ctx context.Context, userID string, day time.Time, executions int64, cost float64) error {
	// GREATEST keeps counters monotonic under retries and races.
	const query = `
		INSERT INTO usage_rollups (user_id, day, total_executions, total_cost, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, day) DO UPDATE SET
			total_executions = GREATEST(usage_rollups.total_executions, EXCLUDED.total_executions),
			total_cost = GREATEST(usage_rollups.total_cost, EXCLUDED.total_cost),
			updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, userID, day.UTC().Truncate(24*time.Hour), executions, cost); err != nil {
		return fmt.Errorf("upserting rollup: %w", err)
	}
	return nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
