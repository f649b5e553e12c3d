package ledger

import (
	"context"
	"time"
)

// Record is one immutable audit entry for a command execution attempt.
type Record struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	SandboxKey   string    `json:"sandbox_key" db:"sandbox_key"`
	Command      string    `json:"command" db:"command"`
	Output       string    `json:"output" db:"output"`
	Success      bool      `json:"success" db:"success"`
	DurationMS   int64     `json:"duration_ms" db:"duration_ms"`
	CostEstimate float64   `json:"cost_estimate" db:"cost_estimate"`
	StartedAt    time.Time `json:"started_at" db:"started_at"`
	EndedAt      time.Time `json:"ended_at" db:"ended_at"`
}

// UsageStats is a per-user rollup derived from execution records.
type UsageStats struct {
	TotalExecutions      int64      `json:"total_executions"`
	SuccessfulExecutions int64      `json:"successful_executions"`
	TotalCost            float64    `json:"total_cost"`
	AverageDurationMS    float64    `json:"average_duration_ms"`
	SuccessRate          float64    `json:"success_rate"` // percent, 0..100
	LastUsedAt           *time.Time `json:"last_used_at,omitempty"`
}

// finalize derives the guarded ratios. Zero totals yield zero rate and
// average, never a division by zero.
func (s *UsageStats) finalize(totalDurationMS int64) {
	if s.TotalExecutions == 0 {
		s.SuccessRate = 0
		s.AverageDurationMS = 0
		return
	}
	s.SuccessRate = float64(s.SuccessfulExecutions) / float64(s.TotalExecutions) * 100
	s.AverageDurationMS = float64(totalDurationMS) / float64(s.TotalExecutions)
}

// Store persists execution records and serves aggregates over them.
type Store interface {
	// InsertExecution appends one record. Records are never mutated.
	InsertExecution(ctx context.Context, rec *Record) error
	// UsageStats aggregates records for a user, optionally narrowed to one
	// sandbox key (empty matches all).
	UsageStats(ctx context.Context, userID, sandboxKey string) (*UsageStats, error)
	// RecentExecutions lists a user's records, newest first.
	RecentExecutions(ctx context.Context, userID string, limit int) ([]Record, error)
	// BumpDailyRollup atomically folds one execution into the (user, day)
	// rollup row.
	BumpDailyRollup(ctx context.Context, userID string, day time.Time, cost float64) error
	// UpsertDailyRollup applies externally computed totals with monotonic
	// max semantics: stored counters never decrease on out-of-order or
	// retried updates.
	UpsertDailyRollup(ctx context.Context, userID string, day time.Time, executions int64, cost float64) error
}
