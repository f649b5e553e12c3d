package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Ledger records every execution attempt and serves usage aggregates.
// Records are inserted on the caller's goroutine so they are durable the
// moment Record returns; only when that insert fails does the record fall
// back to the background writer, where it is retried and a failed audit
// insert never aborts the user-facing operation that triggered it.
type Ledger struct {
	store  Store
	writer *Writer
}

// writeTimeout bounds the synchronous insert so a stalled database cannot
// hold the request path indefinitely.
const writeTimeout = 5 * time.Second

// New creates a ledger over the given store and starts its writer.
func New(store Store) *Ledger {
	w := NewWriter(store, 0)
	w.Start()
	return &Ledger{store: store, writer: w}
}

// Record persists one execution record before returning. Missing ID and
// timestamps are filled in. A failed insert is logged and handed to the
// background writer for retry; the caller is never failed either way.
func (l *Ledger) Record(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = rec.StartedAt
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := l.store.InsertExecution(ctx, rec); err != nil {
		log.Warn().Err(err).Str("record_id", rec.ID).Msg("ledger write failed, queueing for retry")
		l.writer.Enqueue(rec)
		return
	}
	if err := l.store.BumpDailyRollup(ctx, rec.UserID, rec.EndedAt, rec.CostEstimate); err != nil {
		log.Warn().Err(err).Str("user_id", rec.UserID).Msg("rollup bump failed")
	}
}

// RecordFailure records an attempt that never reached the executor, such as
// a sandbox creation failure: zero duration, zero cost, success=false.
func (l *Ledger) RecordFailure(userID, sandboxKey, command string, err error) {
	now := time.Now()
	l.Record(&Record{
		UserID:     userID,
		SandboxKey: sandboxKey,
		Command:    command,
		Output:     err.Error(),
		Success:    false,
		StartedAt:  now,
		EndedAt:    now,
	})
}

// UsageStats aggregates the user's records. A non-empty sessionID narrows
// the scan to that session's sandbox key.
func (l *Ledger) UsageStats(ctx context.Context, userID, sessionID string) (*UsageStats, error) {
	sandboxKey := ""
	if sessionID != "" {
		sandboxKey = userID + "/" + sessionID
	}
	return l.store.UsageStats(ctx, userID, sandboxKey)
}

// Recent lists the user's latest execution records, newest first. A
// non-positive limit, or one above 500, falls back to the default of 50.
func (l *Ledger) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.RecentExecutions(ctx, userID, limit)
}

// UpdateRollup upserts the (user, day) rollup with monotonic counters.
func (l *Ledger) UpdateRollup(ctx context.Context, userID string, day time.Time, stats *UsageStats) error {
	if err := l.store.UpsertDailyRollup(ctx, userID, day, stats.TotalExecutions, stats.TotalCost); err != nil {
		// Bookkeeping only; log and absorb.
		log.Error().Err(err).Str("user_id", userID).Msg("rollup update failed")
	}
	return nil
}

// Close flushes pending writes, waiting at most the given timeout.
func (l *Ledger) Close(timeout time.Duration) {
	l.writer.Flush(timeout)
}
