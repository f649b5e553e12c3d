package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used when no database DSN is configured
// and by tests. Records live for the process lifetime only.
type Memory struct {
	mu      sync.Mutex
	records []Record
	rollups map[rollupKey]*rollup
}

type rollupKey struct {
	userID string
	day    string // YYYY-MM-DD, UTC
}

type rollup struct {
	executions int64
	cost       float64
}

// NewMemory creates an empty in-memory ledger store.
func NewMemory() *Memory {
	return &Memory{rollups: make(map[rollupKey]*rollup)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) InsertExecution(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *Memory) UsageStats(_ context.Context, userID, sandboxKey string) (*UsageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats UsageStats
	var totalDurationMS int64
	for i := range m.records {
		rec := &m.records[i]
		if rec.UserID != userID {
			continue
		}
		if sandboxKey != "" && rec.SandboxKey != sandboxKey {
			continue
		}
		stats.TotalExecutions++
		if rec.Success {
			stats.SuccessfulExecutions++
		}
		stats.TotalCost += rec.CostEstimate
		totalDurationMS += rec.DurationMS
		if stats.LastUsedAt == nil || rec.EndedAt.After(*stats.LastUsedAt) {
			t := rec.EndedAt
			stats.LastUsedAt = &t
		}
	}

	stats.finalize(totalDurationMS)
	return &stats, nil
}

func (m *Memory) RecentExecutions(_ context.Context, userID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []Record
	for i := range m.records {
		if m.records[i].UserID == userID {
			records = append(records, m.records[i])
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].EndedAt.After(records[j].EndedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *Memory) BumpDailyRollup(_ context.Context, userID string, day time.Time, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rollupKey{userID: userID, day: day.UTC().Format("2006-01-02")}
	r, ok := m.rollups[k]
	if !ok {
		r = &rollup{}
		m.rollups[k] = r
	}
	r.executions++
	r.cost += cost
	return nil
}

func (m *Memory) UpsertDailyRollup(_ context.Context, userID string, day time.Time, executions int64, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rollupKey{userID: userID, day: day.UTC().Format("2006-01-02")}
	r, ok := m.rollups[k]
	if !ok {
		r = &rollup{}
		m.rollups[k] = r
	}
	// Monotonic: never let a stale update shrink stored counters.
	r.executions = max(r.executions, executions)
	r.cost = max(r.cost, cost)
	return nil
}

// Rollup returns the stored rollup counters for (user, day). Zeroes when
// no rollup row exists.
func (m *Memory) Rollup(userID string, day time.Time) (executions int64, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rollupKey{userID: userID, day: day.UTC().Format("2006-01-02")}
	if r, ok := m.rollups[k]; ok {
		return r.executions, r.cost
	}
	return 0, 0
}

// Count returns the number of stored records matching userID.
func (m *Memory) Count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for i := range m.records {
		if m.records[i].UserID == userID {
			n++
		}
	}
	return n
}
