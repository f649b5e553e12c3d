package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shellchat/internal/provider"
)

type fakeSandbox struct {
	id string

	mu      sync.Mutex
	runs    []string
	killed  bool
	killErr error
	runFunc func(command string, opts provider.RunOptions) (*provider.RunResult, error)
}

func (s *fakeSandbox) ID() string { return s.id }

func (s *fakeSandbox) Run(_ context.Context, command string, opts provider.RunOptions) (*provider.RunResult, error) {
	s.mu.Lock()
	s.runs = append(s.runs, command)
	fn := s.runFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(command, opts)
	}
	return &provider.RunResult{ExitCode: 0}, nil
}

func (s *fakeSandbox) Kill(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
	return s.killErr
}

func (s *fakeSandbox) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

type fakeProvider struct {
	mu          sync.Mutex
	created     int
	createErr   error
	createDelay time.Duration
	runFunc     func(command string, opts provider.RunOptions) (*provider.RunResult, error)
	sandboxes   []*fakeSandbox
}

func (p *fakeProvider) Create(ctx context.Context, cfg provider.CreateConfig) (provider.Sandbox, error) {
	if p.createDelay > 0 {
		select {
		case <-time.After(p.createDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	sb := &fakeSandbox{id: fmt.Sprintf("sbx-%d", p.created), runFunc: p.runFunc}
	p.sandboxes = append(p.sandboxes, sb)
	return sb, nil
}

func (p *fakeProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func newTestManager(p provider.Provider) *Manager {
	return NewManager(p, ManagerConfig{
		Defaults: provider.CreateConfig{
			Template:     "base",
			TotalTimeout: 10 * time.Minute,
		},
		ProbeTimeout: time.Second,
	}, nil)
}

func TestEnsureActive_CreatesThenReuses(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p)
	key := Key{UserID: "u1", SessionID: "s1"}

	h1, isNew, err := m.EnsureActive(context.Background(), key, provider.CreateConfig{})
	if err != nil {
		t.Fatalf("EnsureActive() error = %v", err)
	}
	if !isNew {
		t.Error("first EnsureActive: isNew = false, want true")
	}

	h2, isNew, err := m.EnsureActive(context.Background(), key, provider.CreateConfig{})
	if err != nil {
		t.Fatalf("second EnsureActive() error = %v", err)
	}
	if isNew {
		t.Error("second EnsureActive: isNew = true, want false")
	}
	if h1.Remote.ID() != h2.Remote.ID() {
		t.Errorf("sandbox IDs differ: %s vs %s", h1.Remote.ID(), h2.Remote.ID())
	}
	if p.createdCount() != 1 {
		t.Errorf("created = %d, want 1", p.createdCount())
	}
}

func TestEnsureActive_SerializedCallsKeepOneHandle(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p)
	key := Key{UserID: "u1", SessionID: "s1"}

	for i := 0; i < 10; i++ {
		if _, _, err := m.EnsureActive(context.Background(), key, provider.CreateConfig{}); err != nil {
			t.Fatalf("EnsureActive() #%d error = %v", i, err)
		}
	}

	if m.Size() != 1 {
		t.Errorf("registry size = %d, want 1", m.Size())
	}
	if p.createdCount() != 1 {
		t.Errorf("created = %d, want 1", p.createdCount())
	}
}

func TestEnsureActive_RecreatesAfterFailedProbe(t *testing.T) {
	p := &fakeProvider{
		runFunc: func(command string, _ provider.RunOptions) (*provider.RunResult, error) {
			return nil, errors.New("sandbox sbx-1 is not running")
		},
	}
	m := newTestManager(p)
	key := Key{UserID: "u1", SessionID: "s1"}

	if _, _, err := m.EnsureActive(context.Background(), key, provider.CreateConfig{}); err != nil {
		t.Fatalf("EnsureActive() error = %v", err)
	}

	// Probe of the dead sandbox fails, so the second call recreates.
	_, isNew, err := m.EnsureActive(context.Background(), key, provider.CreateConfig{})
	if err != nil {
		t.Fatalf("second EnsureActive() error = %v", err)
	}
	if !isNew {
		t.Error("isNew = false after failed probe, want true")
	}
	if p.createdCount() != 2 {
		t.Errorf("created = %d, want 2", p.createdCount())
	}
	if m.Size() != 1 {
		t.Errorf("registry size = %d, want 1", m.Size())
	}
}

func TestEnsureActive_CreationError(t *testing.T) {
	p := &fakeProvider{createErr: errors.New("quota exceeded")}
	m := newTestManager(p)

	_, _, err := m.EnsureActive(context.Background(), Key{UserID: "u1", SessionID: "s1"}, provider.CreateConfig{})
	if err == nil {
		t.Fatal("EnsureActive() error = nil, want creation error")
	}
	if !provider.IsCreation(err) {
		t.Errorf("IsCreation(%v) = false, want true", err)
	}
	if m.Size() != 0 {
		t.Errorf("registry size = %d after failed creation, want 0", m.Size())
	}
}

func TestEnsureActive_ConcurrentCallsShareOneCreation(t *testing.T) {
	p := &fakeProvider{createDelay: 50 * time.Millisecond}
	m := newTestManager(p)
	key := Key{UserID: "u1", SessionID: "s1"}

	var wg sync.WaitGroup
	var newCount int64
	var mu sync.Mutex

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := m.EnsureActive(context.Background(), key, provider.CreateConfig{})
			if err != nil {
				t.Errorf("EnsureActive() error = %v", err)
				return
			}
			if isNew {
				mu.Lock()
				newCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if p.createdCount() != 1 {
		t.Errorf("created = %d under concurrency, want 1", p.createdCount())
	}
	if newCount != 1 {
		t.Errorf("isNew reported by %d callers, want 1", newCount)
	}
}

func TestDestroy_RemovesEntryDespiteKillError(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p)
	key := Key{UserID: "u1", SessionID: "s1"}

	h, _, err := m.EnsureActive(context.Background(), key, provider.CreateConfig{})
	if err != nil {
		t.Fatalf("EnsureActive() error = %v", err)
	}

	sb := h.Remote.(*fakeSandbox)
	sb.mu.Lock()
	sb.killErr = errors.New("connection refused")
	sb.mu.Unlock()

	m.Destroy(context.Background(), key)
	if m.Size() != 0 {
		t.Errorf("registry size = %d after destroy, want 0", m.Size())
	}
}

func TestDestroyAll_Predicate(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p)

	keys := []Key{
		{UserID: "u1", SessionID: "s1"},
		{UserID: "u1", SessionID: "s2"},
		{UserID: "u2", SessionID: "s1"},
	}
	for _, k := range keys {
		if _, _, err := m.EnsureActive(context.Background(), k, provider.CreateConfig{}); err != nil {
			t.Fatalf("EnsureActive(%v) error = %v", k, err)
		}
	}

	destroyed := m.DestroyAll(context.Background(), func(k Key) bool { return k.UserID == "u1" })
	if destroyed != 2 {
		t.Errorf("destroyed = %d, want 2", destroyed)
	}
	if m.Size() != 1 {
		t.Errorf("registry size = %d, want 1", m.Size())
	}
	if _, ok := m.Lookup(Key{UserID: "u2", SessionID: "s1"}); !ok {
		t.Error("u2/s1 handle missing after selective destroy")
	}
}

func TestSweepIdle_DestroysOnlyStaleHandles(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p)

	ages := map[Key]time.Duration{
		{UserID: "u1", SessionID: "fresh"}: 5 * time.Second,
		{UserID: "u1", SessionID: "old"}:   65 * time.Second,
		{UserID: "u1", SessionID: "older"}: 120 * time.Second,
	}
	now := time.Now()
	for k, age := range ages {
		if _, _, err := m.EnsureActive(context.Background(), k, provider.CreateConfig{}); err != nil {
			t.Fatalf("EnsureActive(%v) error = %v", k, err)
		}
		h, _ := m.Lookup(k)
		h.LastAliveAt = now.Add(-age)
	}

	swept := m.SweepIdle(context.Background(), 60*time.Second)
	if swept != 2 {
		t.Errorf("swept = %d, want 2", swept)
	}
	if _, ok := m.Lookup(Key{UserID: "u1", SessionID: "fresh"}); !ok {
		t.Error("fresh handle was swept, want kept")
	}
	if _, ok := m.Lookup(Key{UserID: "u1", SessionID: "old"}); ok {
		t.Error("old handle kept, want swept")
	}
	if _, ok := m.Lookup(Key{UserID: "u1", SessionID: "older"}); ok {
		t.Error("older handle kept, want swept")
	}
}

func TestEvict_DropsRegistryWithoutKill(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p)
	key := Key{UserID: "u1", SessionID: "s1"}

	h, _, err := m.EnsureActive(context.Background(), key, provider.CreateConfig{})
	if err != nil {
		t.Fatalf("EnsureActive() error = %v", err)
	}

	m.Evict(key)
	if m.Size() != 0 {
		t.Errorf("registry size = %d after evict, want 0", m.Size())
	}

	sb := h.Remote.(*fakeSandbox)
	sb.mu.Lock()
	killed := sb.killed
	sb.mu.Unlock()
	if killed {
		t.Error("evict killed the remote sandbox, want registry-only removal")
	}
}

func TestKeyString(t *testing.T) {
	k := Key{UserID: "alice", SessionID: "main"}
	if got := k.String(); got != "alice/main" {
		t.Errorf("Key.String() = %q, want %q", got, "alice/main")
	}
}
