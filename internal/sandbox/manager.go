package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shellchat/internal/monitor"
	"shellchat/internal/provider"
)

// Key identifies the owner of one sandbox: a user within a chat session.
type Key struct {
	UserID    string
	SessionID string
}

func (k Key) String() string {
	return k.UserID + "/" + k.SessionID
}

// Handle is the local ownership record for one live remote sandbox.
type Handle struct {
	Key         Key
	Remote      provider.Sandbox
	CreatedAt   time.Time
	LastAliveAt time.Time // last successful probe or command
}

// probeCommand is the cheap no-op used to check a sandbox is still alive.
const probeCommand = "true"

// Manager owns the registry of live sandboxes keyed by (user, session).
// At most one handle is registered per key; creating a new one is always
// preceded by destroying (or confirming dead) the old one. A per-key
// in-flight guard makes concurrent EnsureActive calls for the same key
// share one creation instead of racing.
type Manager struct {
	provider provider.Provider
	defaults provider.CreateConfig
	probeTTL time.Duration
	metrics  *monitor.Metrics

	mu       sync.Mutex
	handles  map[Key]*Handle
	inflight map[Key]*creation

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type creation struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// ManagerConfig tunes the lifecycle manager.
type ManagerConfig struct {
	Defaults     provider.CreateConfig
	ProbeTimeout time.Duration
}

// NewManager creates a lifecycle manager over the given provider.
func NewManager(p provider.Provider, cfg ManagerConfig, metrics *monitor.Metrics) *Manager {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Manager{
		provider: p,
		defaults: cfg.Defaults,
		probeTTL: cfg.ProbeTimeout,
		metrics:  metrics,
		handles:  make(map[Key]*Handle),
		inflight: make(map[Key]*creation),
		done:     make(chan struct{}),
	}
}

// EnsureActive returns a live sandbox for key, reusing the registered one if
// it passes a liveness probe and creating a fresh one otherwise. isNew is
// true only for the caller whose request actually created the environment.
func (m *Manager) EnsureActive(ctx context.Context, key Key, overrides provider.CreateConfig) (*Handle, bool, error) {
	for {
		m.mu.Lock()
		if h, ok := m.handles[key]; ok {
			m.mu.Unlock()
			if m.probe(ctx, h) {
				m.touch(key)
				return h, false, nil
			}
			log.Info().Str("key", key.String()).Str("sandbox_id", h.Remote.ID()).
				Msg("sandbox failed liveness probe, recreating")
			m.Destroy(ctx, key)
			continue
		}

		if fl, ok := m.inflight[key]; ok {
			m.mu.Unlock()
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			if fl.err != nil {
				return nil, false, fl.err
			}
			return fl.handle, false, nil
		}

		fl := &creation{done: make(chan struct{})}
		m.inflight[key] = fl
		m.mu.Unlock()

		h, err := m.create(ctx, key, overrides)

		m.mu.Lock()
		delete(m.inflight, key)
		if err == nil {
			m.handles[key] = h
		}
		m.mu.Unlock()

		fl.handle, fl.err = h, err
		close(fl.done)

		if err != nil {
			return nil, false, err
		}
		return h, true, nil
	}
}

func (m *Manager) create(ctx context.Context, key Key, overrides provider.CreateConfig) (*Handle, error) {
	cfg := overrides.Merge(m.defaults)

	remote, err := m.provider.Create(ctx, cfg)
	if err != nil {
		if !provider.IsCreation(err) {
			err = fmt.Errorf("%w: %w", provider.ErrCreation, err)
		}
		return nil, &provider.OpError{Op: "create sandbox", Key: key.String(), Err: err}
	}

	now := time.Now()
	h := &Handle{
		Key:         key,
		Remote:      remote,
		CreatedAt:   now,
		LastAliveAt: now,
	}

	if m.metrics != nil {
		m.metrics.SandboxesCreated.Inc()
		m.metrics.ActiveSandboxes.Set(float64(m.Size() + 1))
	}

	log.Info().
		Str("key", key.String()).
		Str("sandbox_id", remote.ID()).
		Str("template", cfg.Template).
		Msg("sandbox created")

	return h, nil
}

// probe runs a no-op command with a short deadline to confirm liveness.
func (m *Manager) probe(ctx context.Context, h *Handle) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTTL)
	defer cancel()

	res, err := h.Remote.Run(probeCtx, probeCommand, provider.RunOptions{Timeout: m.probeTTL})
	if err != nil {
		log.Debug().Err(err).Str("key", h.Key.String()).Msg("liveness probe failed")
		return false
	}
	return res.ExitCode == 0
}

// touch records a successful interaction with the sandbox for key.
func (m *Manager) touch(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[key]; ok {
		h.LastAliveAt = time.Now()
	}
}

// Touch marks the sandbox for key as confirmed alive. Called by the
// executor after a successful command.
func (m *Manager) Touch(key Key) {
	m.touch(key)
}

// Destroy removes the registry entry for key and kills the remote
// environment best-effort. The entry is removed regardless of provider
// errors so the registry never retains handles to unreachable sandboxes.
func (m *Manager) Destroy(ctx context.Context, key Key) {
	m.mu.Lock()
	h, ok := m.handles[key]
	delete(m.handles, key)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSandboxes.Set(float64(m.Size()))
	}
	if !ok {
		return
	}

	if err := h.Remote.Kill(ctx); err != nil {
		// Presumed already gone provider-side.
		log.Warn().Err(err).
			Str("key", key.String()).
			Str("sandbox_id", h.Remote.ID()).
			Msg("failed to kill sandbox, dropping handle anyway")
		return
	}

	log.Info().
		Str("key", key.String()).
		Str("sandbox_id", h.Remote.ID()).
		Msg("sandbox destroyed")
}

// Evict drops the registry entry for key without contacting the provider.
// Used when a command reported the environment gone: the next EnsureActive
// recreates it.
func (m *Manager) Evict(key Key) {
	m.mu.Lock()
	_, ok := m.handles[key]
	delete(m.handles, key)
	m.mu.Unlock()

	if ok {
		log.Info().Str("key", key.String()).Msg("evicted stale sandbox handle")
		if m.metrics != nil {
			m.metrics.ActiveSandboxes.Set(float64(m.Size()))
		}
	}
}

// DestroyAll destroys every handle whose key matches the predicate. Each
// destroy is independent; one failure does not block the others. A nil
// predicate matches everything. Returns the number of handles destroyed.
func (m *Manager) DestroyAll(ctx context.Context, match func(Key) bool) int {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.handles))
	for k := range m.handles {
		if match == nil || match(k) {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.Destroy(ctx, k)
	}
	return len(keys)
}

// SweepIdle destroys every handle not confirmed alive within threshold.
// Operates on a snapshot so handles created mid-sweep are untouched.
// Never panics; per-handle failures are logged and skipped.
func (m *Manager) SweepIdle(ctx context.Context, threshold time.Duration) int {
	m.mu.Lock()
	stale := make([]Key, 0)
	now := time.Now()
	for k, h := range m.handles {
		if now.Sub(h.LastAliveAt) > threshold {
			stale = append(stale, k)
		}
	}
	m.mu.Unlock()

	for _, k := range stale {
		m.Destroy(ctx, k)
	}

	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Dur("threshold", threshold).Msg("swept idle sandboxes")
		if m.metrics != nil {
			m.metrics.SandboxesSwept.Add(float64(len(stale)))
		}
	}
	return len(stale)
}

// StartSweeper runs SweepIdle on a fixed interval until Stop or ctx cancel.
// Best-effort cost control; the provider's hard timeout is the backstop.
func (m *Manager) StartSweeper(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepIdle(ctx, threshold)
			}
		}
	}()

	log.Info().
		Dur("interval", interval).
		Dur("idle_threshold", threshold).
		Msg("sandbox sweeper started")
}

// Stop halts the sweeper and destroys all remaining sandboxes.
func (m *Manager) Stop(ctx context.Context) {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	m.DestroyAll(ctx, nil)
}

// Size returns the number of registered handles.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Lookup returns the registered handle for key, if any.
func (m *Manager) Lookup(key Key) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[key]
	return h, ok
}
