// Package control exposes the operator surface of the engine: start,
// stop, pause and resume crawl runs, and read status for dashboards. It
// owns the target registry and the lifecycle of worker goroutines.
package control

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/checkpoint"
	"github.com/policyspider/spiderd/internal/errlog"
	"github.com/policyspider/spiderd/internal/pagination"
	"github.com/policyspider/spiderd/internal/progress"
	"github.com/policyspider/spiderd/internal/spider"
	"github.com/policyspider/spiderd/internal/state"
	"github.com/policyspider/spiderd/internal/worker"
)

// Deps bundles the collaborators a Manager hands to each runner.
type Deps struct {
	Store     spider.Store
	Machine   *state.Machine
	Tracker   *pagination.Tracker
	Ledger    *errlog.Ledger
	Chkpts    *checkpoint.Manager
	Lists     spider.ListFetcher
	Details   spider.DetailFetcher
	Emitter   progress.Emitter
	Clock     spider.Clock
	IDs       spider.IDGenerator
	WorkerCfg worker.Config
	Logger    *zap.Logger
}

// Manager coordinates crawl runs across the configured targets. One
// runner goroutine per target at most; duplicate starts are rejected.
type Manager struct {
	deps    Deps
	targets map[string]spider.TargetConfig
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// NewManager constructs a Manager over the given target registry.
func NewManager(deps Deps, targets []spider.TargetConfig) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	reg := make(map[string]spider.TargetConfig, len(targets))
	for _, t := range targets {
		reg[t.Key] = t
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		targets: reg,
		logger:  deps.Logger,
		cancels: make(map[string]context.CancelFunc),
		baseCtx: base,
		stop:    stop,
	}
}

// Target resolves a target key, or ErrTargetNotFound.
func (m *Manager) Target(key string) (spider.TargetConfig, error) {
	t, ok := m.targets[key]
	if !ok {
		return spider.TargetConfig{}, fmt.Errorf("%w: %q", spider.ErrTargetNotFound, key)
	}
	return t, nil
}

// Targets lists the configured targets in key order.
func (m *Manager) Targets() []spider.TargetConfig {
	out := make([]spider.TargetConfig, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Start launches a crawl run for the target. The state transition to
// starting happens synchronously so duplicate starts fail fast; the run
// itself executes on a background goroutine that outlives the request.
func (m *Manager) Start(ctx context.Context, key string, mode spider.RunMode) error {
	target, err := m.Target(key)
	if err != nil {
		return err
	}
	if err := m.deps.Machine.RequestStart(ctx, key, mode, ""); err != nil {
		return err
	}

	runner := worker.NewRunner(
		target,
		m.deps.Store,
		m.deps.Machine,
		m.deps.Tracker,
		m.deps.Chkpts,
		m.deps.Ledger,
		m.deps.Lists,
		m.deps.Details,
		m.deps.Emitter,
		m.deps.Clock,
		m.deps.IDs,
		m.deps.WorkerCfg,
		m.logger,
	)

	runCtx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	if prev, ok := m.cancels[key]; ok {
		// Should not happen once RequestStart succeeded, but never leak
		// a context.
		prev()
	}
	m.cancels[key] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.cancels, key)
			m.mu.Unlock()
		}()
		if err := runner.Run(runCtx); err != nil {
			m.logger.Error("run ended with error",
				zap.String("target", key),
				zap.Error(err),
			)
		}
	}()
	m.logger.Info("run started", zap.String("target", key), zap.String("mode", string(mode)))
	return nil
}

// Stop requests a cooperative stop. The worker confirms at its next
// safe point; callers observe the transition through Status.
func (m *Manager) Stop(ctx context.Context, key string) error {
	if _, err := m.Target(key); err != nil {
		return err
	}
	if err := m.deps.Machine.RequestStop(ctx, key); err != nil {
		return err
	}
	// A stop against an orphaned starting/running status (no live
	// runner, e.g. after a crash) would otherwise hang in stopping.
	m.mu.Lock()
	_, live := m.cancels[key]
	m.mu.Unlock()
	if !live {
		st, err := m.deps.Machine.Snapshot(ctx, key)
		if err != nil {
			return err
		}
		return m.deps.Machine.ConfirmStopped(ctx, key, spider.StopUserStopped, st.LinksCollected, st.DetailsCrawled)
	}
	return nil
}

// Pause requests a cooperative pause.
func (m *Manager) Pause(ctx context.Context, key string) error {
	if _, err := m.Target(key); err != nil {
		return err
	}
	return m.deps.Machine.RequestPause(ctx, key)
}

// Resume returns a paused run to running.
func (m *Manager) Resume(ctx context.Context, key string) error {
	if _, err := m.Target(key); err != nil {
		return err
	}
	return m.deps.Machine.Resume(ctx, key)
}

// Status assembles the full per-target snapshot.
func (m *Manager) Status(ctx context.Context, key string) (spider.StatusSnapshot, error) {
	if _, err := m.Target(key); err != nil {
		return spider.StatusSnapshot{}, err
	}
	st, err := m.deps.Store.State(ctx, key)
	if err != nil {
		return spider.StatusSnapshot{}, fmt.Errorf("read state: %w", err)
	}
	pending, err := m.deps.Store.QueueLen(ctx, key)
	if err != nil {
		return spider.StatusSnapshot{}, fmt.Errorf("read queue length: %w", err)
	}
	visited, err := m.deps.Store.VisitedCount(ctx, key)
	if err != nil {
		return spider.StatusSnapshot{}, fmt.Errorf("read visited count: %w", err)
	}
	crawled, err := m.deps.Store.CrawledCount(ctx, key)
	if err != nil {
		return spider.StatusSnapshot{}, fmt.Errorf("read crawled count: %w", err)
	}
	version, err := m.deps.Store.StatusVersion(ctx, key)
	if err != nil {
		return spider.StatusSnapshot{}, fmt.Errorf("read status version: %w", err)
	}
	return spider.StatusSnapshot{
		Target:         key,
		State:          st,
		PendingLinks:   pending,
		LinksCollected: visited,
		DetailsCrawled: crawled,
		StatusVersion:  version,
	}, nil
}

// StatusAll returns snapshots for every configured target.
func (m *Manager) StatusAll(ctx context.Context) ([]spider.StatusSnapshot, error) {
	targets := m.Targets()
	out := make([]spider.StatusSnapshot, 0, len(targets))
	for _, t := range targets {
		snap, err := m.Status(ctx, t.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Errors returns the most recent error records for a target.
func (m *Manager) Errors(ctx context.Context, key string, limit int64) ([]spider.ErrorRecord, error) {
	if _, err := m.Target(key); err != nil {
		return nil, err
	}
	return m.deps.Ledger.Recent(ctx, key, limit)
}

// Progress returns the coarse progress hash plus pagination cursors.
func (m *Manager) Progress(ctx context.Context, key string) (spider.Progress, map[string]string, error) {
	if _, err := m.Target(key); err != nil {
		return spider.Progress{}, nil, err
	}
	p, err := m.deps.Store.Progress(ctx, key)
	if err != nil {
		return spider.Progress{}, nil, fmt.Errorf("read progress: %w", err)
	}
	cursors, err := m.deps.Tracker.Snapshot(ctx, key)
	if err != nil {
		return spider.Progress{}, nil, fmt.Errorf("read pagination: %w", err)
	}
	return p, cursors, nil
}

// Reset clears run state while keeping dedup sets and pagination
// cursors. Rejected while a run is active.
func (m *Manager) Reset(ctx context.Context, key string) error {
	if _, err := m.Target(key); err != nil {
		return err
	}
	st, err := m.deps.Machine.Snapshot(ctx, key)
	if err != nil {
		return err
	}
	if st.Status.Active() {
		return fmt.Errorf("%w: reset requires an inactive target", spider.ErrAlreadyRunning)
	}
	return m.deps.Store.ResetRun(ctx, key)
}

// Purge removes every key for the target. Rejected while active.
func (m *Manager) Purge(ctx context.Context, key string) error {
	if _, err := m.Target(key); err != nil {
		return err
	}
	st, err := m.deps.Machine.Snapshot(ctx, key)
	if err != nil {
		return err
	}
	if st.Status.Active() {
		return fmt.Errorf("%w: purge requires an inactive target", spider.ErrAlreadyRunning)
	}
	return m.deps.Store.Purge(ctx, key)
}

// Shutdown cancels every live run and waits for the workers to finish
// their finalization writes, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}
