// Package state implements the per-target job state machine. It is the
// only code allowed to change status and phase, and it always changes
// them together through the legal-transition table.
package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/spider"
)

// transitions lists the legal next statuses for each status. Anything
// not in this table is rejected with ErrInvalidTransition and leaves
// state untouched.
var transitions = map[spider.Status][]spider.Status{
	spider.StatusIdle:      {spider.StatusStarting, spider.StatusStopping},
	spider.StatusStarting:  {spider.StatusRunning, spider.StatusStopping, spider.StatusError},
	spider.StatusRunning:   {spider.StatusPausing, spider.StatusStopping, spider.StatusCompleted, spider.StatusError},
	spider.StatusPausing:   {spider.StatusPaused, spider.StatusStopping, spider.StatusError},
	spider.StatusPaused:    {spider.StatusRunning, spider.StatusStopping, spider.StatusError},
	spider.StatusStopping:  {spider.StatusStopped, spider.StatusError},
	spider.StatusStopped:   {spider.StatusStarting},
	spider.StatusCompleted: {spider.StatusStarting},
	spider.StatusError:     {spider.StatusStarting},
}

// phaseOrder enforces forward-only phase movement within a run.
var phaseOrder = map[spider.Phase]int{
	spider.PhaseIdle:           0,
	spider.PhaseLinkCollection: 1,
	spider.PhaseDetailCrawling: 2,
	spider.PhaseCompleted:      3,
}

func allowed(from, to spider.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine validates and applies status transitions for one store.
type Machine struct {
	store  spider.StateStore
	clock  spider.Clock
	logger *zap.Logger
}

// New constructs a Machine.
func New(store spider.StateStore, clock spider.Clock, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: store, clock: clock, logger: logger}
}

// Snapshot returns the current typed state.
func (m *Machine) Snapshot(ctx context.Context, target string) (spider.JobState, error) {
	return m.store.State(ctx, target)
}

// apply validates from->to against the table and writes the patch with
// the new status folded in. Rejections are no-ops on state.
func (m *Machine) apply(ctx context.Context, target string, to spider.Status, patch spider.StatePatch) (spider.JobState, error) {
	st, err := m.store.State(ctx, target)
	if err != nil {
		return spider.JobState{}, fmt.Errorf("read state: %w", err)
	}
	if !allowed(st.Status, to) {
		return st, fmt.Errorf("%w: %s -> %s", spider.ErrInvalidTransition, st.Status, to)
	}
	patch.Status = &to
	if err := m.store.ApplyState(ctx, target, patch); err != nil {
		return st, fmt.Errorf("apply state: %w", err)
	}
	m.logger.Info("status transition",
		zap.String("target", target),
		zap.String("from", string(st.Status)),
		zap.String("to", string(to)),
	)
	return st, nil
}

// RequestStart moves an inactive target to starting, resets per-run
// counters and stamps the new owner. Duplicate starts are rejected with
// ErrAlreadyRunning before the transition table is consulted.
func (m *Machine) RequestStart(ctx context.Context, target string, mode spider.RunMode, owner string) error {
	st, err := m.store.State(ctx, target)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if st.Status.Active() {
		return fmt.Errorf("%w: status %s", spider.ErrAlreadyRunning, st.Status)
	}
	now := m.clock.Now().UTC()
	phase := spider.PhaseLinkCollection
	zero := int64(0)
	empty := ""
	noReason := spider.StopReason("")
	if _, err := m.apply(ctx, target, spider.StatusStarting, spider.StatePatch{
		Phase:           &phase,
		Mode:            &mode,
		Owner:           &owner,
		StartedAt:       &now,
		LinksCollected:  &zero,
		DetailsCrawled:  &zero,
		ErrorCount:      &zero,
		CurrentCategory: &empty,
		LastError:       &empty,
		StopReason:      &noReason,
	}); err != nil {
		return err
	}
	// A stale pause flag from a previous run must not stall the worker.
	if err := m.store.SetPaused(ctx, target, false); err != nil {
		return fmt.Errorf("clear pause flag: %w", err)
	}
	return nil
}

// ConfirmStarted is called by the worker once its loop is live.
func (m *Machine) ConfirmStarted(ctx context.Context, target string) error {
	_, err := m.apply(ctx, target, spider.StatusRunning, spider.StatePatch{})
	return err
}

// RequestPause asks a running worker to pause at its next safe point.
func (m *Machine) RequestPause(ctx context.Context, target string) error {
	if _, err := m.apply(ctx, target, spider.StatusPausing, spider.StatePatch{}); err != nil {
		return err
	}
	return m.store.SetPaused(ctx, target, true)
}

// ConfirmPaused is called by the worker when it reaches a safe point.
func (m *Machine) ConfirmPaused(ctx context.Context, target string) error {
	_, err := m.apply(ctx, target, spider.StatusPaused, spider.StatePatch{})
	return err
}

// Resume clears the pause flag and returns the job to running.
func (m *Machine) Resume(ctx context.Context, target string) error {
	if _, err := m.apply(ctx, target, spider.StatusRunning, spider.StatePatch{}); err != nil {
		return err
	}
	return m.store.SetPaused(ctx, target, false)
}

// RequestStop moves any non-terminal status to stopping. The worker
// observes the status and exits at its next safe point.
func (m *Machine) RequestStop(ctx context.Context, target string) error {
	st, err := m.store.State(ctx, target)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", spider.ErrInvalidTransition, st.Status, spider.StatusStopping)
	}
	_, err = m.apply(ctx, target, spider.StatusStopping, spider.StatePatch{})
	return err
}

// ConfirmStopped finalizes a stop with its reason and counters.
func (m *Machine) ConfirmStopped(ctx context.Context, target string, reason spider.StopReason, linksCollected, detailsCrawled int64) error {
	now := m.clock.Now().UTC()
	_, err := m.apply(ctx, target, spider.StatusStopped, spider.StatePatch{
		StoppedAt:      &now,
		StopReason:     &reason,
		LinksCollected: &linksCollected,
		DetailsCrawled: &detailsCrawled,
	})
	return err
}

// Complete marks a run fully finished: both phases done, queue drained.
func (m *Machine) Complete(ctx context.Context, target string, linksCollected, detailsCrawled int64) error {
	now := m.clock.Now().UTC()
	phase := spider.PhaseCompleted
	reason := spider.StopCompleted
	_, err := m.apply(ctx, target, spider.StatusCompleted, spider.StatePatch{
		Phase:          &phase,
		CompletedAt:    &now,
		StopReason:     &reason,
		LinksCollected: &linksCollected,
		DetailsCrawled: &detailsCrawled,
	})
	return err
}

// Fail records a fatal worker error.
func (m *Machine) Fail(ctx context.Context, target, message string) error {
	now := m.clock.Now().UTC()
	_, err := m.apply(ctx, target, spider.StatusError, spider.StatePatch{
		LastError: &message,
		StoppedAt: &now,
	})
	return err
}

// AdvancePhase moves the pipeline forward. Moving backward within a run
// is rejected; phase resets happen only through RequestStart.
func (m *Machine) AdvancePhase(ctx context.Context, target string, phase spider.Phase) error {
	st, err := m.store.State(ctx, target)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if phaseOrder[phase] < phaseOrder[st.Phase] {
		return fmt.Errorf("%w: phase %s -> %s", spider.ErrInvalidTransition, st.Phase, phase)
	}
	if err := m.store.ApplyState(ctx, target, spider.StatePatch{Phase: &phase}); err != nil {
		return fmt.Errorf("apply phase: %w", err)
	}
	return nil
}

// SetCurrentCategory records the section being collected, for dashboards.
func (m *Machine) SetCurrentCategory(ctx context.Context, target, category string) error {
	if err := m.store.ApplyState(ctx, target, spider.StatePatch{CurrentCategory: &category}); err != nil {
		return fmt.Errorf("apply category: %w", err)
	}
	return nil
}
