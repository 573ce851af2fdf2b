// Package checkpoint persists and restores the resume point of a crawl
// run. A checkpoint is a small snapshot, not a log: only the latest one
// is kept and loading it never mutates anything.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/spider"
)

// Manager saves checkpoints at phase-safe boundaries and hands back the
// resume point on restart.
type Manager struct {
	store  spider.CheckpointStore
	clock  spider.Clock
	logger *zap.Logger
}

// New constructs a Manager.
func New(store spider.CheckpointStore, clock spider.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, clock: clock, logger: logger}
}

// Save stamps the snapshot and overwrites the previous one.
func (m *Manager) Save(ctx context.Context, target string, cp spider.Checkpoint) error {
	cp.SavedAt = m.clock.Now().UTC()
	if err := m.store.SaveCheckpoint(ctx, target, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	m.logger.Debug("checkpoint saved",
		zap.String("target", target),
		zap.String("phase", string(cp.Phase)),
		zap.String("section", cp.LastSectionID),
		zap.Int("page", cp.LastPage),
	)
	return nil
}

// ResumePoint returns the latest checkpoint, or ok=false when the target
// has never saved one and must start from the beginning.
func (m *Manager) ResumePoint(ctx context.Context, target string) (spider.Checkpoint, bool, error) {
	cp, err := m.store.LoadCheckpoint(ctx, target)
	if errors.Is(err, spider.ErrNoCheckpoint) {
		return spider.Checkpoint{}, false, nil
	}
	if err != nil {
		return spider.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, true, nil
}
