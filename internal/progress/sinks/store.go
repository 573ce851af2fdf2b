package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/progress"
	"github.com/policyspider/spiderd/internal/spider"
)

// StoreSink folds progress events into the per-target progress hash that
// dashboards poll. It collapses each batch into one write per target to
// reduce write amplification.
type StoreSink struct {
	store  spider.StateStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink over the state store.
func NewStoreSink(store spider.StateStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

type progressDelta struct {
	details  int64
	errors   int64
	category string
	at       time.Time
}

// Consume collapses per-target deltas and applies them to the progress
// hash. The worker is the only writer for its target, so read-modify-
// write here does not race.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	deltas := make(map[string]*progressDelta)
	for _, evt := range batch {
		d := deltas[evt.Target]
		if d == nil {
			d = &progressDelta{}
			deltas[evt.Target] = d
		}
		switch evt.Stage {
		case progress.StageDetailDone:
			d.details += evt.Details
		case progress.StageCrawlError:
			d.errors++
		case progress.StagePageDone:
			d.category = evt.Section
		}
		if evt.TS.After(d.at) {
			d.at = evt.TS
		}
	}

	for target, d := range deltas {
		if d.details == 0 && d.errors == 0 && d.category == "" {
			continue
		}
		cur, err := s.store.Progress(ctx, target)
		if err != nil {
			return fmt.Errorf("read progress: %w", err)
		}
		cur.Crawled += d.details
		cur.Errors += d.errors
		if d.category != "" {
			cur.CurrentCategory = d.category
		}
		if d.at.After(cur.UpdatedAt) {
			cur.UpdatedAt = d.at
		}
		if err := s.store.UpdateProgress(ctx, target, cur); err != nil {
			return fmt.Errorf("write progress: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
