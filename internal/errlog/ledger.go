// Package errlog records crawl failures in a bounded ledger and trips
// the abort threshold that turns a noisy run into a stopped one.
package errlog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/spider"
)

// DefaultThreshold matches the run-abort bound used by the crawlers: a
// run that accumulates this many errors stops with too_many_errors.
const DefaultThreshold = 100

// Ledger appends error records and counts them against the threshold.
type Ledger struct {
	errors    spider.ErrorStore
	state     spider.StateStore
	clock     spider.Clock
	threshold int64
	logger    *zap.Logger
}

// New constructs a Ledger. A threshold of zero or less falls back to
// DefaultThreshold.
func New(errors spider.ErrorStore, state spider.StateStore, clock spider.Clock, threshold int64, logger *zap.Logger) *Ledger {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{errors: errors, state: state, clock: clock, threshold: threshold, logger: logger}
}

// Threshold returns the configured abort bound.
func (l *Ledger) Threshold() int64 { return l.threshold }

// Record appends one failure, bumps the run error counter and reports
// whether the run has crossed the abort threshold. LastError on the
// state hash is updated so dashboards see the most recent message.
func (l *Ledger) Record(ctx context.Context, target, kind, url, message string) (count int64, exceeded bool, err error) {
	rec := spider.ErrorRecord{
		Timestamp: l.clock.Now().UTC(),
		Type:      kind,
		URL:       url,
		Message:   message,
	}
	if err := l.errors.PushError(ctx, target, rec); err != nil {
		return 0, false, fmt.Errorf("push error record: %w", err)
	}
	count, err = l.state.IncrErrorCount(ctx, target, 1)
	if err != nil {
		return 0, false, fmt.Errorf("bump error count: %w", err)
	}
	if err := l.state.ApplyState(ctx, target, spider.StatePatch{LastError: &message}); err != nil {
		return 0, false, fmt.Errorf("record last error: %w", err)
	}
	l.logger.Warn("crawl error",
		zap.String("target", target),
		zap.String("type", kind),
		zap.String("url", url),
		zap.String("message", message),
		zap.Int64("count", count),
	)
	return count, count >= l.threshold, nil
}

// Recent returns up to limit records, newest first.
func (l *Ledger) Recent(ctx context.Context, target string, limit int64) ([]spider.ErrorRecord, error) {
	return l.errors.RecentErrors(ctx, target, limit)
}
