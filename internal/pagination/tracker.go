// Package pagination tracks how far link collection has advanced through
// each section of a target, so interrupted runs resume mid-section
// instead of starting over.
package pagination

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/spider"
)

// Window is the record range to request for the next listing page.
type Window struct {
	Start   int
	End     int
	Page    int
	PerPage int
}

// Tracker wraps a PaginationStore with the resume and completion rules.
type Tracker struct {
	store  spider.PaginationStore
	logger *zap.Logger
}

// New constructs a Tracker.
func New(store spider.PaginationStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, logger: logger}
}

// NextWindow computes the record range for the next page of a section
// from its records_done cursor. Records are numbered from 1.
func (t *Tracker) NextWindow(ctx context.Context, target string, section spider.SectionConfig, perPage int) (Window, error) {
	if perPage <= 0 {
		return Window{}, fmt.Errorf("per page must be positive, got %d", perPage)
	}
	done, err := t.store.SectionRecordsDone(ctx, target, section.ID)
	if err != nil {
		return Window{}, fmt.Errorf("read section cursor: %w", err)
	}
	start := int(done) + 1
	return Window{
		Start:   start,
		End:     start + perPage - 1,
		Page:    int(done)/perPage + 1,
		PerPage: perPage,
	}, nil
}

// Advance moves the section cursor forward by the number of records the
// page yielded and returns the new cursor. A page that yields nothing
// leaves the cursor where it was.
func (t *Tracker) Advance(ctx context.Context, target string, section spider.SectionConfig, records int64) (int64, error) {
	if records < 0 {
		return 0, fmt.Errorf("records must be non-negative, got %d", records)
	}
	if records == 0 {
		return t.store.SectionRecordsDone(ctx, target, section.ID)
	}
	done, err := t.store.AdvanceSection(ctx, target, section.ID, records)
	if err != nil {
		return 0, fmt.Errorf("advance section %s: %w", section.ID, err)
	}
	return done, nil
}

// Finished reports whether a section needs no more collection: either
// its completion flag is set, or its known total has been reached. When
// the total is reached the flag is set as a side effect so later runs
// skip the section without re-reading counters.
func (t *Tracker) Finished(ctx context.Context, target string, section spider.SectionConfig) (bool, error) {
	complete, err := t.store.SectionComplete(ctx, target, section.ID)
	if err != nil {
		return false, fmt.Errorf("read section flag: %w", err)
	}
	if complete {
		return true, nil
	}
	if section.TotalRecords <= 0 {
		return false, nil
	}
	done, err := t.store.SectionRecordsDone(ctx, target, section.ID)
	if err != nil {
		return false, fmt.Errorf("read section cursor: %w", err)
	}
	if done < int64(section.TotalRecords) {
		return false, nil
	}
	if err := t.store.MarkSectionComplete(ctx, target, section.ID); err != nil {
		return false, fmt.Errorf("mark section complete: %w", err)
	}
	t.logger.Info("section complete",
		zap.String("target", target),
		zap.String("section", section.ID),
		zap.Int64("records", done),
	)
	return true, nil
}

// MarkFinished sets the one-way completion flag, used when the site
// signals the end of a section before any known total is reached.
func (t *Tracker) MarkFinished(ctx context.Context, target string, section spider.SectionConfig) error {
	if err := t.store.MarkSectionComplete(ctx, target, section.ID); err != nil {
		return fmt.Errorf("mark section complete: %w", err)
	}
	return nil
}

// AllFinished reports whether every configured section is complete.
func (t *Tracker) AllFinished(ctx context.Context, target string, sections []spider.SectionConfig) (bool, error) {
	for _, section := range sections {
		done, err := t.Finished(ctx, target, section)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}

// Reset clears a section's cursor and flag for a forced recollection.
func (t *Tracker) Reset(ctx context.Context, target string, section spider.SectionConfig) error {
	if err := t.store.ResetSection(ctx, target, section.ID); err != nil {
		return fmt.Errorf("reset section %s: %w", section.ID, err)
	}
	return nil
}

// Snapshot returns the raw pagination hash for status endpoints.
func (t *Tracker) Snapshot(ctx context.Context, target string) (map[string]string, error) {
	return t.store.PaginationSnapshot(ctx, target)
}
