// Package worker implements the crawl run loop: link collection across
// sections, then detail crawling from the durable queue, with
// cooperative pause/stop and checkpoint recovery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/checkpoint"
	"github.com/policyspider/spiderd/internal/errlog"
	"github.com/policyspider/spiderd/internal/pagination"
	"github.com/policyspider/spiderd/internal/progress"
	"github.com/policyspider/spiderd/internal/spider"
	"github.com/policyspider/spiderd/internal/state"
)

// Config controls Runner behavior.
type Config struct {
	// LeaseDuration is the ownership lease TTL.
	LeaseDuration time.Duration
	// HeartbeatInterval is how often the lease is renewed.
	HeartbeatInterval time.Duration
	// PollInterval is the sleep between control checks while paused.
	PollInterval time.Duration
	// RequestDelay is the politeness pause between listing pages.
	RequestDelay time.Duration
	// CheckpointEvery saves a detail-phase checkpoint after this many
	// crawled documents.
	CheckpointEvery int
	// MaxConsecutiveFailures aborts the run with too_many_errors once
	// this many detail fetches fail back to back.
	MaxConsecutiveFailures int
	// MaxConsecutiveEmptyPages abandons a section after this many
	// listing pages in a row yield no items.
	MaxConsecutiveEmptyPages int
	// MaxDuplicates ends a refresh-mode section early once this many
	// already-visited links are seen in a row.
	MaxDuplicates int
}

func (c *Config) applyDefaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 100
	}
	if c.MaxConsecutiveEmptyPages <= 0 {
		c.MaxConsecutiveEmptyPages = 3
	}
	if c.MaxDuplicates <= 0 {
		c.MaxDuplicates = 100
	}
}

// errStopRequested propagates a cooperative stop out of the phase loops.
var errStopRequested = errors.New("stop requested")

// Runner executes one crawl run for one target. It owns the target for
// the duration of the run through a heartbeat-renewed lease.
type Runner struct {
	target      spider.TargetConfig
	store       spider.Store
	machine     *state.Machine
	tracker     *pagination.Tracker
	checkpoints *checkpoint.Manager
	ledger      *errlog.Ledger
	lists       spider.ListFetcher
	details     spider.DetailFetcher
	emitter     progress.Emitter
	clock       spider.Clock
	ids         spider.IDGenerator
	cfg         Config
	logger      *zap.Logger

	// per-run counters
	linksCollected int64
	detailsCrawled int64
}

// NewRunner constructs a Runner.
func NewRunner(
	target spider.TargetConfig,
	store spider.Store,
	machine *state.Machine,
	tracker *pagination.Tracker,
	checkpoints *checkpoint.Manager,
	ledger *errlog.Ledger,
	lists spider.ListFetcher,
	details spider.DetailFetcher,
	emitter progress.Emitter,
	clock spider.Clock,
	ids spider.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = noopEmitter{}
	}
	return &Runner{
		target:      target,
		store:       store,
		machine:     machine,
		tracker:     tracker,
		checkpoints: checkpoints,
		ledger:      ledger,
		lists:       lists,
		details:     details,
		emitter:     emitter,
		clock:       clock,
		ids:         ids,
		cfg:         cfg,
		logger:      logger.With(zap.String("target", target.Key)),
	}
}

type noopEmitter struct{}

func (noopEmitter) Emit(progress.Event) {}

// Run executes the crawl until completion, a cooperative stop, the
// error threshold, or a fatal failure. The caller must already have
// moved the job to starting via the state machine.
func (r *Runner) Run(ctx context.Context) error {
	token, err := r.ids.NewID()
	if err != nil {
		return fmt.Errorf("mint owner token: %w", err)
	}
	acquired, err := r.store.AcquireOwner(ctx, r.target.Key, token, r.cfg.LeaseDuration)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("acquire owner: %w", err))
	}
	if !acquired {
		err := fmt.Errorf("%w: owner lease held", spider.ErrAlreadyRunning)
		return r.fail(ctx, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.ReleaseOwner(releaseCtx, r.target.Key, token); err != nil {
			r.logger.Warn("release owner failed", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go r.heartbeat(runCtx, token, cancel, hbDone)
	defer func() { cancel(); <-hbDone }()

	// The start request could not know the token; record the live owner
	// now that the lease is held.
	if err := r.store.ApplyState(runCtx, r.target.Key, spider.StatePatch{Owner: &token}); err != nil {
		return r.fail(runCtx, fmt.Errorf("record owner token: %w", err))
	}
	if err := r.machine.ConfirmStarted(runCtx, r.target.Key); err != nil {
		return r.fail(runCtx, err)
	}
	r.emit(progress.Event{Stage: progress.StageRunStart})
	started := r.clock.Now()

	resume, haveCheckpoint, err := r.checkpoints.ResumePoint(runCtx, r.target.Key)
	if err != nil {
		return r.fail(runCtx, err)
	}
	skipCollection := haveCheckpoint && resume.Phase == spider.PhaseDetailCrawling
	if skipCollection {
		// Trust the checkpoint only if every section really finished;
		// a stale snapshot must not skip pending collection work.
		allDone, err := r.tracker.AllFinished(runCtx, r.target.Key, r.target.Sections)
		if err != nil {
			return r.fail(runCtx, err)
		}
		skipCollection = allDone
	}
	if skipCollection {
		// Collection already happened in the interrupted run; carry its
		// counters forward so the final state reports the whole run.
		r.linksCollected = resume.LinksCollected
		r.detailsCrawled = resume.DetailsCrawled
		if err := r.store.ApplyState(runCtx, r.target.Key, spider.StatePatch{
			LinksCollected: &r.linksCollected,
			DetailsCrawled: &r.detailsCrawled,
		}); err != nil {
			return r.fail(runCtx, fmt.Errorf("restore checkpoint counters: %w", err))
		}
	}

	if !skipCollection {
		if err := r.collectLinks(runCtx); err != nil {
			return r.finishWith(runCtx, err, started)
		}
	}

	if err := r.machine.AdvancePhase(runCtx, r.target.Key, spider.PhaseDetailCrawling); err != nil {
		return r.fail(runCtx, err)
	}
	if err := r.saveCheckpoint(runCtx, spider.PhaseDetailCrawling, "", 0); err != nil {
		return r.fail(runCtx, err)
	}

	if err := r.crawlDetails(runCtx); err != nil {
		return r.finishWith(runCtx, err, started)
	}

	if err := r.machine.Complete(runCtx, r.target.Key, r.linksCollected, r.detailsCrawled); err != nil {
		return r.fail(runCtx, err)
	}
	r.emit(progress.Event{Stage: progress.StageRunDone, Dur: r.clock.Now().Sub(started)})
	r.logger.Info("run complete",
		zap.Int64("links_collected", r.linksCollected),
		zap.Int64("details_crawled", r.detailsCrawled),
	)
	return nil
}

// finishWith maps phase-loop sentinels onto terminal statuses. The
// run context may already be canceled, so finalization writes get a
// short background context of their own.
func (r *Runner) finishWith(ctx context.Context, cause error, started time.Time) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	switch {
	case errors.Is(cause, errStopRequested):
		// A shutdown-driven stop arrives with the status still running;
		// move it to stopping first.
		if err := r.machine.RequestStop(ctx, r.target.Key); err != nil && !errors.Is(err, spider.ErrInvalidTransition) {
			return err
		}
		if err := r.machine.ConfirmStopped(ctx, r.target.Key, spider.StopUserStopped, r.linksCollected, r.detailsCrawled); err != nil {
			return err
		}
		r.emit(progress.Event{Stage: progress.StageRunStopped, Note: string(spider.StopUserStopped), Dur: r.clock.Now().Sub(started)})
		return nil
	case errors.Is(cause, spider.ErrTooManyErrors):
		if err := r.machine.RequestStop(ctx, r.target.Key); err != nil && !errors.Is(err, spider.ErrInvalidTransition) {
			return err
		}
		if err := r.machine.ConfirmStopped(ctx, r.target.Key, spider.StopTooManyErrors, r.linksCollected, r.detailsCrawled); err != nil {
			return err
		}
		r.emit(progress.Event{Stage: progress.StageRunStopped, Note: string(spider.StopTooManyErrors), Dur: r.clock.Now().Sub(started)})
		return nil
	default:
		return r.fail(ctx, cause)
	}
}

func (r *Runner) fail(ctx context.Context, cause error) error {
	r.logger.Error("run failed", zap.Error(cause))
	if err := r.machine.Fail(ctx, r.target.Key, cause.Error()); err != nil {
		r.logger.Warn("record failure state", zap.Error(err))
	}
	r.emit(progress.Event{Stage: progress.StageRunError, Note: cause.Error()})
	return cause
}

// heartbeat renews the lease until the run context ends. Losing the
// lease cancels the run: another worker may already own the target.
func (r *Runner) heartbeat(ctx context.Context, token string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.RenewOwner(ctx, r.target.Key, token, r.cfg.LeaseDuration); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("owner lease lost", zap.Error(err))
				cancel()
				return
			}
			r.emit(progress.Event{Stage: progress.StageRunHeartbeat})
		}
	}
}

// checkControl is polled at phase-safe boundaries. It blocks while the
// job is paused and returns errStopRequested once a stop is observed.
func (r *Runner) checkControl(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return errStopRequested
		}
		st, err := r.machine.Snapshot(ctx, r.target.Key)
		if err != nil {
			return fmt.Errorf("read control state: %w", err)
		}
		switch st.Status {
		case spider.StatusRunning:
			return nil
		case spider.StatusPausing:
			if err := r.machine.ConfirmPaused(ctx, r.target.Key); err != nil {
				return err
			}
			r.logger.Info("run paused")
		case spider.StatusPaused:
			// stay parked until resumed or stopped
		case spider.StatusStopping:
			return errStopRequested
		default:
			return fmt.Errorf("unexpected status %s during run", st.Status)
		}
		select {
		case <-ctx.Done():
			return errStopRequested
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// collectLinks walks every unfinished section page by page, queueing
// newly seen links for the detail phase.
func (r *Runner) collectLinks(ctx context.Context) error {
	mode := spider.ModeBackfill
	if st, err := r.machine.Snapshot(ctx, r.target.Key); err == nil {
		mode = st.Mode
	}
	for _, section := range r.target.Sections {
		finished, err := r.tracker.Finished(ctx, r.target.Key, section)
		if err != nil {
			return err
		}
		if finished {
			continue
		}
		if err := r.machine.SetCurrentCategory(ctx, r.target.Key, section.ID); err != nil {
			return err
		}
		if err := r.collectSection(ctx, section, mode); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) collectSection(ctx context.Context, section spider.SectionConfig, mode spider.RunMode) error {
	perPage := r.target.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	emptyPages := 0
	duplicates := 0
	for {
		if err := r.checkControl(ctx); err != nil {
			return err
		}
		finished, err := r.tracker.Finished(ctx, r.target.Key, section)
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
		window, err := r.tracker.NextWindow(ctx, r.target.Key, section, perPage)
		if err != nil {
			return err
		}

		fetchStart := r.clock.Now()
		page, err := r.lists.FetchList(ctx, spider.ListRequest{
			Target:      r.target.Key,
			Section:     section,
			StartRecord: window.Start,
			EndRecord:   window.End,
			PerPage:     window.PerPage,
			Page:        window.Page,
		})
		if err != nil {
			count, exceeded, lerr := r.ledger.Record(ctx, r.target.Key, "list_fetch", section.Name, err.Error())
			if lerr != nil {
				return lerr
			}
			r.emit(progress.Event{Stage: progress.StageCrawlError, Section: section.ID, URL: r.target.ListURL, Note: err.Error()})
			if exceeded {
				r.logger.Error("error threshold reached during collection", zap.Int64("errors", count))
				return spider.ErrTooManyErrors
			}
			emptyPages++
			if emptyPages >= r.cfg.MaxConsecutiveEmptyPages {
				r.logger.Warn("abandoning section after repeated failures", zap.String("section", section.ID))
				return r.tracker.MarkFinished(ctx, r.target.Key, section)
			}
			continue
		}

		if len(page.Items) == 0 {
			emptyPages++
			if emptyPages >= r.cfg.MaxConsecutiveEmptyPages {
				if err := r.tracker.MarkFinished(ctx, r.target.Key, section); err != nil {
					return err
				}
				return nil
			}
			continue
		}
		emptyPages = 0

		queued := int64(0)
		for i, item := range page.Items {
			rec := spider.LinkRecord{
				URL:            item.URL,
				Title:          item.Title,
				Category:       section.ID,
				OrdinalIndex:   window.Start + i,
				DocumentNumber: item.DocumentNumber,
				PublishDate:    item.PublishDate,
				CollectedAt:    r.clock.Now().UTC(),
			}
			fresh, err := r.store.EnqueueLink(ctx, r.target.Key, rec)
			if err != nil {
				return fmt.Errorf("enqueue link: %w", err)
			}
			if fresh {
				queued++
				duplicates = 0
			} else {
				duplicates++
			}
		}
		r.linksCollected += queued

		if _, err := r.tracker.Advance(ctx, r.target.Key, section, int64(len(page.Items))); err != nil {
			return err
		}
		if err := r.store.ApplyState(ctx, r.target.Key, spider.StatePatch{LinksCollected: &r.linksCollected}); err != nil {
			return fmt.Errorf("record collected count: %w", err)
		}
		r.emit(progress.Event{
			Stage:   progress.StagePageDone,
			Section: section.ID,
			Page:    window.Page,
			Links:   queued,
			Dur:     r.clock.Now().Sub(fetchStart),
		})
		if err := r.saveCheckpoint(ctx, spider.PhaseLinkCollection, section.ID, window.Page); err != nil {
			return err
		}

		// With no known total, the first page that adds nothing new
		// ends the section.
		if section.TotalRecords == 0 && queued == 0 {
			return r.tracker.MarkFinished(ctx, r.target.Key, section)
		}
		// Refresh runs walk newest-first listings; a long stretch of
		// already-visited links means the new content is exhausted.
		if mode == spider.ModeRefresh && duplicates >= r.cfg.MaxDuplicates {
			r.logger.Info("refresh caught up", zap.String("section", section.ID), zap.Int("duplicates", duplicates))
			return r.tracker.MarkFinished(ctx, r.target.Key, section)
		}
		if len(page.Items) < perPage {
			return r.tracker.MarkFinished(ctx, r.target.Key, section)
		}
		if r.cfg.RequestDelay > 0 {
			select {
			case <-ctx.Done():
				return errStopRequested
			case <-time.After(r.cfg.RequestDelay):
			}
		}
	}
}

// crawlDetails drains the links queue, fetching and persisting each
// document. Failed fetches are requeued; a long unbroken failure streak
// aborts the run.
func (r *Runner) crawlDetails(ctx context.Context) error {
	consecutiveFailures := 0
	sinceCheckpoint := 0
	for {
		if err := r.checkControl(ctx); err != nil {
			return err
		}
		rec, err := r.store.DequeueLink(ctx, r.target.Key)
		if errors.Is(err, spider.ErrQueueEmpty) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dequeue link: %w", err)
		}

		done, err := r.store.Crawled(ctx, r.target.Key, rec.URL)
		if err != nil {
			return fmt.Errorf("check crawled: %w", err)
		}
		if done {
			continue
		}

		fetchStart := r.clock.Now()
		if err := r.details.FetchDetail(ctx, r.target.Key, rec); err != nil {
			consecutiveFailures++
			if rerr := r.store.RequeueLink(ctx, r.target.Key, rec); rerr != nil {
				return fmt.Errorf("requeue link: %w", rerr)
			}
			count, exceeded, lerr := r.ledger.Record(ctx, r.target.Key, "detail_fetch", rec.URL, err.Error())
			if lerr != nil {
				return lerr
			}
			r.emit(progress.Event{Stage: progress.StageCrawlError, URL: rec.URL, Note: err.Error()})
			if exceeded || consecutiveFailures >= r.cfg.MaxConsecutiveFailures {
				r.logger.Error("error threshold reached during detail crawl",
					zap.Int64("errors", count),
					zap.Int("consecutive", consecutiveFailures),
				)
				return spider.ErrTooManyErrors
			}
			continue
		}
		consecutiveFailures = 0

		if _, err := r.store.MarkCrawled(ctx, r.target.Key, rec.URL); err != nil {
			return fmt.Errorf("mark crawled: %w", err)
		}
		if _, err := r.store.IncrDetailsCrawled(ctx, r.target.Key, 1); err != nil {
			return fmt.Errorf("bump crawled count: %w", err)
		}
		r.detailsCrawled++
		r.emit(progress.Event{
			Stage:   progress.StageDetailDone,
			URL:     rec.URL,
			Details: 1,
			Dur:     r.clock.Now().Sub(fetchStart),
		})

		sinceCheckpoint++
		if sinceCheckpoint >= r.cfg.CheckpointEvery {
			if err := r.saveCheckpoint(ctx, spider.PhaseDetailCrawling, rec.Category, 0); err != nil {
				return err
			}
			sinceCheckpoint = 0
		}
	}
}

func (r *Runner) saveCheckpoint(ctx context.Context, phase spider.Phase, sectionID string, page int) error {
	return r.checkpoints.Save(ctx, r.target.Key, spider.Checkpoint{
		Phase:          phase,
		LastSectionID:  sectionID,
		LastPage:       page,
		LinksCollected: r.linksCollected,
		DetailsCrawled: r.detailsCrawled,
	})
}

func (r *Runner) emit(evt progress.Event) {
	evt.Target = r.target.Key
	if evt.TS.IsZero() {
		evt.TS = r.clock.Now().UTC()
	}
	r.emitter.Emit(evt)
}
