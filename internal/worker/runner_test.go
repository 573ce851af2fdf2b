package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/checkpoint"
	"github.com/policyspider/spiderd/internal/errlog"
	"github.com/policyspider/spiderd/internal/pagination"
	"github.com/policyspider/spiderd/internal/spider"
	"github.com/policyspider/spiderd/internal/state"
	"github.com/policyspider/spiderd/internal/storage/memory"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("tok-%d", g.n), nil
}

// fakeLists serves listing pages from a fixed set of items per section.
type fakeLists struct {
	mu      sync.Mutex
	items   map[string][]spider.ListItem
	onFetch func(req spider.ListRequest)
	calls   int
}

func (f *fakeLists) FetchList(_ context.Context, req spider.ListRequest) (spider.ListPage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch(req)
	}
	all := f.items[req.Section.ID]
	if req.StartRecord > len(all) {
		return spider.ListPage{}, nil
	}
	end := req.EndRecord
	if end > len(all) {
		end = len(all)
	}
	return spider.ListPage{Items: all[req.StartRecord-1 : end]}, nil
}

// fakeDetails records fetched URLs; fail makes every fetch error.
type fakeDetails struct {
	mu      sync.Mutex
	fetched []string
	fail    bool
}

func (f *fakeDetails) FetchDetail(_ context.Context, _ string, rec spider.LinkRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("fetch: connection reset")
	}
	f.fetched = append(f.fetched, rec.URL)
	return nil
}

func (f *fakeDetails) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type fixture struct {
	store   *memory.Store
	machine *state.Machine
	lists   *fakeLists
	details *fakeDetails
	runner  *Runner
}

func newFixture(t *testing.T, target spider.TargetConfig, cfg Config, threshold int64) *fixture {
	t.Helper()
	store := memory.NewStore()
	clock := realClock{}
	machine := state.New(store, clock, zap.NewNop())
	lists := &fakeLists{items: map[string][]spider.ListItem{}}
	details := &fakeDetails{}
	runner := NewRunner(
		target,
		store,
		machine,
		pagination.New(store, nil),
		checkpoint.New(store, clock, nil),
		errlog.New(store, store, clock, threshold, nil),
		lists,
		details,
		nil,
		clock,
		&seqIDs{},
		cfg,
		zap.NewNop(),
	)
	return &fixture{store: store, machine: machine, lists: lists, details: details, runner: runner}
}

func testTarget() spider.TargetConfig {
	return spider.TargetConfig{
		Key:     "nhsa",
		Name:    "National Healthcare Security Administration",
		ListURL: "https://example.gov/list",
		PerPage: 2,
		Sections: []spider.SectionConfig{
			{ID: "laws", Name: "Laws", TotalRecords: 3},
		},
	}
}

func sectionItems(n int) []spider.ListItem {
	items := make([]spider.ListItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, spider.ListItem{
			URL:   fmt.Sprintf("https://example.gov/doc/%d", i),
			Title: fmt.Sprintf("Document %d", i),
		})
	}
	return items
}

func TestRunCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget(), Config{PollInterval: 10 * time.Millisecond}, 0)
	f.lists.items["laws"] = sectionItems(3)

	require.NoError(t, f.machine.RequestStart(ctx, "nhsa", spider.ModeBackfill, ""))
	require.NoError(t, f.runner.Run(ctx))

	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusCompleted, st.Status)
	require.Equal(t, spider.PhaseCompleted, st.Phase)
	require.Equal(t, spider.StopCompleted, st.StopReason)
	require.EqualValues(t, 3, st.LinksCollected)
	require.EqualValues(t, 3, st.DetailsCrawled)
	require.Equal(t, "tok-1", st.Owner, "lease token recorded in the state hash")
	require.Len(t, f.details.urls(), 3)

	pending, err := f.store.QueueLen(ctx, "nhsa")
	require.NoError(t, err)
	require.Zero(t, pending)
	crawled, err := f.store.CrawledCount(ctx, "nhsa")
	require.NoError(t, err)
	require.EqualValues(t, 3, crawled)

	// Lease released once the run finishes.
	_, err = f.store.CurrentOwner(ctx, "nhsa")
	require.ErrorIs(t, err, spider.ErrNoOwner)
}

func TestRunSkipsDuplicateLinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget(), Config{PollInterval: 10 * time.Millisecond}, 0)
	items := sectionItems(3)
	items[2].URL = items[0].URL // same document listed twice
	f.lists.items["laws"] = items

	require.NoError(t, f.machine.RequestStart(ctx, "nhsa", spider.ModeBackfill, ""))
	require.NoError(t, f.runner.Run(ctx))

	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusCompleted, st.Status)
	require.EqualValues(t, 2, st.LinksCollected)
	require.EqualValues(t, 2, st.DetailsCrawled)
	require.Len(t, f.details.urls(), 2)
}

func TestRunUnknownTotalStopsOnStalePage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := testTarget()
	target.Sections[0].TotalRecords = 0
	f := newFixture(t, target, Config{PollInterval: 10 * time.Millisecond}, 0)
	f.lists.items["laws"] = sectionItems(4)

	// Links from a previous run: the second page yields nothing new,
	// which with an unknown total ends the section.
	for i := 3; i <= 4; i++ {
		rec := spider.LinkRecord{URL: fmt.Sprintf("https://example.gov/doc/%d", i), Category: "laws"}
		fresh, err := f.store.EnqueueLink(ctx, "nhsa", rec)
		require.NoError(t, err)
		require.True(t, fresh)
	}

	require.NoError(t, f.machine.RequestStart(ctx, "nhsa", spider.ModeBackfill, ""))
	require.NoError(t, f.runner.Run(ctx))

	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusCompleted, st.Status)
	require.EqualValues(t, 2, st.LinksCollected)
	require.Len(t, f.details.urls(), 4)
	require.Equal(t, 2, f.lists.calls)

	complete, err := f.store.SectionComplete(ctx, "nhsa", "laws")
	require.NoError(t, err)
	require.True(t, complete)
}

func TestRunStopsOnRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := testTarget()
	target.Sections[0].TotalRecords = 100
	f := newFixture(t, target, Config{PollInterval: 10 * time.Millisecond}, 0)
	f.lists.items["laws"] = sectionItems(100)

	var once sync.Once
	f.lists.onFetch = func(spider.ListRequest) {
		once.Do(func() {
			require.NoError(t, f.machine.RequestStop(ctx, "nhsa"))
		})
	}

	require.NoError(t, f.machine.RequestStart(ctx, "nhsa", spider.ModeBackfill, ""))
	require.NoError(t, f.runner.Run(ctx))

	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusStopped, st.Status)
	require.Equal(t, spider.StopUserStopped, st.StopReason)
	// Collected links survive the stop for the next run.
	pending, err := f.store.QueueLen(ctx, "nhsa")
	require.NoError(t, err)
	require.Positive(t, pending)
}

func TestRunPauseAndResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget(), Config{PollInterval: 5 * time.Millisecond}, 0)
	f.lists.items["laws"] = sectionItems(3)

	var once sync.Once
	f.lists.onFetch = func(spider.ListRequest) {
		once.Do(func() {
			require.NoError(t, f.machine.RequestPause(ctx, "nhsa"))
		})
	}

	require.NoError(t, f.machine.RequestStart(ctx, "nhsa", spider.ModeBackfill, ""))
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := f.store.State(ctx, "nhsa")
		return err == nil && st.Status == spider.StatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.machine.Resume(ctx, "nhsa"))
	require.NoError(t, <-done)

	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusCompleted, st.Status)
	require.EqualValues(t, 3, st.DetailsCrawled)
}

func TestRunAbortsOnErrorThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget(), Config{PollInterval: 10 * time.Millisecond}, 2)
	f.lists.items["laws"] = sectionItems(3)
	f.details.fail = true

	require.NoError(t, f.machine.RequestStart(ctx, "nhsa", spider.ModeBackfill, ""))
	require.NoError(t, f.runner.Run(ctx))

	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusStopped, st.Status)
	require.Equal(t, spider.StopTooManyErrors, st.StopReason)
	require.EqualValues(t, 2, st.ErrorCount)

	// Failed links were requeued, not lost.
	pending, err := f.store.QueueLen(ctx, "nhsa")
	require.NoError(t, err)
	require.Positive(t, pending)
	recs, err := f.store.RecentErrors(ctx, "nhsa", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestRunResumesFromDetailCheckpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget(), Config{PollInterval: 10 * time.Millisecond}, 0)
	f.lists.onFetch = func(spider.ListRequest) {
		t.Error("collection phase should have been skipped")
	}

	// A previous run finished collection and checkpointed mid-detail.
	require.NoError(t, f.store.MarkSectionComplete(ctx, "nhsa", "laws"))
	for i := 1; i <= 2; i++ {
		rec := spider.LinkRecord{URL: fmt.Sprintf("https://example.gov/doc/%d", i), Category: "laws"}
		fresh, err := f.store.EnqueueLink(ctx, "nhsa", rec)
		require.NoError(t, err)
		require.True(t, fresh)
	}
	require.NoError(t, f.store.SaveCheckpoint(ctx, "nhsa", spider.Checkpoint{
		Phase:          spider.PhaseDetailCrawling,
		LastPage:       2,
		LinksCollected: 2,
	}))

	require.NoError(t, f.machine.RequestStart(ctx, "nhsa", spider.ModeBackfill, ""))
	require.NoError(t, f.runner.Run(ctx))

	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusCompleted, st.Status)
	// Counters from the interrupted run survive the resume.
	require.EqualValues(t, 2, st.LinksCollected)
	require.EqualValues(t, 2, st.DetailsCrawled)
	require.Len(t, f.details.urls(), 2)
	require.Zero(t, f.lists.calls)
}

func TestRunRejectsHeldLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget(), Config{PollInterval: 10 * time.Millisecond}, 0)
	f.lists.items["laws"] = sectionItems(3)

	held, err := f.store.AcquireOwner(ctx, "nhsa", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, f.machine.RequestStart(ctx, "nhsa", spider.ModeBackfill, ""))
	err = f.runner.Run(ctx)
	require.ErrorIs(t, err, spider.ErrAlreadyRunning)

	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusError, st.Status)
}
