package control

import (
	"context"
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
	"github.com/policyspider/spiderd/internal/worker"
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

type fakeLists struct {
	mu      sync.Mutex
	items   map[string][]spider.ListItem
	onFetch func(req spider.ListRequest)
}

func (f *fakeLists) FetchList(_ context.Context, req spider.ListRequest) (spider.ListPage, error) {
	if f.onFetch != nil {
		f.onFetch(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
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

type fakeDetails struct {
	mu      sync.Mutex
	fetched []string
	block   chan struct{}
}

func (f *fakeDetails) FetchDetail(ctx context.Context, _ string, rec spider.LinkRecord) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, rec.URL)
	return nil
}

type fixture struct {
	store   *memory.Store
	machine *state.Machine
	lists   *fakeLists
	details *fakeDetails
	mgr     *Manager
}

func newFixture(t *testing.T, targets ...spider.TargetConfig) *fixture {
	t.Helper()
	store := memory.NewStore()
	clock := realClock{}
	machine := state.New(store, clock, zap.NewNop())
	lists := &fakeLists{items: map[string][]spider.ListItem{}}
	details := &fakeDetails{}
	mgr := NewManager(Deps{
		Store:     store,
		Machine:   machine,
		Tracker:   pagination.New(store, nil),
		Ledger:    errlog.New(store, store, clock, 0, nil),
		Chkpts:    checkpoint.New(store, clock, nil),
		Lists:     lists,
		Details:   details,
		Clock:     clock,
		IDs:       &seqIDs{},
		WorkerCfg: worker.Config{PollInterval: 5 * time.Millisecond},
		Logger:    zap.NewNop(),
	}, targets)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &fixture{store: store, machine: machine, lists: lists, details: details, mgr: mgr}
}

func testTarget() spider.TargetConfig {
	return spider.TargetConfig{
		Key:     "nhsa",
		Name:    "National Healthcare Security Administration",
		ListURL: "https://example.gov/list",
		PerPage: 20,
		Sections: []spider.SectionConfig{
			{ID: "laws", Name: "Laws", TotalRecords: 3},
		},
	}
}

func waitForStatus(t *testing.T, f *fixture, key string, want spider.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := f.store.State(context.Background(), key)
		return err == nil && st.Status == want
	}, 3*time.Second, 5*time.Millisecond, "waiting for status %s", want)
}

func TestUnknownTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget())

	require.ErrorIs(t, f.mgr.Start(ctx, "nope", spider.ModeBackfill), spider.ErrTargetNotFound)
	require.ErrorIs(t, f.mgr.Stop(ctx, "nope"), spider.ErrTargetNotFound)
	_, err := f.mgr.Status(ctx, "nope")
	require.ErrorIs(t, err, spider.ErrTargetNotFound)
}

// Full lifecycle: start queues three listed links with one duplicate,
// pause mid-collection, resume, then the detail phase drains the queue
// and the run completes.
func TestLifecycleWithPauseAndDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget())
	f.lists.items["laws"] = []spider.ListItem{
		{URL: "https://example.gov/doc/1", Title: "Document 1"},
		{URL: "https://example.gov/doc/2", Title: "Document 2"},
		{URL: "https://example.gov/doc/1", Title: "Document 1 again"},
	}
	var once sync.Once
	f.lists.onFetch = func(spider.ListRequest) {
		once.Do(func() {
			require.NoError(t, f.mgr.Pause(ctx, "nhsa"))
		})
	}

	require.NoError(t, f.mgr.Start(ctx, "nhsa", spider.ModeBackfill))
	waitForStatus(t, f, "nhsa", spider.StatusPaused)

	snap, err := f.mgr.Status(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusPaused, snap.State.Status)

	require.NoError(t, f.mgr.Resume(ctx, "nhsa"))
	waitForStatus(t, f, "nhsa", spider.StatusCompleted)

	snap, err = f.mgr.Status(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.PhaseCompleted, snap.State.Phase)
	require.Equal(t, spider.StopCompleted, snap.State.StopReason)
	require.EqualValues(t, 2, snap.LinksCollected)
	require.EqualValues(t, 2, snap.DetailsCrawled)
	require.Zero(t, snap.PendingLinks)
	require.Positive(t, snap.StatusVersion)
}

func TestStartWhileRunningRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget())
	f.lists.items["laws"] = []spider.ListItem{{URL: "https://example.gov/doc/1"}}
	f.details.block = make(chan struct{})

	require.NoError(t, f.mgr.Start(ctx, "nhsa", spider.ModeBackfill))
	waitForStatus(t, f, "nhsa", spider.StatusRunning)

	require.ErrorIs(t, f.mgr.Start(ctx, "nhsa", spider.ModeBackfill), spider.ErrAlreadyRunning)

	close(f.details.block)
	waitForStatus(t, f, "nhsa", spider.StatusCompleted)
}

func TestStopFinalizesOrphanedStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget())

	// Simulate a crashed worker: status says starting, no runner alive.
	require.NoError(t, f.machine.RequestStart(ctx, "nhsa", spider.ModeBackfill, ""))

	require.NoError(t, f.mgr.Stop(ctx, "nhsa"))
	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusStopped, st.Status)
	require.Equal(t, spider.StopUserStopped, st.StopReason)
}

func TestResetRejectedWhileActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget())
	f.lists.items["laws"] = []spider.ListItem{{URL: "https://example.gov/doc/1"}}
	f.details.block = make(chan struct{})

	require.NoError(t, f.mgr.Start(ctx, "nhsa", spider.ModeBackfill))
	waitForStatus(t, f, "nhsa", spider.StatusRunning)

	require.ErrorIs(t, f.mgr.Reset(ctx, "nhsa"), spider.ErrAlreadyRunning)
	require.ErrorIs(t, f.mgr.Purge(ctx, "nhsa"), spider.ErrAlreadyRunning)

	close(f.details.block)
	waitForStatus(t, f, "nhsa", spider.StatusCompleted)

	require.NoError(t, f.mgr.Reset(ctx, "nhsa"))
	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusIdle, st.Status)
	// Dedup sets survive a reset.
	visited, err := f.store.VisitedCount(ctx, "nhsa")
	require.NoError(t, err)
	require.EqualValues(t, 1, visited)
}

func TestStatusAllCoversEveryTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	second := testTarget()
	second.Key = "samr"
	f := newFixture(t, testTarget(), second)

	snaps, err := f.mgr.StatusAll(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "nhsa", snaps[0].Target)
	require.Equal(t, "samr", snaps[1].Target)
	require.Equal(t, spider.StatusIdle, snaps[0].State.Status)
}

func TestShutdownStopsLiveRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testTarget())
	f.lists.items["laws"] = []spider.ListItem{{URL: "https://example.gov/doc/1"}}
	f.details.block = make(chan struct{})

	require.NoError(t, f.mgr.Start(ctx, "nhsa", spider.ModeBackfill))
	waitForStatus(t, f, "nhsa", spider.StatusRunning)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(shutdownCtx))

	st, err := f.store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusStopped, st.Status)
	require.Equal(t, spider.StopUserStopped, st.StopReason)
}
