package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/policyspider/spiderd/internal/spider"
)

func TestEnqueueDedupsAndDequeuesFIFO(t *testing.T) {
	t.Parallel()
	store := NewStore()
	ctx := context.Background()

	fresh, err := store.EnqueueLink(ctx, "nhsa", spider.LinkRecord{URL: "https://example.gov/a"})
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = store.EnqueueLink(ctx, "nhsa", spider.LinkRecord{URL: "https://example.gov/b"})
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = store.EnqueueLink(ctx, "nhsa", spider.LinkRecord{URL: "https://example.gov/a"})
	require.NoError(t, err)
	require.False(t, fresh, "second enqueue of the same URL must be a no-op")

	n, err := store.QueueLen(ctx, "nhsa")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	first, err := store.DequeueLink(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, "https://example.gov/a", first.URL)
	second, err := store.DequeueLink(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, "https://example.gov/b", second.URL)

	_, err = store.DequeueLink(ctx, "nhsa")
	require.ErrorIs(t, err, spider.ErrQueueEmpty)

	seen, err := store.Visited(ctx, "nhsa", "https://example.gov/a")
	require.NoError(t, err)
	require.True(t, seen, "dequeue must not forget the visited set")
}

func TestRequeuePreservesOrderWithoutDedup(t *testing.T) {
	t.Parallel()
	store := NewStore()
	ctx := context.Background()

	_, err := store.EnqueueLink(ctx, "nhsa", spider.LinkRecord{URL: "https://example.gov/a"})
	require.NoError(t, err)
	rec, err := store.DequeueLink(ctx, "nhsa")
	require.NoError(t, err)

	require.NoError(t, store.RequeueLink(ctx, "nhsa", rec))
	again, err := store.DequeueLink(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, rec.URL, again.URL)
}

func TestApplyStateBumpsVersion(t *testing.T) {
	t.Parallel()
	store := NewStore()
	ctx := context.Background()

	running := spider.StatusRunning
	require.NoError(t, store.ApplyState(ctx, "nhsa", spider.StatePatch{Status: &running}))

	st, err := store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusRunning, st.Status)
	require.False(t, st.UpdatedAt.IsZero())

	v1, err := store.StatusVersion(ctx, "nhsa")
	require.NoError(t, err)
	require.NoError(t, store.ApplyState(ctx, "nhsa", spider.StatePatch{}))
	v2, err := store.StatusVersion(ctx, "nhsa")
	require.NoError(t, err)
	require.Greater(t, v2, v1)
}

func TestSectionCursorMonotonic(t *testing.T) {
	t.Parallel()
	store := NewStore()
	ctx := context.Background()

	done, err := store.AdvanceSection(ctx, "nhsa", "laws", 20)
	require.NoError(t, err)
	require.EqualValues(t, 20, done)

	done, err = store.AdvanceSection(ctx, "nhsa", "laws", -5)
	require.NoError(t, err)
	require.EqualValues(t, 20, done, "negative delta must not rewind the cursor")

	require.NoError(t, store.MarkSectionComplete(ctx, "nhsa", "laws"))
	snap, err := store.PaginationSnapshot(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, "20", snap["laws"])
	require.Equal(t, "1", snap["laws_complete"])

	require.NoError(t, store.ResetSection(ctx, "nhsa", "laws"))
	done, err = store.SectionRecordsDone(ctx, "nhsa", "laws")
	require.NoError(t, err)
	require.Zero(t, done)
}

func TestErrorLedgerBounded(t *testing.T) {
	t.Parallel()
	store := NewStore()
	store.ErrorBound = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.PushError(ctx, "nhsa", spider.ErrorRecord{
			Message: string(rune('a' + i)),
		}))
	}

	recent, err := store.RecentErrors(ctx, "nhsa", 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "e", recent[0].Message, "newest entry comes first")
	require.Equal(t, "c", recent[2].Message)

	one, err := store.RecentErrors(ctx, "nhsa", 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
}

func TestOwnerLeaseExpiry(t *testing.T) {
	t.Parallel()
	store := NewStore()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return now })

	ok, err := store.AcquireOwner(ctx, "nhsa", "tok-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireOwner(ctx, "nhsa", "tok-2", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "live lease must not be stolen")

	require.ErrorIs(t, store.RenewOwner(ctx, "nhsa", "tok-2", 30*time.Second), spider.ErrNotOwner)
	require.NoError(t, store.RenewOwner(ctx, "nhsa", "tok-1", 30*time.Second))

	now = now.Add(time.Minute)
	ok, err = store.AcquireOwner(ctx, "nhsa", "tok-2", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is up for grabs")

	owner, err := store.CurrentOwner(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, "tok-2", owner)

	require.NoError(t, store.ReleaseOwner(ctx, "nhsa", "tok-1"))
	owner, err = store.CurrentOwner(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, "tok-2", owner, "release with a stale token is a no-op")

	require.NoError(t, store.ReleaseOwner(ctx, "nhsa", "tok-2"))
	_, err = store.CurrentOwner(ctx, "nhsa")
	require.ErrorIs(t, err, spider.ErrNoOwner)
}

func TestResetRunKeepsDedupAndQueue(t *testing.T) {
	t.Parallel()
	store := NewStore()
	ctx := context.Background()

	running := spider.StatusRunning
	require.NoError(t, store.ApplyState(ctx, "nhsa", spider.StatePatch{Status: &running}))
	_, err := store.EnqueueLink(ctx, "nhsa", spider.LinkRecord{URL: "https://example.gov/a"})
	require.NoError(t, err)
	_, err = store.MarkCrawled(ctx, "nhsa", "https://example.gov/z")
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(ctx, "nhsa", spider.Checkpoint{Phase: spider.PhaseLinkCollection}))

	require.NoError(t, store.ResetRun(ctx, "nhsa"))

	st, err := store.State(ctx, "nhsa")
	require.NoError(t, err)
	require.Equal(t, spider.StatusIdle, st.Status)

	_, err = store.LoadCheckpoint(ctx, "nhsa")
	require.ErrorIs(t, err, spider.ErrNoCheckpoint)

	n, err := store.QueueLen(ctx, "nhsa")
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "pending work survives a reset")
	seen, err := store.Visited(ctx, "nhsa", "https://example.gov/a")
	require.NoError(t, err)
	require.True(t, seen)
	crawled, err := store.Crawled(ctx, "nhsa", "https://example.gov/z")
	require.NoError(t, err)
	require.True(t, crawled)
}

func TestPurgeDropsEverything(t *testing.T) {
	t.Parallel()
	store := NewStore()
	ctx := context.Background()

	_, err := store.EnqueueLink(ctx, "nhsa", spider.LinkRecord{URL: "https://example.gov/a"})
	require.NoError(t, err)
	ok, err := store.AcquireOwner(ctx, "nhsa", "tok", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Purge(ctx, "nhsa"))

	seen, err := store.Visited(ctx, "nhsa", "https://example.gov/a")
	require.NoError(t, err)
	require.False(t, seen)
	_, err = store.CurrentOwner(ctx, "nhsa")
	require.ErrorIs(t, err, spider.ErrNoOwner)
}

func TestPriorityQueueOrdering(t *testing.T) {
	t.Parallel()
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.PushURL(ctx, "nhsa", "https://example.gov/low", 5))
	require.NoError(t, store.PushURL(ctx, "nhsa", "https://example.gov/high", 1))
	require.NoError(t, store.PushURL(ctx, "nhsa", "https://example.gov/mid", 3))
	// Rescoring an existing member must not duplicate it.
	require.NoError(t, store.PushURL(ctx, "nhsa", "https://example.gov/low", 2))

	n, err := store.URLQueueLen(ctx, "nhsa")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	var got []string
	for i := 0; i < 3; i++ {
		url, err := store.PopURL(ctx, "nhsa")
		require.NoError(t, err)
		got = append(got, url)
	}
	require.Equal(t, []string{
		"https://example.gov/high",
		"https://example.gov/low",
		"https://example.gov/mid",
	}, got)

	_, err = store.PopURL(ctx, "nhsa")
	require.ErrorIs(t, err, spider.ErrQueueEmpty)
}
