package spider

import (
	"context"
	"time"
)

// StateStore owns the per-target state and progress hashes. All writes
// are single atomic operations against the backing store.
type StateStore interface {
	// State returns the typed state hash. A target that has never run
	// reports StatusIdle with zero counters.
	State(ctx context.Context, target string) (JobState, error)
	// ApplyState writes the non-nil fields of patch and stamps
	// updated_at. It also bumps the status version counter.
	ApplyState(ctx context.Context, target string, patch StatePatch) error
	// IncrDetailsCrawled atomically adds delta and returns the new value.
	IncrDetailsCrawled(ctx context.Context, target string, delta int64) (int64, error)
	// IncrErrorCount atomically adds delta and returns the new value.
	IncrErrorCount(ctx context.Context, target string, delta int64) (int64, error)
	// SetPaused flips the cooperative pause flag polled by the worker.
	SetPaused(ctx context.Context, target string, paused bool) error
	// Paused reads the cooperative pause flag.
	Paused(ctx context.Context, target string) (bool, error)
	// UpdateProgress overwrites the coarse progress hash.
	UpdateProgress(ctx context.Context, target string, p Progress) error
	// Progress reads the coarse progress hash.
	Progress(ctx context.Context, target string) (Progress, error)
	// StatusVersion returns the monotonically increasing state version.
	StatusVersion(ctx context.Context, target string) (int64, error)
	// ResetRun clears state, progress, priority queue, errors and
	// checkpoint while keeping dedup sets and pagination cursors, so a
	// later run resumes where collection left off.
	ResetRun(ctx context.Context, target string) error
	// Purge removes every key for the target.
	Purge(ctx context.Context, target string) error
}

// LinkQueue is the FIFO handoff between the collection and detail phases,
// together with the two dedup sets that guard it.
type LinkQueue interface {
	// EnqueueLink inserts rec.URL into the visited set and, only if it
	// was not already a member, pushes rec onto the links queue. The
	// membership check and insert are one atomic step. It reports
	// whether the record was actually queued.
	EnqueueLink(ctx context.Context, target string, rec LinkRecord) (bool, error)
	// DequeueLink pops the oldest record or returns ErrQueueEmpty. The
	// pop is destructive; a crash between pop and completion loses the
	// record (accepted at-most-once trade-off).
	DequeueLink(ctx context.Context, target string) (LinkRecord, error)
	// RequeueLink pushes a record back for retry without touching dedup.
	RequeueLink(ctx context.Context, target string, rec LinkRecord) error
	// QueueLen returns the number of pending link records.
	QueueLen(ctx context.Context, target string) (int64, error)
	// Visited reports collection-phase dedup membership.
	Visited(ctx context.Context, target, url string) (bool, error)
	// VisitedCount returns the size of the collection dedup set.
	VisitedCount(ctx context.Context, target string) (int64, error)
	// MarkCrawled inserts url into the detail-phase dedup set and
	// reports whether it was newly marked.
	MarkCrawled(ctx context.Context, target, url string) (bool, error)
	// Crawled reports detail-phase dedup membership.
	Crawled(ctx context.Context, target, url string) (bool, error)
	// CrawledCount returns the size of the detail dedup set.
	CrawledCount(ctx context.Context, target string) (int64, error)
}

// URLQueue is the secondary priority queue for general URL scheduling.
// Lower scores pop first; ties pop in insertion order.
type URLQueue interface {
	PushURL(ctx context.Context, target, url string, priority float64) error
	PopURL(ctx context.Context, target string) (string, error)
	URLQueueLen(ctx context.Context, target string) (int64, error)
}

// PaginationStore tracks per-section collection progress.
type PaginationStore interface {
	// AdvanceSection adds delta to the section's records_done counter
	// and returns the new value. The counter never decreases.
	AdvanceSection(ctx context.Context, target, sectionID string, delta int64) (int64, error)
	// SectionRecordsDone reads the records_done counter.
	SectionRecordsDone(ctx context.Context, target, sectionID string) (int64, error)
	// MarkSectionComplete sets the one-way completion flag. Idempotent.
	MarkSectionComplete(ctx context.Context, target, sectionID string) error
	// SectionComplete reads the completion flag.
	SectionComplete(ctx context.Context, target, sectionID string) (bool, error)
	// ResetSection clears the cursor and completion flag for a section.
	ResetSection(ctx context.Context, target, sectionID string) error
	// PaginationSnapshot returns the raw pagination hash for display.
	PaginationSnapshot(ctx context.Context, target string) (map[string]string, error)
}

// CheckpointStore persists the single latest recovery snapshot.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, target string, cp Checkpoint) error
	// LoadCheckpoint returns ErrNoCheckpoint when none was ever saved.
	LoadCheckpoint(ctx context.Context, target string) (Checkpoint, error)
}

// ErrorStore is the bounded ring of recent failures.
type ErrorStore interface {
	// PushError prepends rec and trims the list to the configured bound.
	PushError(ctx context.Context, target string, rec ErrorRecord) error
	// RecentErrors returns up to limit entries, newest first.
	RecentErrors(ctx context.Context, target string, limit int64) ([]ErrorRecord, error)
}

// OwnerStore is the leased ownership record enforcing one worker per
// target. A missing or expired record means no live worker.
type OwnerStore interface {
	// AcquireOwner claims the target for token if unowned, with lease.
	AcquireOwner(ctx context.Context, target, token string, lease time.Duration) (bool, error)
	// RenewOwner extends the lease; ErrNotOwner if token lost the claim.
	RenewOwner(ctx context.Context, target, token string, lease time.Duration) error
	// ReleaseOwner deletes the record if token still holds it.
	ReleaseOwner(ctx context.Context, target, token string) error
	// CurrentOwner returns the live token or ErrNoOwner.
	CurrentOwner(ctx context.Context, target string) (string, error)
}

// Store aggregates every persistence concern of the orchestration layer.
// The redis implementation owns the wire format; the memory
// implementation mirrors its semantics for tests and development.
type Store interface {
	StateStore
	LinkQueue
	URLQueue
	PaginationStore
	CheckpointStore
	ErrorStore
	OwnerStore
	// Ping verifies store connectivity; failure is fatal to the worker.
	Ping(ctx context.Context) error
}

// ListRequest asks a ListFetcher for one page of a section listing.
type ListRequest struct {
	Target      string
	Section     SectionConfig
	StartRecord int
	EndRecord   int
	PerPage     int
	Page        int
}

// ListItem is one entry extracted from a listing page.
type ListItem struct {
	URL            string
	Title          string
	DocumentNumber string
	PublishDate    string
}

// ListPage is the result of fetching one listing page.
type ListPage struct {
	Items []ListItem
}

// ListFetcher fetches and extracts one listing page. Implementations own
// transport and retries; extraction rules are injected by the caller.
type ListFetcher interface {
	FetchList(ctx context.Context, req ListRequest) (ListPage, error)
}

// DetailFetcher fetches and persists one detail page. A nil error means
// the link may be marked crawled.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, target string, rec LinkRecord) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces ownership tokens and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
