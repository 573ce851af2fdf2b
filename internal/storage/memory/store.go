// Package memory provides an in-memory Store for development and tests.
// It mirrors the semantics of the redis implementation, including FIFO
// queue order, priority-queue tie-breaking and ownership leases.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/policyspider/spiderd/internal/spider"
)

// DefaultErrorBound matches the redis store's ledger trim length.
const DefaultErrorBound = 100

type ownerRecord struct {
	token   string
	expires time.Time
}

type urlEntry struct {
	url   string
	score float64
	seq   int64
}

type targetData struct {
	state         spider.JobState
	statusVersion int64
	paused        bool
	progress      spider.Progress
	hasProgress   bool

	linksQueue []spider.LinkRecord
	visited    map[string]struct{}
	crawled    map[string]struct{}

	urlQueue []urlEntry
	urlSeq   int64

	pagination map[string]int64
	complete   map[string]bool

	checkpoint    spider.Checkpoint
	hasCheckpoint bool

	errors []spider.ErrorRecord
}

// Store implements spider.Store with maps guarded by one mutex.
type Store struct {
	mu      sync.RWMutex
	targets map[string]*targetData

	// ErrorBound caps the error ledger; zero means DefaultErrorBound.
	ErrorBound int

	// now is swappable in tests to exercise lease expiry.
	now func() time.Time

	owners map[string]ownerRecord
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		targets: make(map[string]*targetData),
		owners:  make(map[string]ownerRecord),
		now:     time.Now,
	}
}

func (s *Store) target(key string) *targetData {
	t, ok := s.targets[key]
	if !ok {
		t = &targetData{
			visited:    make(map[string]struct{}),
			crawled:    make(map[string]struct{}),
			pagination: make(map[string]int64),
			complete:   make(map[string]bool),
		}
		t.state.Status = spider.StatusIdle
		t.state.Phase = spider.PhaseIdle
		s.targets[key] = t
	}
	return t
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(context.Context) error {
	return nil
}

// State returns the typed state hash, idle when never written.
func (s *Store) State(_ context.Context, target string) (spider.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return spider.JobState{Status: spider.StatusIdle, Phase: spider.PhaseIdle}, nil
	}
	st := t.state
	st.Paused = t.paused
	return st, nil
}

// ApplyState merges the patch and stamps timestamps and the version.
func (s *Store) ApplyState(_ context.Context, target string, patch spider.StatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	now := s.now().UTC()
	if patch.Status != nil {
		t.state.Status = *patch.Status
	}
	if patch.Phase != nil {
		t.state.Phase = *patch.Phase
		t.state.PhaseUpdatedAt = now
	}
	if patch.Owner != nil {
		t.state.Owner = *patch.Owner
	}
	if patch.Mode != nil {
		t.state.Mode = *patch.Mode
	}
	if patch.StartedAt != nil {
		t.state.StartedAt = *patch.StartedAt
	}
	if patch.StoppedAt != nil {
		t.state.StoppedAt = *patch.StoppedAt
	}
	if patch.CompletedAt != nil {
		t.state.CompletedAt = *patch.CompletedAt
	}
	if patch.CurrentCategory != nil {
		t.state.CurrentCategory = *patch.CurrentCategory
	}
	if patch.LinksCollected != nil {
		t.state.LinksCollected = *patch.LinksCollected
	}
	if patch.DetailsCrawled != nil {
		t.state.DetailsCrawled = *patch.DetailsCrawled
	}
	if patch.ErrorCount != nil {
		t.state.ErrorCount = *patch.ErrorCount
	}
	if patch.LastError != nil {
		t.state.LastError = *patch.LastError
	}
	if patch.StopReason != nil {
		t.state.StopReason = *patch.StopReason
	}
	t.state.UpdatedAt = now
	t.statusVersion++
	return nil
}

// IncrDetailsCrawled atomically bumps the counter.
func (s *Store) IncrDetailsCrawled(_ context.Context, target string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	t.state.DetailsCrawled += delta
	return t.state.DetailsCrawled, nil
}

// IncrErrorCount atomically bumps the counter.
func (s *Store) IncrErrorCount(_ context.Context, target string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	t.state.ErrorCount += delta
	return t.state.ErrorCount, nil
}

// SetPaused flips the cooperative pause flag.
func (s *Store) SetPaused(_ context.Context, target string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target(target).paused = paused
	return nil
}

// Paused reads the cooperative pause flag.
func (s *Store) Paused(_ context.Context, target string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return false, nil
	}
	return t.paused, nil
}

// UpdateProgress overwrites the progress hash.
func (s *Store) UpdateProgress(_ context.Context, target string, p spider.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	t.progress = p
	t.hasProgress = true
	return nil
}

// Progress reads the progress hash.
func (s *Store) Progress(_ context.Context, target string) (spider.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok || !t.hasProgress {
		return spider.Progress{}, nil
	}
	return t.progress, nil
}

// StatusVersion returns the write counter for the state hash.
func (s *Store) StatusVersion(_ context.Context, target string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return 0, nil
	}
	return t.statusVersion, nil
}

// ResetRun clears run state but keeps dedup sets, pagination cursors and
// the pending links queue, so a later run picks up where it stopped.
func (s *Store) ResetRun(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[target]
	if !ok {
		return nil
	}
	t.state = spider.JobState{Status: spider.StatusIdle, Phase: spider.PhaseIdle}
	t.paused = false
	t.progress = spider.Progress{}
	t.hasProgress = false
	t.urlQueue = nil
	t.errors = nil
	t.checkpoint = spider.Checkpoint{}
	t.hasCheckpoint = false
	return nil
}

// Purge removes every key for the target.
func (s *Store) Purge(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, target)
	delete(s.owners, target)
	return nil
}

// EnqueueLink atomically dedups on the visited set and queues the record.
func (s *Store) EnqueueLink(_ context.Context, target string, rec spider.LinkRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	if _, seen := t.visited[rec.URL]; seen {
		return false, nil
	}
	t.visited[rec.URL] = struct{}{}
	t.linksQueue = append([]spider.LinkRecord{rec}, t.linksQueue...)
	return true, nil
}

// DequeueLink pops FIFO or returns ErrQueueEmpty.
func (s *Store) DequeueLink(_ context.Context, target string) (spider.LinkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	n := len(t.linksQueue)
	if n == 0 {
		return spider.LinkRecord{}, spider.ErrQueueEmpty
	}
	rec := t.linksQueue[n-1]
	t.linksQueue = t.linksQueue[:n-1]
	return rec, nil
}

// RequeueLink pushes a record back without touching dedup.
func (s *Store) RequeueLink(_ context.Context, target string, rec spider.LinkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	t.linksQueue = append([]spider.LinkRecord{rec}, t.linksQueue...)
	return nil
}

// QueueLen returns the number of pending link records.
func (s *Store) QueueLen(_ context.Context, target string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return 0, nil
	}
	return int64(len(t.linksQueue)), nil
}

// Visited reports collection-phase dedup membership.
func (s *Store) Visited(_ context.Context, target, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return false, nil
	}
	_, seen := t.visited[url]
	return seen, nil
}

// VisitedCount returns the collection dedup set size.
func (s *Store) VisitedCount(_ context.Context, target string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return 0, nil
	}
	return int64(len(t.visited)), nil
}

// MarkCrawled inserts into the detail dedup set, reporting newness.
func (s *Store) MarkCrawled(_ context.Context, target, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	if _, seen := t.crawled[url]; seen {
		return false, nil
	}
	t.crawled[url] = struct{}{}
	return true, nil
}

// Crawled reports detail-phase dedup membership.
func (s *Store) Crawled(_ context.Context, target, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return false, nil
	}
	_, seen := t.crawled[url]
	return seen, nil
}

// CrawledCount returns the detail dedup set size.
func (s *Store) CrawledCount(_ context.Context, target string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return 0, nil
	}
	return int64(len(t.crawled)), nil
}

// PushURL adds or rescores a URL in the priority queue.
func (s *Store) PushURL(_ context.Context, target, url string, priority float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	for i := range t.urlQueue {
		if t.urlQueue[i].url == url {
			t.urlQueue[i].score = priority
			return nil
		}
	}
	t.urlSeq++
	t.urlQueue = append(t.urlQueue, urlEntry{url: url, score: priority, seq: t.urlSeq})
	return nil
}

// PopURL removes and returns the most urgent URL (lowest score, then
// insertion order) or ErrQueueEmpty.
func (s *Store) PopURL(_ context.Context, target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	if len(t.urlQueue) == 0 {
		return "", spider.ErrQueueEmpty
	}
	sort.SliceStable(t.urlQueue, func(i, j int) bool {
		if t.urlQueue[i].score != t.urlQueue[j].score {
			return t.urlQueue[i].score < t.urlQueue[j].score
		}
		return t.urlQueue[i].seq < t.urlQueue[j].seq
	})
	head := t.urlQueue[0]
	t.urlQueue = append([]urlEntry(nil), t.urlQueue[1:]...)
	return head.url, nil
}

// URLQueueLen returns the priority queue size.
func (s *Store) URLQueueLen(_ context.Context, target string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return 0, nil
	}
	return int64(len(t.urlQueue)), nil
}

// AdvanceSection bumps the monotonic records_done counter.
func (s *Store) AdvanceSection(_ context.Context, target, sectionID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	if delta < 0 {
		delta = 0
	}
	t.pagination[sectionID] += delta
	return t.pagination[sectionID], nil
}

// SectionRecordsDone reads the records_done counter.
func (s *Store) SectionRecordsDone(_ context.Context, target, sectionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return 0, nil
	}
	return t.pagination[sectionID], nil
}

// MarkSectionComplete sets the one-way completion flag.
func (s *Store) MarkSectionComplete(_ context.Context, target, sectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target(target).complete[sectionID] = true
	return nil
}

// SectionComplete reads the completion flag.
func (s *Store) SectionComplete(_ context.Context, target, sectionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok {
		return false, nil
	}
	return t.complete[sectionID], nil
}

// ResetSection clears the cursor and completion flag.
func (s *Store) ResetSection(_ context.Context, target, sectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	delete(t.pagination, sectionID)
	delete(t.complete, sectionID)
	return nil
}

// PaginationSnapshot renders the pagination hash the way the redis store
// lays it out: "{id}" -> records_done, "{id}_complete" -> "1".
func (s *Store) PaginationSnapshot(_ context.Context, target string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	t, ok := s.targets[target]
	if !ok {
		return out, nil
	}
	for id, done := range t.pagination {
		out[id] = strconv.FormatInt(done, 10)
	}
	for id, complete := range t.complete {
		if complete {
			out[id+"_complete"] = "1"
		}
	}
	return out, nil
}

// SaveCheckpoint overwrites the latest snapshot.
func (s *Store) SaveCheckpoint(_ context.Context, target string, cp spider.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	t.checkpoint = cp
	t.hasCheckpoint = true
	return nil
}

// LoadCheckpoint returns the latest snapshot or ErrNoCheckpoint.
func (s *Store) LoadCheckpoint(_ context.Context, target string) (spider.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok || !t.hasCheckpoint {
		return spider.Checkpoint{}, spider.ErrNoCheckpoint
	}
	return t.checkpoint, nil
}

// PushError prepends and trims to the configured bound.
func (s *Store) PushError(_ context.Context, target string, rec spider.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target(target)
	bound := s.ErrorBound
	if bound <= 0 {
		bound = DefaultErrorBound
	}
	t.errors = append([]spider.ErrorRecord{rec}, t.errors...)
	if len(t.errors) > bound {
		t.errors = t.errors[:bound]
	}
	return nil
}

// RecentErrors returns up to limit entries, newest first.
func (s *Store) RecentErrors(_ context.Context, target string, limit int64) ([]spider.ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[target]
	if !ok || limit <= 0 {
		return nil, nil
	}
	n := int64(len(t.errors))
	if limit < n {
		n = limit
	}
	out := make([]spider.ErrorRecord, n)
	copy(out, t.errors[:n])
	return out, nil
}

// AcquireOwner claims the target if unowned or the lease expired.
func (s *Store) AcquireOwner(_ context.Context, target, token string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.owners[target]
	if ok && rec.expires.After(now) {
		return false, nil
	}
	s.owners[target] = ownerRecord{token: token, expires: now.Add(lease)}
	return true, nil
}

// RenewOwner extends the lease while token still holds it.
func (s *Store) RenewOwner(_ context.Context, target, token string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.owners[target]
	if !ok || !rec.expires.After(now) {
		// Lease lapsed; reclaim rather than fail, matching the redis
		// leader behavior of re-acquiring an expired record.
		s.owners[target] = ownerRecord{token: token, expires: now.Add(lease)}
		return nil
	}
	if rec.token != token {
		return spider.ErrNotOwner
	}
	rec.expires = now.Add(lease)
	s.owners[target] = rec
	return nil
}

// ReleaseOwner deletes the record if token still holds it.
func (s *Store) ReleaseOwner(_ context.Context, target, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.owners[target]
	if !ok {
		return nil
	}
	if rec.token == token {
		delete(s.owners, target)
	}
	return nil
}

// CurrentOwner returns the live token or ErrNoOwner.
func (s *Store) CurrentOwner(_ context.Context, target string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.owners[target]
	if !ok || !rec.expires.After(s.now()) {
		return "", spider.ErrNoOwner
	}
	return rec.token, nil
}

// SetNow swaps the time source; tests use it to expire leases.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}
