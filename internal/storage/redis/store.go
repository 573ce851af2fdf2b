// Package redis implements spider.Store on a Redis server. It owns the
// persisted wire format; every mutation is a single atomic Redis command
// so concurrent page fetches never race on compound check-then-write.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/policyspider/spiderd/internal/spider"
)

// Config controls client construction and ledger bounds.
type Config struct {
	Addr     string
	Password string
	DB       int
	// ErrorBound caps the error ledger; zero means 100.
	ErrorBound int64
	// DialTimeout bounds the initial connectivity probe.
	DialTimeout time.Duration
}

const defaultErrorBound = 100

// NewClient builds a go-redis client and verifies connectivity. A store
// that cannot reach Redis must not start: the worker depends on it for
// crash recovery.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Store is the Redis-backed spider.Store.
type Store struct {
	client     *redis.Client
	errorBound int64
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client, cfg Config) *Store {
	bound := cfg.ErrorBound
	if bound <= 0 {
		bound = defaultErrorBound
	}
	return &Store{client: client, errorBound: bound}
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// State reads and decodes the state hash. Missing keys decode to an
// idle state with zero counters.
func (s *Store) State(ctx context.Context, target string) (spider.JobState, error) {
	fields, err := s.client.HGetAll(ctx, keysFor(target).state()).Result()
	if err != nil {
		return spider.JobState{}, fmt.Errorf("read state hash: %w", err)
	}
	return decodeState(fields), nil
}

// ApplyState writes the non-nil patch fields in one HSET and bumps the
// status version so pollers can cheaply detect change.
func (s *Store) ApplyState(ctx context.Context, target string, patch spider.StatePatch) error {
	k := keysFor(target)
	now := time.Now().UTC()
	fields := map[string]any{"updated_at": now.Format(time.RFC3339Nano)}
	if patch.Status != nil {
		fields["status"] = string(*patch.Status)
	}
	if patch.Phase != nil {
		fields["phase"] = string(*patch.Phase)
		fields["phase_updated_at"] = now.Format(time.RFC3339Nano)
	}
	if patch.Owner != nil {
		fields["owner"] = *patch.Owner
	}
	if patch.Mode != nil {
		fields["mode"] = string(*patch.Mode)
	}
	if patch.StartedAt != nil {
		fields["started_at"] = patch.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.StoppedAt != nil {
		fields["stopped_at"] = patch.StoppedAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.CompletedAt != nil {
		fields["completed_at"] = patch.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.CurrentCategory != nil {
		fields["current_category"] = *patch.CurrentCategory
	}
	if patch.LinksCollected != nil {
		fields["links_collected"] = strconv.FormatInt(*patch.LinksCollected, 10)
	}
	if patch.DetailsCrawled != nil {
		fields["details_crawled"] = strconv.FormatInt(*patch.DetailsCrawled, 10)
	}
	if patch.ErrorCount != nil {
		fields["error_count"] = strconv.FormatInt(*patch.ErrorCount, 10)
	}
	if patch.LastError != nil {
		fields["last_error"] = *patch.LastError
	}
	if patch.StopReason != nil {
		fields["stop_reason"] = string(*patch.StopReason)
	}
	if err := s.client.HSet(ctx, k.state(), fields).Err(); err != nil {
		return fmt.Errorf("write state hash: %w", err)
	}
	if err := s.client.Incr(ctx, k.statusVersion()).Err(); err != nil {
		return fmt.Errorf("bump status version: %w", err)
	}
	return nil
}

// IncrDetailsCrawled bumps the counter inside the state hash.
func (s *Store) IncrDetailsCrawled(ctx context.Context, target string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, keysFor(target).state(), "details_crawled", delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incr details_crawled: %w", err)
	}
	return n, nil
}

// IncrErrorCount bumps the counter inside the state hash.
func (s *Store) IncrErrorCount(ctx context.Context, target string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, keysFor(target).state(), "error_count", delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incr error_count: %w", err)
	}
	return n, nil
}

// SetPaused writes or clears the pause flag in the state hash. Clearing
// deletes the field so an unpaused target reads back with no paused key
// at all.
func (s *Store) SetPaused(ctx context.Context, target string, paused bool) error {
	k := keysFor(target)
	var err error
	if paused {
		err = s.client.HSet(ctx, k.state(), "paused", "1").Err()
	} else {
		err = s.client.HDel(ctx, k.state(), "paused").Err()
	}
	if err != nil {
		return fmt.Errorf("set paused flag: %w", err)
	}
	return nil
}

// Paused reads the pause flag.
func (s *Store) Paused(ctx context.Context, target string) (bool, error) {
	v, err := s.client.HGet(ctx, keysFor(target).state(), "paused").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read paused flag: %w", err)
	}
	return v == "1", nil
}

// UpdateProgress overwrites the coarse progress hash.
func (s *Store) UpdateProgress(ctx context.Context, target string, p spider.Progress) error {
	fields := map[string]any{
		"crawled":          strconv.FormatInt(p.Crawled, 10),
		"total":            strconv.FormatInt(p.Total, 10),
		"current_category": p.CurrentCategory,
		"errors":           strconv.FormatInt(p.Errors, 10),
		"updated_at":       p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := s.client.HSet(ctx, keysFor(target).progress(), fields).Err(); err != nil {
		return fmt.Errorf("write progress hash: %w", err)
	}
	return nil
}

// Progress reads the coarse progress hash.
func (s *Store) Progress(ctx context.Context, target string) (spider.Progress, error) {
	fields, err := s.client.HGetAll(ctx, keysFor(target).progress()).Result()
	if err != nil {
		return spider.Progress{}, fmt.Errorf("read progress hash: %w", err)
	}
	return spider.Progress{
		Crawled:         parseInt(fields["crawled"]),
		Total:           parseInt(fields["total"]),
		CurrentCategory: fields["current_category"],
		Errors:          parseInt(fields["errors"]),
		UpdatedAt:       parseTime(fields["updated_at"]),
	}, nil
}

// StatusVersion reads the state-write counter.
func (s *Store) StatusVersion(ctx context.Context, target string) (int64, error) {
	v, err := s.client.Get(ctx, keysFor(target).statusVersion()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read status version: %w", err)
	}
	return parseInt(v), nil
}

// ResetRun deletes run state while keeping dedup sets, pagination
// cursors and pending links, so the next start resumes collection.
func (s *Store) ResetRun(ctx context.Context, target string) error {
	k := keysFor(target)
	err := s.client.Del(ctx,
		k.state(),
		k.progress(),
		k.urlQueue(),
		k.urlSeq(),
		k.errors(),
		k.checkpoint(),
	).Err()
	if err != nil {
		return fmt.Errorf("reset run state: %w", err)
	}
	return nil
}

// Purge deletes every key for the target.
func (s *Store) Purge(ctx context.Context, target string) error {
	if err := s.client.Del(ctx, keysFor(target).all()...).Err(); err != nil {
		return fmt.Errorf("purge target keys: %w", err)
	}
	return nil
}

// EnqueueLink dedups and queues in one logical step. SADD is the atomic
// guard: of two concurrent enqueues for the same URL only one observes
// a fresh insert, so the queue receives exactly one record.
func (s *Store) EnqueueLink(ctx context.Context, target string, rec spider.LinkRecord) (bool, error) {
	k := keysFor(target)
	added, err := s.client.SAdd(ctx, k.visitedURLs(), rec.URL).Result()
	if err != nil {
		return false, fmt.Errorf("mark url visited: %w", err)
	}
	if added == 0 {
		return false, nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode link record: %w", err)
	}
	if err := s.client.LPush(ctx, k.linksQueue(), payload).Err(); err != nil {
		return false, fmt.Errorf("push link record: %w", err)
	}
	return true, nil
}

// DequeueLink pops the oldest record (RPOP of an LPUSH list) or returns
// ErrQueueEmpty without blocking.
func (s *Store) DequeueLink(ctx context.Context, target string) (spider.LinkRecord, error) {
	data, err := s.client.RPop(ctx, keysFor(target).linksQueue()).Bytes()
	if errors.Is(err, redis.Nil) {
		return spider.LinkRecord{}, spider.ErrQueueEmpty
	}
	if err != nil {
		return spider.LinkRecord{}, fmt.Errorf("pop link record: %w", err)
	}
	var rec spider.LinkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return spider.LinkRecord{}, fmt.Errorf("decode link record: %w", err)
	}
	return rec, nil
}

// RequeueLink pushes a record back onto the queue front for retry.
func (s *Store) RequeueLink(ctx context.Context, target string, rec spider.LinkRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode link record: %w", err)
	}
	if err := s.client.LPush(ctx, keysFor(target).linksQueue(), payload).Err(); err != nil {
		return fmt.Errorf("requeue link record: %w", err)
	}
	return nil
}

// QueueLen returns the pending link count.
func (s *Store) QueueLen(ctx context.Context, target string) (int64, error) {
	n, err := s.client.LLen(ctx, keysFor(target).linksQueue()).Result()
	if err != nil {
		return 0, fmt.Errorf("links queue length: %w", err)
	}
	return n, nil
}

// Visited reports collection-phase dedup membership.
func (s *Store) Visited(ctx context.Context, target, url string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, keysFor(target).visitedURLs(), url).Result()
	if err != nil {
		return false, fmt.Errorf("check visited: %w", err)
	}
	return ok, nil
}

// VisitedCount returns the collection dedup set size.
func (s *Store) VisitedCount(ctx context.Context, target string) (int64, error) {
	n, err := s.client.SCard(ctx, keysFor(target).visitedURLs()).Result()
	if err != nil {
		return 0, fmt.Errorf("visited count: %w", err)
	}
	return n, nil
}

// MarkCrawled inserts into the detail dedup set, reporting newness.
func (s *Store) MarkCrawled(ctx context.Context, target, url string) (bool, error) {
	added, err := s.client.SAdd(ctx, keysFor(target).crawledURLs(), url).Result()
	if err != nil {
		return false, fmt.Errorf("mark crawled: %w", err)
	}
	return added == 1, nil
}

// Crawled reports detail-phase dedup membership.
func (s *Store) Crawled(ctx context.Context, target, url string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, keysFor(target).crawledURLs(), url).Result()
	if err != nil {
		return false, fmt.Errorf("check crawled: %w", err)
	}
	return ok, nil
}

// CrawledCount returns the detail dedup set size.
func (s *Store) CrawledCount(ctx context.Context, target string) (int64, error) {
	n, err := s.client.SCard(ctx, keysFor(target).crawledURLs()).Result()
	if err != nil {
		return 0, fmt.Errorf("crawled count: %w", err)
	}
	return n, nil
}

// PushURL schedules a URL with the given priority. A tiny fractional
// sequence is folded into the score so equal priorities pop in
// insertion order; readers still see the integer part as the priority.
func (s *Store) PushURL(ctx context.Context, target, url string, priority float64) error {
	k := keysFor(target)
	seq, err := s.client.Incr(ctx, k.urlSeq()).Result()
	if err != nil {
		return fmt.Errorf("url queue sequence: %w", err)
	}
	score := priority + float64(seq)*1e-9
	if err := s.client.ZAdd(ctx, k.urlQueue(), redis.Z{Score: score, Member: url}).Err(); err != nil {
		return fmt.Errorf("push url: %w", err)
	}
	return nil
}

// PopURL removes and returns the most urgent URL or ErrQueueEmpty.
func (s *Store) PopURL(ctx context.Context, target string) (string, error) {
	res, err := s.client.ZPopMin(ctx, keysFor(target).urlQueue(), 1).Result()
	if err != nil {
		return "", fmt.Errorf("pop url: %w", err)
	}
	if len(res) == 0 {
		return "", spider.ErrQueueEmpty
	}
	member, ok := res[0].Member.(string)
	if !ok {
		return "", fmt.Errorf("pop url: unexpected member type %T", res[0].Member)
	}
	return member, nil
}

// URLQueueLen returns the priority queue size.
func (s *Store) URLQueueLen(ctx context.Context, target string) (int64, error) {
	n, err := s.client.ZCard(ctx, keysFor(target).urlQueue()).Result()
	if err != nil {
		return 0, fmt.Errorf("url queue length: %w", err)
	}
	return n, nil
}

// AdvanceSection bumps the monotonic records_done counter via HINCRBY.
func (s *Store) AdvanceSection(ctx context.Context, target, sectionID string, delta int64) (int64, error) {
	if delta < 0 {
		delta = 0
	}
	n, err := s.client.HIncrBy(ctx, keysFor(target).pagination(), sectionID, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("advance section: %w", err)
	}
	return n, nil
}

// SectionRecordsDone reads the records_done counter.
func (s *Store) SectionRecordsDone(ctx context.Context, target, sectionID string) (int64, error) {
	v, err := s.client.HGet(ctx, keysFor(target).pagination(), sectionID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read section cursor: %w", err)
	}
	return parseInt(v), nil
}

// MarkSectionComplete sets the one-way completion flag.
func (s *Store) MarkSectionComplete(ctx context.Context, target, sectionID string) error {
	err := s.client.HSet(ctx, keysFor(target).pagination(), sectionID+"_complete", "1").Err()
	if err != nil {
		return fmt.Errorf("mark section complete: %w", err)
	}
	return nil
}

// SectionComplete reads the completion flag.
func (s *Store) SectionComplete(ctx context.Context, target, sectionID string) (bool, error) {
	v, err := s.client.HGet(ctx, keysFor(target).pagination(), sectionID+"_complete").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read section complete: %w", err)
	}
	return v == "1", nil
}

// ResetSection clears the cursor and completion flag for one section.
func (s *Store) ResetSection(ctx context.Context, target, sectionID string) error {
	err := s.client.HDel(ctx, keysFor(target).pagination(), sectionID, sectionID+"_complete").Err()
	if err != nil {
		return fmt.Errorf("reset section: %w", err)
	}
	return nil
}

// PaginationSnapshot returns the raw pagination hash.
func (s *Store) PaginationSnapshot(ctx context.Context, target string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, keysFor(target).pagination()).Result()
	if err != nil {
		return nil, fmt.Errorf("read pagination hash: %w", err)
	}
	return fields, nil
}

// SaveCheckpoint overwrites the single JSON snapshot.
func (s *Store) SaveCheckpoint(ctx context.Context, target string, cp spider.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, keysFor(target).checkpoint(), payload, 0).Err(); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the latest snapshot or ErrNoCheckpoint.
func (s *Store) LoadCheckpoint(ctx context.Context, target string) (spider.Checkpoint, error) {
	data, err := s.client.Get(ctx, keysFor(target).checkpoint()).Bytes()
	if errors.Is(err, redis.Nil) {
		return spider.Checkpoint{}, spider.ErrNoCheckpoint
	}
	if err != nil {
		return spider.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp spider.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return spider.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// PushError prepends a JSON record and trims the ledger to its bound.
func (s *Store) PushError(ctx context.Context, target string, rec spider.ErrorRecord) error {
	k := keysFor(target)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode error record: %w", err)
	}
	if err := s.client.LPush(ctx, k.errors(), payload).Err(); err != nil {
		return fmt.Errorf("push error record: %w", err)
	}
	if err := s.client.LTrim(ctx, k.errors(), 0, s.errorBound-1).Err(); err != nil {
		return fmt.Errorf("trim error ledger: %w", err)
	}
	return nil
}

// RecentErrors returns up to limit entries, newest first.
func (s *Store) RecentErrors(ctx context.Context, target string, limit int64) ([]spider.ErrorRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.client.LRange(ctx, keysFor(target).errors(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read error ledger: %w", err)
	}
	out := make([]spider.ErrorRecord, 0, len(rows))
	for _, row := range rows {
		var rec spider.ErrorRecord
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			// A malformed row is skipped rather than poisoning reads.
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// AcquireOwner claims the target with SETNX plus lease TTL.
func (s *Store) AcquireOwner(ctx context.Context, target, token string, lease time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, keysFor(target).owner(), token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("acquire owner: %w", err)
	}
	return ok, nil
}

// RenewOwner extends the lease while token still holds the record. An
// expired record is re-acquired; a record held by another token returns
// ErrNotOwner.
func (s *Store) RenewOwner(ctx context.Context, target, token string, lease time.Duration) error {
	k := keysFor(target)
	val, err := s.client.Get(ctx, k.owner()).Result()
	if errors.Is(err, redis.Nil) {
		ok, acquireErr := s.AcquireOwner(ctx, target, token, lease)
		if acquireErr != nil {
			return acquireErr
		}
		if !ok {
			return spider.ErrNotOwner
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read owner: %w", err)
	}
	if val != token {
		return spider.ErrNotOwner
	}
	ok, err := s.client.Expire(ctx, k.owner(), lease).Result()
	if err != nil {
		return fmt.Errorf("renew owner lease: %w", err)
	}
	if !ok {
		return spider.ErrNotOwner
	}
	return nil
}

// ReleaseOwner deletes the record if token still holds it.
func (s *Store) ReleaseOwner(ctx context.Context, target, token string) error {
	k := keysFor(target)
	val, err := s.client.Get(ctx, k.owner()).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read owner: %w", err)
	}
	if val != token {
		return nil
	}
	if err := s.client.Del(ctx, k.owner()).Err(); err != nil {
		return fmt.Errorf("release owner: %w", err)
	}
	return nil
}

// CurrentOwner returns the live token or ErrNoOwner.
func (s *Store) CurrentOwner(ctx context.Context, target string) (string, error) {
	val, err := s.client.Get(ctx, keysFor(target).owner()).Result()
	if errors.Is(err, redis.Nil) {
		return "", spider.ErrNoOwner
	}
	if err != nil {
		return "", fmt.Errorf("read owner: %w", err)
	}
	return val, nil
}

func decodeState(fields map[string]string) spider.JobState {
	st := spider.JobState{
		Status:          spider.StatusIdle,
		Phase:           spider.PhaseIdle,
		Owner:           fields["owner"],
		Paused:          fields["paused"] == "1",
		Mode:            spider.RunMode(fields["mode"]),
		StartedAt:       parseTime(fields["started_at"]),
		StoppedAt:       parseTime(fields["stopped_at"]),
		CompletedAt:     parseTime(fields["completed_at"]),
		UpdatedAt:       parseTime(fields["updated_at"]),
		PhaseUpdatedAt:  parseTime(fields["phase_updated_at"]),
		CurrentCategory: fields["current_category"],
		LinksCollected:  parseInt(fields["links_collected"]),
		DetailsCrawled:  parseInt(fields["details_crawled"]),
		ErrorCount:      parseInt(fields["error_count"]),
		LastError:       fields["last_error"],
		StopReason:      spider.StopReason(fields["stop_reason"]),
	}
	if v := fields["status"]; v != "" {
		st.Status = spider.Status(v)
	}
	if v := fields["phase"]; v != "" {
		st.Phase = spider.Phase(v)
	}
	return st
}

func parseInt(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
