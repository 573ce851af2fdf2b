// Package spider defines core types shared across subsystems.
package spider

import (
	"time"
)

// Status represents the lifecycle state of a crawl job.
type Status string

// Job status values persisted in the state hash.
const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusPausing   Status = "pausing"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// Active reports whether a worker currently owns the job. A start request
// must be rejected while the status is active.
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPausing, StatusStopping:
		return true
	default:
		return false
	}
}

// Phase is the pipeline stage of the current run. Phases only advance
// forward within a run and reset to idle on a fresh start.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseIdle           Phase = "idle"
	PhaseLinkCollection Phase = "link_collection"
	PhaseDetailCrawling Phase = "detail_crawling"
	PhaseCompleted      Phase = "completed"
)

// StopReason explains why a run ended.
type StopReason string

// Stop reasons persisted alongside a terminal status.
const (
	StopCompleted     StopReason = "completed"
	StopUserStopped   StopReason = "user_stopped"
	StopTooManyErrors StopReason = "too_many_errors"
)

// RunMode selects the collection strategy for a run.
type RunMode string

const (
	// ModeBackfill walks every section up to its known total, resuming
	// from the persisted pagination cursor.
	ModeBackfill RunMode = "backfill"
	// ModeRefresh re-walks sections from page one and stops once a
	// configured number of consecutive already-visited links is seen.
	ModeRefresh RunMode = "refresh"
)

// JobState is the typed view of the per-target state hash.
type JobState struct {
	Status          Status     `json:"status"`
	Phase           Phase      `json:"phase"`
	Owner           string     `json:"owner,omitempty"`
	Paused          bool       `json:"paused"`
	Mode            RunMode    `json:"mode,omitempty"`
	StartedAt       time.Time  `json:"started_at,omitzero"`
	StoppedAt       time.Time  `json:"stopped_at,omitzero"`
	CompletedAt     time.Time  `json:"completed_at,omitzero"`
	UpdatedAt       time.Time  `json:"updated_at,omitzero"`
	PhaseUpdatedAt  time.Time  `json:"phase_updated_at,omitzero"`
	CurrentCategory string     `json:"current_category,omitempty"`
	LinksCollected  int64      `json:"links_collected"`
	DetailsCrawled  int64      `json:"details_crawled"`
	ErrorCount      int64      `json:"error_count"`
	LastError       string     `json:"last_error,omitempty"`
	StopReason      StopReason `json:"stop_reason,omitempty"`
}

// StatePatch is a partial update of the state hash. Nil fields are left
// untouched; the store stamps updated_at on every write and
// phase_updated_at whenever Phase is set.
type StatePatch struct {
	Status          *Status
	Phase           *Phase
	Owner           *string
	Mode            *RunMode
	StartedAt       *time.Time
	StoppedAt       *time.Time
	CompletedAt     *time.Time
	CurrentCategory *string
	LinksCollected  *int64
	DetailsCrawled  *int64
	ErrorCount      *int64
	LastError       *string
	StopReason      *StopReason
}

// Progress is the coarse per-target progress hash read by dashboards.
type Progress struct {
	Crawled         int64     `json:"crawled"`
	Total           int64     `json:"total"`
	CurrentCategory string    `json:"current_category"`
	Errors          int64     `json:"errors"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LinkRecord is the queued unit of work handed from the collection phase
// to the detail phase. It is serialized as JSON onto the links queue.
type LinkRecord struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Category       string    `json:"category"`
	OrdinalIndex   int       `json:"index"`
	DocumentNumber string    `json:"document_number,omitempty"`
	PublishDate    string    `json:"publish_date,omitempty"`
	CollectedAt    time.Time `json:"collected_at"`
}

// ErrorRecord is a single bounded-ledger entry, newest first on the wire.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	URL       string    `json:"url"`
	Message   string    `json:"message"`
}

// Checkpoint is the single latest recovery snapshot for a target,
// stored as one JSON document and overwritten on every save.
type Checkpoint struct {
	Phase          Phase     `json:"phase"`
	LastSectionID  string    `json:"last_section_id"`
	LastPage       int       `json:"last_page"`
	LinksCollected int64     `json:"links_collected"`
	DetailsCrawled int64     `json:"details_crawled"`
	SavedAt        time.Time `json:"saved_at"`
}

// SectionConfig describes one crawl subdivision of a target.
type SectionConfig struct {
	ID   string `json:"id" mapstructure:"id"`
	Name string `json:"name" mapstructure:"name"`
	// TotalRecords is the expected record count; zero means unknown,
	// in which case collection stops on the first page with no new links.
	TotalRecords int `json:"total_records" mapstructure:"total_records"`
}

// SelectorConfig holds the CSS selectors used to extract listing rows
// and detail content from a target's pages.
type SelectorConfig struct {
	// Item matches one listing row.
	Item string `json:"item" mapstructure:"item"`
	// Link matches the anchor inside a listing row.
	Link string `json:"link" mapstructure:"link"`
	// Date matches the publish date inside a listing row, if any.
	Date string `json:"date" mapstructure:"date"`
	// Title matches the title on a detail page; empty keeps the
	// listing title.
	Title string `json:"title" mapstructure:"title"`
	// Content scopes the stored HTML on a detail page; empty stores
	// the whole body.
	Content string `json:"content" mapstructure:"content"`
}

// TargetConfig identifies one crawl target and its sections. ListURL is
// a template; {section}, {page}, {start}, {end} and {per_page} expand
// per request.
type TargetConfig struct {
	Key       string          `json:"key" mapstructure:"key"`
	Name      string          `json:"name" mapstructure:"name"`
	ListURL   string          `json:"list_url" mapstructure:"list_url"`
	PerPage   int             `json:"per_page" mapstructure:"per_page"`
	Sections  []SectionConfig `json:"sections" mapstructure:"sections"`
	Selectors SelectorConfig  `json:"selectors" mapstructure:"selectors"`
}

// Section returns the section with the given ID, if configured.
func (t TargetConfig) Section(id string) (SectionConfig, bool) {
	for _, s := range t.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return SectionConfig{}, false
}

// StatusSnapshot is the control-surface view returned by status calls.
type StatusSnapshot struct {
	Target         string   `json:"target"`
	State          JobState `json:"state"`
	PendingLinks   int64    `json:"pending_links"`
	LinksCollected int64    `json:"links_collected"`
	DetailsCrawled int64    `json:"details_crawled"`
	StatusVersion  int64    `json:"version"`
}
