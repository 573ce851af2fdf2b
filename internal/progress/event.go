package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunHeartbeat Stage = "RUN_HEARTBEAT"
	StageRunDone      Stage = "RUN_DONE"
	StageRunStopped   Stage = "RUN_STOPPED"
	StageRunError     Stage = "RUN_ERROR"
	StagePageDone     Stage = "PAGE_DONE"
	StageDetailDone   Stage = "DETAIL_DONE"
	StageCrawlError   Stage = "CRAWL_ERROR"
)

// Event captures a single milestone of a crawl run.
type Event struct {
	// Target is the crawl target key the event belongs to.
	Target string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or crawl milestone occurred.
	Stage Stage
	// Section scopes collection events to a section ID.
	Section string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Page is the listing page number for PAGE_DONE events.
	Page int
	// Links carries the number of newly queued links for a PAGE_DONE.
	Links int64
	// Details carries the number of persisted details for a DETAIL_DONE.
	Details int64
	// Dur captures fetch latency or total run time.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text
	// or a stop reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Target == "" {
		return errors.New("target is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunHeartbeat, StageRunDone, StageRunStopped, StageRunError:
	case StagePageDone:
		if e.Section == "" {
			return errors.New("page done requires section")
		}
	case StageDetailDone, StageCrawlError:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
