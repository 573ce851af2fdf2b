// Package system is the wall-clock implementation of spider.Clock.
package system

import "time"

// Clock reads time.Now in UTC. Every timestamp the engine persists
// flows through a Clock so tests can substitute a fixed one.
type Clock struct{}

// New returns the process-wide wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
