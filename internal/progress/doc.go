// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces that crawl workers use to report run progress. The
// hub batches events on a background goroutine and fans them out to
// pluggable sinks such as Prometheus metrics or the per-target progress
// hash in the store.
package progress
