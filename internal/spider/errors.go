package spider

import "errors"

// Sentinel errors returned by the orchestration layer. Control handlers
// map these to structured reasons; none of them crash the worker.
var (
	// ErrInvalidTransition rejects a control command that is illegal for
	// the current status. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyRunning rejects a start while a worker owns the target.
	ErrAlreadyRunning = errors.New("spider already running")

	// ErrTargetNotFound means the target key is not configured.
	ErrTargetNotFound = errors.New("target not found")

	// ErrQueueEmpty is returned by a non-blocking dequeue on an empty queue.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrNoCheckpoint means no snapshot has ever been saved for the target.
	ErrNoCheckpoint = errors.New("no checkpoint")

	// ErrNoOwner means no live ownership record exists for the target.
	ErrNoOwner = errors.New("no owner")

	// ErrNotOwner means the caller's token does not match the ownership
	// record; its lease was lost to another worker or expired.
	ErrNotOwner = errors.New("ownership token mismatch")

	// ErrTooManyErrors forces a stop once the per-run error threshold is
	// crossed.
	ErrTooManyErrors = errors.New("too many errors")
)
