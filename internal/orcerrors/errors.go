// Package orcerrors defines the sentinel errors shared across the
// orchestrator's services. Callers branch with errors.Is; producers wrap with
// fmt.Errorf("...: %w", ...) so context is preserved.
package orcerrors

import "errors"

var (
	// ErrRoleAlreadyRunning means a role lock claim failed because a live
	// lock exists. Fatal to the attempted launch; never retried.
	ErrRoleAlreadyRunning = errors.New("role already running")

	// ErrProcessSpawnFailure means the OS could not create the worker
	// process. Treated as an immediate crash for restart accounting.
	ErrProcessSpawnFailure = errors.New("process spawn failure")

	// ErrHeartbeatStale is warning level only; staleness never restarts a
	// worker by itself.
	ErrHeartbeatStale = errors.New("heartbeat stale")

	// ErrWorkerDead means liveness is confirmed lost and the restart policy
	// must be consulted.
	ErrWorkerDead = errors.New("worker dead")

	// ErrMaxRestartsExceeded means the worker is terminal until an operator
	// intervenes.
	ErrMaxRestartsExceeded = errors.New("max restarts exceeded")

	// ErrQueueConflict is a transient transactional conflict; the operation
	// is safe to retry because dequeue-and-mark is atomic.
	ErrQueueConflict = errors.New("queue transaction conflict")

	// ErrStaleLockOrphaned marks a lock whose holder died without releasing
	// it. Reclaim repairs it automatically.
	ErrStaleLockOrphaned = errors.New("stale lock orphaned")

	// ErrNotLockHolder means a release was attempted by a process that does
	// not hold the lock.
	ErrNotLockHolder = errors.New("not lock holder")

	// ErrIllegalTransition means a message status change violated the
	// monotonic lifecycle.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrUnknownRole means the referenced role is not configured.
	ErrUnknownRole = errors.New("unknown role")

	// ErrNotFound is the store-level miss for messages, locks, and
	// heartbeats.
	ErrNotFound = errors.New("not found")
)
