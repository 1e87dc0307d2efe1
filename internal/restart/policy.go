// Package restart holds the pure restart decision logic. Nothing here spawns
// processes or touches the store, so the whole policy is exhaustively
// unit-testable.
package restart

import (
	"fmt"
	"time"
)

// Action is the supervisor's next move for a crashed worker.
type Action string

const (
	ActionRestartNow Action = "restart_now"
	ActionWait       Action = "wait"
	ActionGiveUp     Action = "give_up"
)

// Decision carries the action plus the remaining wait when Action is
// ActionWait.
type Decision struct {
	Action Action
	Wait   time.Duration
	Reason string
}

// exponent guard so absurd restart counts cannot overflow the shift
const maxBackoffShift = 32

// Backoff returns the full wait before restart attempt restartCount+1:
// backoffBase doubled once per completed restart.
func Backoff(backoffBase time.Duration, restartCount int) time.Duration {
	if backoffBase <= 0 {
		return 0
	}
	shift := restartCount
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return backoffBase << uint(shift)
}

// Decide maps a worker's crash history to a restart decision.
//
// restartCount is the number of restarts already performed; crashedAt is when
// the current crash was detected (or the last restart, whichever is later).
// Once restartCount reaches maxRestarts the decision is permanently give_up:
// the worker stays terminal until an operator intervenes.
func Decide(restartCount int, crashedAt time.Time, now time.Time, maxRestarts int, backoffBase time.Duration) Decision {
	if restartCount >= maxRestarts {
		return Decision{
			Action: ActionGiveUp,
			Reason: fmt.Sprintf("restart budget exhausted (%d/%d)", restartCount, maxRestarts),
		}
	}

	wait := Backoff(backoffBase, restartCount)
	elapsed := now.Sub(crashedAt)
	if elapsed >= wait {
		return Decision{
			Action: ActionRestartNow,
			Reason: fmt.Sprintf("backoff %s elapsed", wait),
		}
	}

	return Decision{
		Action: ActionWait,
		Wait:   wait - elapsed,
		Reason: fmt.Sprintf("within backoff window, %s remaining", wait-elapsed),
	}
}
