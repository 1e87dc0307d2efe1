// Package lock manages durable role locks: one holder process per role,
// claimed atomically through the store. Claiming never blocks or retries; a
// held lock is a hard conflict surfaced to the caller.
package lock

import (
	"context"
	"fmt"
	"time"

	"agent-orchestrator/internal/database"
	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/pkg/types"

	"go.uber.org/zap"
)

// Service wraps the lock repository with conflict semantics and stale-lock
// reclaim. alive is the OS-level liveness probe for holder PIDs.
type Service struct {
	repo   database.LockRepository
	events *events.Logger
	alive  func(pid int) bool
	logger *zap.Logger
}

func NewService(repo database.LockRepository, eventLog *events.Logger, alive func(pid int) bool, logger *zap.Logger) *Service {
	return &Service{repo: repo, events: eventLog, alive: alive, logger: logger}
}

// Claim takes the role lock for pid. It fails fast with
// ErrRoleAlreadyRunning when any holder exists, alive or not; stale holders
// are only cleared through ReclaimStale.
func (s *Service) Claim(ctx context.Context, role string, pid int) error {
	ok, err := s.repo.TryClaim(ctx, role, pid, time.Now())
	if err != nil {
		return fmt.Errorf("failed to claim role lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("role %s: %w", role, orcerrors.ErrRoleAlreadyRunning)
	}
	return nil
}

// Rebind moves the lock from oldPID to newPID, used after a spawn to hand
// the supervisor's claim to the worker it launched.
func (s *Service) Rebind(ctx context.Context, role string, oldPID, newPID int) error {
	ok, err := s.repo.Rebind(ctx, role, oldPID, newPID)
	if err != nil {
		return fmt.Errorf("failed to rebind role lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("role %s not held by pid %d: %w", role, oldPID, orcerrors.ErrNotLockHolder)
	}
	return nil
}

// Release drops the lock if holderPID still holds it.
func (s *Service) Release(ctx context.Context, role string, holderPID int) error {
	ok, err := s.repo.Release(ctx, role, holderPID)
	if err != nil {
		return fmt.Errorf("failed to release role lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("role %s not held by pid %d: %w", role, holderPID, orcerrors.ErrNotLockHolder)
	}
	return nil
}

// Holder returns the current lock row for a role, or ErrNotFound.
func (s *Service) Holder(ctx context.Context, role string) (*types.RoleLock, error) {
	return s.repo.GetLock(ctx, role)
}

// List returns all current locks.
func (s *Service) List(ctx context.Context) ([]types.RoleLock, error) {
	return s.repo.ListLocks(ctx)
}

// ReclaimStale force-releases locks whose holder is confirmed dead and whose
// claim is older than maxAge. Both conditions are required: a live holder
// keeps its lock no matter how old, and a freshly dead holder is left for the
// normal crash path to handle.
func (s *Service) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	locks, err := s.repo.ListLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list role locks: %w", err)
	}

	now := time.Now()
	reclaimed := 0
	for _, lock := range locks {
		if s.alive(lock.HolderPID) {
			continue
		}
		age := lock.Age(now)
		if age <= maxAge {
			continue
		}

		ok, err := s.repo.Release(ctx, lock.Role, lock.HolderPID)
		if err != nil {
			s.logger.Error("Failed to release stale role lock",
				zap.String("role", lock.Role),
				zap.Int("holder_pid", lock.HolderPID),
				zap.Error(err))
			continue
		}
		if !ok {
			// Lost a race with another reclaimer or a rebind.
			continue
		}

		s.logger.Warn("Reclaimed orphaned role lock",
			zap.String("role", lock.Role),
			zap.Int("holder_pid", lock.HolderPID),
			zap.Duration("age", age),
			zap.Error(orcerrors.ErrStaleLockOrphaned))
		if s.events != nil {
			s.events.Record(ctx, types.EventLockReclaimed, lock.Role, lock.HolderPID, map[string]interface{}{
				"age_seconds": age.Seconds(),
			})
		}
		reclaimed++
	}
	return reclaimed, nil
}
