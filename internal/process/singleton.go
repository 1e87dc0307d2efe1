package process

import (
	"fmt"

	"agent-orchestrator/internal/orcerrors"

	"github.com/gofrs/flock"
)

// SingletonLock is the fast local guard against two supervisors on one host.
// The durable role lock is still claimed afterwards; the file lock catches
// the common case before touching the store at all.
type SingletonLock struct {
	fl *flock.Flock
}

// AcquireSingleton takes a non-blocking exclusive file lock at path.
func AcquireSingleton(path string) (*SingletonLock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire singleton lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("singleton lock %s held by another process: %w", path, orcerrors.ErrRoleAlreadyRunning)
	}
	return &SingletonLock{fl: fl}, nil
}

// Release drops the file lock. The lock file itself is left in place.
func (s *SingletonLock) Release() error {
	if s == nil || s.fl == nil {
		return nil
	}
	if err := s.fl.Unlock(); err != nil {
		return fmt.Errorf("release singleton lock: %w", err)
	}
	return nil
}
