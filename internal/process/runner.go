// Package process owns OS-level worker control: spawning, liveness probes,
// and signal delivery. The Runner interface is what the supervisor depends
// on, so tests can substitute a fake instead of forking real processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"agent-orchestrator/internal/orcerrors"

	"go.uber.org/zap"
)

// Spec describes how to launch one worker role.
type Spec struct {
	Role    string
	Command string
	Args    []string
	WorkDir string
	Env     map[string]string
}

// Handle tracks a process this supervisor spawned. Done is closed by the
// reaper goroutine once Wait returns, which both collects the exit status and
// prevents the child from lingering as a zombie.
type Handle struct {
	PID  int
	done chan struct{}
	err  error
	once sync.Once
}

// NewHandle returns a handle for pid plus the completion func the Runner
// calls exactly once when the process has exited and been reaped.
func NewHandle(pid int) (*Handle, func(error)) {
	h := &Handle{PID: pid, done: make(chan struct{})}
	complete := func(err error) {
		h.once.Do(func() {
			h.err = err
			close(h.done)
		})
	}
	return h, complete
}

// Done is closed when the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has already been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the Wait error once Exited is true; nil means clean exit.
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Runner abstracts process control for the supervisor.
type Runner interface {
	Spawn(ctx context.Context, spec Spec) (*Handle, error)
	Alive(pid int) bool
	Terminate(pid int) error
	Kill(pid int) error
}

// OSRunner is the real implementation over os/exec and signals.
type OSRunner struct {
	logger *zap.Logger
}

func NewOSRunner(logger *zap.Logger) *OSRunner {
	return &OSRunner{logger: logger}
}

func (r *OSRunner) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := os.Environ()
	env = append(env, fmt.Sprintf("ORC_AGENT_ROLE=%s", spec.Role))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		r.logger.Error("Failed to spawn worker process",
			zap.String("role", spec.Role),
			zap.String("command", spec.Command),
			zap.Error(err))
		return nil, fmt.Errorf("spawn %s (%s): %v: %w", spec.Role, spec.Command, err, orcerrors.ErrProcessSpawnFailure)
	}

	handle, complete := NewHandle(cmd.Process.Pid)

	go func() {
		complete(cmd.Wait())
	}()

	r.logger.Info("Worker process spawned",
		zap.String("role", spec.Role),
		zap.Int("pid", handle.PID),
		zap.String("command", spec.Command))

	return handle, nil
}

// Alive probes the pid with signal 0. A reaped child of ours would report
// dead via its Handle; this probe is for adopted processes and lock holders
// that are not our children.
func (r *OSRunner) Alive(pid int) bool {
	return PIDAlive(pid)
}

func (r *OSRunner) Terminate(pid int) error {
	return signalPID(pid, syscall.SIGTERM)
}

func (r *OSRunner) Kill(pid int) error {
	return signalPID(pid, syscall.SIGKILL)
}

// PIDAlive reports whether a process with the given pid exists. EPERM counts
// as alive: the process is there, we just may not own it.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func signalPID(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %s to pid %d: %w", sig, pid, err)
	}
	return nil
}
