package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/internal/process"
	"agent-orchestrator/internal/restart"
	"agent-orchestrator/pkg/types"

	"go.uber.org/zap"
)

// trackedWorker is the supervisor's in-memory record of one role. All
// fields are guarded by Supervisor.mu.
type trackedWorker struct {
	cfg   config.RoleConfig
	state types.WorkerState

	pid     int
	handle  *process.Handle
	adopted bool

	startedAt    time.Time
	restartCount int
	crashedAt    time.Time
	lastRestart  time.Time
	lastCheck    time.Time

	resourceWarned bool
	forced         bool
}

// workerAlive reports OS-level liveness. Children we spawned are judged by
// their reaped handle so a zombie never counts as alive; adopted processes
// fall back to a signal probe.
func (s *Supervisor) workerAlive(w *trackedWorker) bool {
	if w.handle != nil {
		return !w.handle.Exited()
	}
	if w.pid > 0 && w.state.IsLive() {
		return s.runner.Alive(w.pid)
	}
	return false
}

// launchWorker brings a role up for the first time: claim the role lock with
// our own pid, spawn, then hand the lock to the child. When the lock is
// already held the healthy holder is adopted if configuration allows it.
func (s *Supervisor) launchWorker(ctx context.Context, w *trackedWorker, now time.Time) error {
	err := s.spawnIntoLock(ctx, w, now)
	if err == nil {
		s.metrics.WorkerLaunched(w.cfg.ID)
		s.events.Record(ctx, types.EventSpawned, w.cfg.ID, w.pid, map[string]interface{}{
			"command":  w.cfg.Command,
			"priority": w.cfg.Priority,
		})
		s.logger.Info("Worker launched",
			zap.String("role", w.cfg.ID),
			zap.Int("pid", w.pid),
			zap.Int("priority", w.cfg.Priority))
		s.saveSnapshot(ctx, w, nil, now)
		return nil
	}

	if errors.Is(err, orcerrors.ErrRoleAlreadyRunning) {
		if s.cfg.Supervisor.AdoptRunning && s.tryAdopt(ctx, w, now) {
			return nil
		}
		return err
	}

	if errors.Is(err, orcerrors.ErrProcessSpawnFailure) {
		// Enter the crash path so the restart policy governs retries
		// instead of hammering the spawn every cycle.
		w.state = types.WorkerStateCrashed
		w.crashedAt = now
		w.handle = nil
		s.metrics.WorkerCrashed(w.cfg.ID)
		s.events.Record(ctx, types.EventCrashed, w.cfg.ID, 0, map[string]interface{}{
			"reason": "spawn_failure",
			"error":  err.Error(),
		})
		s.saveSnapshot(ctx, w, nil, now)
	}
	return err
}

// spawnIntoLock runs the claim, spawn, rebind launch protocol. The role lock
// is held by the supervisor's pid for the gap between claim and spawn so a
// concurrent supervisor can never double-start the role.
func (s *Supervisor) spawnIntoLock(ctx context.Context, w *trackedWorker, now time.Time) error {
	if err := s.locks.Claim(ctx, w.cfg.ID, s.ownPID); err != nil {
		return err
	}

	handle, err := s.runner.Spawn(ctx, process.Spec{
		Role:    w.cfg.ID,
		Command: w.cfg.Command,
		Args:    w.cfg.Args,
		WorkDir: w.cfg.WorkDir,
		Env:     w.cfg.Env,
	})
	if err != nil {
		if relErr := s.locks.Release(ctx, w.cfg.ID, s.ownPID); relErr != nil {
			s.logger.Warn("Failed to release claim after spawn failure",
				zap.String("role", w.cfg.ID),
				zap.Error(relErr))
		}
		return err
	}

	if err := s.locks.Rebind(ctx, w.cfg.ID, s.ownPID, handle.PID); err != nil {
		s.runner.Terminate(handle.PID)
		if relErr := s.locks.Release(ctx, w.cfg.ID, s.ownPID); relErr != nil && !errors.Is(relErr, orcerrors.ErrNotLockHolder) {
			s.logger.Warn("Failed to release claim after rebind failure",
				zap.String("role", w.cfg.ID),
				zap.Error(relErr))
		}
		return fmt.Errorf("failed to hand lock to worker: %w", err)
	}

	w.pid = handle.PID
	w.handle = handle
	w.adopted = false
	w.forced = false
	w.resourceWarned = false
	w.state = types.WorkerStateStarting
	w.startedAt = now
	return nil
}

// tryAdopt takes over a live, recently-heartbeating lock holder instead of
// spawning a second process for the role.
func (s *Supervisor) tryAdopt(ctx context.Context, w *trackedWorker, now time.Time) bool {
	holder, err := s.locks.Holder(ctx, w.cfg.ID)
	if err != nil {
		return false
	}
	if !s.runner.Alive(holder.HolderPID) {
		return false
	}
	report, err := s.health.Report(ctx, w.cfg, holder.HolderPID, true, now)
	if err != nil || report.State != types.HealthHealthy {
		return false
	}

	w.pid = holder.HolderPID
	w.handle = nil
	w.adopted = true
	w.forced = false
	w.resourceWarned = false
	w.state = types.WorkerStateRunning
	w.startedAt = now
	w.crashedAt = time.Time{}

	s.metrics.WorkerAdopted(w.cfg.ID)
	s.events.Record(ctx, types.EventAdopted, w.cfg.ID, w.pid, map[string]interface{}{
		"lock_age_seconds": holder.Age(now).Seconds(),
	})
	s.logger.Info("Adopted running worker",
		zap.String("role", w.cfg.ID),
		zap.Int("pid", w.pid))
	s.saveSnapshot(ctx, w, report, now)
	return true
}

// evaluateWorker is one monitor pass over one role. Terminal and stopping
// workers are left alone; unstarted workers get a launch retry; everything
// else is classified from its heartbeat and process liveness.
func (s *Supervisor) evaluateWorker(ctx context.Context, w *trackedWorker, now time.Time) error {
	switch w.state {
	case types.WorkerStateTerminal, types.WorkerStateStopping, types.WorkerStateStopped:
		return nil
	case types.WorkerStateUnstarted:
		if err := s.launchWorker(ctx, w, now); err != nil {
			s.logger.Debug("Launch retry failed",
				zap.String("role", w.cfg.ID),
				zap.Error(err))
		}
		return nil
	}

	alive := s.workerAlive(w)
	report, err := s.health.Report(ctx, w.cfg, w.pid, alive, now)
	if err != nil {
		return err
	}

	if !report.HeartbeatMissing {
		s.metrics.ObserveHealth(w.cfg.ID, report.HeartbeatAge, report.CPUPercent, report.MemoryBytes)
	}

	if report.State == types.HealthDead {
		s.handleCrash(ctx, w, report, now)
		s.saveSnapshot(ctx, w, report, now)
		return nil
	}

	s.observeLiveWorker(ctx, w, report, now)
	s.saveSnapshot(ctx, w, report, now)
	return nil
}

// observeLiveWorker applies a healthy or stale classification. Stale is a
// warning state only; it never triggers a restart.
func (s *Supervisor) observeLiveWorker(ctx context.Context, w *trackedWorker, report *types.HealthReport, now time.Time) {
	switch report.State {
	case types.HealthHealthy:
		if w.state != types.WorkerStateRunning {
			if w.state == types.WorkerStateStale {
				s.logger.Info("Worker heartbeat recovered",
					zap.String("role", w.cfg.ID),
					zap.Int("pid", w.pid))
			}
			w.state = types.WorkerStateRunning
		}

	case types.HealthStale:
		// A worker that has not written its first heartbeat yet gets the
		// stale threshold measured from its start before being called out.
		if w.state == types.WorkerStateStarting && report.HeartbeatMissing && now.Sub(w.startedAt) < w.cfg.StaleAfter {
			break
		}
		if w.state != types.WorkerStateStale {
			w.state = types.WorkerStateStale
			s.metrics.StaleWarning(w.cfg.ID)
			s.events.Record(ctx, types.EventStaleWarning, w.cfg.ID, w.pid, map[string]interface{}{
				"heartbeat_age_seconds": report.HeartbeatAge.Seconds(),
				"heartbeat_missing":     report.HeartbeatMissing,
			})
			s.logger.Warn("Worker heartbeat is stale",
				zap.String("role", w.cfg.ID),
				zap.Int("pid", w.pid),
				zap.Duration("heartbeat_age", report.HeartbeatAge),
				zap.Error(orcerrors.ErrHeartbeatStale))
		}
	}

	if len(report.ResourceWarnings) > 0 {
		if !w.resourceWarned {
			w.resourceWarned = true
			s.metrics.ResourceWarning(w.cfg.ID)
			s.events.Record(ctx, types.EventResourceWarning, w.cfg.ID, w.pid, map[string]interface{}{
				"warnings":     report.ResourceWarnings,
				"cpu_percent":  report.CPUPercent,
				"memory_bytes": report.MemoryBytes,
			})
			s.logger.Warn("Worker exceeds resource limits",
				zap.String("role", w.cfg.ID),
				zap.Int("pid", w.pid),
				zap.Strings("warnings", report.ResourceWarnings))
		}
	} else {
		w.resourceWarned = false
	}
}

// handleCrash records a fresh crash once, then consults the restart policy
// every pass until the worker is respawned or declared terminal.
func (s *Supervisor) handleCrash(ctx context.Context, w *trackedWorker, report *types.HealthReport, now time.Time) {
	if w.state != types.WorkerStateCrashed && w.state != types.WorkerStateRestarting {
		s.recordCrash(ctx, w, report, now)
	}

	decision := restart.Decide(w.restartCount, w.crashedAt, now, w.cfg.MaxRestarts, w.cfg.BackoffBase)
	switch decision.Action {
	case restart.ActionGiveUp:
		s.markTerminal(ctx, w, decision.Reason)

	case restart.ActionWait:
		if w.state != types.WorkerStateRestarting {
			w.state = types.WorkerStateRestarting
			s.events.Record(ctx, types.EventRestartScheduled, w.cfg.ID, w.pid, map[string]interface{}{
				"wait_seconds": decision.Wait.Seconds(),
				"attempt":      w.restartCount + 1,
				"max_restarts": w.cfg.MaxRestarts,
			})
			s.logger.Warn("Restart scheduled",
				zap.String("role", w.cfg.ID),
				zap.Duration("wait", decision.Wait),
				zap.Int("attempt", w.restartCount+1),
				zap.Int("max_restarts", w.cfg.MaxRestarts))
		}

	case restart.ActionRestartNow:
		s.respawn(ctx, w, now)
	}
}

// recordCrash is the edge-triggered half of crash handling: emit the event,
// clear state the dead process can no longer clean up, and apply the
// stability reset before the restart policy sees the counter.
func (s *Supervisor) recordCrash(ctx context.Context, w *trackedWorker, report *types.HealthReport, now time.Time) {
	details := map[string]interface{}{
		"process_alive":     report.ProcessAlive,
		"heartbeat_missing": report.HeartbeatMissing,
	}
	if !report.HeartbeatMissing {
		details["heartbeat_age_seconds"] = report.HeartbeatAge.Seconds()
	}
	if w.handle != nil {
		if exitErr := w.handle.ExitErr(); exitErr != nil {
			details["exit_error"] = exitErr.Error()
		}
	}

	reset := s.cfg.Supervisor.StabilityReset
	if reset > 0 && !w.startedAt.IsZero() && now.Sub(w.startedAt) >= reset && w.restartCount > 0 {
		s.logger.Info("Worker was stable, clearing restart count",
			zap.String("role", w.cfg.ID),
			zap.Duration("stable_for", now.Sub(w.startedAt)))
		w.restartCount = 0
	}

	w.state = types.WorkerStateCrashed
	w.crashedAt = now
	w.handle = nil

	s.metrics.WorkerCrashed(w.cfg.ID)
	s.events.Record(ctx, types.EventCrashed, w.cfg.ID, w.pid, details)
	s.logger.Error("Worker crashed",
		zap.String("role", w.cfg.ID),
		zap.Int("pid", w.pid),
		zap.Error(orcerrors.ErrWorkerDead))

	// The dead process cannot release its lock or refresh its heartbeat;
	// clear both so the respawn can claim cleanly.
	if w.pid > 0 {
		if err := s.locks.Release(ctx, w.cfg.ID, w.pid); err != nil && !errors.Is(err, orcerrors.ErrNotLockHolder) {
			s.logger.Warn("Failed to release crashed worker's lock",
				zap.String("role", w.cfg.ID),
				zap.Error(err))
		}
	}
	if err := s.health.Forget(ctx, w.cfg.ID); err != nil {
		s.logger.Debug("Failed to drop heartbeat",
			zap.String("role", w.cfg.ID),
			zap.Error(err))
	}
}

func (s *Supervisor) markTerminal(ctx context.Context, w *trackedWorker, reason string) {
	if w.state == types.WorkerStateTerminal {
		return
	}
	w.state = types.WorkerStateTerminal

	s.metrics.SetWorkerTerminal(w.cfg.ID, true)
	s.events.Record(ctx, types.EventTerminal, w.cfg.ID, w.pid, map[string]interface{}{
		"restart_count": w.restartCount,
		"max_restarts":  w.cfg.MaxRestarts,
		"reason":        reason,
	})
	s.logger.Error("Worker is terminal, operator intervention required",
		zap.String("role", w.cfg.ID),
		zap.Int("restart_count", w.restartCount),
		zap.Int("max_restarts", w.cfg.MaxRestarts),
		zap.Error(orcerrors.ErrMaxRestartsExceeded))

	if _, err := s.queue.ApplyTerminalPolicy(ctx, w.cfg.ID); err != nil {
		s.logger.Error("Failed to apply terminal policy",
			zap.String("role", w.cfg.ID),
			zap.Error(err))
	}
}

// respawn consumes one restart attempt. The attempt counts even when the
// spawn itself fails, so a broken command line still converges on terminal.
func (s *Supervisor) respawn(ctx context.Context, w *trackedWorker, now time.Time) {
	w.restartCount++
	w.lastRestart = now
	w.crashedAt = now

	if err := s.spawnIntoLock(ctx, w, now); err != nil {
		if errors.Is(err, orcerrors.ErrRoleAlreadyRunning) && s.cfg.Supervisor.AdoptRunning && s.tryAdopt(ctx, w, now) {
			return
		}
		w.state = types.WorkerStateCrashed
		s.events.Record(ctx, types.EventCrashed, w.cfg.ID, 0, map[string]interface{}{
			"reason":  "respawn_failure",
			"error":   err.Error(),
			"attempt": w.restartCount,
		})
		s.logger.Error("Restart attempt failed",
			zap.String("role", w.cfg.ID),
			zap.Int("attempt", w.restartCount),
			zap.Error(err))
		return
	}

	s.metrics.WorkerRestarted(w.cfg.ID)
	s.events.Record(ctx, types.EventRestarted, w.cfg.ID, w.pid, map[string]interface{}{
		"attempt":      w.restartCount,
		"max_restarts": w.cfg.MaxRestarts,
	})
	s.logger.Info("Worker restarted",
		zap.String("role", w.cfg.ID),
		zap.Int("pid", w.pid),
		zap.Int("attempt", w.restartCount))
}

func (s *Supervisor) saveSnapshot(ctx context.Context, w *trackedWorker, report *types.HealthReport, now time.Time) {
	snap := &types.StatusSnapshot{
		Role:         w.cfg.ID,
		State:        w.state,
		PID:          w.pid,
		RestartCount: w.restartCount,
		MaxRestarts:  w.cfg.MaxRestarts,
		UpdatedAt:    now,
	}
	if !w.startedAt.IsZero() {
		startedAt := w.startedAt
		snap.StartedAt = &startedAt
	}
	if !w.lastRestart.IsZero() {
		lastRestart := w.lastRestart
		snap.LastRestart = &lastRestart
	}
	if report != nil && !report.HeartbeatMissing {
		age := report.HeartbeatAge.Seconds()
		snap.HeartbeatAge = &age
		snap.CPUPercent = report.CPUPercent
		snap.MemoryBytes = report.MemoryBytes
	}

	// Store failures are already logged by the health store.
	_ = s.health.SaveStatus(ctx, snap)
}
