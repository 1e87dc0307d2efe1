// Package supervisor runs the control loop that keeps one worker process per
// configured role alive: priority-ordered launch, health-driven restart with
// exponential backoff, and cooperative shutdown with a bounded grace period.
// All coordination with workers flows through the durable store; the
// supervisor holds no shared memory with them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/health"
	"agent-orchestrator/internal/lock"
	"agent-orchestrator/internal/monitoring"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/internal/process"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/internal/tracing"
	"agent-orchestrator/pkg/types"

	"go.uber.org/zap"
)

type Supervisor struct {
	cfg     *config.Config
	runner  process.Runner
	locks   *lock.Service
	health  *health.Store
	queue   *queue.Service
	events  *events.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.TracingManager
	logger  *zap.Logger

	ownPID int

	mu      sync.Mutex
	workers map[string]*trackedWorker

	stopChan chan struct{}
	stopOnce sync.Once
	exitCode int
}

func NewSupervisor(
	cfg *config.Config,
	runner process.Runner,
	locks *lock.Service,
	healthStore *health.Store,
	queueSvc *queue.Service,
	eventLog *events.Logger,
	metrics *monitoring.Metrics,
	tracer *tracing.TracingManager,
	logger *zap.Logger,
) *Supervisor {
	workers := make(map[string]*trackedWorker)
	for _, role := range cfg.Roles {
		if role.Disabled {
			continue
		}
		workers[role.ID] = &trackedWorker{cfg: role, state: types.WorkerStateUnstarted}
	}

	return &Supervisor{
		cfg:      cfg,
		runner:   runner,
		locks:    locks,
		health:   healthStore,
		queue:    queueSvc,
		events:   eventLog,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger,
		ownPID:   os.Getpid(),
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Start launches every enabled role in ascending priority order with the
// configured delay between launches, then starts the monitor, lock-reclaim,
// and retention loops. A role that fails to launch stays tracked as
// unstarted or crashed; the monitor loop keeps working on it.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.launchAll(ctx); err != nil {
		return err
	}

	go s.monitorLoop(ctx)
	go s.reclaimLoop(ctx)
	go s.purgeLoop(ctx)

	return nil
}

func (s *Supervisor) launchAll(ctx context.Context) error {
	roles := s.launchOrder()
	s.logger.Info("Starting supervisor",
		zap.Int("pid", s.ownPID),
		zap.Int("roles", len(roles)))

	for i, role := range roles {
		if i > 0 && s.cfg.Supervisor.LaunchDelay > 0 {
			select {
			case <-time.After(s.cfg.Supervisor.LaunchDelay):
			case <-s.stopChan:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.mu.Lock()
		err := s.launchWorker(ctx, s.workers[role.ID], time.Now())
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("Role did not launch, monitor loop will retry",
				zap.String("role", role.ID),
				zap.Error(err))
		}
	}
	return nil
}

// launchOrder returns the enabled roles sorted by ascending priority, ties
// broken by id so the order is stable.
func (s *Supervisor) launchOrder() []config.RoleConfig {
	roles := make([]config.RoleConfig, 0, len(s.workers))
	for _, w := range s.workers {
		roles = append(roles, w.cfg)
	}
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Priority != roles[j].Priority {
			return roles[i].Priority < roles[j].Priority
		}
		return roles[i].ID < roles[j].ID
	})
	return roles
}

func (s *Supervisor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Supervisor.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runMonitorCycle(ctx)
		}
	}
}

// runMonitorCycle evaluates every worker whose own check interval has
// elapsed since its last evaluation. An error or panic in one worker's
// evaluation never reaches the others.
func (s *Supervisor) runMonitorCycle(ctx context.Context) {
	start := time.Now()
	ctx, span := s.tracer.StartSpan(ctx, "supervisor.monitor_cycle")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, role := range s.launchOrder() {
		w := s.workers[role.ID]
		now := time.Now()
		if now.Sub(w.lastCheck) < w.cfg.CheckInterval {
			continue
		}
		w.lastCheck = now

		if err := s.safeEvaluate(ctx, w, now); err != nil {
			s.tracer.RecordError(span, err)
			s.logger.Error("Worker evaluation failed",
				zap.String("role", w.cfg.ID),
				zap.Error(err))
		}
	}

	live := 0
	for _, w := range s.workers {
		if w.state.IsLive() {
			live++
		}
	}
	s.metrics.SetWorkersLive(float64(live))

	s.publishQueueGauges(ctx)
	s.metrics.ObserveMonitorCycle(time.Since(start))
}

func (s *Supervisor) safeEvaluate(ctx context.Context, w *trackedWorker, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker evaluation: %v", r)
		}
	}()
	return s.evaluateWorker(ctx, w, now)
}

func (s *Supervisor) publishQueueGauges(ctx context.Context) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Warn("Failed to read queue stats", zap.Error(err))
		return
	}
	for status, count := range stats.ByStatus {
		s.metrics.SetQueueDepth(string(status), float64(count))
	}
	for _, w := range s.workers {
		s.metrics.SetQueuePending(w.cfg.ID, float64(stats.PendingByRole[w.cfg.ID]))
	}
}

func (s *Supervisor) reclaimLoop(ctx context.Context) {
	interval := s.cfg.Supervisor.ReclaimInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			n, err := s.locks.ReclaimStale(ctx, s.cfg.Supervisor.LockMaxAge)
			if err != nil {
				s.logger.Error("Lock reclaim pass failed", zap.Error(err))
				continue
			}
			for i := 0; i < n; i++ {
				s.metrics.LockReclaimed()
			}
		}
	}
}

func (s *Supervisor) purgeLoop(ctx context.Context) {
	interval := s.cfg.Supervisor.PurgeInterval
	retention := s.cfg.Supervisor.Retention
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.queue.Purge(ctx, retention); err != nil {
				s.logger.Error("Queue purge failed", zap.Error(err))
			}
			if _, err := s.events.Purge(ctx, time.Now().Add(-retention)); err != nil {
				s.logger.Error("Event purge failed", zap.Error(err))
			}
		}
	}
}

// Shutdown stops the loops, signals every tracked live worker, waits up to
// the grace period, force-kills stragglers, and releases all role locks.
// immediate selects the shorter grace period used for SIGINT.
func (s *Supervisor) Shutdown(ctx context.Context, immediate bool) {
	s.stopOnce.Do(func() { close(s.stopChan) })

	grace := s.cfg.Supervisor.GracePeriod
	if immediate {
		grace = s.cfg.Supervisor.ImmediateGrace
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Shutting down supervisor",
		zap.Bool("immediate", immediate),
		zap.Duration("grace", grace))

	var stopping []*trackedWorker
	for _, role := range s.launchOrder() {
		w := s.workers[role.ID]
		if !s.workerAlive(w) {
			continue
		}
		w.state = types.WorkerStateStopping
		s.saveSnapshot(ctx, w, nil, time.Now())
		if err := s.runner.Terminate(w.pid); err != nil {
			s.logger.Warn("Failed to signal worker",
				zap.String("role", w.cfg.ID),
				zap.Int("pid", w.pid),
				zap.Error(err))
		}
		s.logger.Info("Sent SIGTERM to worker",
			zap.String("role", w.cfg.ID),
			zap.Int("pid", w.pid))
		stopping = append(stopping, w)
	}

	s.awaitExit(stopping, grace)

	forced := 0
	for _, w := range stopping {
		if s.workerAlive(w) {
			if err := s.runner.Kill(w.pid); err != nil {
				s.logger.Error("Failed to kill worker",
					zap.String("role", w.cfg.ID),
					zap.Int("pid", w.pid),
					zap.Error(err))
			}
			w.forced = true
			forced++
			s.metrics.WorkerForceKilled(w.cfg.ID)
			s.events.Record(ctx, types.EventForcedKill, w.cfg.ID, w.pid, map[string]interface{}{
				"grace_seconds": grace.Seconds(),
			})
		} else {
			s.events.Record(ctx, types.EventCleanStop, w.cfg.ID, w.pid, nil)
		}
	}
	if forced > 0 {
		// Let the reaper collect the killed children before lock release.
		time.Sleep(100 * time.Millisecond)
	}

	terminal := 0
	now := time.Now()
	for _, w := range s.workers {
		if w.state == types.WorkerStateTerminal {
			terminal++
		} else {
			w.state = types.WorkerStateStopped
		}
		if w.pid > 0 {
			if err := s.locks.Release(ctx, w.cfg.ID, w.pid); err != nil && !errors.Is(err, orcerrors.ErrNotLockHolder) {
				s.logger.Warn("Failed to release role lock",
					zap.String("role", w.cfg.ID),
					zap.Error(err))
			}
			if err := s.health.Forget(ctx, w.cfg.ID); err != nil {
				s.logger.Debug("Failed to drop heartbeat",
					zap.String("role", w.cfg.ID),
					zap.Error(err))
			}
		}
		s.saveSnapshot(ctx, w, nil, now)
	}

	s.exitCode = 0
	if forced > 0 || terminal > 0 {
		s.exitCode = 1
	}

	s.events.Record(ctx, types.EventShutdown, "", s.ownPID, map[string]interface{}{
		"forced":   forced,
		"terminal": terminal,
	})
	s.logger.Info("Supervisor shutdown complete",
		zap.Int("forced", forced),
		zap.Int("terminal", terminal),
		zap.Int("exit_code", s.exitCode))
}

func (s *Supervisor) awaitExit(workers []*trackedWorker, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		allDown := true
		for _, w := range workers {
			if s.workerAlive(w) {
				allDown = false
				break
			}
		}
		if allDown {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// ExitCode reports the process exit code settled by Shutdown: 0 when every
// worker stopped cleanly, 1 when any worker was terminal or force-killed.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}
