package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/database"
	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/health"
	"agent-orchestrator/internal/lock"
	"agent-orchestrator/internal/monitoring"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/internal/process"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/internal/tracing"
	"agent-orchestrator/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProc struct {
	spec     process.Spec
	handle   *process.Handle
	complete func(error)
	alive    bool
	stubborn bool
}

// fakeRunner spawns in-memory processes whose lifecycle the tests drive by
// hand. Foreign pids model processes this runner never spawned.
type fakeRunner struct {
	mu       sync.Mutex
	nextPID  int
	spawns   []process.Spec
	spawnErr map[string][]error
	procs    map[int]*fakeProc
	foreign  map[int]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		nextPID:  1000,
		spawnErr: make(map[string][]error),
		procs:    make(map[int]*fakeProc),
		foreign:  make(map[int]bool),
	}
}

func (r *fakeRunner) Spawn(ctx context.Context, spec process.Spec) (*process.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if errs := r.spawnErr[spec.Role]; len(errs) > 0 {
		err := errs[0]
		r.spawnErr[spec.Role] = errs[1:]
		return nil, err
	}

	r.nextPID++
	handle, complete := process.NewHandle(r.nextPID)
	r.procs[r.nextPID] = &fakeProc{spec: spec, handle: handle, complete: complete, alive: true}
	r.spawns = append(r.spawns, spec)
	return handle, nil
}

func (r *fakeRunner) Alive(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[pid]; ok {
		return p.alive
	}
	return r.foreign[pid]
}

func (r *fakeRunner) Terminate(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[pid]; ok && p.alive && !p.stubborn {
		p.alive = false
		p.complete(nil)
	}
	return nil
}

func (r *fakeRunner) Kill(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[pid]; ok && p.alive {
		p.alive = false
		p.complete(fmt.Errorf("signal: killed"))
	}
	delete(r.foreign, pid)
	return nil
}

// exit simulates the process dying on its own.
func (r *fakeRunner) exit(pid int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[pid]; ok && p.alive {
		p.alive = false
		p.complete(err)
	}
}

func (r *fakeRunner) markStubborn(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[pid]; ok {
		p.stubborn = true
	}
}

func (r *fakeRunner) setForeign(pid int, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.foreign[pid] = alive
}

func (r *fakeRunner) spawnedRoles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles := make([]string, len(r.spawns))
	for i, s := range r.spawns {
		roles[i] = s.Role
	}
	return roles
}

func (r *fakeRunner) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawns)
}

// promauto registers on the process-global registry, so the whole test
// binary shares one Metrics instance.
var (
	metricsOnce   sync.Once
	metricsShared *monitoring.Metrics
)

func sharedMetrics() *monitoring.Metrics {
	metricsOnce.Do(func() { metricsShared = monitoring.NewMetrics(zap.NewNop()) })
	return metricsShared
}

type testEnv struct {
	sup    *Supervisor
	store  *database.MemoryStore
	runner *fakeRunner
	queue  *queue.Service
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	store := database.NewMemoryStore()
	runner := newFakeRunner()
	eventLog := events.NewLogger(store, logger)
	locks := lock.NewService(store, eventLog, runner.Alive, logger)
	healthStore := health.NewStore(store, logger)
	queueSvc := queue.NewService(store, notify.NewLocalNotifier(), cfg.Supervisor, logger)
	tracer, err := tracing.NewTracingManager(config.TracingConfig{}, logger)
	require.NoError(t, err)

	sup := NewSupervisor(cfg, runner, locks, healthStore, queueSvc, eventLog, sharedMetrics(), tracer, logger)
	return &testEnv{sup: sup, store: store, runner: runner, queue: queueSvc}
}

func testConfig(roles ...config.RoleConfig) *config.Config {
	return &config.Config{
		Supervisor: config.SupervisorConfig{
			MonitorInterval: 10 * time.Millisecond,
			GracePeriod:     300 * time.Millisecond,
			ImmediateGrace:  50 * time.Millisecond,
			TerminalPolicy:  config.TerminalPolicyHold,
		},
		Roles: roles,
	}
}

func testRole(id string, priority int) config.RoleConfig {
	return config.RoleConfig{
		ID:            id,
		Command:       "/usr/bin/agent",
		Args:          []string{"--role", id},
		Priority:      priority,
		CheckInterval: time.Millisecond,
		StaleAfter:    30 * time.Second,
		DeadAfter:     2 * time.Minute,
		MaxRestarts:   3,
		BackoffBase:   5 * time.Millisecond,
	}
}

// cycle waits out the per-role check interval so every worker is evaluated.
func (e *testEnv) cycle(ctx context.Context) {
	time.Sleep(2 * time.Millisecond)
	e.sup.runMonitorCycle(ctx)
}

func (e *testEnv) cycleUntil(t *testing.T, ctx context.Context, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.cycle(ctx)
		if cond() {
			return
		}
	}
	t.Fatal("condition not reached within deadline")
}

func (e *testEnv) workerState(role string) types.WorkerState {
	e.sup.mu.Lock()
	defer e.sup.mu.Unlock()
	return e.sup.workers[role].state
}

func (e *testEnv) workerPID(role string) int {
	e.sup.mu.Lock()
	defer e.sup.mu.Unlock()
	return e.sup.workers[role].pid
}

func (e *testEnv) restartCount(role string) int {
	e.sup.mu.Lock()
	defer e.sup.mu.Unlock()
	return e.sup.workers[role].restartCount
}

func (e *testEnv) beatAt(t *testing.T, role string, pid int, ts time.Time, cpu float64) {
	t.Helper()
	require.NoError(t, e.store.UpsertHeartbeat(context.Background(), &types.HeartbeatRecord{
		Role:        role,
		PID:         pid,
		Timestamp:   ts,
		CPUPercent:  cpu,
		MemoryBytes: 64 << 20,
	}))
}

func (e *testEnv) beat(t *testing.T, role string, pid int) {
	e.beatAt(t, role, pid, time.Now(), 3.5)
}

func (e *testEnv) eventTypes(t *testing.T, role string) []types.EventType {
	t.Helper()
	evts, err := e.store.ListEvents(context.Background(), role, 100)
	require.NoError(t, err)
	out := make([]types.EventType, len(evts))
	for i, ev := range evts {
		out[i] = ev.Type
	}
	return out
}

func countEvents(evts []types.EventType, want types.EventType) int {
	n := 0
	for _, et := range evts {
		if et == want {
			n++
		}
	}
	return n
}

func TestLaunchRespectsPriorityOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig(
		testRole("scheduler", 2),
		testRole("planner", 1),
		testRole("archivist", 1),
	))

	require.NoError(t, env.sup.launchAll(ctx))

	assert.Equal(t, []string{"archivist", "planner", "scheduler"}, env.runner.spawnedRoles())
	for _, role := range []string{"archivist", "planner", "scheduler"} {
		assert.Equal(t, types.WorkerStateStarting, env.workerState(role))
		assert.Contains(t, env.eventTypes(t, role), types.EventSpawned)
	}

	locks, err := env.store.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 3)
	for _, l := range locks {
		assert.Equal(t, env.workerPID(l.Role), l.HolderPID, "lock should be bound to the worker pid")
	}

	snaps, err := env.store.ListStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

func TestDisabledRoleIsNotTracked(t *testing.T) {
	ctx := context.Background()
	disabled := testRole("muted", 1)
	disabled.Disabled = true
	env := newTestEnv(t, testConfig(testRole("active", 1), disabled))

	require.NoError(t, env.sup.launchAll(ctx))

	assert.Equal(t, []string{"active"}, env.runner.spawnedRoles())
	env.sup.mu.Lock()
	_, tracked := env.sup.workers["muted"]
	env.sup.mu.Unlock()
	assert.False(t, tracked)
}

func TestHealthyWorkerRunsAfterFirstHeartbeat(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig(testRole("planner", 1)))

	require.NoError(t, env.sup.launchAll(ctx))
	pid := env.workerPID("planner")
	env.beat(t, "planner", pid)

	env.cycle(ctx)

	assert.Equal(t, types.WorkerStateRunning, env.workerState("planner"))

	snap, err := env.store.GetStatus(ctx, "planner")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStateRunning, snap.State)
	require.NotNil(t, snap.HeartbeatAge)
}

func TestStartingGraceSuppressesStaleWarning(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig(testRole("planner", 1)))

	require.NoError(t, env.sup.launchAll(ctx))
	env.cycle(ctx)
	env.cycle(ctx)

	// No heartbeat yet, but well inside the stale threshold from start.
	assert.Equal(t, types.WorkerStateStarting, env.workerState("planner"))
	assert.Zero(t, countEvents(env.eventTypes(t, "planner"), types.EventStaleWarning))
}

func TestStaleIsWarnOnlyAndRecovers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig(testRole("planner", 1)))

	require.NoError(t, env.sup.launchAll(ctx))
	pid := env.workerPID("planner")
	env.beat(t, "planner", pid)
	env.cycle(ctx)
	require.Equal(t, types.WorkerStateRunning, env.workerState("planner"))

	// Heartbeat goes quiet while the process stays alive.
	env.beatAt(t, "planner", pid, time.Now().Add(-40*time.Second), 3.5)
	env.cycle(ctx)
	env.cycle(ctx)

	assert.Equal(t, types.WorkerStateStale, env.workerState("planner"))
	evts := env.eventTypes(t, "planner")
	assert.Equal(t, 1, countEvents(evts, types.EventStaleWarning), "stale warning should fire once per episode")
	assert.Zero(t, countEvents(evts, types.EventCrashed))
	assert.Equal(t, 1, env.runner.spawnCount(), "stale must never respawn")

	env.beat(t, "planner", pid)
	env.cycle(ctx)
	assert.Equal(t, types.WorkerStateRunning, env.workerState("planner"))
}

func TestCrashSchedulesRestartThenRespawns(t *testing.T) {
	ctx := context.Background()
	role := testRole("planner", 1)
	role.BackoffBase = 30 * time.Millisecond
	env := newTestEnv(t, testConfig(role))

	require.NoError(t, env.sup.launchAll(ctx))
	pid1 := env.workerPID("planner")
	env.beat(t, "planner", pid1)
	env.cycle(ctx)
	require.Equal(t, types.WorkerStateRunning, env.workerState("planner"))

	env.runner.exit(pid1, fmt.Errorf("exit status 2"))
	env.cycle(ctx)

	assert.Equal(t, types.WorkerStateRestarting, env.workerState("planner"))
	evts := env.eventTypes(t, "planner")
	assert.Equal(t, 1, countEvents(evts, types.EventCrashed))
	assert.Equal(t, 1, countEvents(evts, types.EventRestartScheduled))

	locks, err := env.store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks, "crashed worker's lock should be released immediately")

	env.cycleUntil(t, ctx, func() bool {
		return env.workerState("planner") == types.WorkerStateStarting
	})

	assert.Equal(t, 2, env.runner.spawnCount())
	assert.Equal(t, 1, env.restartCount("planner"))
	pid2 := env.workerPID("planner")
	assert.NotEqual(t, pid1, pid2)
	assert.Contains(t, env.eventTypes(t, "planner"), types.EventRestarted)

	locks, err = env.store.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, pid2, locks[0].HolderPID)
}

func TestWorkerTerminalAfterMaxRestarts(t *testing.T) {
	ctx := context.Background()
	role := testRole("planner", 1)
	role.MaxRestarts = 1
	role.BackoffBase = 2 * time.Millisecond
	env := newTestEnv(t, testConfig(role))

	require.NoError(t, env.sup.launchAll(ctx))
	pid1 := env.workerPID("planner")

	env.runner.exit(pid1, fmt.Errorf("exit status 1"))
	env.cycleUntil(t, ctx, func() bool { return env.runner.spawnCount() == 2 })

	env.runner.exit(env.workerPID("planner"), fmt.Errorf("exit status 1"))
	env.cycleUntil(t, ctx, func() bool {
		return env.workerState("planner") == types.WorkerStateTerminal
	})

	assert.Contains(t, env.eventTypes(t, "planner"), types.EventTerminal)

	// Terminal is absorbing: more cycles must not spawn anything.
	env.cycle(ctx)
	env.cycle(ctx)
	assert.Equal(t, 2, env.runner.spawnCount())
	assert.Equal(t, types.WorkerStateTerminal, env.workerState("planner"))

	env.sup.Shutdown(ctx, false)
	assert.Equal(t, 1, env.sup.ExitCode())
}

func TestTerminalPolicyExpiresPendingMessages(t *testing.T) {
	ctx := context.Background()
	role := testRole("planner", 1)
	role.MaxRestarts = 0
	role.BackoffBase = 2 * time.Millisecond
	cfg := testConfig(role)
	cfg.Supervisor.TerminalPolicy = config.TerminalPolicyExpire
	env := newTestEnv(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := env.queue.Enqueue(ctx, &types.MessageRequest{
			Sender:    "api",
			Recipient: "planner",
			Type:      "task_assignment",
		})
		require.NoError(t, err)
	}

	require.NoError(t, env.sup.launchAll(ctx))
	env.runner.exit(env.workerPID("planner"), fmt.Errorf("exit status 1"))
	env.cycleUntil(t, ctx, func() bool {
		return env.workerState("planner") == types.WorkerStateTerminal
	})

	expired, err := env.store.ListMessages(ctx, "planner", types.MessageStatusExpired, 10)
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

func TestStabilityResetClearsRestartCount(t *testing.T) {
	ctx := context.Background()
	role := testRole("planner", 1)
	role.MaxRestarts = 1
	role.BackoffBase = 2 * time.Millisecond
	cfg := testConfig(role)
	cfg.Supervisor.StabilityReset = 30 * time.Millisecond
	env := newTestEnv(t, cfg)

	require.NoError(t, env.sup.launchAll(ctx))
	env.runner.exit(env.workerPID("planner"), fmt.Errorf("exit status 1"))
	env.cycleUntil(t, ctx, func() bool { return env.runner.spawnCount() == 2 })
	require.Equal(t, 1, env.restartCount("planner"))

	// Run long enough to be considered stable, then crash again.
	time.Sleep(40 * time.Millisecond)
	env.runner.exit(env.workerPID("planner"), fmt.Errorf("exit status 1"))
	env.cycle(ctx)

	assert.NotEqual(t, types.WorkerStateTerminal, env.workerState("planner"))
	assert.Zero(t, env.restartCount("planner"), "stable run should clear the counter")

	env.cycleUntil(t, ctx, func() bool { return env.runner.spawnCount() == 3 })
}

func TestSpawnFailureEntersCrashLoop(t *testing.T) {
	ctx := context.Background()
	role := testRole("planner", 1)
	role.BackoffBase = 2 * time.Millisecond
	env := newTestEnv(t, testConfig(role))
	env.runner.spawnErr["planner"] = []error{
		fmt.Errorf("exec agent: %w", orcerrors.ErrProcessSpawnFailure),
	}

	err := env.sup.launchAll(ctx)
	require.NoError(t, err, "launchAll reports per-role failures via logs only")
	assert.Equal(t, types.WorkerStateCrashed, env.workerState("planner"))

	locks, lerr := env.store.ListLocks(ctx)
	require.NoError(t, lerr)
	assert.Empty(t, locks, "claim must be rolled back when spawn fails")

	env.cycleUntil(t, ctx, func() bool {
		return env.workerState("planner") == types.WorkerStateStarting
	})
	assert.Equal(t, 1, env.restartCount("planner"))
	assert.Equal(t, 1, env.runner.spawnCount())
}

func TestAdoptsHealthyLockHolder(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(testRole("planner", 1))
	cfg.Supervisor.AdoptRunning = true
	env := newTestEnv(t, cfg)

	ok, err := env.store.TryClaim(ctx, "planner", 4242, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	env.runner.setForeign(4242, true)
	env.beat(t, "planner", 4242)

	require.NoError(t, env.sup.launchAll(ctx))

	assert.Equal(t, types.WorkerStateRunning, env.workerState("planner"))
	assert.Equal(t, 4242, env.workerPID("planner"))
	assert.Zero(t, env.runner.spawnCount())
	evts := env.eventTypes(t, "planner")
	assert.Contains(t, evts, types.EventAdopted)
	assert.NotContains(t, evts, types.EventSpawned)
}

func TestAdoptedWorkerDeathTriggersRespawn(t *testing.T) {
	ctx := context.Background()
	role := testRole("planner", 1)
	role.BackoffBase = 2 * time.Millisecond
	cfg := testConfig(role)
	cfg.Supervisor.AdoptRunning = true
	env := newTestEnv(t, cfg)

	ok, err := env.store.TryClaim(ctx, "planner", 4242, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	env.runner.setForeign(4242, true)
	env.beat(t, "planner", 4242)
	require.NoError(t, env.sup.launchAll(ctx))
	require.Equal(t, 4242, env.workerPID("planner"))

	env.runner.setForeign(4242, false)
	env.cycleUntil(t, ctx, func() bool {
		return env.workerState("planner") == types.WorkerStateStarting
	})

	assert.Equal(t, 1, env.runner.spawnCount())
	locks, err := env.store.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, env.workerPID("planner"), locks[0].HolderPID)
	assert.NotEqual(t, 4242, locks[0].HolderPID)
}

func TestLaunchConflictWithoutAdoptionRetries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig(testRole("planner", 1)))

	ok, err := env.store.TryClaim(ctx, "planner", 4242, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	env.runner.setForeign(4242, true)

	require.NoError(t, env.sup.launchAll(ctx))
	assert.Equal(t, types.WorkerStateUnstarted, env.workerState("planner"))
	assert.Zero(t, env.runner.spawnCount())

	// Holder goes away and frees the lock; the monitor loop picks it up.
	released, err := env.store.Release(ctx, "planner", 4242)
	require.NoError(t, err)
	require.True(t, released)

	env.cycleUntil(t, ctx, func() bool {
		return env.workerState("planner") == types.WorkerStateStarting
	})
	assert.Equal(t, 1, env.runner.spawnCount())
}

func TestResourceWarningsAreEdgeTriggered(t *testing.T) {
	ctx := context.Background()
	role := testRole("planner", 1)
	role.MaxCPUPercent = 50
	env := newTestEnv(t, testConfig(role))

	require.NoError(t, env.sup.launchAll(ctx))
	pid := env.workerPID("planner")

	env.beatAt(t, "planner", pid, time.Now(), 80)
	env.cycle(ctx)
	env.beatAt(t, "planner", pid, time.Now(), 85)
	env.cycle(ctx)

	assert.Equal(t, types.WorkerStateRunning, env.workerState("planner"), "resource pressure alone never restarts")
	assert.Equal(t, 1, countEvents(env.eventTypes(t, "planner"), types.EventResourceWarning))

	// Back under the limit, then over again: a second episode.
	env.beatAt(t, "planner", pid, time.Now(), 10)
	env.cycle(ctx)
	env.beatAt(t, "planner", pid, time.Now(), 90)
	env.cycle(ctx)

	assert.Equal(t, 2, countEvents(env.eventTypes(t, "planner"), types.EventResourceWarning))
}

func TestShutdownCleanExitsZero(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig(testRole("planner", 1), testRole("scheduler", 2)))

	require.NoError(t, env.sup.launchAll(ctx))
	for _, role := range []string{"planner", "scheduler"} {
		env.beat(t, role, env.workerPID(role))
	}
	env.cycle(ctx)

	env.sup.Shutdown(ctx, false)

	assert.Equal(t, 0, env.sup.ExitCode())
	for _, role := range []string{"planner", "scheduler"} {
		assert.Equal(t, types.WorkerStateStopped, env.workerState(role))
		assert.False(t, env.runner.Alive(env.workerPID(role)))
		assert.Contains(t, env.eventTypes(t, role), types.EventCleanStop)
	}

	locks, err := env.store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	all := env.eventTypes(t, "")
	assert.Contains(t, all, types.EventShutdown)
}

func TestShutdownForceKillsStubbornWorker(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig(testRole("planner", 1)))

	require.NoError(t, env.sup.launchAll(ctx))
	pid := env.workerPID("planner")
	env.runner.markStubborn(pid)

	env.sup.Shutdown(ctx, true)

	assert.Equal(t, 1, env.sup.ExitCode())
	assert.False(t, env.runner.Alive(pid))
	assert.Contains(t, env.eventTypes(t, "planner"), types.EventForcedKill)

	locks, err := env.store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}
