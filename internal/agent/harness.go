// Package agent is the in-process harness an agent worker runs under: it
// heartbeats with its own resource usage, pulls messages for its role, and
// dispatches them to registered handlers with a bounded in-flight count.
package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/health"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/pkg/types"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// HandlerFunc processes one message. A nil return completes the message; an
// error fails it. Handlers must honor ctx cancellation.
type HandlerFunc func(ctx context.Context, msg *types.Message) error

type Harness struct {
	role     config.RoleConfig
	cfg      config.AgentConfig
	health   *health.Store
	queue    *queue.Service
	notifier notify.Notifier
	logger   *zap.Logger

	pid  int
	proc *gopsproc.Process

	handlers map[string]HandlerFunc
	sem      chan struct{}
	wg       sync.WaitGroup
}

func NewHarness(
	role config.RoleConfig,
	cfg config.AgentConfig,
	healthStore *health.Store,
	queueSvc *queue.Service,
	notifier notify.Notifier,
	logger *zap.Logger,
) *Harness {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.DequeueLimit < 1 {
		cfg.DequeueLimit = cfg.MaxInFlight
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	pid := os.Getpid()
	// Self-inspection can fail in constrained environments; heartbeats then
	// carry zero usage rather than stopping the agent.
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		logger.Warn("Failed to open own process for resource sampling", zap.Error(err))
		proc = nil
	}

	return &Harness{
		role:     role,
		cfg:      cfg,
		health:   healthStore,
		queue:    queueSvc,
		notifier: notifier,
		logger:   logger.With(zap.String("role", role.ID), zap.Int("pid", pid)),
		pid:      pid,
		proc:     proc,
		handlers: make(map[string]HandlerFunc),
		sem:      make(chan struct{}, cfg.MaxInFlight),
	}
}

// Register installs the handler for a message type. Last registration wins.
func (h *Harness) Register(messageType string, fn HandlerFunc) {
	h.handlers[messageType] = fn
}

// Run processes messages until ctx is cancelled, then waits for in-flight
// handlers to finish. The first heartbeat is written before any message is
// taken so the supervisor sees the worker come up.
func (h *Harness) Run(ctx context.Context) error {
	h.logger.Info("Agent starting",
		zap.Duration("heartbeat_interval", h.role.HeartbeatInterval),
		zap.Duration("poll_interval", h.cfg.PollInterval),
		zap.Int("max_in_flight", h.cfg.MaxInFlight))

	h.sendHeartbeat(ctx)

	wake, cancelWake, err := h.notifier.Listen(ctx, h.role.ID)
	if err != nil {
		h.logger.Warn("Wake-up subscription unavailable, polling only", zap.Error(err))
		wake = nil
	} else {
		defer cancelWake()
	}

	heartbeatInterval := h.role.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()

	pollTicker := time.NewTicker(h.cfg.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Agent stopping, waiting for in-flight messages")
			h.wg.Wait()
			h.logger.Info("Agent stopped")
			return ctx.Err()
		case <-heartbeatTicker.C:
			h.sendHeartbeat(ctx)
		case <-wake:
			h.drainQueue(ctx)
		case <-pollTicker.C:
			h.drainQueue(ctx)
		}
	}
}

func (h *Harness) sendHeartbeat(ctx context.Context) {
	var cpuPercent float64
	var memoryBytes uint64

	if h.proc != nil {
		if cpu, err := h.proc.CPUPercent(); err == nil {
			cpuPercent = cpu
		}
		if mem, err := h.proc.MemoryInfo(); err == nil && mem != nil {
			memoryBytes = mem.RSS
		}
	}

	if err := h.health.Heartbeat(ctx, h.role.ID, h.pid, cpuPercent, memoryBytes); err != nil {
		h.logger.Error("Failed to send heartbeat", zap.Error(err))
	}
}

// drainQueue claims up to the free in-flight capacity and dispatches each
// claimed message. Claimed messages are always driven to a terminal outcome.
func (h *Harness) drainQueue(ctx context.Context) {
	free := cap(h.sem) - len(h.sem)
	if free == 0 {
		return
	}
	limit := h.cfg.DequeueLimit
	if limit > free {
		limit = free
	}

	msgs, err := h.queue.Dequeue(ctx, h.role.ID, limit)
	if err != nil {
		h.logger.Error("Failed to dequeue messages", zap.Error(err))
		return
	}

	for _, msg := range msgs {
		h.sem <- struct{}{}
		h.wg.Add(1)
		go h.process(ctx, msg)
	}
}

func (h *Harness) process(ctx context.Context, msg *types.Message) {
	defer func() {
		<-h.sem
		h.wg.Done()
	}()

	start := time.Now()
	h.logger.Info("Processing message",
		zap.String("message_id", msg.ID.String()),
		zap.String("type", msg.Type))

	err := h.dispatch(ctx, msg)

	outcome := types.MessageStatusCompleted
	if err != nil {
		outcome = types.MessageStatusFailed
		h.logger.Error("Message handler failed",
			zap.String("message_id", msg.ID.String()),
			zap.String("type", msg.Type),
			zap.Error(err))
	}

	// Completion must survive ctx cancellation or the claim would dangle.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cerr := h.queue.Complete(finishCtx, msg.ID, outcome); cerr != nil {
		h.logger.Error("Failed to record message outcome",
			zap.String("message_id", msg.ID.String()),
			zap.Error(cerr))
	}

	duration := time.Since(start)
	if merr := h.queue.RecordMetric(finishCtx, h.role.ID, msg.Type, duration); merr != nil {
		h.logger.Error("Failed to record processing metric",
			zap.String("message_id", msg.ID.String()),
			zap.Error(merr))
	}

	h.logger.Info("Message processed",
		zap.String("message_id", msg.ID.String()),
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", duration))
}

func (h *Harness) dispatch(ctx context.Context, msg *types.Message) error {
	handler, ok := h.handlers[msg.Type]
	if !ok {
		return fmt.Errorf("no handler registered for message type: %s", msg.Type)
	}
	return handler(ctx, msg)
}
