package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/health"
	"agent-orchestrator/internal/monitoring"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler serves the operator-facing admin API. All state comes from the
// durable store, so the API stays truthful even across supervisor restarts.
type Handler struct {
	health   *health.Store
	queue    *queue.Service
	events   *events.Logger
	checker  *monitoring.HealthChecker
	roles    map[string]config.RoleConfig
	shutdown func()
	logger   *zap.Logger
}

func NewHandler(
	healthStore *health.Store,
	queueSvc *queue.Service,
	eventLog *events.Logger,
	checker *monitoring.HealthChecker,
	roles []config.RoleConfig,
	logger *zap.Logger,
) *Handler {
	roleMap := make(map[string]config.RoleConfig, len(roles))
	for _, role := range roles {
		roleMap[role.ID] = role
	}
	return &Handler{
		health:  healthStore,
		queue:   queueSvc,
		events:  eventLog,
		checker: checker,
		roles:   roleMap,
		logger:  logger,
	}
}

// SetShutdown installs the callback behind POST /shutdown.
func (h *Handler) SetShutdown(fn func()) {
	h.shutdown = fn
}

func (h *Handler) GetStatus(c *gin.Context) {
	snaps, err := h.health.Statuses(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list worker status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve worker status"})
		return
	}

	now := time.Now()
	workers := make([]gin.H, 0, len(snaps))
	for _, snap := range snaps {
		entry := gin.H{
			"role":          snap.Role,
			"state":         snap.DisplayState(),
			"pid":           snap.PID,
			"restart_count": snap.RestartCount,
			"max_restarts":  snap.MaxRestarts,
			"uptime":        snap.Uptime(now).String(),
			"updated_at":    snap.UpdatedAt,
		}
		if snap.HeartbeatAge != nil {
			entry["heartbeat_age_seconds"] = *snap.HeartbeatAge
			entry["cpu_percent"] = snap.CPUPercent
			entry["memory_bytes"] = snap.MemoryBytes
		}
		workers = append(workers, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"workers":   workers,
		"total":     len(workers),
		"timestamp": now,
	})
}

func (h *Handler) GetRoles(c *gin.Context) {
	roles := make([]gin.H, 0, len(h.roles))
	for _, role := range h.roles {
		roles = append(roles, gin.H{
			"id":           role.ID,
			"command":      role.Command,
			"priority":     role.Priority,
			"disabled":     role.Disabled,
			"max_restarts": role.MaxRestarts,
			"stale_after":  role.StaleAfter.String(),
			"dead_after":   role.DeadAfter.String(),
		})
	}
	sort.Slice(roles, func(i, j int) bool {
		return roles[i]["id"].(string) < roles[j]["id"].(string)
	})

	c.JSON(http.StatusOK, gin.H{"roles": roles, "total": len(roles)})
}

func (h *Handler) GetQueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get queue stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue statistics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"queue_stats": stats})
}

func (h *Handler) SubmitMessage(c *gin.Context) {
	var req types.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	if _, ok := h.roles[req.Recipient]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Unknown recipient role",
			"details": orcerrors.ErrUnknownRole.Error(),
			"valid":   h.roleIDs(),
		})
		return
	}

	msg, err := h.queue.Enqueue(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to enqueue message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue message"})
		return
	}

	h.logger.Info("Message submitted",
		zap.String("message_id", msg.ID.String()),
		zap.String("recipient", msg.Recipient),
		zap.String("type", msg.Type))

	c.JSON(http.StatusCreated, types.MessageResponse{
		Message: *msg,
		Detail:  "Message enqueued successfully",
	})
}

func (h *Handler) roleIDs() []string {
	ids := make([]string, 0, len(h.roles))
	for id := range h.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Handler) GetMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message ID format"})
		return
	}

	msg, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, orcerrors.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
			return
		}
		h.logger.Error("Failed to get message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve message"})
		return
	}

	c.JSON(http.StatusOK, types.MessageResponse{Message: *msg})
}

func (h *Handler) ListMessages(c *gin.Context) {
	recipient := c.DefaultQuery("recipient", "")
	statusStr := c.DefaultQuery("status", "")
	limitStr := c.DefaultQuery("limit", "50")

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}

	var status types.MessageStatus
	if statusStr != "" {
		status = types.MessageStatus(statusStr)
		validStatuses := map[types.MessageStatus]bool{
			types.MessageStatusPending:    true,
			types.MessageStatusInProgress: true,
			types.MessageStatusCompleted:  true,
			types.MessageStatusFailed:     true,
			types.MessageStatusExpired:    true,
		}
		if !validStatuses[status] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
			return
		}
	}

	msgs, err := h.queue.List(c.Request.Context(), recipient, status, limit)
	if err != nil {
		h.logger.Error("Failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list messages"})
		return
	}

	messages := make([]types.Message, len(msgs))
	for i, msg := range msgs {
		messages[i] = *msg
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

func (h *Handler) GetEvents(c *gin.Context) {
	role := c.DefaultQuery("role", "")
	limitStr := c.DefaultQuery("limit", "100")

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 || limit > 500 {
		limit = 100
	}

	evts, err := h.events.List(c.Request.Context(), role, limit)
	if err != nil {
		h.logger.Error("Failed to list events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": evts, "total": len(evts)})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	status := h.checker.CheckHealth(c.Request.Context())

	if status.Status == "healthy" {
		c.JSON(http.StatusOK, status)
	} else {
		c.JSON(http.StatusServiceUnavailable, status)
	}
}

// TriggerShutdown asks the supervisor to stop. The response goes out before
// the shutdown starts so the client is not cut off mid-request.
func (h *Handler) TriggerShutdown(c *gin.Context) {
	if h.shutdown == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutdown endpoint not enabled"})
		return
	}

	h.logger.Warn("Shutdown requested via API", zap.String("ip", c.ClientIP()))
	go h.shutdown()

	c.JSON(http.StatusAccepted, gin.H{"message": "shutdown initiated"})
}

func MetricsMiddleware(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequest(c.Request.Method, c.FullPath(), status, duration)
	}
}
