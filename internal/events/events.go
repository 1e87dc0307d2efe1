// Package events records the supervisor's lifecycle audit trail: every
// spawn, crash, restart, forced kill, and lock reclaim, persisted for the
// admin surface and mirrored to the log at a severity matching the event.
package events

import (
	"context"
	"time"

	"agent-orchestrator/internal/database"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/tracing"
	"agent-orchestrator/pkg/types"

	"go.uber.org/zap"
)

var defaultSeverity = map[types.EventType]types.EventSeverity{
	types.EventSpawned:          types.SeverityInfo,
	types.EventAdopted:          types.SeverityInfo,
	types.EventRestartScheduled: types.SeverityWarning,
	types.EventRestarted:        types.SeverityInfo,
	types.EventCrashed:          types.SeverityError,
	types.EventStaleWarning:     types.SeverityWarning,
	types.EventResourceWarning:  types.SeverityWarning,
	types.EventTerminal:         types.SeverityCritical,
	types.EventForcedKill:       types.SeverityError,
	types.EventCleanStop:        types.SeverityInfo,
	types.EventLockReclaimed:    types.SeverityWarning,
	types.EventShutdown:         types.SeverityInfo,
}

// DefaultSeverity maps an event type to the severity it is recorded at.
func DefaultSeverity(eventType types.EventType) types.EventSeverity {
	if sev, ok := defaultSeverity[eventType]; ok {
		return sev
	}
	return types.SeverityInfo
}

// Logger writes lifecycle events to the store and the process log. A store
// failure is logged but never propagated: losing one audit row must not
// disturb supervision.
type Logger struct {
	repo   database.EventRepository
	logger *zap.Logger
}

func NewLogger(repo database.EventRepository, logger *zap.Logger) *Logger {
	return &Logger{repo: repo, logger: logger}
}

func (l *Logger) Record(ctx context.Context, eventType types.EventType, role string, pid int, details map[string]interface{}) {
	severity := DefaultSeverity(eventType)
	event := types.Event{
		Type:     eventType,
		Severity: severity,
		Role:     role,
		PID:      pid,
		Details:  details,
	}

	if err := l.repo.RecordEvent(ctx, models.FromEvent(&event)); err != nil {
		l.logger.Error("Failed to persist lifecycle event",
			zap.String("type", string(eventType)),
			zap.String("role", role),
			zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("event", string(eventType)),
		zap.String("role", role),
		zap.Int("pid", pid),
	}
	if correlationID := tracing.GetCorrelationID(ctx); correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}
	if len(details) > 0 {
		fields = append(fields, zap.Any("details", details))
	}

	switch severity {
	case types.SeverityCritical, types.SeverityError:
		l.logger.Error("Lifecycle event", fields...)
	case types.SeverityWarning:
		l.logger.Warn("Lifecycle event", fields...)
	default:
		l.logger.Info("Lifecycle event", fields...)
	}
}

// Purge drops events older than the cutoff, returning how many were removed.
func (l *Logger) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	return l.repo.PurgeEvents(ctx, olderThan)
}

// List returns recent events, newest first, optionally filtered by role.
func (l *Logger) List(ctx context.Context, role string, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.repo.ListEvents(ctx, role, limit)
	if err != nil {
		return nil, err
	}

	events := make([]*types.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.ToEvent())
	}
	return events, nil
}
