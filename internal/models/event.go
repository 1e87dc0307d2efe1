package models

import (
	"time"

	"agent-orchestrator/pkg/types"

	"github.com/google/uuid"
)

// EventModel represents the database model for lifecycle events
type EventModel struct {
	ID        uuid.UUID           `db:"id"`
	Type      types.EventType     `db:"type"`
	Severity  types.EventSeverity `db:"severity"`
	Role      string              `db:"role"`
	PID       int                 `db:"pid"`
	Details   JSONB               `db:"details"`
	CreatedAt time.Time           `db:"created_at"`
}

// ToEvent converts EventModel to types.Event
func (em *EventModel) ToEvent() *types.Event {
	return &types.Event{
		ID:        em.ID,
		Type:      em.Type,
		Severity:  em.Severity,
		Role:      em.Role,
		PID:       em.PID,
		Details:   map[string]interface{}(em.Details),
		CreatedAt: em.CreatedAt,
	}
}

// FromEvent creates an EventModel ready for insert
func FromEvent(event *types.Event) *EventModel {
	id := event.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &EventModel{
		ID:        id,
		Type:      event.Type,
		Severity:  event.Severity,
		Role:      event.Role,
		PID:       event.PID,
		Details:   JSONB(event.Details),
		CreatedAt: createdAt,
	}
}
