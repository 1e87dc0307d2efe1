package types

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event recorded by the supervisor
type EventType string

const (
	EventSpawned          EventType = "spawned"
	EventAdopted          EventType = "adopted"
	EventRestartScheduled EventType = "restart_scheduled"
	EventRestarted        EventType = "restarted"
	EventCrashed          EventType = "crashed"
	EventStaleWarning     EventType = "stale_warning"
	EventResourceWarning  EventType = "resource_warning"
	EventTerminal         EventType = "terminal"
	EventForcedKill       EventType = "forced_kill"
	EventCleanStop        EventType = "clean_stop"
	EventLockReclaimed    EventType = "lock_reclaimed"
	EventShutdown         EventType = "shutdown"
)

// EventSeverity represents how urgently an event needs operator attention
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event represents one append-only lifecycle audit record
type Event struct {
	ID        uuid.UUID              `json:"id" db:"id"`
	Type      EventType              `json:"type" db:"type"`
	Severity  EventSeverity          `json:"severity" db:"severity"`
	Role      string                 `json:"role" db:"role"`
	PID       int                    `json:"pid" db:"pid"`
	Details   map[string]interface{} `json:"details,omitempty" db:"details"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}
