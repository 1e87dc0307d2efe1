package types

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus represents the delivery state of a queued message
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusInProgress MessageStatus = "in_progress"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusExpired    MessageStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageStatusCompleted, MessageStatusFailed, MessageStatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal,
// single-directional step in the message lifecycle.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch s {
	case MessageStatusPending:
		return next == MessageStatusInProgress || next == MessageStatusExpired
	case MessageStatusInProgress:
		return next == MessageStatusCompleted || next == MessageStatusFailed
	}
	return false
}

// Message represents one unit of inter-role communication. The payload is
// opaque to the queue; only the consumer registered for Type interprets it.
type Message struct {
	ID          uuid.UUID              `json:"id" db:"id"`
	Sender      string                 `json:"sender" db:"sender"`
	Recipient   string                 `json:"recipient" db:"recipient"`
	Type        string                 `json:"type" db:"type"`
	Payload     map[string]interface{} `json:"payload" db:"payload"`
	Priority    int                    `json:"priority" db:"priority"`
	Status      MessageStatus          `json:"status" db:"status"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// MessageRequest represents a request to enqueue a new message
type MessageRequest struct {
	Sender    string                 `json:"sender"`
	Recipient string                 `json:"recipient" binding:"required"`
	Type      string                 `json:"type" binding:"required"`
	Payload   map[string]interface{} `json:"payload"`
	Priority  int                    `json:"priority"`
}

// MessageResponse represents the response after enqueueing or querying a message
type MessageResponse struct {
	Message Message `json:"message"`
	Detail  string  `json:"detail,omitempty"`
}

// MetricSample represents one append-only performance measurement
type MetricSample struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	Role      string        `json:"role" db:"role"`
	Operation string        `json:"operation" db:"operation"`
	Duration  time.Duration `json:"duration" db:"duration_ms"`
	Timestamp time.Time     `json:"timestamp" db:"timestamp"`
}

// QueueStats represents point-in-time queue depth counters
type QueueStats struct {
	ByStatus      map[MessageStatus]int64 `json:"by_status"`
	PendingByRole map[string]int64        `json:"pending_by_role"`
	Total         int64                   `json:"total"`
}
