package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"agent-orchestrator/pkg/types"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL JSONB field
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("cannot scan into JSONB")
	}

	return json.Unmarshal(bytes, j)
}

// MessageModel represents the database model for queued messages
type MessageModel struct {
	ID          uuid.UUID           `db:"id"`
	Sender      string              `db:"sender"`
	Recipient   string              `db:"recipient"`
	Type        string              `db:"type"`
	Payload     JSONB               `db:"payload"`
	Priority    int                 `db:"priority"`
	Status      types.MessageStatus `db:"status"`
	CreatedAt   time.Time           `db:"created_at"`
	CompletedAt *time.Time          `db:"completed_at"`
}

// ToMessage converts MessageModel to types.Message
func (mm *MessageModel) ToMessage() *types.Message {
	return &types.Message{
		ID:          mm.ID,
		Sender:      mm.Sender,
		Recipient:   mm.Recipient,
		Type:        mm.Type,
		Payload:     map[string]interface{}(mm.Payload),
		Priority:    mm.Priority,
		Status:      mm.Status,
		CreatedAt:   mm.CreatedAt,
		CompletedAt: mm.CompletedAt,
	}
}

// FromMessageRequest creates a pending MessageModel from types.MessageRequest
func FromMessageRequest(req *types.MessageRequest) *MessageModel {
	sender := req.Sender
	if sender == "" {
		sender = "operator"
	}

	return &MessageModel{
		ID:        uuid.New(),
		Sender:    sender,
		Recipient: req.Recipient,
		Type:      req.Type,
		Payload:   JSONB(req.Payload),
		Priority:  req.Priority,
		Status:    types.MessageStatusPending,
		CreatedAt: time.Now(),
	}
}
