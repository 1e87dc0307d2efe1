// Package queue is the durable work queue between roles. Messages are
// enqueued for a recipient role, claimed in priority-then-FIFO order by
// whoever holds that role, and finished exactly once. Claiming happens in a
// single atomic store operation, so concurrent consumers never see the same
// message twice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/database"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service exposes the queue operations shared by the supervisor, the admin
// API, and the agent harness.
type Service struct {
	repo      database.MessageRepository
	notifier  notify.Notifier
	logger    *zap.Logger
	policy    string
	rerouteTo string
}

func NewService(repo database.MessageRepository, notifier notify.Notifier, cfg config.SupervisorConfig, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		notifier:  notifier,
		logger:    logger,
		policy:    cfg.TerminalPolicy,
		rerouteTo: cfg.RerouteTo,
	}
}

// Enqueue persists a new pending message and wakes the recipient's
// listeners. The wake-up is best-effort: a failed publish is logged and the
// message still lands in the store.
func (s *Service) Enqueue(ctx context.Context, req *types.MessageRequest) (*types.Message, error) {
	if req.Recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	if req.Type == "" {
		return nil, fmt.Errorf("type is required")
	}

	model := models.FromMessageRequest(req)
	if err := s.repo.Create(ctx, model); err != nil {
		s.logger.Error("Failed to enqueue message",
			zap.Error(err),
			zap.String("recipient", req.Recipient),
			zap.String("type", req.Type))
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	if err := s.notifier.Wake(ctx, model.Recipient); err != nil {
		s.logger.Debug("Wake-up not delivered",
			zap.String("recipient", model.Recipient),
			zap.Error(err))
	}

	s.logger.Info("Message enqueued",
		zap.String("message_id", model.ID.String()),
		zap.String("recipient", model.Recipient),
		zap.String("type", model.Type),
		zap.Int("priority", model.Priority))

	return model.ToMessage(), nil
}

// Dequeue atomically claims up to limit pending messages for the recipient
// and marks them in_progress. Returned messages are ordered by ascending
// priority, then enqueue time.
func (s *Service) Dequeue(ctx context.Context, recipient string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 1
	}

	claimed, err := s.repo.ClaimPending(ctx, recipient, limit)
	if errors.Is(err, orcerrors.ErrQueueConflict) {
		// The claim is a single atomic statement, so a serialization
		// conflict is safe to retry immediately.
		s.logger.Debug("Claim conflicted, retrying",
			zap.String("recipient", recipient))
		claimed, err = s.repo.ClaimPending(ctx, recipient, limit)
	}
	if err != nil {
		s.logger.Error("Failed to claim pending messages",
			zap.Error(err),
			zap.String("recipient", recipient))
		return nil, fmt.Errorf("failed to claim pending messages: %w", err)
	}

	messages := make([]*types.Message, 0, len(claimed))
	for _, model := range claimed {
		messages = append(messages, model.ToMessage())
	}
	if len(messages) > 0 {
		s.logger.Info("Messages claimed",
			zap.String("recipient", recipient),
			zap.Int("count", len(messages)))
	}
	return messages, nil
}

// Complete moves an in_progress message to its terminal outcome. Only
// completed and failed are valid outcomes; everything else is an illegal
// transition before the store is even consulted.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, outcome types.MessageStatus) error {
	if outcome != types.MessageStatusCompleted && outcome != types.MessageStatusFailed {
		return fmt.Errorf("outcome %s: %w", outcome, orcerrors.ErrIllegalTransition)
	}
	if err := s.repo.Finish(ctx, id, outcome); err != nil {
		return err
	}
	s.logger.Info("Message finished",
		zap.String("message_id", id.String()),
		zap.String("outcome", string(outcome)))
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*types.Message, error) {
	model, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.ToMessage(), nil
}

func (s *Service) List(ctx context.Context, recipient string, status types.MessageStatus, limit int) ([]*types.Message, error) {
	rows, err := s.repo.ListMessages(ctx, recipient, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	messages := make([]*types.Message, 0, len(rows))
	for _, model := range rows {
		messages = append(messages, model.ToMessage())
	}
	return messages, nil
}

func (s *Service) Stats(ctx context.Context) (*types.QueueStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return stats, nil
}

// RecordMetric appends one performance sample to the metrics log.
func (s *Service) RecordMetric(ctx context.Context, role, operation string, duration time.Duration) error {
	sample := &types.MetricSample{
		ID:        uuid.New(),
		Role:      role,
		Operation: operation,
		Duration:  duration,
		Timestamp: time.Now(),
	}
	if err := s.repo.InsertMetric(ctx, sample); err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}

// ApplyTerminalPolicy disposes of pending messages addressed to a role that
// exhausted its restarts. hold leaves them queued for a future holder,
// expire terminates them, reroute re-addresses them to the configured
// fallback role. Returns the number of messages affected.
func (s *Service) ApplyTerminalPolicy(ctx context.Context, role string) (int64, error) {
	switch s.policy {
	case config.TerminalPolicyExpire:
		n, err := s.repo.ExpirePending(ctx, role)
		if err != nil {
			return 0, fmt.Errorf("failed to expire pending messages: %w", err)
		}
		if n > 0 {
			s.logger.Warn("Expired pending messages for terminal role",
				zap.String("role", role),
				zap.Int64("count", n))
		}
		return n, nil

	case config.TerminalPolicyReroute:
		if s.rerouteTo == "" || s.rerouteTo == role {
			s.logger.Warn("Reroute target unusable, holding messages",
				zap.String("role", role),
				zap.String("reroute_to", s.rerouteTo))
			return 0, nil
		}
		n, err := s.repo.ReroutePending(ctx, role, s.rerouteTo)
		if err != nil {
			return 0, fmt.Errorf("failed to reroute pending messages: %w", err)
		}
		if n > 0 {
			s.logger.Warn("Rerouted pending messages from terminal role",
				zap.String("role", role),
				zap.String("reroute_to", s.rerouteTo),
				zap.Int64("count", n))
			if err := s.notifier.Wake(ctx, s.rerouteTo); err != nil {
				s.logger.Debug("Wake-up not delivered",
					zap.String("recipient", s.rerouteTo),
					zap.Error(err))
			}
		}
		return n, nil

	default:
		s.logger.Info("Holding pending messages for terminal role",
			zap.String("role", role))
		return 0, nil
	}
}

// Purge removes terminal messages and metric samples older than the
// retention window. Pending and in_progress messages are never touched.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	messages, err := s.repo.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	metrics, err := s.repo.PurgeMetrics(ctx, cutoff)
	if err != nil {
		return messages, fmt.Errorf("failed to purge metrics: %w", err)
	}

	if messages+metrics > 0 {
		s.logger.Info("Purged expired queue records",
			zap.Int64("messages", messages),
			zap.Int64("metrics", metrics))
	}
	return messages + metrics, nil
}
