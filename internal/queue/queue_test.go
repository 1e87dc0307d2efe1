package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/database"
	"agent-orchestrator/internal/logger"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, cfg config.SupervisorConfig) (*Service, *database.MemoryStore, *notify.LocalNotifier) {
	t.Helper()
	store := database.NewMemoryStore()
	notifier := notify.NewLocalNotifier()
	return NewService(store, notifier, cfg, logger.NewTestLogger()), store, notifier
}

func enqueue(t *testing.T, svc *Service, recipient string, priority int, msgType string) *types.Message {
	t.Helper()
	msg, err := svc.Enqueue(context.Background(), &types.MessageRequest{
		Recipient: recipient,
		Type:      msgType,
		Priority:  priority,
	})
	require.NoError(t, err)
	return msg
}

func TestEnqueueValidatesRequest(t *testing.T) {
	svc, _, _ := newService(t, config.SupervisorConfig{})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, &types.MessageRequest{Type: "plan"})
	assert.Error(t, err)

	_, err = svc.Enqueue(ctx, &types.MessageRequest{Recipient: "planner"})
	assert.Error(t, err)
}

func TestEnqueueDefaultsSenderAndStatus(t *testing.T) {
	svc, _, _ := newService(t, config.SupervisorConfig{})

	msg := enqueue(t, svc, "planner", 5, "plan")
	assert.Equal(t, "operator", msg.Sender)
	assert.Equal(t, types.MessageStatusPending, msg.Status)
	assert.NotEqual(t, msg.ID.String(), "00000000-0000-0000-0000-000000000000")
}

func TestDequeuePriorityThenFIFO(t *testing.T) {
	svc, _, _ := newService(t, config.SupervisorConfig{})
	ctx := context.Background()

	first := enqueue(t, svc, "planner", 5, "low-a")
	urgent := enqueue(t, svc, "planner", 1, "urgent")
	second := enqueue(t, svc, "planner", 5, "low-b")

	claimed, err := svc.Dequeue(ctx, "planner", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, urgent.ID, claimed[0].ID, "lowest priority value first")
	assert.Equal(t, first.ID, claimed[1].ID, "FIFO within a priority")
	assert.Equal(t, second.ID, claimed[2].ID)

	for _, msg := range claimed {
		assert.Equal(t, types.MessageStatusInProgress, msg.Status)
	}
}

func TestDequeueClaimsAtMostOnce(t *testing.T) {
	svc, _, _ := newService(t, config.SupervisorConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		enqueue(t, svc, "planner", 5, "work")
	}

	firstBatch, err := svc.Dequeue(ctx, "planner", 3)
	require.NoError(t, err)
	secondBatch, err := svc.Dequeue(ctx, "planner", 10)
	require.NoError(t, err)

	assert.Len(t, firstBatch, 3)
	assert.Len(t, secondBatch, 2)

	seen := make(map[string]bool)
	for _, msg := range append(firstBatch, secondBatch...) {
		assert.False(t, seen[msg.ID.String()], "message %s claimed twice", msg.ID)
		seen[msg.ID.String()] = true
	}

	empty, err := svc.Dequeue(ctx, "planner", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// conflictingRepo fails the first n claims with a retryable conflict.
type conflictingRepo struct {
	database.MessageRepository
	remaining int
	conflicts int
}

func (c *conflictingRepo) ClaimPending(ctx context.Context, recipient string, limit int) ([]*models.MessageModel, error) {
	if c.remaining > 0 {
		c.remaining--
		c.conflicts++
		return nil, fmt.Errorf("claim for %s conflicted: %w", recipient, orcerrors.ErrQueueConflict)
	}
	return c.MessageRepository.ClaimPending(ctx, recipient, limit)
}

func TestDequeueRetriesOnceOnConflict(t *testing.T) {
	repo := &conflictingRepo{MessageRepository: database.NewMemoryStore(), remaining: 1}
	svc := NewService(repo, notify.NewNopNotifier(), config.SupervisorConfig{}, logger.NewTestLogger())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, &types.MessageRequest{Recipient: "planner", Type: "plan"})
	require.NoError(t, err)

	claimed, err := svc.Dequeue(ctx, "planner", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, 1, repo.conflicts)
}

func TestDequeueSurfacesPersistentConflict(t *testing.T) {
	repo := &conflictingRepo{MessageRepository: database.NewMemoryStore(), remaining: 2}
	svc := NewService(repo, notify.NewNopNotifier(), config.SupervisorConfig{}, logger.NewTestLogger())

	_, err := svc.Dequeue(context.Background(), "planner", 1)
	assert.ErrorIs(t, err, orcerrors.ErrQueueConflict)
	assert.Equal(t, 2, repo.conflicts, "exactly one retry")
}

func TestEnqueueWakesRecipientListener(t *testing.T) {
	svc, _, notifier := newService(t, config.SupervisorConfig{})
	ctx := context.Background()

	wake, cancel, err := notifier.Listen(ctx, "planner")
	require.NoError(t, err)
	defer cancel()

	enqueue(t, svc, "planner", 5, "plan")

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("recipient was never woken")
	}
}

func TestCompleteEnforcesLifecycle(t *testing.T) {
	svc, _, _ := newService(t, config.SupervisorConfig{})
	ctx := context.Background()

	msg := enqueue(t, svc, "planner", 5, "plan")

	err := svc.Complete(ctx, msg.ID, types.MessageStatusCompleted)
	assert.ErrorIs(t, err, orcerrors.ErrIllegalTransition, "pending cannot finish without a claim")

	claimed, err := svc.Dequeue(ctx, "planner", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	assert.ErrorIs(t, svc.Complete(ctx, msg.ID, types.MessageStatusExpired), orcerrors.ErrIllegalTransition,
		"expired is not a consumer outcome")
	require.NoError(t, svc.Complete(ctx, msg.ID, types.MessageStatusCompleted))

	assert.ErrorIs(t, svc.Complete(ctx, msg.ID, types.MessageStatusFailed), orcerrors.ErrIllegalTransition,
		"terminal messages never transition again")

	got, err := svc.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MessageStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestTerminalPolicyHoldKeepsMessagesPending(t *testing.T) {
	svc, _, _ := newService(t, config.SupervisorConfig{TerminalPolicy: config.TerminalPolicyHold})
	ctx := context.Background()

	enqueue(t, svc, "planner", 5, "plan")

	affected, err := svc.ApplyTerminalPolicy(ctx, "planner")
	require.NoError(t, err)
	assert.Zero(t, affected)

	pending, err := svc.List(ctx, "planner", types.MessageStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestTerminalPolicyExpire(t *testing.T) {
	svc, _, _ := newService(t, config.SupervisorConfig{TerminalPolicy: config.TerminalPolicyExpire})
	ctx := context.Background()

	enqueue(t, svc, "planner", 5, "plan")
	enqueue(t, svc, "planner", 5, "plan")
	inFlight := enqueue(t, svc, "planner", 1, "urgent")
	_, err := svc.Dequeue(ctx, "planner", 1)
	require.NoError(t, err)

	affected, err := svc.ApplyTerminalPolicy(ctx, "planner")
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected, "only pending messages expire")

	expired, err := svc.List(ctx, "planner", types.MessageStatusExpired, 10)
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	got, err := svc.Get(ctx, inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MessageStatusInProgress, got.Status, "claimed message untouched")
}

func TestTerminalPolicyReroute(t *testing.T) {
	svc, _, notifier := newService(t, config.SupervisorConfig{
		TerminalPolicy: config.TerminalPolicyReroute,
		RerouteTo:      "builder",
	})
	ctx := context.Background()

	wake, cancel, err := notifier.Listen(ctx, "builder")
	require.NoError(t, err)
	defer cancel()

	enqueue(t, svc, "planner", 5, "plan")

	affected, err := svc.ApplyTerminalPolicy(ctx, "planner")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	rerouted, err := svc.List(ctx, "builder", types.MessageStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, rerouted, 1)
	assert.Equal(t, "builder", rerouted[0].Recipient)

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("reroute target was never woken")
	}
}

func TestTerminalPolicyRerouteToSelfHolds(t *testing.T) {
	svc, _, _ := newService(t, config.SupervisorConfig{
		TerminalPolicy: config.TerminalPolicyReroute,
		RerouteTo:      "planner",
	})
	ctx := context.Background()

	enqueue(t, svc, "planner", 5, "plan")

	affected, err := svc.ApplyTerminalPolicy(ctx, "planner")
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestPurgeRemovesOnlyOldTerminalRecords(t *testing.T) {
	svc, store, _ := newService(t, config.SupervisorConfig{})
	ctx := context.Background()

	done := enqueue(t, svc, "planner", 5, "old")
	_, err := svc.Dequeue(ctx, "planner", 1)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, done.ID, types.MessageStatusCompleted))
	kept := enqueue(t, svc, "planner", 5, "still-pending")

	require.NoError(t, svc.RecordMetric(ctx, "planner", "handle", 25*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	purged, err := svc.Purge(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged, "one terminal message and one metric sample")

	_, err = svc.Get(ctx, done.ID)
	assert.ErrorIs(t, err, orcerrors.ErrNotFound)
	_, err = svc.Get(ctx, kept.ID)
	assert.NoError(t, err)
	assert.Empty(t, store.Metrics())
}

func TestStatsCountsByStatusAndRole(t *testing.T) {
	svc, _, _ := newService(t, config.SupervisorConfig{})
	ctx := context.Background()

	enqueue(t, svc, "planner", 5, "a")
	enqueue(t, svc, "planner", 5, "b")
	enqueue(t, svc, "builder", 5, "c")
	claimed, err := svc.Dequeue(ctx, "builder", 1)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, claimed[0].ID, types.MessageStatusFailed))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[types.MessageStatusPending])
	assert.Equal(t, int64(1), stats.ByStatus[types.MessageStatusFailed])
	assert.Equal(t, int64(2), stats.PendingByRole["planner"])
	assert.Zero(t, stats.PendingByRole["builder"])
}
