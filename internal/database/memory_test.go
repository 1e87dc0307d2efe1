package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(recipient string, priority int, createdAt time.Time) *models.MessageModel {
	return &models.MessageModel{
		ID:        uuid.New(),
		Sender:    "tester",
		Recipient: recipient,
		Type:      "work",
		Priority:  priority,
		Status:    types.MessageStatusPending,
		CreatedAt: createdAt,
	}
}

func TestClaimPendingOrdersByPriorityThenFIFO(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	first := newMessage("analysis", 5, base)
	urgent := newMessage("analysis", 1, base.Add(time.Millisecond))
	second := newMessage("analysis", 5, base.Add(2*time.Millisecond))

	for _, m := range []*models.MessageModel{first, urgent, second} {
		require.NoError(t, store.Create(ctx, m))
	}

	claimed, err := store.ClaimPending(ctx, "analysis", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	assert.Equal(t, urgent.ID, claimed[0].ID)
	assert.Equal(t, first.ID, claimed[1].ID)
	assert.Equal(t, second.ID, claimed[2].ID)
	for _, m := range claimed {
		assert.Equal(t, types.MessageStatusInProgress, m.Status)
	}
}

func TestClaimPendingFIFOOnEqualTimestamps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Now()

	first := newMessage("analysis", 3, at)
	second := newMessage("analysis", 3, at)
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	claimed, err := store.ClaimPending(ctx, "analysis", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)
}

func TestClaimPendingNeverReturnsSameMessageTwice(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg := newMessage("analysis", 1, time.Now())
	require.NoError(t, store.Create(ctx, msg))

	first, err := store.ClaimPending(ctx, "analysis", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := store.ClaimPending(ctx, "analysis", 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestClaimPendingRespectsLimitAndRecipient(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(ctx, newMessage("analysis", 1, base.Add(time.Duration(i)*time.Millisecond))))
	}
	require.NoError(t, store.Create(ctx, newMessage("review", 0, base)))

	claimed, err := store.ClaimPending(ctx, "analysis", 3)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.ByStatus[types.MessageStatusInProgress])
	assert.Equal(t, int64(1), stats.PendingByRole["review"])
}

func TestFinishEnforcesMonotonicTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg := newMessage("analysis", 1, time.Now())
	require.NoError(t, store.Create(ctx, msg))

	err := store.Finish(ctx, msg.ID, types.MessageStatusCompleted)
	assert.ErrorIs(t, err, orcerrors.ErrIllegalTransition)

	_, err = store.ClaimPending(ctx, "analysis", 1)
	require.NoError(t, err)

	require.NoError(t, store.Finish(ctx, msg.ID, types.MessageStatusCompleted))

	err = store.Finish(ctx, msg.ID, types.MessageStatusFailed)
	assert.ErrorIs(t, err, orcerrors.ErrIllegalTransition)

	err = store.Finish(ctx, uuid.New(), types.MessageStatusCompleted)
	assert.ErrorIs(t, err, orcerrors.ErrNotFound)
}

func TestTryClaimIsExclusiveUnderConcurrency(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const claimers = 16
	var wg sync.WaitGroup
	results := make(chan bool, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			ok, err := store.TryClaim(ctx, "analysis", pid, time.Now())
			assert.NoError(t, err)
			results <- ok
		}(1000 + i)
	}
	wg.Wait()
	close(results)

	var wins int
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestRebindAndReleaseRequireHolder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.TryClaim(ctx, "analysis", 100, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Rebind(ctx, "analysis", 999, 200)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Rebind(ctx, "analysis", 100, 200)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Release(ctx, "analysis", 100)
	require.NoError(t, err)
	assert.False(t, ok, "stale holder must not release")

	ok, err = store.Release(ctx, "analysis", 200)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.GetLock(ctx, "analysis")
	assert.ErrorIs(t, err, orcerrors.ErrNotFound)
}

func TestPurgeRemovesOnlyOldTerminalMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	done := newMessage("analysis", 1, time.Now().Add(-2*time.Hour))
	require.NoError(t, store.Create(ctx, done))
	_, err := store.ClaimPending(ctx, "analysis", 1)
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, done.ID, types.MessageStatusCompleted))

	// Backdate the completion so it falls outside retention.
	store.mu.Lock()
	old := time.Now().Add(-2 * time.Hour)
	store.messages[done.ID].model.CompletedAt = &old
	store.mu.Unlock()

	fresh := newMessage("analysis", 1, time.Now())
	require.NoError(t, store.Create(ctx, fresh))

	purged, err := store.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.GetByID(ctx, done.ID)
	assert.ErrorIs(t, err, orcerrors.ErrNotFound)
	_, err = store.GetByID(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestHeartbeatAndStatusRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	hb := &types.HeartbeatRecord{Role: "analysis", PID: 4242, Timestamp: now, CPUPercent: 12.5, MemoryBytes: 1 << 20}
	require.NoError(t, store.UpsertHeartbeat(ctx, hb))

	got, err := store.GetHeartbeat(ctx, "analysis")
	require.NoError(t, err)
	assert.Equal(t, 4242, got.PID)

	later := &types.HeartbeatRecord{Role: "analysis", PID: 4242, Timestamp: now.Add(time.Second)}
	require.NoError(t, store.UpsertHeartbeat(ctx, later))
	got, err = store.GetHeartbeat(ctx, "analysis")
	require.NoError(t, err)
	assert.True(t, got.Timestamp.After(now))

	snap := &types.StatusSnapshot{Role: "analysis", State: types.WorkerStateRunning, PID: 4242, UpdatedAt: now}
	require.NoError(t, store.UpsertStatus(ctx, snap))
	listed, err := store.ListStatus(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, types.WorkerStateRunning, listed[0].State)

	require.NoError(t, store.DeleteHeartbeat(ctx, "analysis"))
	_, err = store.GetHeartbeat(ctx, "analysis")
	assert.ErrorIs(t, err, orcerrors.ErrNotFound)
}

func TestEventLogOrderAndPurge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &models.EventModel{ID: uuid.New(), Type: types.EventSpawned, Severity: types.SeverityInfo,
		Role: "analysis", CreatedAt: time.Now().Add(-time.Hour)}
	second := &models.EventModel{ID: uuid.New(), Type: types.EventCrashed, Severity: types.SeverityError,
		Role: "analysis", CreatedAt: time.Now()}
	require.NoError(t, store.RecordEvent(ctx, first))
	require.NoError(t, store.RecordEvent(ctx, second))

	events, err := store.ListEvents(ctx, "analysis", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventCrashed, events[0].Type, "newest first")

	purged, err := store.PurgeEvents(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
