package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/pkg/types"

	"github.com/google/uuid"
)

// MemoryStore implements every repository interface over process-local state.
// It backs unit tests and store-less development runs with the same claim and
// transition semantics as the PostgreSQL repositories.
type MemoryStore struct {
	mu         sync.Mutex
	seq        uint64
	messages   map[uuid.UUID]*memMessage
	metrics    []types.MetricSample
	locks      map[string]types.RoleLock
	heartbeats map[string]types.HeartbeatRecord
	status     map[string]types.StatusSnapshot
	events     []*models.EventModel
}

type memMessage struct {
	model models.MessageModel
	seq   uint64
}

var (
	_ MessageRepository = (*MemoryStore)(nil)
	_ LockRepository    = (*MemoryStore)(nil)
	_ HealthRepository  = (*MemoryStore)(nil)
	_ EventRepository   = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:   make(map[uuid.UUID]*memMessage),
		locks:      make(map[string]types.RoleLock),
		heartbeats: make(map[string]types.HeartbeatRecord),
		status:     make(map[string]types.StatusSnapshot),
	}
}

func (s *MemoryStore) Create(ctx context.Context, msg *models.MessageModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	s.seq++
	s.messages[msg.ID] = &memMessage{model: *msg, seq: s.seq}
	return nil
}

func (s *MemoryStore) ClaimPending(ctx context.Context, recipient string, limit int) ([]*models.MessageModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*memMessage
	for _, m := range s.messages {
		if m.model.Recipient == recipient && m.model.Status == types.MessageStatusPending {
			pending = append(pending, m)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].model.Priority != pending[j].model.Priority {
			return pending[i].model.Priority < pending[j].model.Priority
		}
		if !pending[i].model.CreatedAt.Equal(pending[j].model.CreatedAt) {
			return pending[i].model.CreatedAt.Before(pending[j].model.CreatedAt)
		}
		return pending[i].seq < pending[j].seq
	})

	if limit < len(pending) {
		pending = pending[:limit]
	}

	claimed := make([]*models.MessageModel, 0, len(pending))
	for _, m := range pending {
		m.model.Status = types.MessageStatusInProgress
		copied := m.model
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (s *MemoryStore) Finish(ctx context.Context, id uuid.UUID, outcome types.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, orcerrors.ErrNotFound)
	}
	if m.model.Status != types.MessageStatusInProgress {
		return fmt.Errorf("message %s is %s, cannot move to %s: %w",
			id, m.model.Status, outcome, orcerrors.ErrIllegalTransition)
	}

	now := time.Now()
	m.model.Status = outcome
	m.model.CompletedAt = &now
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*models.MessageModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, orcerrors.ErrNotFound)
	}
	copied := m.model
	return &copied, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, recipient string, status types.MessageStatus, limit int) ([]*models.MessageModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*memMessage
	for _, m := range s.messages {
		if recipient != "" && m.model.Recipient != recipient {
			continue
		}
		if status != "" && m.model.Status != status {
			continue
		}
		matched = append(matched, m)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].model.Priority != matched[j].model.Priority {
			return matched[i].model.Priority < matched[j].model.Priority
		}
		if !matched[i].model.CreatedAt.Equal(matched[j].model.CreatedAt) {
			return matched[i].model.CreatedAt.Before(matched[j].model.CreatedAt)
		}
		return matched[i].seq < matched[j].seq
	})

	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	result := make([]*models.MessageModel, 0, len(matched))
	for _, m := range matched {
		copied := m.model
		result = append(result, &copied)
	}
	return result, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*types.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &types.QueueStats{
		ByStatus:      make(map[types.MessageStatus]int64),
		PendingByRole: make(map[string]int64),
	}
	for _, m := range s.messages {
		stats.ByStatus[m.model.Status]++
		stats.Total++
		if m.model.Status == types.MessageStatusPending {
			stats.PendingByRole[m.model.Recipient]++
		}
	}
	return stats, nil
}

func (s *MemoryStore) ExpirePending(ctx context.Context, recipient string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var count int64
	for _, m := range s.messages {
		if m.model.Recipient == recipient && m.model.Status == types.MessageStatusPending {
			m.model.Status = types.MessageStatusExpired
			completed := now
			m.model.CompletedAt = &completed
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ReroutePending(ctx context.Context, from, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, m := range s.messages {
		if m.model.Recipient == from && m.model.Status == types.MessageStatusPending {
			m.model.Recipient = to
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, m := range s.messages {
		if m.model.Status.IsTerminal() && m.model.CompletedAt != nil && m.model.CompletedAt.Before(olderThan) {
			delete(s.messages, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) InsertMetric(ctx context.Context, sample *types.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = append(s.metrics, *sample)
	return nil
}

func (s *MemoryStore) PurgeMetrics(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.metrics[:0]
	var count int64
	for _, sample := range s.metrics {
		if sample.Timestamp.Before(olderThan) {
			count++
			continue
		}
		kept = append(kept, sample)
	}
	s.metrics = kept
	return count, nil
}

// Metrics returns a copy of all recorded samples, for tests.
func (s *MemoryStore) Metrics() []types.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.MetricSample, len(s.metrics))
	copy(out, s.metrics)
	return out
}

func (s *MemoryStore) TryClaim(ctx context.Context, role string, holderPID int, acquiredAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[role]; held {
		return false, nil
	}
	s.locks[role] = types.RoleLock{Role: role, HolderPID: holderPID, AcquiredAt: acquiredAt}
	return true, nil
}

func (s *MemoryStore) GetLock(ctx context.Context, role string) (*types.RoleLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[role]
	if !ok {
		return nil, fmt.Errorf("lock for role %s: %w", role, orcerrors.ErrNotFound)
	}
	return &lock, nil
}

func (s *MemoryStore) Rebind(ctx context.Context, role string, oldPID, newPID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[role]
	if !ok || lock.HolderPID != oldPID {
		return false, nil
	}
	lock.HolderPID = newPID
	s.locks[role] = lock
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, role string, holderPID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[role]
	if !ok || lock.HolderPID != holderPID {
		return false, nil
	}
	delete(s.locks, role)
	return true, nil
}

func (s *MemoryStore) ListLocks(ctx context.Context) ([]types.RoleLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locks := make([]types.RoleLock, 0, len(s.locks))
	for _, lock := range s.locks {
		locks = append(locks, lock)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Role < locks[j].Role })
	return locks, nil
}

func (s *MemoryStore) UpsertHeartbeat(ctx context.Context, hb *types.HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartbeats[hb.Role] = *hb
	return nil
}

func (s *MemoryStore) GetHeartbeat(ctx context.Context, role string) (*types.HeartbeatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb, ok := s.heartbeats[role]
	if !ok {
		return nil, fmt.Errorf("heartbeat for role %s: %w", role, orcerrors.ErrNotFound)
	}
	return &hb, nil
}

func (s *MemoryStore) DeleteHeartbeat(ctx context.Context, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.heartbeats, role)
	return nil
}

func (s *MemoryStore) UpsertStatus(ctx context.Context, snap *types.StatusSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status[snap.Role] = *snap
	return nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, role string) (*types.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.status[role]
	if !ok {
		return nil, fmt.Errorf("status for role %s: %w", role, orcerrors.ErrNotFound)
	}
	return &snap, nil
}

func (s *MemoryStore) ListStatus(ctx context.Context) ([]types.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]types.StatusSnapshot, 0, len(s.status))
	for _, snap := range s.status {
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Role < snapshots[j].Role })
	return snapshots, nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, event *models.EventModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, role string, limit int) ([]*models.EventModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.EventModel
	for i := len(s.events) - 1; i >= 0; i-- {
		event := s.events[i]
		if role != "" && event.Role != role {
			continue
		}
		copied := *event
		matched = append(matched, &copied)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

func (s *MemoryStore) PurgeEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var count int64
	for _, event := range s.events {
		if event.CreatedAt.Before(olderThan) {
			count++
			continue
		}
		kept = append(kept, event)
	}
	s.events = kept
	return count, nil
}
