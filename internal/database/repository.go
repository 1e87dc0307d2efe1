package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/pkg/types"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// MessageRepository persists queued messages and metric samples. ClaimPending
// and Finish are the only mutation paths for delivery, and both are single
// atomic statements.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.MessageModel) error
	ClaimPending(ctx context.Context, recipient string, limit int) ([]*models.MessageModel, error)
	Finish(ctx context.Context, id uuid.UUID, outcome types.MessageStatus) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.MessageModel, error)
	ListMessages(ctx context.Context, recipient string, status types.MessageStatus, limit int) ([]*models.MessageModel, error)
	Stats(ctx context.Context) (*types.QueueStats, error)
	ExpirePending(ctx context.Context, recipient string) (int64, error)
	ReroutePending(ctx context.Context, from, to string) (int64, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
	InsertMetric(ctx context.Context, sample *types.MetricSample) error
	PurgeMetrics(ctx context.Context, olderThan time.Time) (int64, error)
}

// LockRepository persists role singleton claims. TryClaim must be atomic so
// concurrent claimers can never both succeed.
type LockRepository interface {
	TryClaim(ctx context.Context, role string, holderPID int, acquiredAt time.Time) (bool, error)
	GetLock(ctx context.Context, role string) (*types.RoleLock, error)
	Rebind(ctx context.Context, role string, oldPID, newPID int) (bool, error)
	Release(ctx context.Context, role string, holderPID int) (bool, error)
	ListLocks(ctx context.Context) ([]types.RoleLock, error)
}

// HealthRepository persists worker heartbeats and the per-role status
// snapshots read by external status tooling.
type HealthRepository interface {
	UpsertHeartbeat(ctx context.Context, hb *types.HeartbeatRecord) error
	GetHeartbeat(ctx context.Context, role string) (*types.HeartbeatRecord, error)
	DeleteHeartbeat(ctx context.Context, role string) error
	UpsertStatus(ctx context.Context, snap *types.StatusSnapshot) error
	GetStatus(ctx context.Context, role string) (*types.StatusSnapshot, error)
	ListStatus(ctx context.Context) ([]types.StatusSnapshot, error)
}

// EventRepository persists the append-only lifecycle event log.
type EventRepository interface {
	RecordEvent(ctx context.Context, event *models.EventModel) error
	ListEvents(ctx context.Context, role string, limit int) ([]*models.EventModel, error)
	PurgeEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

type messageRepository struct {
	db     *DB
	logger *zap.Logger
}

type lockRepository struct {
	db     *DB
	logger *zap.Logger
}

type healthRepository struct {
	db     *DB
	logger *zap.Logger
}

type eventRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewMessageRepository(db *DB, logger *zap.Logger) MessageRepository {
	return &messageRepository{db: db, logger: logger}
}

func NewLockRepository(db *DB, logger *zap.Logger) LockRepository {
	return &lockRepository{db: db, logger: logger}
}

func NewHealthRepository(db *DB, logger *zap.Logger) HealthRepository {
	return &healthRepository{db: db, logger: logger}
}

func NewEventRepository(db *DB, logger *zap.Logger) EventRepository {
	return &eventRepository{db: db, logger: logger}
}

// retryableConflict reports whether err is a serialization failure or
// deadlock. Both are safe to retry because claim and finish are single
// atomic statements.
func retryableConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func (r *messageRepository) Create(ctx context.Context, msg *models.MessageModel) error {
	query := `
		INSERT INTO messages (id, sender, recipient, type, payload, priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.Sender, msg.Recipient, msg.Type, msg.Payload,
		msg.Priority, msg.Status, msg.CreatedAt)

	if err != nil {
		r.logger.Error("Failed to create message", zap.Error(err), zap.String("message_id", msg.ID.String()))
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// ClaimPending marks up to limit pending messages in_progress and returns
// them, in one statement. SKIP LOCKED keeps concurrent consumers from ever
// claiming the same row.
func (r *messageRepository) ClaimPending(ctx context.Context, recipient string, limit int) ([]*models.MessageModel, error) {
	query := `
		WITH claimed AS (
			UPDATE messages SET status = $3
			WHERE id IN (
				SELECT id FROM messages
				WHERE recipient = $1 AND status = $4
				ORDER BY priority ASC, created_at ASC, seq ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, sender, recipient, type, payload, priority, status, created_at, completed_at, seq
		)
		SELECT id, sender, recipient, type, payload, priority, status, created_at, completed_at
		FROM claimed ORDER BY priority ASC, created_at ASC, seq ASC`

	rows, err := r.db.QueryContext(ctx, query, recipient, limit,
		types.MessageStatusInProgress, types.MessageStatusPending)
	if err != nil {
		if retryableConflict(err) {
			return nil, fmt.Errorf("claim for %s conflicted: %w", recipient, orcerrors.ErrQueueConflict)
		}
		r.logger.Error("Failed to claim pending messages", zap.Error(err), zap.String("recipient", recipient))
		return nil, fmt.Errorf("failed to claim pending messages: %w", err)
	}
	defer rows.Close()

	var claimed []*models.MessageModel
	for rows.Next() {
		msg := &models.MessageModel{}
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Recipient, &msg.Type, &msg.Payload,
			&msg.Priority, &msg.Status, &msg.CreatedAt, &msg.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claimed message: %w", err)
		}
		claimed = append(claimed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed messages: %w", err)
	}

	return claimed, nil
}

func (r *messageRepository) Finish(ctx context.Context, id uuid.UUID, outcome types.MessageStatus) error {
	query := `UPDATE messages SET status = $2, completed_at = $3 WHERE id = $1 AND status = $4`

	result, err := r.db.ExecContext(ctx, query, id, outcome, time.Now(), types.MessageStatusInProgress)
	if err != nil {
		if retryableConflict(err) {
			return fmt.Errorf("finish of %s conflicted: %w", id, orcerrors.ErrQueueConflict)
		}
		r.logger.Error("Failed to finish message", zap.Error(err), zap.String("message_id", id.String()))
		return fmt.Errorf("failed to finish message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current types.MessageStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = $1`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("message %s: %w", id, orcerrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return fmt.Errorf("message %s is %s, cannot move to %s: %w", id, current, outcome, orcerrors.ErrIllegalTransition)
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.MessageModel, error) {
	query := `
		SELECT id, sender, recipient, type, payload, priority, status, created_at, completed_at
		FROM messages WHERE id = $1`

	msg := &models.MessageModel{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&msg.ID, &msg.Sender, &msg.Recipient, &msg.Type, &msg.Payload,
		&msg.Priority, &msg.Status, &msg.CreatedAt, &msg.CompletedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, orcerrors.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get message", zap.Error(err), zap.String("message_id", id.String()))
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return msg, nil
}

func (r *messageRepository) ListMessages(ctx context.Context, recipient string, status types.MessageStatus, limit int) ([]*models.MessageModel, error) {
	query := `
		SELECT id, sender, recipient, type, payload, priority, status, created_at, completed_at
		FROM messages
		WHERE ($1 = '' OR recipient = $1) AND ($2 = '' OR status = $2)
		ORDER BY priority ASC, created_at ASC, seq ASC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, recipient, string(status), limit)
	if err != nil {
		r.logger.Error("Failed to list messages", zap.Error(err), zap.String("recipient", recipient))
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.MessageModel
	for rows.Next() {
		msg := &models.MessageModel{}
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Recipient, &msg.Type, &msg.Payload,
			&msg.Priority, &msg.Status, &msg.CreatedAt, &msg.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *messageRepository) Stats(ctx context.Context) (*types.QueueStats, error) {
	stats := &types.QueueStats{
		ByStatus:      make(map[types.MessageStatus]int64),
		PendingByRole: make(map[string]int64),
	}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		r.logger.Error("Failed to read queue stats", zap.Error(err))
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status types.MessageStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	pending, err := r.db.QueryContext(ctx,
		`SELECT recipient, COUNT(*) FROM messages WHERE status = $1 GROUP BY recipient`,
		types.MessageStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending depth: %w", err)
	}
	defer pending.Close()

	for pending.Next() {
		var recipient string
		var count int64
		if err := pending.Scan(&recipient, &count); err != nil {
			return nil, fmt.Errorf("failed to scan pending depth: %w", err)
		}
		stats.PendingByRole[recipient] = count
	}
	return stats, pending.Err()
}

func (r *messageRepository) ExpirePending(ctx context.Context, recipient string) (int64, error) {
	query := `UPDATE messages SET status = $2, completed_at = $3 WHERE recipient = $1 AND status = $4`

	result, err := r.db.ExecContext(ctx, query, recipient,
		types.MessageStatusExpired, time.Now(), types.MessageStatusPending)
	if err != nil {
		r.logger.Error("Failed to expire pending messages", zap.Error(err), zap.String("recipient", recipient))
		return 0, fmt.Errorf("failed to expire pending messages: %w", err)
	}
	return result.RowsAffected()
}

func (r *messageRepository) ReroutePending(ctx context.Context, from, to string) (int64, error) {
	query := `UPDATE messages SET recipient = $2 WHERE recipient = $1 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, from, to, types.MessageStatusPending)
	if err != nil {
		r.logger.Error("Failed to reroute pending messages", zap.Error(err),
			zap.String("from", from), zap.String("to", to))
		return 0, fmt.Errorf("failed to reroute pending messages: %w", err)
	}
	return result.RowsAffected()
}

func (r *messageRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM messages
		WHERE status IN ($1, $2, $3) AND completed_at IS NOT NULL AND completed_at < $4`

	result, err := r.db.ExecContext(ctx, query,
		types.MessageStatusCompleted, types.MessageStatusFailed, types.MessageStatusExpired, olderThan)
	if err != nil {
		r.logger.Error("Failed to purge messages", zap.Error(err))
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	return result.RowsAffected()
}

func (r *messageRepository) InsertMetric(ctx context.Context, sample *types.MetricSample) error {
	query := `
		INSERT INTO metrics (id, role, operation, duration_ms, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.ExecContext(ctx, query,
		sample.ID, sample.Role, sample.Operation,
		float64(sample.Duration)/float64(time.Millisecond), sample.Timestamp)
	if err != nil {
		r.logger.Error("Failed to insert metric", zap.Error(err), zap.String("role", sample.Role))
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	return nil
}

func (r *messageRepository) PurgeMetrics(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < $1`, olderThan)
	if err != nil {
		r.logger.Error("Failed to purge metrics", zap.Error(err))
		return 0, fmt.Errorf("failed to purge metrics: %w", err)
	}
	return result.RowsAffected()
}

// TryClaim inserts the lock row only when no row for the role exists. The
// primary key conflict makes concurrent claims linearizable: exactly one
// caller observes true.
func (r *lockRepository) TryClaim(ctx context.Context, role string, holderPID int, acquiredAt time.Time) (bool, error) {
	query := `
		INSERT INTO role_locks (role, holder_pid, acquired_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (role) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query, role, holderPID, acquiredAt)
	if err != nil {
		r.logger.Error("Failed to claim role lock", zap.Error(err), zap.String("role", role))
		return false, fmt.Errorf("failed to claim role lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim role lock: %w", err)
	}
	return rows > 0, nil
}

func (r *lockRepository) GetLock(ctx context.Context, role string) (*types.RoleLock, error) {
	lock := &types.RoleLock{}
	err := r.db.QueryRowContext(ctx,
		`SELECT role, holder_pid, acquired_at FROM role_locks WHERE role = $1`, role).
		Scan(&lock.Role, &lock.HolderPID, &lock.AcquiredAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lock for role %s: %w", role, orcerrors.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get role lock", zap.Error(err), zap.String("role", role))
		return nil, fmt.Errorf("failed to get role lock: %w", err)
	}
	return lock, nil
}

func (r *lockRepository) Rebind(ctx context.Context, role string, oldPID, newPID int) (bool, error) {
	query := `UPDATE role_locks SET holder_pid = $3 WHERE role = $1 AND holder_pid = $2`

	result, err := r.db.ExecContext(ctx, query, role, oldPID, newPID)
	if err != nil {
		r.logger.Error("Failed to rebind role lock", zap.Error(err), zap.String("role", role))
		return false, fmt.Errorf("failed to rebind role lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to rebind role lock: %w", err)
	}
	return rows > 0, nil
}

func (r *lockRepository) Release(ctx context.Context, role string, holderPID int) (bool, error) {
	query := `DELETE FROM role_locks WHERE role = $1 AND holder_pid = $2`

	result, err := r.db.ExecContext(ctx, query, role, holderPID)
	if err != nil {
		r.logger.Error("Failed to release role lock", zap.Error(err), zap.String("role", role))
		return false, fmt.Errorf("failed to release role lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release role lock: %w", err)
	}
	return rows > 0, nil
}

func (r *lockRepository) ListLocks(ctx context.Context) ([]types.RoleLock, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT role, holder_pid, acquired_at FROM role_locks ORDER BY role`)
	if err != nil {
		r.logger.Error("Failed to list role locks", zap.Error(err))
		return nil, fmt.Errorf("failed to list role locks: %w", err)
	}
	defer rows.Close()

	var locks []types.RoleLock
	for rows.Next() {
		var lock types.RoleLock
		if err := rows.Scan(&lock.Role, &lock.HolderPID, &lock.AcquiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan role lock: %w", err)
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

func (r *healthRepository) UpsertHeartbeat(ctx context.Context, hb *types.HeartbeatRecord) error {
	query := `
		INSERT INTO heartbeats (role, pid, timestamp, cpu_percent, memory_bytes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (role) DO UPDATE SET
			pid = EXCLUDED.pid,
			timestamp = EXCLUDED.timestamp,
			cpu_percent = EXCLUDED.cpu_percent,
			memory_bytes = EXCLUDED.memory_bytes`

	_, err := r.db.ExecContext(ctx, query, hb.Role, hb.PID, hb.Timestamp, hb.CPUPercent, int64(hb.MemoryBytes))
	if err != nil {
		r.logger.Error("Failed to upsert heartbeat", zap.Error(err), zap.String("role", hb.Role))
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

func (r *healthRepository) GetHeartbeat(ctx context.Context, role string) (*types.HeartbeatRecord, error) {
	hb := &types.HeartbeatRecord{}
	var memoryBytes int64
	err := r.db.QueryRowContext(ctx,
		`SELECT role, pid, timestamp, cpu_percent, memory_bytes FROM heartbeats WHERE role = $1`, role).
		Scan(&hb.Role, &hb.PID, &hb.Timestamp, &hb.CPUPercent, &memoryBytes)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("heartbeat for role %s: %w", role, orcerrors.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get heartbeat", zap.Error(err), zap.String("role", role))
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}

	hb.MemoryBytes = uint64(memoryBytes)
	return hb, nil
}

func (r *healthRepository) DeleteHeartbeat(ctx context.Context, role string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE role = $1`, role); err != nil {
		r.logger.Error("Failed to delete heartbeat", zap.Error(err), zap.String("role", role))
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}

func (r *healthRepository) UpsertStatus(ctx context.Context, snap *types.StatusSnapshot) error {
	query := `
		INSERT INTO worker_status (role, state, pid, started_at, restart_count, max_restarts,
		                           last_restart, heartbeat_age_seconds, cpu_percent, memory_bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (role) DO UPDATE SET
			state = EXCLUDED.state,
			pid = EXCLUDED.pid,
			started_at = EXCLUDED.started_at,
			restart_count = EXCLUDED.restart_count,
			max_restarts = EXCLUDED.max_restarts,
			last_restart = EXCLUDED.last_restart,
			heartbeat_age_seconds = EXCLUDED.heartbeat_age_seconds,
			cpu_percent = EXCLUDED.cpu_percent,
			memory_bytes = EXCLUDED.memory_bytes,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		snap.Role, snap.State, snap.PID, snap.StartedAt, snap.RestartCount, snap.MaxRestarts,
		snap.LastRestart, snap.HeartbeatAge, snap.CPUPercent, int64(snap.MemoryBytes), snap.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to upsert status snapshot", zap.Error(err), zap.String("role", snap.Role))
		return fmt.Errorf("failed to upsert status snapshot: %w", err)
	}
	return nil
}

func (r *healthRepository) GetStatus(ctx context.Context, role string) (*types.StatusSnapshot, error) {
	snap := &types.StatusSnapshot{}
	var memoryBytes int64
	err := r.db.QueryRowContext(ctx, `
		SELECT role, state, pid, started_at, restart_count, max_restarts,
		       last_restart, heartbeat_age_seconds, cpu_percent, memory_bytes, updated_at
		FROM worker_status WHERE role = $1`, role).
		Scan(&snap.Role, &snap.State, &snap.PID, &snap.StartedAt, &snap.RestartCount, &snap.MaxRestarts,
			&snap.LastRestart, &snap.HeartbeatAge, &snap.CPUPercent, &memoryBytes, &snap.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("status for role %s: %w", role, orcerrors.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get status snapshot", zap.Error(err), zap.String("role", role))
		return nil, fmt.Errorf("failed to get status snapshot: %w", err)
	}

	snap.MemoryBytes = uint64(memoryBytes)
	return snap, nil
}

func (r *healthRepository) ListStatus(ctx context.Context) ([]types.StatusSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role, state, pid, started_at, restart_count, max_restarts,
		       last_restart, heartbeat_age_seconds, cpu_percent, memory_bytes, updated_at
		FROM worker_status ORDER BY role`)
	if err != nil {
		r.logger.Error("Failed to list status snapshots", zap.Error(err))
		return nil, fmt.Errorf("failed to list status snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []types.StatusSnapshot
	for rows.Next() {
		var snap types.StatusSnapshot
		var memoryBytes int64
		if err := rows.Scan(&snap.Role, &snap.State, &snap.PID, &snap.StartedAt, &snap.RestartCount,
			&snap.MaxRestarts, &snap.LastRestart, &snap.HeartbeatAge, &snap.CPUPercent,
			&memoryBytes, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status snapshot: %w", err)
		}
		snap.MemoryBytes = uint64(memoryBytes)
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

func (r *eventRepository) RecordEvent(ctx context.Context, event *models.EventModel) error {
	query := `
		INSERT INTO events (id, type, severity, role, pid, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.Type, event.Severity, event.Role, event.PID, event.Details, event.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to record event", zap.Error(err), zap.String("type", string(event.Type)))
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (r *eventRepository) ListEvents(ctx context.Context, role string, limit int) ([]*models.EventModel, error) {
	query := `
		SELECT id, type, severity, role, pid, details, created_at
		FROM events
		WHERE ($1 = '' OR role = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, role, limit)
	if err != nil {
		r.logger.Error("Failed to list events", zap.Error(err))
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.EventModel
	for rows.Next() {
		event := &models.EventModel{}
		if err := rows.Scan(&event.ID, &event.Type, &event.Severity, &event.Role,
			&event.PID, &event.Details, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *eventRepository) PurgeEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, olderThan)
	if err != nil {
		r.logger.Error("Failed to purge events", zap.Error(err))
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return result.RowsAffected()
}
