// Package health tracks worker liveness. Workers upsert heartbeat rows on a
// fixed interval; the supervisor reads them back and classifies each worker
// as healthy, stale, or dead. Classification is a pure function so the
// threshold matrix is testable without a store or a clock.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/database"
	"agent-orchestrator/internal/orcerrors"
	"agent-orchestrator/pkg/types"

	"go.uber.org/zap"
)

// Classify maps a heartbeat observation to a health state. A dead process is
// dead no matter how fresh its last heartbeat. A live process with no
// heartbeat row yet is stale, not dead: liveness alone decides death when the
// age cannot be computed.
func Classify(age time.Duration, missing, processAlive bool, staleAfter, deadAfter time.Duration) types.HealthState {
	if !processAlive {
		return types.HealthDead
	}
	if missing {
		return types.HealthStale
	}
	if age >= deadAfter {
		return types.HealthDead
	}
	if age >= staleAfter {
		return types.HealthStale
	}
	return types.HealthHealthy
}

// ResourceWarnings compares a heartbeat sample against the role's limits.
// A zero limit disables that check. Violations are reported, never enforced:
// only liveness triggers a restart.
func ResourceWarnings(cpuPercent float64, memoryBytes uint64, maxCPUPercent float64, maxMemoryMB int64) []string {
	var warnings []string
	if maxCPUPercent > 0 && cpuPercent > maxCPUPercent {
		warnings = append(warnings, fmt.Sprintf("cpu %.1f%% exceeds limit %.1f%%", cpuPercent, maxCPUPercent))
	}
	if maxMemoryMB > 0 && memoryBytes > uint64(maxMemoryMB)*1024*1024 {
		warnings = append(warnings, fmt.Sprintf("memory %dMB exceeds limit %dMB", memoryBytes/(1024*1024), maxMemoryMB))
	}
	return warnings
}

// Store is the durable heartbeat surface shared by workers and the supervisor.
type Store struct {
	repo   database.HealthRepository
	logger *zap.Logger
}

func NewStore(repo database.HealthRepository, logger *zap.Logger) *Store {
	return &Store{repo: repo, logger: logger}
}

// Heartbeat records the worker's current liveness signal, replacing any
// previous row for the role.
func (s *Store) Heartbeat(ctx context.Context, role string, pid int, cpuPercent float64, memoryBytes uint64) error {
	hb := &types.HeartbeatRecord{
		Role:        role,
		PID:         pid,
		Timestamp:   time.Now(),
		CPUPercent:  cpuPercent,
		MemoryBytes: memoryBytes,
	}
	if err := s.repo.UpsertHeartbeat(ctx, hb); err != nil {
		s.logger.Error("Failed to upsert heartbeat",
			zap.String("role", role),
			zap.Int("pid", pid),
			zap.Error(err))
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

// Report reads the role's latest heartbeat and classifies the worker against
// the role's thresholds. processAlive comes from the caller's OS-level probe;
// now is injected so checks are reproducible.
func (s *Store) Report(ctx context.Context, role config.RoleConfig, pid int, processAlive bool, now time.Time) (*types.HealthReport, error) {
	report := &types.HealthReport{
		Role:         role.ID,
		PID:          pid,
		ProcessAlive: processAlive,
	}

	hb, err := s.repo.GetHeartbeat(ctx, role.ID)
	switch {
	case errors.Is(err, orcerrors.ErrNotFound):
		report.HeartbeatMissing = true
	case err != nil:
		return nil, fmt.Errorf("failed to read heartbeat: %w", err)
	default:
		report.HeartbeatAge = now.Sub(hb.Timestamp)
		report.CPUPercent = hb.CPUPercent
		report.MemoryBytes = hb.MemoryBytes
		report.ResourceWarnings = ResourceWarnings(hb.CPUPercent, hb.MemoryBytes, role.MaxCPUPercent, role.MaxMemoryMB)
	}

	report.State = Classify(report.HeartbeatAge, report.HeartbeatMissing, processAlive, role.StaleAfter, role.DeadAfter)
	return report, nil
}

// Latest returns the raw heartbeat row for a role, if one exists.
func (s *Store) Latest(ctx context.Context, role string) (*types.HeartbeatRecord, error) {
	return s.repo.GetHeartbeat(ctx, role)
}

// Forget drops the role's heartbeat row after a clean stop so a later launch
// does not classify against a dead worker's last signal.
func (s *Store) Forget(ctx context.Context, role string) error {
	if err := s.repo.DeleteHeartbeat(ctx, role); err != nil {
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}

// SaveStatus upserts the monitor loop's point-in-time view of one worker.
func (s *Store) SaveStatus(ctx context.Context, snap *types.StatusSnapshot) error {
	if err := s.repo.UpsertStatus(ctx, snap); err != nil {
		s.logger.Error("Failed to upsert worker status",
			zap.String("role", snap.Role),
			zap.Error(err))
		return fmt.Errorf("failed to upsert worker status: %w", err)
	}
	return nil
}

// Status returns the latest snapshot for one role.
func (s *Store) Status(ctx context.Context, role string) (*types.StatusSnapshot, error) {
	return s.repo.GetStatus(ctx, role)
}

// Statuses returns the latest snapshot for every tracked role.
func (s *Store) Statuses(ctx context.Context) ([]types.StatusSnapshot, error) {
	return s.repo.ListStatus(ctx)
}
