package types

import (
	"fmt"
	"time"
)

// WorkerState represents the lifecycle state of a supervised worker process
type WorkerState string

const (
	WorkerStateUnstarted  WorkerState = "unstarted"
	WorkerStateStarting   WorkerState = "starting"
	WorkerStateRunning    WorkerState = "running"
	WorkerStateStale      WorkerState = "stale"
	WorkerStateRestarting WorkerState = "restarting"
	WorkerStateStopping   WorkerState = "stopping"
	WorkerStateStopped    WorkerState = "stopped"
	WorkerStateCrashed    WorkerState = "crashed"
	WorkerStateTerminal   WorkerState = "terminal"
)

// IsLive reports whether the state describes a process that should be running.
func (s WorkerState) IsLive() bool {
	switch s {
	case WorkerStateStarting, WorkerStateRunning, WorkerStateStale, WorkerStateStopping:
		return true
	}
	return false
}

// RoleLock represents a durable singleton claim on a worker role
type RoleLock struct {
	Role       string    `json:"role" db:"role"`
	HolderPID  int       `json:"holder_pid" db:"holder_pid"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
}

// Age returns how long the lock has been held as of now.
func (l RoleLock) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// HeartbeatRecord represents the current liveness signal written by a worker
type HeartbeatRecord struct {
	Role        string    `json:"role" db:"role"`
	PID         int       `json:"pid" db:"pid"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent" db:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes" db:"memory_bytes"`
}

// HealthState classifies a worker's liveness
type HealthState string

const (
	HealthHealthy HealthState = "healthy"
	HealthStale   HealthState = "stale"
	HealthDead    HealthState = "dead"
)

// HealthReport represents one classification of a tracked worker
type HealthReport struct {
	Role             string        `json:"role"`
	PID              int           `json:"pid"`
	State            HealthState   `json:"state"`
	ProcessAlive     bool          `json:"process_alive"`
	HeartbeatAge     time.Duration `json:"heartbeat_age"`
	HeartbeatMissing bool          `json:"heartbeat_missing"`
	CPUPercent       float64       `json:"cpu_percent"`
	MemoryBytes      uint64        `json:"memory_bytes"`
	ResourceWarnings []string      `json:"resource_warnings,omitempty"`
}

// StatusSnapshot represents the per-worker point-in-time record the monitor
// loop persists for external status tooling.
type StatusSnapshot struct {
	Role         string      `json:"role" db:"role"`
	State        WorkerState `json:"state" db:"state"`
	PID          int         `json:"pid" db:"pid"`
	StartedAt    *time.Time  `json:"started_at,omitempty" db:"started_at"`
	RestartCount int         `json:"restart_count" db:"restart_count"`
	MaxRestarts  int         `json:"max_restarts" db:"max_restarts"`
	LastRestart  *time.Time  `json:"last_restart,omitempty" db:"last_restart"`
	HeartbeatAge *float64    `json:"heartbeat_age_seconds,omitempty" db:"heartbeat_age_seconds"`
	CPUPercent   float64     `json:"cpu_percent" db:"cpu_percent"`
	MemoryBytes  uint64      `json:"memory_bytes" db:"memory_bytes"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// Uptime returns how long the worker has been up as of now, or zero when it
// has no recorded start.
func (s StatusSnapshot) Uptime(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.StartedAt)
}

// DisplayState renders the state for operator-facing status output,
// distinguishing a worker waiting on restart backoff from one that is gone.
func (s StatusSnapshot) DisplayState() string {
	if s.State == WorkerStateRestarting || s.State == WorkerStateCrashed {
		return fmt.Sprintf("crashed-retrying(%d/%d)", s.RestartCount, s.MaxRestarts)
	}
	return string(s.State)
}
