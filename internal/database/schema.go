package database

import (
	"context"
	"fmt"
)

// Schema statements are idempotent so every binary can run them at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		seq BIGSERIAL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_claim
		ON messages (recipient, status, priority, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_completed_at
		ON messages (completed_at) WHERE completed_at IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS metrics (
		id UUID PRIMARY KEY,
		role TEXT NOT NULL,
		operation TEXT NOT NULL,
		duration_ms DOUBLE PRECISION NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_role_time ON metrics (role, timestamp)`,

	`CREATE TABLE IF NOT EXISTS role_locks (
		role TEXT PRIMARY KEY,
		holder_pid INTEGER NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS heartbeats (
		role TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_bytes BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS worker_status (
		role TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		restart_count INTEGER NOT NULL DEFAULT 0,
		max_restarts INTEGER NOT NULL DEFAULT 0,
		last_restart TIMESTAMPTZ,
		heartbeat_age_seconds DOUBLE PRECISION,
		cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_bytes BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_role ON events (role, created_at)`,
}

// EnsureSchema creates the coordination tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	db.logger.Info("Database schema ensured")
	return nil
}
