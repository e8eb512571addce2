package db

import (
	"database/sql"
	"fmt"
)

// setupSchema creates the core tables if they do not exist.
func setupSchema(client *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			user_id TEXT NOT NULL,
			organisation_id TEXT NOT NULL,
			target_url TEXT NOT NULL,
			competitor_urls JSONB NOT NULL DEFAULT '[]',
			region_id TEXT,
			worker_id TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error_message TEXT,
			content_gaps JSONB,
			popular_themes JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_region
			ON jobs (status, region_id, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS worker_health (
			worker_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			region_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cpu_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
			memory_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			version TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS region_capacity (
			region_id TEXT PRIMARY KEY,
			region_name TEXT NOT NULL,
			current_workers INTEGER NOT NULL DEFAULT 0,
			target_workers INTEGER NOT NULL DEFAULT 1,
			auto_scaling_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS traffic_predictions (
			id SERIAL PRIMARY KEY,
			region_id TEXT NOT NULL,
			predicted_requests BIGINT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_window
			ON traffic_predictions (window_start, window_end)`,

		`CREATE TABLE IF NOT EXISTS scaling_audit (
			id SERIAL PRIMARY KEY,
			region_id TEXT NOT NULL,
			previous_target INTEGER NOT NULL,
			new_target INTEGER NOT NULL,
			predicted_requests BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS organisation_quotas (
			organisation_id TEXT NOT NULL,
			quota_type TEXT NOT NULL,
			current_usage BIGINT NOT NULL DEFAULT 0,
			limit_value BIGINT NOT NULL,
			window_reset TIMESTAMPTZ,
			PRIMARY KEY (organisation_id, quota_type)
		)`,

		`CREATE TABLE IF NOT EXISTS quota_increase_requests (
			id TEXT PRIMARY KEY,
			organisation_id TEXT NOT NULL,
			quota_type TEXT NOT NULL,
			requested_limit BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			resolved_limit BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range statements {
		if _, err := client.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}
