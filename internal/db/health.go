package db

import (
	"context"
	"fmt"
	"time"

	"github.com/gapscope/gapscope/internal/jobs"
)

// UpsertWorkerHealth records a worker heartbeat, inserting the row on the
// first report.
func (d *DB) UpsertWorkerHealth(ctx context.Context, health *jobs.WorkerHealth) error {
	_, err := d.client.ExecContext(ctx, `
		INSERT INTO worker_health (worker_id, instance_id, region_id, status,
			last_heartbeat, cpu_usage, memory_usage, latency_ms, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (worker_id) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			region_id = EXCLUDED.region_id,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			cpu_usage = EXCLUDED.cpu_usage,
			memory_usage = EXCLUDED.memory_usage,
			latency_ms = EXCLUDED.latency_ms,
			version = EXCLUDED.version
	`, health.WorkerID, health.InstanceID, health.RegionID, health.Status,
		health.LastHeartbeat, health.CPUUsage, health.MemoryUsage,
		health.LatencyMs, health.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert worker health: %w", err)
	}
	return nil
}

// ListWorkerHealth returns health rows for a region, most recent heartbeat
// first.
func (d *DB) ListWorkerHealth(ctx context.Context, regionID string) ([]*jobs.WorkerHealth, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT worker_id, instance_id, region_id, status, last_heartbeat,
			cpu_usage, memory_usage, latency_ms, version
		FROM worker_health
		WHERE region_id = $1
		ORDER BY last_heartbeat DESC
	`, regionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker health: %w", err)
	}
	defer rows.Close()

	var result []*jobs.WorkerHealth
	for rows.Next() {
		var h jobs.WorkerHealth
		if err := rows.Scan(&h.WorkerID, &h.InstanceID, &h.RegionID, &h.Status,
			&h.LastHeartbeat, &h.CPUUsage, &h.MemoryUsage, &h.LatencyMs,
			&h.Version); err != nil {
			return nil, fmt.Errorf("failed to scan worker health: %w", err)
		}
		result = append(result, &h)
	}
	return result, rows.Err()
}

// MarkUnhealthyWorkers flags workers whose heartbeat is older than the
// cutoff. Returns how many rows were updated.
func (d *DB) MarkUnhealthyWorkers(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := d.client.ExecContext(ctx, `
		UPDATE worker_health
		SET status = $1
		WHERE status = $2 AND last_heartbeat < $3
	`, jobs.WorkerStatusUnhealthy, jobs.WorkerStatusActive, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark unhealthy workers: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}
