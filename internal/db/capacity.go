package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRegionNotFound is returned when a region ID has no capacity record.
var ErrRegionNotFound = errors.New("region not found")

// RegionCapacity is the scaling record for one region.
type RegionCapacity struct {
	RegionID           string    `json:"region_id"`
	RegionName         string    `json:"region_name"`
	CurrentWorkers     int       `json:"current_workers"`
	TargetWorkers      int       `json:"target_workers"`
	AutoScalingEnabled bool      `json:"auto_scaling_enabled"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TrafficPrediction is one forecast row for a region and time window.
type TrafficPrediction struct {
	ID                int64     `json:"id"`
	RegionID          string    `json:"region_id"`
	PredictedRequests int64     `json:"predicted_requests"`
	Confidence        float64   `json:"confidence"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	CreatedAt         time.Time `json:"created_at"`
}

// ScalingAudit records one target-worker change made by the auto-scaler.
type ScalingAudit struct {
	RegionID          string `json:"region_id"`
	PreviousTarget    int    `json:"previous_target"`
	NewTarget         int    `json:"new_target"`
	PredictedRequests int64  `json:"predicted_requests"`
	Reason            string `json:"reason"`
}

// ListRegionCapacity returns every region's capacity record.
func (d *DB) ListRegionCapacity(ctx context.Context) ([]*RegionCapacity, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT region_id, region_name, current_workers, target_workers,
			auto_scaling_enabled, updated_at
		FROM region_capacity
		ORDER BY region_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query region capacity: %w", err)
	}
	defer rows.Close()

	var result []*RegionCapacity
	for rows.Next() {
		var rc RegionCapacity
		if err := rows.Scan(&rc.RegionID, &rc.RegionName, &rc.CurrentWorkers,
			&rc.TargetWorkers, &rc.AutoScalingEnabled, &rc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan region capacity: %w", err)
		}
		result = append(result, &rc)
	}
	return result, rows.Err()
}

// GetRegionCapacity fetches one region's capacity record.
func (d *DB) GetRegionCapacity(ctx context.Context, regionID string) (*RegionCapacity, error) {
	var rc RegionCapacity
	err := d.client.QueryRowContext(ctx, `
		SELECT region_id, region_name, current_workers, target_workers,
			auto_scaling_enabled, updated_at
		FROM region_capacity
		WHERE region_id = $1
	`, regionID).Scan(&rc.RegionID, &rc.RegionName, &rc.CurrentWorkers,
		&rc.TargetWorkers, &rc.AutoScalingEnabled, &rc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("region %s: %w", regionID, ErrRegionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query region capacity: %w", err)
	}
	return &rc, nil
}

// UpdateTargetWorkers writes a new scaling target for the region.
func (d *DB) UpdateTargetWorkers(ctx context.Context, regionID string, target int) error {
	result, err := d.client.ExecContext(ctx, `
		UPDATE region_capacity
		SET target_workers = $1, updated_at = NOW()
		WHERE region_id = $2
	`, target, regionID)
	if err != nil {
		return fmt.Errorf("failed to update target workers: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("region %s: %w", regionID, ErrRegionNotFound)
	}
	return nil
}

// ListPredictionsForWindow returns predictions for a region whose windows
// overlap [from, to), newest forecast first.
func (d *DB) ListPredictionsForWindow(ctx context.Context, regionID string, from, to time.Time) ([]*TrafficPrediction, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT id, region_id, predicted_requests, confidence,
			window_start, window_end, created_at
		FROM traffic_predictions
		WHERE region_id = $1 AND window_end > $2 AND window_start < $3
		ORDER BY created_at DESC
	`, regionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query traffic predictions: %w", err)
	}
	defer rows.Close()

	var result []*TrafficPrediction
	for rows.Next() {
		var p TrafficPrediction
		if err := rows.Scan(&p.ID, &p.RegionID, &p.PredictedRequests,
			&p.Confidence, &p.WindowStart, &p.WindowEnd, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan traffic prediction: %w", err)
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// InsertTrafficPrediction stores a forecast row. Used by the prediction
// ingest endpoint.
func (d *DB) InsertTrafficPrediction(ctx context.Context, p *TrafficPrediction) error {
	_, err := d.client.ExecContext(ctx, `
		INSERT INTO traffic_predictions (region_id, predicted_requests,
			confidence, window_start, window_end)
		VALUES ($1, $2, $3, $4, $5)
	`, p.RegionID, p.PredictedRequests, p.Confidence, p.WindowStart, p.WindowEnd)
	if err != nil {
		return fmt.Errorf("failed to insert traffic prediction: %w", err)
	}
	return nil
}

// InsertScalingAudit appends an audit row for a scaling decision.
func (d *DB) InsertScalingAudit(ctx context.Context, audit *ScalingAudit) error {
	_, err := d.client.ExecContext(ctx, `
		INSERT INTO scaling_audit (region_id, previous_target, new_target,
			predicted_requests, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, audit.RegionID, audit.PreviousTarget, audit.NewTarget,
		audit.PredictedRequests, audit.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert scaling audit: %w", err)
	}
	return nil
}
