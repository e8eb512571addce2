package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQuotaNotFound is returned when no quota row exists for the
	// organisation and type.
	ErrQuotaNotFound = errors.New("quota not found")
	// ErrQuotaRequestNotPending is returned when resolving a quota increase
	// request that was already resolved.
	ErrQuotaRequestNotPending = errors.New("quota increase request is not pending")
)

// QuotaRecord is one organisation's usage counter for a quota type.
type QuotaRecord struct {
	OrganisationID string     `json:"organisation_id"`
	QuotaType      string     `json:"quota_type"`
	CurrentUsage   int64      `json:"current_usage"`
	LimitValue     int64      `json:"limit_value"`
	WindowReset    *time.Time `json:"window_reset,omitempty"`
}

// QuotaIncreaseRequest is a pending or resolved request to raise a limit.
type QuotaIncreaseRequest struct {
	ID             string     `json:"id"`
	OrganisationID string     `json:"organisation_id"`
	QuotaType      string     `json:"quota_type"`
	RequestedLimit int64      `json:"requested_limit"`
	Reason         string     `json:"reason"`
	Status         string     `json:"status"`
	ResolvedLimit  *int64     `json:"resolved_limit,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// GetQuota fetches the quota row for an organisation and type.
func (d *DB) GetQuota(ctx context.Context, organisationID, quotaType string) (*QuotaRecord, error) {
	var q QuotaRecord
	var reset sql.NullTime
	err := d.client.QueryRowContext(ctx, `
		SELECT organisation_id, quota_type, current_usage, limit_value, window_reset
		FROM organisation_quotas
		WHERE organisation_id = $1 AND quota_type = $2
	`, organisationID, quotaType).Scan(&q.OrganisationID, &q.QuotaType,
		&q.CurrentUsage, &q.LimitValue, &reset)
	if err == sql.ErrNoRows {
		return nil, ErrQuotaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quota: %w", err)
	}
	if reset.Valid {
		q.WindowReset = &reset.Time
	}
	return &q, nil
}

// IncrementQuotaUsage adds amount to the organisation's usage counter. The
// increment is a single UPDATE so concurrent submissions never lose counts.
func (d *DB) IncrementQuotaUsage(ctx context.Context, organisationID, quotaType string, amount int64) error {
	result, err := d.client.ExecContext(ctx, `
		UPDATE organisation_quotas
		SET current_usage = current_usage + $1
		WHERE organisation_id = $2 AND quota_type = $3
	`, amount, organisationID, quotaType)
	if err != nil {
		return fmt.Errorf("failed to increment quota usage: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrQuotaNotFound
	}
	return nil
}

// UpsertQuota creates or replaces a quota row. Used by provisioning and by
// approved increase requests.
func (d *DB) UpsertQuota(ctx context.Context, q *QuotaRecord) error {
	_, err := d.client.ExecContext(ctx, `
		INSERT INTO organisation_quotas (organisation_id, quota_type,
			current_usage, limit_value, window_reset)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organisation_id, quota_type) DO UPDATE SET
			limit_value = EXCLUDED.limit_value,
			window_reset = EXCLUDED.window_reset
	`, q.OrganisationID, q.QuotaType, q.CurrentUsage, q.LimitValue, q.WindowReset)
	if err != nil {
		return fmt.Errorf("failed to upsert quota: %w", err)
	}
	return nil
}

// CreateQuotaIncreaseRequest files a pending request to raise a limit.
func (d *DB) CreateQuotaIncreaseRequest(ctx context.Context, organisationID, quotaType string, requestedLimit int64, reason string) (*QuotaIncreaseRequest, error) {
	req := &QuotaIncreaseRequest{
		ID:             uuid.New().String(),
		OrganisationID: organisationID,
		QuotaType:      quotaType,
		RequestedLimit: requestedLimit,
		Reason:         reason,
		Status:         "pending",
		CreatedAt:      time.Now().UTC(),
	}

	_, err := d.client.ExecContext(ctx, `
		INSERT INTO quota_increase_requests (id, organisation_id, quota_type,
			requested_limit, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, req.ID, req.OrganisationID, req.QuotaType, req.RequestedLimit,
		req.Reason, req.Status, req.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota increase request: %w", err)
	}
	return req, nil
}

// ResolveQuotaIncreaseRequest marks a pending request approved or rejected.
// On approval the organisation's limit is raised in the same transaction.
func (d *DB) ResolveQuotaIncreaseRequest(ctx context.Context, id string, approve bool, resolvedLimit int64) error {
	return d.Execute(ctx, func(tx *sql.Tx) error {
		var organisationID, quotaType string
		err := tx.QueryRowContext(ctx, `
			SELECT organisation_id, quota_type
			FROM quota_increase_requests
			WHERE id = $1 AND status = 'pending'
			FOR UPDATE
		`, id).Scan(&organisationID, &quotaType)
		if err == sql.ErrNoRows {
			return ErrQuotaRequestNotPending
		}
		if err != nil {
			return fmt.Errorf("failed to lock quota increase request: %w", err)
		}

		status := "rejected"
		var limit *int64
		if approve {
			status = "approved"
			limit = &resolvedLimit
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE quota_increase_requests
			SET status = $1, resolved_limit = $2, resolved_at = NOW()
			WHERE id = $3
		`, status, limit, id); err != nil {
			return fmt.Errorf("failed to resolve quota increase request: %w", err)
		}

		if approve {
			if _, err := tx.ExecContext(ctx, `
				UPDATE organisation_quotas
				SET limit_value = $1
				WHERE organisation_id = $2 AND quota_type = $3
			`, resolvedLimit, organisationID, quotaType); err != nil {
				return fmt.Errorf("failed to apply approved quota limit: %w", err)
			}
		}
		return nil
	})
}
