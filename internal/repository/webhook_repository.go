package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

const deliveryColumns = `id, webhook_id, event_id, event_type, payload, response_status, response_body,
	attempt_count, next_retry_at, delivered_at, created_at, updated_at`

// claimDueDeliveriesQuery leases due deliveries. A zero attempt cap ($3) means
// no cap.
const claimDueDeliveriesQuery = `
	UPDATE webhook_deliveries
	SET next_retry_at = $2
	WHERE id IN (
		SELECT id FROM webhook_deliveries
		WHERE delivered_at IS NULL
			AND next_retry_at IS NOT NULL
			AND next_retry_at <= $1
			AND ($3 = 0 OR attempt_count < $3)
		ORDER BY next_retry_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + deliveryColumns

type WebhookRepository struct {
	db *sql.DB
}

var _ interfaces.WebhookStore = (*WebhookRepository)(nil)

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) ListActiveWebhooks(ctx context.Context, merchantID string) ([]models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, merchant_id, url, secret, events, active, created_at
		FROM webhooks
		WHERE merchant_id = $1 AND active
		ORDER BY created_at`, merchantID)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, *w)
	}
	return hooks, rows.Err()
}

func (r *WebhookRepository) GetWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	return scanWebhook(r.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, url, secret, events, active, created_at
		FROM webhooks WHERE id = $1`, id))
}

func (r *WebhookRepository) InsertDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.WebhookID, d.EventID, d.EventType, []byte(d.Payload), d.ResponseStatus, d.ResponseBody,
		d.AttemptCount, d.NextRetryAt, d.DeliveredAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (r *WebhookRepository) UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET response_status = $2, response_body = $3, attempt_count = $4,
			next_retry_at = $5, delivered_at = $6, updated_at = $7
		WHERE id = $1`,
		d.ID, d.ResponseStatus, d.ResponseBody, d.AttemptCount, d.NextRetryAt, d.DeliveredAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (r *WebhookRepository) ClaimDueDeliveries(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]models.WebhookDelivery, error) {
	// The returned rows carry the lease, so callers see next_retry_at = leaseUntil.
	rows, err := r.db.QueryContext(ctx, claimDueDeliveriesQuery, now, leaseUntil, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer rows.Close()

	var due []models.WebhookDelivery
	for rows.Next() {
		var (
			d                        models.WebhookDelivery
			payload                  []byte
			nextRetryAt, deliveredAt sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &payload, &d.ResponseStatus, &d.ResponseBody,
			&d.AttemptCount, &nextRetryAt, &deliveredAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Payload = payload
		if nextRetryAt.Valid {
			d.NextRetryAt = &nextRetryAt.Time
		}
		if deliveredAt.Valid {
			d.DeliveredAt = &deliveredAt.Time
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var (
		w      models.Webhook
		events pq.StringArray
	)
	err := row.Scan(&w.ID, &w.MerchantID, &w.URL, &w.Secret, &events, &w.Active, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	for _, e := range events {
		w.Events = append(w.Events, models.EventType(e))
	}
	return &w, nil
}
