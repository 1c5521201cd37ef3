package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) PRIMARY KEY,
		merchant_id VARCHAR(64) NOT NULL,
		customer_email VARCHAR(255) NOT NULL,
		customer_name VARCHAR(255) NOT NULL DEFAULT '',
		shipping_info TEXT NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id VARCHAR(64) PRIMARY KEY,
		order_id VARCHAR(64) REFERENCES orders(id),
		product_id VARCHAR(64) NOT NULL DEFAULT '',
		merchant_id VARCHAR(64) NOT NULL,
		amount NUMERIC(20, 4) NOT NULL,
		currency CHAR(3) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		idempotency_key VARCHAR(255) NOT NULL,
		preference_id VARCHAR(255),
		redirect_url TEXT,
		provider_charge_id VARCHAR(255),
		failure_reason TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		confirmed_at TIMESTAMPTZ,
		settlement_currency CHAR(3),
		gross_settlement NUMERIC(20, 4),
		fee_settlement NUMERIC(20, 4),
		net_settlement NUMERIC(20, 4),
		fx_snapshot_id VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT payments_confirmed_has_time CHECK (status <> 'confirmed' OR confirmed_at IS NOT NULL)
	)`,
	// Idempotency keys are scoped per merchant.
	`ALTER TABLE payments DROP CONSTRAINT IF EXISTS payments_idempotency_key_key`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_payments_merchant_idempotency ON payments(merchant_id, idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_due ON payments(expires_at) WHERE status IN ('created', 'pending')`,
	`CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id)`,
	`CREATE TABLE IF NOT EXISTS fx_snapshots (
		id VARCHAR(64) PRIMARY KEY,
		payment_id VARCHAR(64) NOT NULL UNIQUE REFERENCES payments(id),
		from_currency CHAR(3) NOT NULL,
		to_currency CHAR(3) NOT NULL,
		rate NUMERIC(24, 10) NOT NULL,
		source VARCHAR(32) NOT NULL,
		captured_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS merchant_balances (
		merchant_id VARCHAR(64) NOT NULL,
		currency CHAR(3) NOT NULL,
		balance NUMERIC(20, 4) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (merchant_id, currency)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id VARCHAR(64) PRIMARY KEY,
		merchant_id VARCHAR(64) NOT NULL,
		payment_id VARCHAR(64) NOT NULL REFERENCES payments(id),
		kind VARCHAR(16) NOT NULL,
		amount NUMERIC(20, 4) NOT NULL,
		currency CHAR(3) NOT NULL,
		balance_after NUMERIC(20, 4) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (payment_id, kind)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_merchant ON ledger_entries(merchant_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id VARCHAR(64) PRIMARY KEY,
		merchant_id VARCHAR(64) NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		events TEXT[] NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhooks_merchant ON webhooks(merchant_id) WHERE active`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id VARCHAR(64) PRIMARY KEY,
		webhook_id VARCHAR(64) NOT NULL REFERENCES webhooks(id),
		event_id VARCHAR(64) NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		payload BYTEA NOT NULL,
		response_status INTEGER NOT NULL DEFAULT 0,
		response_body TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (webhook_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_retry ON webhook_deliveries(next_retry_at) WHERE delivered_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS gateway_events (
		id VARCHAR(64) PRIMARY KEY,
		source VARCHAR(32) NOT NULL,
		topic VARCHAR(64) NOT NULL DEFAULT '',
		provider_id VARCHAR(255) NOT NULL DEFAULT '',
		payment_id VARCHAR(64) NOT NULL DEFAULT '',
		payload BYTEA NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// InitDB creates the tables the service reads and writes.
func InitDB(ctx context.Context, db *sql.DB) error {
	for _, query := range schema {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
