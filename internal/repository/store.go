package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

const paymentColumns = `id, order_id, product_id, merchant_id, amount, currency, description, status,
	idempotency_key, preference_id, redirect_url, provider_charge_id, failure_reason, expires_at,
	confirmed_at, settlement_currency, gross_settlement, fee_settlement, net_settlement, fx_snapshot_id,
	created_at, updated_at`

type PaymentStore struct {
	db *sql.DB
}

var _ interfaces.Store = (*PaymentStore)(nil)

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func (r *PaymentStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PaymentStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return scanPayment(r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *PaymentStore) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	return scanPayment(r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, orderID))
}

func (r *PaymentStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	err := r.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, customer_email, customer_name, shipping_info, status, created_at, updated_at
		FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.MerchantID, &o.CustomerEmail, &o.CustomerName, &o.ShippingInfo, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

func (r *PaymentStore) CreatePayment(ctx context.Context, p *models.Payment, o *models.Order) (*models.Payment, bool, error) {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if o != nil {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO orders (id, merchant_id, customer_email, customer_name, shipping_info, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			o.ID, o.MerchantID, o.CustomerEmail, o.CustomerName, o.ShippingInfo, o.Status, o.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("insert order: %w", err)
		}
	}

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, product_id, merchant_id, amount, currency, description, status,
			idempotency_key, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (merchant_id, idempotency_key) DO NOTHING`,
		p.ID, nullString(p.OrderID), p.ProductID, p.MerchantID, p.Amount, p.Currency, p.Description, p.Status,
		p.IdempotencyKey, p.ExpiresAt, p.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if rows == 0 {
		// The order row (if any) belongs to the losing request; drop it with the tx.
		sqlTx.Rollback()
		existing, err := scanPayment(r.db.QueryRowContext(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE merchant_id = $1 AND idempotency_key = $2`,
			p.MerchantID, p.IdempotencyKey))
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}
	stored := *p
	return &stored, true, nil
}

func (r *PaymentStore) SetPreference(ctx context.Context, paymentID, preferenceID, redirectURL string) (*models.Payment, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET preference_id = $2, redirect_url = $3, updated_at = NOW()
		WHERE id = $1 AND preference_id IS NULL`,
		paymentID, preferenceID, redirectURL)
	if err != nil {
		return nil, fmt.Errorf("set preference: %w", err)
	}
	return r.GetPayment(ctx, paymentID)
}

func (r *PaymentStore) ListLedgerEntries(ctx context.Context, merchantID string) ([]models.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, merchant_id, payment_id, kind, amount, currency, balance_after, created_at
		FROM ledger_entries
		WHERE merchant_id = $1
		ORDER BY created_at, id`, merchantID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.MerchantID, &e.PaymentID, &e.Kind, &e.Amount, &e.Currency, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PaymentStore) GetFXSnapshot(ctx context.Context, id string) (*models.FXSnapshot, error) {
	var s models.FXSnapshot
	err := r.db.QueryRowContext(ctx, `
		SELECT id, payment_id, from_currency, to_currency, rate, source, captured_at
		FROM fx_snapshots WHERE id = $1`, id,
	).Scan(&s.ID, &s.PaymentID, &s.FromCurrency, &s.ToCurrency, &s.Rate, &s.Source, &s.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fx snapshot: %w", err)
	}
	return &s, nil
}

func (r *PaymentStore) RecordGatewayEvent(ctx context.Context, evt *models.GatewayEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now().UTC()
	}
	if len(evt.Payload) == 0 {
		evt.Payload = []byte(`{}`)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gateway_events (id, source, topic, provider_id, payment_id, payload, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID, evt.Source, evt.Topic, evt.ProviderID, evt.PaymentID, []byte(evt.Payload), evt.Error, evt.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record gateway event: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) TransitionPayment(ctx context.Context, id string, from []models.PaymentStatus, upd models.PaymentUpdate) (bool, error) {
	var (
		confirmedAt  sql.NullTime
		currency     sql.NullString
		gross        decimal.NullDecimal
		fee          decimal.NullDecimal
		net          decimal.NullDecimal
		fxSnapshotID sql.NullString
	)
	if s := upd.Settlement; s != nil {
		confirmedAt = sql.NullTime{Time: s.ConfirmedAt, Valid: true}
		currency = nullString(s.Currency)
		gross = decimal.NullDecimal{Decimal: s.Gross, Valid: true}
		fee = decimal.NullDecimal{Decimal: s.Fee, Valid: true}
		net = decimal.NullDecimal{Decimal: s.Net, Valid: true}
		fxSnapshotID = nullString(s.FXSnapshotID)
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
			provider_charge_id = COALESCE($2, provider_charge_id),
			failure_reason = COALESCE($3, failure_reason),
			confirmed_at = COALESCE($4, confirmed_at),
			settlement_currency = COALESCE($5, settlement_currency),
			gross_settlement = COALESCE($6, gross_settlement),
			fee_settlement = COALESCE($7, fee_settlement),
			net_settlement = COALESCE($8, net_settlement),
			fx_snapshot_id = COALESCE($9, fx_snapshot_id),
			updated_at = NOW()
		WHERE id = $10 AND status = ANY($11)`,
		upd.Status, nullString(upd.ProviderChargeID), nullString(upd.FailureReason),
		confirmedAt, currency, gross, fee, net, fxSnapshotID,
		id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("transition payment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (t *pgTx) TransitionOrder(ctx context.Context, id string, from, to models.OrderStatus) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transition order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (t *pgTx) InsertFXSnapshot(ctx context.Context, snap models.FXSnapshot) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO fx_snapshots (id, payment_id, from_currency, to_currency, rate, source, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.PaymentID, snap.FromCurrency, snap.ToCurrency, snap.Rate, snap.Source, snap.CapturedAt)
	if err != nil {
		return fmt.Errorf("insert fx snapshot: %w", err)
	}
	return nil
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO merchant_balances (merchant_id, currency, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (merchant_id, currency) DO NOTHING`, entry.MerchantID, entry.Currency); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("ensure balance: %w", err)
	}

	var balance decimal.Decimal
	if err := t.tx.QueryRowContext(ctx, `
		SELECT balance FROM merchant_balances
		WHERE merchant_id = $1 AND currency = $2
		FOR UPDATE`, entry.MerchantID, entry.Currency).Scan(&balance); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("lock balance: %w", err)
	}

	if entry.Kind == models.LedgerDebit {
		balance = balance.Sub(entry.Amount)
	} else {
		balance = balance.Add(entry.Amount)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.BalanceAfter = balance

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, merchant_id, payment_id, kind, amount, currency, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.MerchantID, entry.PaymentID, entry.Kind, entry.Amount, entry.Currency, entry.BalanceAfter, entry.CreatedAt); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, `
		UPDATE merchant_balances SET balance = $3, updated_at = NOW()
		WHERE merchant_id = $1 AND currency = $2`, entry.MerchantID, entry.Currency, balance); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("update balance: %w", err)
	}
	return entry, nil
}

func (t *pgTx) ExpireDuePayments(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		UPDATE payments
		SET status = 'expired', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM payments
			WHERE status IN ('created', 'pending') AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status IN ('created', 'pending')
		RETURNING `+paymentColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("expire payments: %w", err)
	}
	defer rows.Close()

	var expired []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *p)
	}
	return expired, rows.Err()
}

func (t *pgTx) ExpireOrderIfSettled(ctx context.Context, orderID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE orders o
		SET status = 'expired', updated_at = NOW()
		WHERE o.id = $1
			AND o.status = 'pending_payment'
			AND EXISTS (
				SELECT 1 FROM payments p WHERE p.order_id = o.id AND p.status = 'expired'
			)
			AND NOT EXISTS (
				SELECT 1 FROM payments p
				WHERE p.order_id = o.id AND p.status IN ('created', 'pending', 'confirmed')
			)`, orderID)
	if err != nil {
		return false, fmt.Errorf("expire order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p                                                    models.Payment
		orderID, preferenceID, redirectURL, chargeID, reason sql.NullString
		settlementCurrency, fxSnapshotID                     sql.NullString
		confirmedAt                                          sql.NullTime
		gross, fee, net                                      decimal.NullDecimal
	)
	err := row.Scan(&p.ID, &orderID, &p.ProductID, &p.MerchantID, &p.Amount, &p.Currency, &p.Description, &p.Status,
		&p.IdempotencyKey, &preferenceID, &redirectURL, &chargeID, &reason, &p.ExpiresAt,
		&confirmedAt, &settlementCurrency, &gross, &fee, &net, &fxSnapshotID,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.OrderID = orderID.String
	p.PreferenceID = preferenceID.String
	p.RedirectURL = redirectURL.String
	p.ProviderChargeID = chargeID.String
	p.FailureReason = reason.String
	if confirmedAt.Valid {
		p.Settlement = &models.Settlement{
			ConfirmedAt:  confirmedAt.Time,
			Currency:     settlementCurrency.String,
			Gross:        gross.Decimal,
			Fee:          fee.Decimal,
			Net:          net.Decimal,
			FXSnapshotID: fxSnapshotID.String,
		}
	}
	return &p, nil
}

func statusStrings(statuses []models.PaymentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
