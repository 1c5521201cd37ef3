package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentCreated   PaymentStatus = "created"
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentExpired   PaymentStatus = "expired"
	PaymentFailed    PaymentStatus = "failed"
)

// NonTerminalPaymentStatuses are the only statuses a payment may leave.
var NonTerminalPaymentStatuses = []PaymentStatus{PaymentCreated, PaymentPending}

func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentConfirmed, PaymentExpired, PaymentFailed:
		return true
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentCreated, PaymentPending, PaymentConfirmed, PaymentExpired, PaymentFailed:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPaid           OrderStatus = "paid"
	OrderExpired        OrderStatus = "expired"
)

// Settlement is only present on confirmed payments, so a confirmed payment
// without a confirmation time cannot be built.
type Settlement struct {
	ConfirmedAt  time.Time       `json:"confirmed_at"`
	Currency     string          `json:"currency"`
	Gross        decimal.Decimal `json:"gross"`
	Fee          decimal.Decimal `json:"fee"`
	Net          decimal.Decimal `json:"net"`
	FXSnapshotID string          `json:"fx_snapshot_id"`
}

type Payment struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id,omitempty"`
	ProductID        string          `json:"product_id,omitempty"`
	MerchantID       string          `json:"merchant_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Description      string          `json:"description,omitempty"`
	Status           PaymentStatus   `json:"status"`
	IdempotencyKey   string          `json:"idempotency_key"`
	PreferenceID     string          `json:"preference_id,omitempty"`
	RedirectURL      string          `json:"redirect_url,omitempty"`
	ProviderChargeID string          `json:"provider_charge_id,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	Settlement       *Settlement     `json:"settlement,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ExpiredAt reports whether the payment's expiry has passed at now.
func (p *Payment) ExpiredAt(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

type Order struct {
	ID            string      `json:"id"`
	MerchantID    string      `json:"merchant_id"`
	CustomerEmail string      `json:"customer_email"`
	CustomerName  string      `json:"customer_name,omitempty"`
	ShippingInfo  string      `json:"shipping_info,omitempty"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// PaymentUpdate is the write half of a payment compare-and-set.
type PaymentUpdate struct {
	Status           PaymentStatus
	ProviderChargeID string
	FailureReason    string
	Settlement       *Settlement
}

type FXSnapshot struct {
	ID           string          `json:"id"`
	PaymentID    string          `json:"payment_id"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Rate         decimal.Decimal `json:"rate"`
	Source       string          `json:"source"`
	CapturedAt   time.Time       `json:"captured_at"`
}

type LedgerEntryKind string

const (
	LedgerCredit LedgerEntryKind = "credit"
	LedgerDebit  LedgerEntryKind = "debit"
)

type LedgerEntry struct {
	ID           string          `json:"id"`
	MerchantID   string          `json:"merchant_id"`
	PaymentID    string          `json:"payment_id"`
	Kind         LedgerEntryKind `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StateChangeEvent is published to the state change stream after a
// transition commits.
type StateChangeEvent struct {
	PaymentID     string        `json:"payment_id"`
	OrderID       string        `json:"order_id,omitempty"`
	MerchantID    string        `json:"merchant_id"`
	State         PaymentStatus `json:"state"`
	PreviousState PaymentStatus `json:"previous_state"`
	Reason        string        `json:"reason,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
