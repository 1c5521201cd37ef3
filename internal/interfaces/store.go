package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store defines the contract for payment, order and audit data access.
// Status mutations only happen inside WithinTx.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)

	// CreatePayment inserts p (and o when non-nil) unless the merchant already
	// has a payment with the same idempotency key, in which case that payment
	// is returned and created is false.
	CreatePayment(ctx context.Context, p *models.Payment, o *models.Order) (stored *models.Payment, created bool, err error)

	// SetPreference stores the preference only if none is stored yet and
	// returns the payment as persisted afterwards.
	SetPreference(ctx context.Context, paymentID, preferenceID, redirectURL string) (*models.Payment, error)

	ListLedgerEntries(ctx context.Context, merchantID string) ([]models.LedgerEntry, error)
	GetFXSnapshot(ctx context.Context, id string) (*models.FXSnapshot, error)

	RecordGatewayEvent(ctx context.Context, evt *models.GatewayEvent) error
}

// Tx is a unit of work. Every status write is a compare-and-set: it
// applies only when the stored status is one of from.
type Tx interface {
	LockPayment(ctx context.Context, id string) (*models.Payment, error)
	TransitionPayment(ctx context.Context, id string, from []models.PaymentStatus, upd models.PaymentUpdate) (bool, error)
	TransitionOrder(ctx context.Context, id string, from, to models.OrderStatus) (bool, error)

	InsertFXSnapshot(ctx context.Context, snap models.FXSnapshot) error
	// AppendLedgerEntry computes BalanceAfter under the merchant balance lock.
	AppendLedgerEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error)

	ExpireDuePayments(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)
	// ExpireOrderIfSettled moves a pending_payment order to expired once at
	// least one of its payments expired and none is still open or confirmed.
	// Failed attempts do not keep an order alive.
	ExpireOrderIfSettled(ctx context.Context, orderID string) (bool, error)
}

type WebhookStore interface {
	ListActiveWebhooks(ctx context.Context, merchantID string) ([]models.Webhook, error)
	GetWebhook(ctx context.Context, id string) (*models.Webhook, error)
	InsertDelivery(ctx context.Context, d *models.WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error
	// ClaimDueDeliveries leases undelivered rows whose next_retry_at is at
	// or before now by moving next_retry_at to leaseUntil.
	ClaimDueDeliveries(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]models.WebhookDelivery, error)
}
