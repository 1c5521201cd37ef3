package interfaces

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

type GatewayClient interface {
	CreatePreference(ctx context.Context, p *models.Payment) (*models.Preference, error)
	SubmitCharge(ctx context.Context, p *models.Payment, req models.ChargeRequest) (*models.ChargeResult, error)
	FetchCharge(ctx context.Context, providerChargeID string) (*models.ChargeResult, error)
}

type Rate struct {
	Value  decimal.Decimal
	Source string
}

type RateProvider interface {
	Rate(ctx context.Context, from, to string) (Rate, error)
}

// Notifier accepts merchant notifications for committed transitions.
type Notifier interface {
	Enqueue(merchantID string, eventType models.EventType, data models.PaymentEvent)
}

type EventPublisher interface {
	PublishStateChange(ctx context.Context, evt models.StateChangeEvent) error
}

type ReconciliationQueue interface {
	Enqueue(ctx context.Context, item models.ReconciliationItem) error
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}
