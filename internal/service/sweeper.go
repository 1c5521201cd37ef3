package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/metrics"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

const expirationLockKey = "sweeper_lock:expiration"

type SweeperOptions struct {
	BatchSize int
	// LockTTL bounds how long a crashed instance can hold the sweep lease.
	LockTTL time.Duration
	Now     func() time.Time
}

type SweepResult struct {
	Payments int
	Orders   int
	// Skipped is set when another instance held the sweep lease.
	Skipped bool
}

// ExpirationSweeper expires open payments past their expiry and then any
// pending_payment order left without an open or confirmed payment.
type ExpirationSweeper struct {
	store    interfaces.Store
	locker   interfaces.Locker
	notifier interfaces.Notifier
	events   interfaces.EventPublisher
	opts     SweeperOptions
}

func NewExpirationSweeper(
	store interfaces.Store,
	locker interfaces.Locker,
	notifier interfaces.Notifier,
	events interfaces.EventPublisher,
	opts SweeperOptions,
) *ExpirationSweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &ExpirationSweeper{
		store:    store,
		locker:   locker,
		notifier: notifier,
		events:   events,
		opts:     opts,
	}
}

// Run is the scheduler entry point.
func (s *ExpirationSweeper) Run(ctx context.Context) {
	result, err := s.Sweep(ctx)
	if err != nil {
		telemetry.Logger.Error("Expiration sweep failed", zap.Error(err))
		return
	}
	if result.Payments > 0 || result.Orders > 0 {
		telemetry.Logger.Info("Expiration sweep finished",
			zap.Int("payments_expired", result.Payments),
			zap.Int("orders_expired", result.Orders),
		)
	}
}

func (s *ExpirationSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "sweeper.expire")
	defer span.End()

	var result SweepResult
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, expirationLockKey, s.opts.LockTTL)
		if err != nil {
			return result, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.Background(), expirationLockKey); err != nil {
				telemetry.Logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	for {
		now := s.opts.Now()
		var (
			payments []models.Payment
			orders   []string
		)
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
			var err error
			payments, err = tx.ExpireDuePayments(ctx, now, s.opts.BatchSize)
			if err != nil {
				return fmt.Errorf("expire payments: %w", err)
			}
			seen := make(map[string]bool)
			for _, p := range payments {
				if p.OrderID == "" || seen[p.OrderID] {
					continue
				}
				seen[p.OrderID] = true
				expired, err := tx.ExpireOrderIfSettled(ctx, p.OrderID)
				if err != nil {
					return fmt.Errorf("expire order %s: %w", p.OrderID, err)
				}
				if expired {
					orders = append(orders, p.OrderID)
				}
			}
			return nil
		})
		if err != nil {
			span.RecordError(err)
			return result, err
		}

		result.Payments += len(payments)
		result.Orders += len(orders)
		metrics.PaymentsExpired.Add(float64(len(payments)))
		metrics.OrdersExpired.Add(float64(len(orders)))

		for i := range payments {
			s.announce(ctx, &payments[i], now)
		}
		for _, orderID := range orders {
			telemetry.Logger.Info("Order expired", zap.String("order_id", orderID))
		}

		if len(payments) < s.opts.BatchSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("payments_expired", result.Payments),
		attribute.Int("orders_expired", result.Orders),
	)
	return result, nil
}

// announce runs after the expiring transaction committed.
func (s *ExpirationSweeper) announce(ctx context.Context, p *models.Payment, now time.Time) {
	telemetry.Logger.Info("Payment expired",
		zap.String("payment_id", p.ID),
		zap.String("merchant_id", p.MerchantID),
		zap.Time("expires_at", p.ExpiresAt),
	)
	if s.events != nil {
		evt := models.StateChangeEvent{
			PaymentID:  p.ID,
			OrderID:    p.OrderID,
			MerchantID: p.MerchantID,
			State:      models.PaymentExpired,
			Reason:     "expired",
			Timestamp:  now,
		}
		if err := s.events.PublishStateChange(ctx, evt); err != nil {
			telemetry.Logger.Error("Failed to publish state change",
				zap.String("payment_id", p.ID),
				zap.Error(err),
			)
		}
	}
	if s.notifier != nil {
		s.notifier.Enqueue(p.MerchantID, models.EventPaymentExpired, models.NewPaymentEvent(p))
	}
}
