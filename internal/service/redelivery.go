package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

const redeliveryLockKey = "sweeper_lock:redelivery"

type RedeliveryOptions struct {
	BatchSize int
	// Lease is how long a claimed delivery stays invisible to other
	// sweepers. It must outlast one send.
	Lease   time.Duration
	LockTTL time.Duration
	Now     func() time.Time
}

// RedeliverySweeper re-sends undelivered webhook deliveries whose
// next_retry_at has passed.
type RedeliverySweeper struct {
	store      interfaces.WebhookStore
	dispatcher *WebhookDispatcher
	locker     interfaces.Locker
	opts       RedeliveryOptions
}

func NewRedeliverySweeper(store interfaces.WebhookStore, dispatcher *WebhookDispatcher, locker interfaces.Locker, opts RedeliveryOptions) *RedeliverySweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Lease <= 0 {
		opts.Lease = 2*dispatcher.opts.Timeout + time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &RedeliverySweeper{store: store, dispatcher: dispatcher, locker: locker, opts: opts}
}

func (s *RedeliverySweeper) Run(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		telemetry.Logger.Error("Redelivery sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		telemetry.Logger.Info("Redelivery sweep finished", zap.Int("attempted", n))
	}
}

// Sweep claims one batch of due deliveries and re-attempts each. It returns
// the number attempted.
func (s *RedeliverySweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "sweeper.redeliver")
	defer span.End()

	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, redeliveryLockKey, s.opts.LockTTL)
		if err != nil {
			return 0, fmt.Errorf("acquire redelivery lock: %w", err)
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.Background(), redeliveryLockKey); err != nil {
				telemetry.Logger.Warn("Failed to release redelivery lock", zap.Error(err))
			}
		}()
	}

	now := s.opts.Now()
	due, err := s.store.ClaimDueDeliveries(ctx, now, now.Add(s.opts.Lease), s.dispatcher.opts.MaxAttempts, s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim deliveries: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.dispatcher.opts.Concurrency)
	for i := range due {
		delivery := &due[i]
		g.Go(func() error {
			if err := s.dispatcher.Redeliver(ctx, delivery); err != nil {
				telemetry.Logger.Error("Redelivery failed",
					zap.String("delivery_id", delivery.ID),
					zap.String("webhook_id", delivery.WebhookID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}
