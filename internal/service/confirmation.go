package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/gateway"
	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/metrics"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

const amountMismatchReason = "The charged amount does not match the payment amount."

// Effect is what a confirmation call did to the stored payment.
type Effect string

const (
	EffectConfirmed Effect = "confirmed"
	EffectPending   Effect = "pending"
	EffectFailed    Effect = "failed"
	EffectNoOp      Effect = "noop"
	EffectConflict  Effect = "conflict"
)

type ConfirmationInput struct {
	PaymentID string
	Charge    models.ChargeResult
	// Rate overrides the rate provider lookup when set.
	Rate *interfaces.Rate
}

type ConfirmationResult struct {
	Payment     *models.Payment
	Effect      Effect
	Reason      string
	LedgerEntry *models.LedgerEntry
	FXSnapshot  *models.FXSnapshot
}

type EngineOptions struct {
	SettlementCurrency string
	FeeRate            decimal.Decimal
	Now                func() time.Time
}

// ConfirmationEngine applies a verified gateway charge to a payment. Every
// write happens in one store transaction behind the payment row lock, and
// notifications go out only after that transaction commits.
type ConfirmationEngine struct {
	store    interfaces.Store
	rates    interfaces.RateProvider
	notifier interfaces.Notifier
	events   interfaces.EventPublisher
	guard    IdempotencyGuard
	opts     EngineOptions
}

func NewConfirmationEngine(
	store interfaces.Store,
	rates interfaces.RateProvider,
	notifier interfaces.Notifier,
	events interfaces.EventPublisher,
	opts EngineOptions,
) *ConfirmationEngine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &ConfirmationEngine{
		store:    store,
		rates:    rates,
		notifier: notifier,
		events:   events,
		opts:     opts,
	}
}

func (e *ConfirmationEngine) Apply(ctx context.Context, in ConfirmationInput) (*ConfirmationResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "confirmation.apply",
		attribute.String("payment_id", in.PaymentID),
		attribute.String("charge_status", string(in.Charge.Status)),
	)
	defer span.End()

	p, err := e.store.GetPayment(ctx, in.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", in.PaymentID, err)
	}

	var result *ConfirmationResult
	switch {
	case p.Status.Terminal():
		result, err = e.replay(p, in.Charge)
	case !amountMatches(p, in.Charge):
		telemetry.Logger.Warn("Charge amount mismatch",
			zap.String("payment_id", p.ID),
			zap.String("expected", p.Amount.String()+" "+p.Currency),
			zap.String("charged", in.Charge.Amount.String()+" "+in.Charge.Currency),
			zap.String("provider_charge_id", in.Charge.ProviderChargeID),
		)
		result, err = e.fail(ctx, p.ID, in.Charge, amountMismatchReason)
		if err == nil && result.Effect == EffectFailed {
			err = ErrAmountMismatch
		}
	case in.Charge.Status.Outcome() == models.OutcomeApproved:
		result, err = e.confirm(ctx, p, in)
	case in.Charge.Status.Outcome() == models.OutcomePending:
		result, err = e.markPending(ctx, p.ID, in.Charge)
	default:
		result, err = e.fail(ctx, p.ID, in.Charge, gateway.DescribeStatusDetail(in.Charge.StatusDetail))
	}

	if result != nil {
		metrics.Confirmations.WithLabelValues(string(result.Effect)).Inc()
		span.SetAttributes(attribute.String("effect", string(result.Effect)))
	}
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// replay answers a charge for a payment whose status is terminal. Terminal
// statuses never change again, so the guard runs on this read and neither
// the amount check nor a rate lookup happens.
func (e *ConfirmationEngine) replay(p *models.Payment, charge models.ChargeResult) (*ConfirmationResult, error) {
	target := models.PaymentFailed
	switch charge.Status.Outcome() {
	case models.OutcomeApproved:
		target = models.PaymentConfirmed
	case models.OutcomePending:
		target = models.PaymentPending
	}
	if _, err := e.guard.Check(p, target); err != nil {
		return &ConfirmationResult{Payment: p, Effect: EffectConflict}, err
	}
	return &ConfirmationResult{Payment: p, Effect: EffectNoOp, Reason: p.FailureReason}, nil
}

func (e *ConfirmationEngine) confirm(ctx context.Context, p *models.Payment, in ConfirmationInput) (*ConfirmationResult, error) {
	rate, err := e.rate(ctx, p, in.Rate)
	if err != nil {
		telemetry.Logger.Error("Settlement rate unavailable, payment left unconfirmed",
			zap.String("payment_id", p.ID),
			zap.String("currency", p.Currency),
			zap.Error(err),
		)
		return nil, fmt.Errorf("confirm payment %s: %w", p.ID, err)
	}

	var (
		result   *ConfirmationResult
		previous models.PaymentStatus
	)
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		locked, err := tx.LockPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		decision, err := e.guard.Check(locked, models.PaymentConfirmed)
		if err != nil {
			result = &ConfirmationResult{Payment: locked, Effect: EffectConflict}
			return err
		}
		if decision == DecisionNoOp {
			result = &ConfirmationResult{Payment: locked, Effect: EffectNoOp}
			return nil
		}

		now := e.opts.Now()
		snapshot, settlement := e.settle(locked, rate, now)
		if err := tx.InsertFXSnapshot(ctx, snapshot); err != nil {
			return fmt.Errorf("insert fx snapshot: %w", err)
		}

		ok, err := tx.TransitionPayment(ctx, locked.ID, []models.PaymentStatus{locked.Status}, models.PaymentUpdate{
			Status:           models.PaymentConfirmed,
			ProviderChargeID: in.Charge.ProviderChargeID,
			Settlement:       &settlement,
		})
		if err != nil {
			return fmt.Errorf("confirm payment: %w", err)
		}
		if !ok {
			return fmt.Errorf("payment %s changed under lock", locked.ID)
		}

		entry, err := tx.AppendLedgerEntry(ctx, models.LedgerEntry{
			ID:         uuid.NewString(),
			MerchantID: locked.MerchantID,
			PaymentID:  locked.ID,
			Kind:       models.LedgerCredit,
			Amount:     settlement.Net,
			Currency:   settlement.Currency,
			CreatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}

		if locked.OrderID != "" {
			paid, err := tx.TransitionOrder(ctx, locked.OrderID, models.OrderPendingPayment, models.OrderPaid)
			if err != nil {
				return fmt.Errorf("mark order paid: %w", err)
			}
			if !paid {
				telemetry.Logger.Warn("Order was not pending payment at confirmation",
					zap.String("order_id", locked.OrderID),
					zap.String("payment_id", locked.ID),
				)
			}
		}

		previous = locked.Status
		locked.Status = models.PaymentConfirmed
		locked.ProviderChargeID = in.Charge.ProviderChargeID
		locked.Settlement = &settlement
		locked.UpdatedAt = now
		result = &ConfirmationResult{
			Payment:     locked,
			Effect:      EffectConfirmed,
			LedgerEntry: &entry,
			FXSnapshot:  &snapshot,
		}
		return nil
	})
	if err != nil {
		var conflict *TransitionConflictError
		if errors.As(err, &conflict) {
			return result, err
		}
		return nil, err
	}

	if result.Effect == EffectConfirmed {
		telemetry.Logger.Info("Payment confirmed",
			zap.String("payment_id", p.ID),
			zap.String("merchant_id", p.MerchantID),
			zap.String("net", result.LedgerEntry.Amount.String()),
			zap.String("currency", result.LedgerEntry.Currency),
			zap.String("balance_after", result.LedgerEntry.BalanceAfter.String()),
		)
		e.afterCommit(ctx, result.Payment, previous, models.EventPaymentConfirmed, "")
	}
	return result, nil
}

func (e *ConfirmationEngine) markPending(ctx context.Context, paymentID string, charge models.ChargeResult) (*ConfirmationResult, error) {
	var result *ConfirmationResult
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		locked, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if locked.Status != models.PaymentCreated {
			effect := EffectPending
			if locked.Status.Terminal() {
				effect = EffectNoOp
			}
			result = &ConfirmationResult{Payment: locked, Effect: effect}
			return nil
		}
		ok, err := tx.TransitionPayment(ctx, paymentID, []models.PaymentStatus{models.PaymentCreated}, models.PaymentUpdate{
			Status:           models.PaymentPending,
			ProviderChargeID: charge.ProviderChargeID,
		})
		if err != nil {
			return fmt.Errorf("mark payment pending: %w", err)
		}
		if ok {
			locked.Status = models.PaymentPending
			locked.ProviderChargeID = charge.ProviderChargeID
		}
		result = &ConfirmationResult{Payment: locked, Effect: EffectPending}
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.Logger.Info("Charge still in process",
		zap.String("payment_id", paymentID),
		zap.String("charge_status", string(charge.Status)),
		zap.String("status_detail", charge.StatusDetail),
	)
	return result, nil
}

func (e *ConfirmationEngine) fail(ctx context.Context, paymentID string, charge models.ChargeResult, reason string) (*ConfirmationResult, error) {
	var (
		result   *ConfirmationResult
		previous models.PaymentStatus
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		locked, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		decision, err := e.guard.Check(locked, models.PaymentFailed)
		if err != nil {
			result = &ConfirmationResult{Payment: locked, Effect: EffectConflict, Reason: reason}
			return err
		}
		if decision == DecisionNoOp {
			result = &ConfirmationResult{Payment: locked, Effect: EffectNoOp, Reason: locked.FailureReason}
			return nil
		}

		ok, err := tx.TransitionPayment(ctx, paymentID, []models.PaymentStatus{locked.Status}, models.PaymentUpdate{
			Status:           models.PaymentFailed,
			ProviderChargeID: charge.ProviderChargeID,
			FailureReason:    reason,
		})
		if err != nil {
			return fmt.Errorf("fail payment: %w", err)
		}
		if !ok {
			return fmt.Errorf("payment %s changed under lock", paymentID)
		}

		previous = locked.Status
		locked.Status = models.PaymentFailed
		locked.FailureReason = reason
		if charge.ProviderChargeID != "" {
			locked.ProviderChargeID = charge.ProviderChargeID
		}
		result = &ConfirmationResult{Payment: locked, Effect: EffectFailed, Reason: reason}
		return nil
	})
	if err != nil {
		var conflict *TransitionConflictError
		if errors.As(err, &conflict) {
			return result, err
		}
		return nil, err
	}

	if result.Effect == EffectFailed {
		telemetry.Logger.Info("Payment failed",
			zap.String("payment_id", paymentID),
			zap.String("charge_status", string(charge.Status)),
			zap.String("status_detail", charge.StatusDetail),
			zap.String("reason", reason),
		)
		e.afterCommit(ctx, result.Payment, previous, models.EventPaymentFailed, reason)
	}
	return result, nil
}

func (e *ConfirmationEngine) afterCommit(ctx context.Context, p *models.Payment, previous models.PaymentStatus, eventType models.EventType, reason string) {
	if e.events != nil {
		evt := models.StateChangeEvent{
			PaymentID:     p.ID,
			OrderID:       p.OrderID,
			MerchantID:    p.MerchantID,
			State:         p.Status,
			PreviousState: previous,
			Reason:        reason,
			Timestamp:     e.opts.Now(),
		}
		if err := e.events.PublishStateChange(ctx, evt); err != nil {
			telemetry.Logger.Error("Failed to publish state change",
				zap.String("payment_id", p.ID),
				zap.Error(err),
			)
		}
	}
	if e.notifier != nil {
		e.notifier.Enqueue(p.MerchantID, eventType, models.NewPaymentEvent(p))
	}
}

func (e *ConfirmationEngine) rate(ctx context.Context, p *models.Payment, override *interfaces.Rate) (interfaces.Rate, error) {
	if override != nil {
		return *override, nil
	}
	return e.rates.Rate(ctx, p.Currency, e.opts.SettlementCurrency)
}

// settle converts the payment amount into the settlement currency. Gross and
// fee are rounded half-to-even at the settlement currency's minor unit, so
// net is exact.
func (e *ConfirmationEngine) settle(p *models.Payment, rate interfaces.Rate, now time.Time) (models.FXSnapshot, models.Settlement) {
	places := MinorUnits(e.opts.SettlementCurrency)
	gross := p.Amount.Mul(rate.Value).RoundBank(places)
	fee := gross.Mul(e.opts.FeeRate).RoundBank(places)

	snapshot := models.FXSnapshot{
		ID:           uuid.NewString(),
		PaymentID:    p.ID,
		FromCurrency: p.Currency,
		ToCurrency:   e.opts.SettlementCurrency,
		Rate:         rate.Value,
		Source:       rate.Source,
		CapturedAt:   now,
	}
	settlement := models.Settlement{
		ConfirmedAt:  now,
		Currency:     e.opts.SettlementCurrency,
		Gross:        gross,
		Fee:          fee,
		Net:          gross.Sub(fee),
		FXSnapshotID: snapshot.ID,
	}
	return snapshot, settlement
}
