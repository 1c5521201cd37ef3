package service

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/merchant-payments/internal/fx"
	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

func TestApply_ConfirmsAndNotifiesEverySubscription(t *testing.T) {
	h := newHarness(t)
	first := newMerchantEndpoint(t, http.StatusOK)
	second := newMerchantEndpoint(t, http.StatusOK)
	h.subscribe(t, "m_1", first.URL, models.EventPaymentConfirmed)
	h.subscribe(t, "m_1", second.URL, models.EventPaymentConfirmed, models.EventPaymentFailed)
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)

	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "1000.00")})
	require.NoError(t, err)
	require.Equal(t, EffectConfirmed, res.Effect)
	h.dispatcher.Wait()

	p := h.payment(t, "pay_1")
	require.Equal(t, models.PaymentConfirmed, p.Status)
	require.Equal(t, "123", p.ProviderChargeID)
	require.NotNil(t, p.Settlement)
	require.Equal(t, testNow, p.Settlement.ConfirmedAt)

	entries := h.ledger(t)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Amount.IsPositive())
	require.Equal(t, models.LedgerCredit, entries[0].Kind)
	require.True(t, entries[0].BalanceAfter.Equal(entries[0].Amount))

	deliveries := h.webhooks.Deliveries()
	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		require.Equal(t, models.EventPaymentConfirmed, d.EventType)
		require.True(t, d.Delivered())
	}

	var evt models.WebhookEvent
	require.NoError(t, json.Unmarshal(first.bodies[0], &evt))
	require.Equal(t, "pay_1", evt.Data.PaymentID)
	require.Equal(t, "123", evt.Data.ProviderChargeID)
	require.NotNil(t, evt.Data.ConfirmedAt)

	require.Equal(t, []models.PaymentStatus{models.PaymentConfirmed}, h.events.States())
}

func TestApply_DuplicateCallbackCreditsOnce(t *testing.T) {
	h := newHarness(t)
	endpoint := newMerchantEndpoint(t, http.StatusOK)
	h.subscribe(t, "m_1", endpoint.URL, models.EventPaymentConfirmed)
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)

	for i := 0; i < 2; i++ {
		_, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "1000.00")})
		require.NoError(t, err)
	}
	h.dispatcher.Wait()

	require.Equal(t, models.PaymentConfirmed, h.payment(t, "pay_1").Status)
	require.Len(t, h.ledger(t), 1)
	require.Equal(t, 1, endpoint.Requests())
}

func TestApply_AmountMismatchFailsClosed(t *testing.T) {
	h := newHarness(t)
	endpoint := newMerchantEndpoint(t, http.StatusOK)
	h.subscribe(t, "m_1", endpoint.URL, models.EventPaymentConfirmed)
	h.seedPayment(t, "pay_2", "1000", models.PaymentPending)

	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_2", Charge: approved("456", "500")})
	require.ErrorIs(t, err, ErrAmountMismatch)
	require.Equal(t, EffectFailed, res.Effect)
	h.dispatcher.Wait()

	p := h.payment(t, "pay_2")
	require.Equal(t, models.PaymentFailed, p.Status)
	require.Nil(t, p.Settlement)
	require.Empty(t, h.ledger(t))
	require.Zero(t, endpoint.Requests())
}

func TestApply_AmountWithinEpsilonConfirms(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)

	_, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "999.99")})
	require.NoError(t, err)
	require.Equal(t, models.PaymentConfirmed, h.payment(t, "pay_1").Status)
}

func TestApply_CurrencyMismatchFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)

	charge := approved("123", "1000")
	charge.Currency = "BRL"
	_, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: charge})
	require.ErrorIs(t, err, ErrAmountMismatch)
	require.Equal(t, models.PaymentFailed, h.payment(t, "pay_1").Status)
}

func TestApply_NoRetroactiveConfirmationOfExpiredPayment(t *testing.T) {
	h := newHarness(t)
	endpoint := newMerchantEndpoint(t, http.StatusOK)
	h.subscribe(t, "m_1", endpoint.URL, models.EventPaymentConfirmed)
	h.seedPayment(t, "pay_1", "1000", models.PaymentExpired)

	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "1000")})
	require.ErrorIs(t, err, ErrConflictingTransition)

	var conflict *TransitionConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, models.PaymentExpired, conflict.From)
	require.Equal(t, models.PaymentConfirmed, conflict.To)
	require.Equal(t, EffectConflict, res.Effect)

	h.dispatcher.Wait()
	require.Equal(t, models.PaymentExpired, h.payment(t, "pay_1").Status)
	require.Empty(t, h.ledger(t))
	require.Zero(t, endpoint.Requests())
	require.Zero(t, h.rates.calls)
}

func TestApply_TerminalPaymentIgnoresAmountOfReplayedCharge(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)
	_, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "1000")})
	require.NoError(t, err)

	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "500")})
	require.NoError(t, err)
	require.Equal(t, EffectNoOp, res.Effect)
	require.Equal(t, models.PaymentConfirmed, h.payment(t, "pay_1").Status)
	require.Len(t, h.ledger(t), 1)
}

func TestApply_MismatchOnExpiredPaymentIsConflict(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pay_1", "1000", models.PaymentExpired)

	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "500")})
	require.ErrorIs(t, err, ErrConflictingTransition)
	require.NotErrorIs(t, err, ErrAmountMismatch)
	require.Equal(t, EffectConflict, res.Effect)
	require.Equal(t, models.PaymentExpired, h.payment(t, "pay_1").Status)
	require.Zero(t, h.rates.calls)
}

func TestApply_PendingChargeLeavesPaymentOpen(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pay_1", "1000", models.PaymentCreated)

	charge := approved("123", "1000")
	charge.Status = models.ChargeInProcess
	charge.StatusDetail = "pending_contingency"
	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: charge})
	require.NoError(t, err)
	require.Equal(t, EffectPending, res.Effect)

	p := h.payment(t, "pay_1")
	require.Equal(t, models.PaymentPending, p.Status)
	require.Equal(t, "123", p.ProviderChargeID)
	require.Empty(t, h.ledger(t))
	require.Empty(t, h.events.States())
}

func TestApply_RejectedChargeRecordsReadableReason(t *testing.T) {
	h := newHarness(t)
	failedHook := newMerchantEndpoint(t, http.StatusOK)
	h.subscribe(t, "m_1", failedHook.URL, models.EventPaymentFailed)
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)

	charge := approved("123", "1000")
	charge.Status = models.ChargeRejected
	charge.StatusDetail = "cc_rejected_insufficient_amount"

	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: charge})
	require.NoError(t, err)
	require.Equal(t, EffectFailed, res.Effect)
	require.Equal(t, "The card has insufficient funds.", res.Reason)
	h.dispatcher.Wait()

	p := h.payment(t, "pay_1")
	require.Equal(t, models.PaymentFailed, p.Status)
	require.Equal(t, "The card has insufficient funds.", p.FailureReason)
	require.Empty(t, h.ledger(t))
	require.Equal(t, 1, failedHook.Requests())
	require.Equal(t, models.EventPaymentFailed, h.webhooks.Deliveries()[0].EventType)
}

func TestApply_UnknownStatusDetailPassesThrough(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)

	charge := approved("123", "1000")
	charge.Status = models.ChargeRejected
	charge.StatusDetail = "cc_rejected_brand_new_code"
	_, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: charge})
	require.NoError(t, err)
	require.Equal(t, "cc_rejected_brand_new_code", h.payment(t, "pay_1").FailureReason)
}

func TestApply_FailureAfterConfirmationIsConflict(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)
	_, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "1000")})
	require.NoError(t, err)

	charge := approved("123", "1000")
	charge.Status = models.ChargeChargedBack
	_, err = h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: charge})
	require.ErrorIs(t, err, ErrConflictingTransition)
	require.Equal(t, models.PaymentConfirmed, h.payment(t, "pay_1").Status)
	require.Len(t, h.ledger(t), 1)
}

func TestApply_MarksOrderPaid(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_1", "pay_1", "1000")

	_, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "1000")})
	require.NoError(t, err)

	order, err := h.store.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	require.Equal(t, models.OrderPaid, order.Status)
}

func TestApply_SettlementUsesBankersRounding(t *testing.T) {
	h := newHarness(t)
	h.engine = NewConfirmationEngine(h.store, h.rates, h.dispatcher, h.events, EngineOptions{
		SettlementCurrency: "USD",
		FeeRate:            decimal.RequireFromString("0.05"),
		Now:                fixedNow,
	})
	h.seedPayment(t, "pay_1", "1025", models.PaymentPending)

	rate := &interfaces.Rate{Value: decimal.RequireFromString("0.001"), Source: "test"}
	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "1025"), Rate: rate})
	require.NoError(t, err)

	s := res.Payment.Settlement
	require.Equal(t, "USD", s.Currency)
	require.Equal(t, "1.02", s.Gross.StringFixed(2)) // 1.025 rounds to even
	require.Equal(t, "0.05", s.Fee.StringFixed(2))   // 0.051
	require.Equal(t, "0.97", s.Net.StringFixed(2))
	require.True(t, res.LedgerEntry.Amount.Equal(s.Net))
	require.Equal(t, "USD", res.LedgerEntry.Currency)

	snap, err := h.store.GetFXSnapshot(context.Background(), s.FXSnapshotID)
	require.NoError(t, err)
	require.Equal(t, "ARS", snap.FromCurrency)
	require.Equal(t, "USD", snap.ToCurrency)
	require.Equal(t, "0.001", snap.Rate.String())
	require.Zero(t, h.rates.calls)
}

func TestApply_RateUnavailableLeavesPaymentPending(t *testing.T) {
	h := newHarness(t)
	h.rates.err = fx.ErrRateUnavailable
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)

	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("123", "1000")})
	require.ErrorIs(t, err, fx.ErrRateUnavailable)
	require.Nil(t, res)
	require.Equal(t, models.PaymentPending, h.payment(t, "pay_1").Status)
	require.Empty(t, h.ledger(t))
}

func TestApply_BalanceAccumulatesAcrossPayments(t *testing.T) {
	h := newHarness(t)
	h.seedPayment(t, "pay_1", "1000", models.PaymentPending)
	h.seedPayment(t, "pay_3", "500", models.PaymentPending)

	_, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("1", "1000")})
	require.NoError(t, err)
	res, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_3", Charge: approved("3", "500")})
	require.NoError(t, err)

	// 950 + 475 net of the 5% fee.
	require.Equal(t, "1425", res.LedgerEntry.BalanceAfter.String())
	require.Equal(t, "1425", h.store.Balance("m_1", "ARS").String())
}
