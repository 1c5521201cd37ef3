package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/merchant-payments/internal/gateway"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

func (h *harness) charger(gw *fakeGateway) *DirectChargeHandler {
	d := NewDirectChargeHandler(h.store, gw, h.engine)
	d.now = fixedNow
	return d
}

func cardRequest(orderID string) models.DirectChargeRequest {
	return models.DirectChargeRequest{
		OrderID:         orderID,
		Token:           "tok_visa",
		PaymentMethodID: "visa",
		Installments:    1,
		Payer:           models.PayerInfo{Email: "buyer@example.com"},
	}
}

func rejectedCharge(id, detail string) models.ChargeResult {
	c := approved(id, "1000")
	c.Status = models.ChargeRejected
	c.StatusDetail = detail
	return c
}

func TestCharge_ApprovedConfirmsOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_1", "pay_1", "1000")
	charge := approved("ch_1", "1000")
	gw := &fakeGateway{charge: &charge}

	resp, err := h.charger(gw).Charge(context.Background(), cardRequest("ord_1"), "")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "approved", resp.Status)
	require.Equal(t, "Payment approved.", resp.StatusDetail)
	require.Equal(t, "ch_1", resp.ProviderChargeID)
	require.Equal(t, "ord_1", resp.OrderID)

	require.Equal(t, models.PaymentConfirmed, h.payment(t, "pay_1").Status)
	order, err := h.store.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	require.Equal(t, models.OrderPaid, order.Status)
	require.Len(t, h.ledger(t), 1)

	events := h.store.GatewayEvents()
	require.Len(t, events, 1)
	require.Equal(t, models.SourceDirectCharge, events[0].Source)
	require.Equal(t, "pay_1", events[0].PaymentID)
}

func TestCharge_RejectedTranslatesDetail(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_1", "pay_1", "1000")
	charge := rejectedCharge("ch_1", "cc_rejected_insufficient_amount")
	gw := &fakeGateway{charge: &charge}

	resp, err := h.charger(gw).Charge(context.Background(), cardRequest("ord_1"), "")
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "rejected", resp.Status)
	require.Equal(t, "The card has insufficient funds.", resp.StatusDetail)

	p := h.payment(t, "pay_1")
	require.Equal(t, models.PaymentFailed, p.Status)
	require.Equal(t, "The card has insufficient funds.", p.FailureReason)
}

func TestCharge_PaidOrderSkipsGateway(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_1", "pay_1", "1000")
	_, err := h.engine.Apply(context.Background(), ConfirmationInput{PaymentID: "pay_1", Charge: approved("ch_1", "1000")})
	require.NoError(t, err)
	gw := &fakeGateway{chargeErr: errors.New("must not be called")}

	resp, err := h.charger(gw).Charge(context.Background(), cardRequest("ord_1"), "")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "ch_1", resp.ProviderChargeID)
	require.Empty(t, gw.chargeReqs)
	require.Len(t, h.ledger(t), 1)
}

func TestCharge_ExpiredOrderIsReported(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_1", "pay_1", "1000")
	charge := approved("ch_1", "1000")
	gw := &fakeGateway{charge: &charge}
	d := h.charger(gw)
	d.now = func() time.Time { return testNow.Add(time.Hour) }

	resp, err := d.Charge(context.Background(), cardRequest("ord_1"), "")
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, ExpiredStatus, resp.Status)
	require.Equal(t, "The payment expired.", resp.StatusDetail)
	require.Empty(t, gw.chargeReqs)
}

func TestCharge_RetryAfterFailureOpensNewAttempt(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_1", "pay_1", "1000")
	charge := rejectedCharge("ch_1", "cc_rejected_other_reason")
	gw := &fakeGateway{charge: &charge}
	d := h.charger(gw)

	_, err := d.Charge(context.Background(), cardRequest("ord_1"), "")
	require.NoError(t, err)

	ok := approved("ch_2", "1000")
	gw.charge = &ok
	req := cardRequest("ord_1")
	req.Token = "tok_master"
	resp, err := d.Charge(context.Background(), req, "")
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.Equal(t, models.PaymentFailed, h.payment(t, "pay_1").Status)
	latest, err := h.store.GetPaymentByOrderID(context.Background(), "ord_1")
	require.NoError(t, err)
	require.NotEqual(t, "pay_1", latest.ID)
	require.Equal(t, models.PaymentConfirmed, latest.Status)
	require.True(t, latest.Amount.Equal(h.payment(t, "pay_1").Amount))

	entries := h.ledger(t)
	require.Len(t, entries, 1)
	require.Equal(t, latest.ID, entries[0].PaymentID)
}

func TestCharge_IdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_1", "pay_1", "1000")
	charge := models.ChargeResult{
		ProviderChargeID: "ch_1",
		Status:           models.ChargeInProcess,
		StatusDetail:     "pending_contingency",
		Amount:           approved("ch_1", "1000").Amount,
		Currency:         "ARS",
	}
	gw := &fakeGateway{charge: &charge}
	d := h.charger(gw)

	resp, err := d.Charge(context.Background(), cardRequest("ord_1"), "client-key")
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "in_process", resp.Status)

	_, err = d.Charge(context.Background(), cardRequest("ord_1"), "")
	require.NoError(t, err)
	_, err = d.Charge(context.Background(), cardRequest("ord_1"), "")
	require.NoError(t, err)

	require.Len(t, gw.chargeReqs, 3)
	require.Equal(t, "client-key", gw.chargeReqs[0].IdempotencyKey)
	require.Equal(t, chargeKey("pay_1", "tok_visa"), gw.chargeReqs[1].IdempotencyKey)
	require.Equal(t, gw.chargeReqs[1].IdempotencyKey, gw.chargeReqs[2].IdempotencyKey)
	require.NotEqual(t, chargeKey("pay_1", "tok_visa"), chargeKey("pay_1", "tok_master"))
	require.Equal(t, models.PaymentPending, h.payment(t, "pay_1").Status)
}

func TestCharge_GatewayErrorIsAuditedAndReturned(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_1", "pay_1", "1000")
	gwErr := &gateway.Error{
		Operation:  "submit charge",
		StatusCode: 400,
		Body:       `{"message":"invalid token"}`,
		Kind:       gateway.ErrGatewayRejected,
	}
	gw := &fakeGateway{chargeErr: gwErr}

	_, err := h.charger(gw).Charge(context.Background(), cardRequest("ord_1"), "")
	require.ErrorIs(t, err, gateway.ErrGatewayRejected)

	events := h.store.GatewayEvents()
	require.Len(t, events, 1)
	require.JSONEq(t, `{"message":"invalid token"}`, string(events[0].Payload))
	require.NotEmpty(t, events[0].Error)
	require.Equal(t, models.PaymentPending, h.payment(t, "pay_1").Status)
}

func TestCharge_AmountMismatchIsRejected(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "ord_1", "pay_1", "1000")
	charge := approved("ch_1", "10")
	gw := &fakeGateway{charge: &charge}

	resp, err := h.charger(gw).Charge(context.Background(), cardRequest("ord_1"), "")
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "rejected", resp.Status)
	require.Equal(t, amountMismatchReason, resp.StatusDetail)
	require.Equal(t, models.PaymentFailed, h.payment(t, "pay_1").Status)
	require.Len(t, h.store.GatewayEvents(), 2)
}

func TestCharge_UnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.charger(&fakeGateway{}).Charge(context.Background(), cardRequest("missing"), "")
	require.Error(t, err)
}
