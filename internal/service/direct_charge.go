package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/gateway"
	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

// DirectChargeHandler charges a card token against an order and confirms the
// result synchronously.
type DirectChargeHandler struct {
	store   interfaces.Store
	gateway interfaces.GatewayClient
	engine  *ConfirmationEngine
	now     func() time.Time
}

func NewDirectChargeHandler(store interfaces.Store, gateway interfaces.GatewayClient, engine *ConfirmationEngine) *DirectChargeHandler {
	return &DirectChargeHandler{
		store:   store,
		gateway: gateway,
		engine:  engine,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Charge submits req for its order. idempotencyKey identifies the submission
// across client retries; when empty one is derived from the attempt and the
// card token. Gateway errors are returned unchanged. Confirmation problems
// are audited and answered with a payer-safe response instead.
func (h *DirectChargeHandler) Charge(ctx context.Context, req models.DirectChargeRequest, idempotencyKey string) (*models.DirectChargeResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "direct_charge.charge", attribute.String("order_id", req.OrderID))
	defer span.End()

	order, err := h.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", req.OrderID, err)
	}
	p, err := h.store.GetPaymentByOrderID(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("load payment for order %s: %w", order.ID, err)
	}

	switch {
	case order.Status == models.OrderPaid || p.Status == models.PaymentConfirmed:
		return &models.DirectChargeResponse{
			Success:          true,
			Status:           string(models.ChargeApproved),
			StatusDetail:     gateway.DescribeStatusDetail("accredited"),
			ProviderChargeID: p.ProviderChargeID,
			OrderID:          order.ID,
		}, nil
	case order.Status == models.OrderExpired || p.Status == models.PaymentExpired || (!p.Status.Terminal() && p.ExpiredAt(h.now())):
		return expiredCharge(order.ID), nil
	case order.Status != models.OrderPendingPayment:
		return nil, fmt.Errorf("order %s is %s: %w", order.ID, order.Status, ErrInvalidState)
	}

	if idempotencyKey == "" {
		idempotencyKey = chargeKey(p.ID, req.Token)
	}
	if p.Status == models.PaymentFailed {
		if p, err = h.retryAttempt(ctx, p, idempotencyKey); err != nil {
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("payment_id", p.ID))

	result, err := h.gateway.SubmitCharge(ctx, p, models.ChargeRequest{
		Token:           req.Token,
		PaymentMethodID: req.PaymentMethodID,
		IssuerID:        req.IssuerID,
		Installments:    req.Installments,
		Payer:           req.Payer,
		IdempotencyKey:  idempotencyKey,
	})
	if err != nil {
		h.audit(ctx, &models.GatewayEvent{
			Source:    models.SourceDirectCharge,
			Topic:     "payment",
			PaymentID: p.ID,
			Payload:   providerPayload(err),
			Error:     err.Error(),
		})
		telemetry.Logger.Error("Direct charge submission failed",
			zap.String("order_id", order.ID),
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
		return nil, err
	}

	evt := &models.GatewayEvent{
		Source:     models.SourceDirectCharge,
		Topic:      "payment",
		ProviderID: result.ProviderChargeID,
		PaymentID:  p.ID,
		Payload:    result.Raw,
	}
	h.audit(ctx, evt)

	resp := &models.DirectChargeResponse{
		Success:          result.Status.Outcome() == models.OutcomeApproved,
		Status:           string(result.Status),
		StatusDetail:     gateway.DescribeStatusDetail(result.StatusDetail),
		ProviderChargeID: result.ProviderChargeID,
		OrderID:          order.ID,
	}

	conf, err := h.engine.Apply(ctx, ConfirmationInput{PaymentID: p.ID, Charge: *result})
	if err == nil {
		return resp, nil
	}

	h.audit(ctx, &models.GatewayEvent{
		Source:     models.SourceDirectCharge,
		Topic:      "payment",
		ProviderID: result.ProviderChargeID,
		PaymentID:  p.ID,
		Payload:    result.Raw,
		Error:      err.Error(),
	})
	telemetry.Logger.Error("Direct charge confirmation failed",
		zap.String("order_id", order.ID),
		zap.String("payment_id", p.ID),
		zap.String("gateway_event_id", evt.ID),
		zap.Error(err),
	)

	resp.Success = false
	switch {
	case errors.Is(err, ErrAmountMismatch):
		resp.Status = string(models.ChargeRejected)
		resp.StatusDetail = amountMismatchReason
	case errors.Is(err, ErrConflictingTransition) && conf != nil && conf.Payment.Status == models.PaymentExpired:
		return expiredCharge(order.ID), nil
	default:
		// The charge exists at the gateway; its callback or reconciliation
		// settles the payment later.
		resp.Status = string(models.ChargeInProcess)
		resp.StatusDetail = gateway.DescribeStatusDetail("pending_contingency")
	}
	return resp, nil
}

// retryAttempt opens a new payment for an order whose last attempt failed.
// It carries the amount snapshot and expiry of the failed attempt. The
// submission key makes a retried submission reuse the same attempt.
func (h *DirectChargeHandler) retryAttempt(ctx context.Context, failed *models.Payment, key string) (*models.Payment, error) {
	now := h.now()
	attempt := &models.Payment{
		ID:             uuid.NewString(),
		OrderID:        failed.OrderID,
		ProductID:      failed.ProductID,
		MerchantID:     failed.MerchantID,
		Amount:         failed.Amount,
		Currency:       failed.Currency,
		Description:    failed.Description,
		Status:         models.PaymentPending,
		IdempotencyKey: "retry-" + key,
		ExpiresAt:      failed.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, created, err := h.store.CreatePayment(ctx, attempt, nil)
	if err != nil {
		return nil, fmt.Errorf("create retry attempt: %w", err)
	}
	if created {
		telemetry.Logger.Info("Opened new payment attempt",
			zap.String("order_id", failed.OrderID),
			zap.String("failed_payment_id", failed.ID),
			zap.String("payment_id", stored.ID),
		)
	}
	return stored, nil
}

func (h *DirectChargeHandler) audit(ctx context.Context, evt *models.GatewayEvent) {
	if err := h.store.RecordGatewayEvent(ctx, evt); err != nil {
		telemetry.Logger.Error("Failed to record gateway event",
			zap.String("payment_id", evt.PaymentID),
			zap.Error(err),
		)
	}
}

func expiredCharge(orderID string) *models.DirectChargeResponse {
	return &models.DirectChargeResponse{
		Success:      false,
		Status:       ExpiredStatus,
		StatusDetail: gateway.DescribeStatusDetail("expired"),
		OrderID:      orderID,
	}
}

func chargeKey(paymentID, token string) string {
	sum := sha256.Sum256([]byte(token))
	return "charge-" + paymentID + "-" + hex.EncodeToString(sum[:8])
}

// providerPayload keeps the gateway error body when it is JSON.
func providerPayload(err error) json.RawMessage {
	body := gateway.ProviderBody(err)
	if body != "" && json.Valid([]byte(body)) {
		return json.RawMessage(body)
	}
	return json.RawMessage(`{}`)
}
