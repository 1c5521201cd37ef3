package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/gateway"
	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

const paymentTopic = "payment"

var errNoExternalReference = errors.New("charge carries no external reference")

type CallbackInput struct {
	Body      []byte
	Topic     string
	DataID    string
	Signature string
	RequestID string
}

// CallbackResult describes what happened to an accepted callback.
// ProcessingError is set when the callback was queued for reconciliation.
type CallbackResult struct {
	GatewayEventID  string
	PaymentID       string
	Effect          Effect
	Ignored         bool
	ProcessingError error
}

// CallbackProcessor handles gateway notifications. The notification only
// names a charge; its status and amount always come from an authenticated
// fetch.
type CallbackProcessor struct {
	store   interfaces.Store
	gateway interfaces.GatewayClient
	engine  *ConfirmationEngine
	queue   interfaces.ReconciliationQueue
	secret  string
	now     func() time.Time
}

func NewCallbackProcessor(
	store interfaces.Store,
	gateway interfaces.GatewayClient,
	engine *ConfirmationEngine,
	queue interfaces.ReconciliationQueue,
	secret string,
) *CallbackProcessor {
	return &CallbackProcessor{
		store:   store,
		gateway: gateway,
		engine:  engine,
		queue:   queue,
		secret:  secret,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle returns an error only when the callback must not be acknowledged:
// a bad signature or a failure to log the event. Anything that goes wrong
// after the event is logged is queued for reconciliation and reported in
// the result.
func (c *CallbackProcessor) Handle(ctx context.Context, in CallbackInput) (*CallbackResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "callback.handle",
		attribute.String("topic", in.Topic),
		attribute.String("data_id", in.DataID),
	)
	defer span.End()

	if c.secret != "" {
		if err := gateway.VerifyCallbackSignature(c.secret, in.Signature, in.RequestID, in.DataID); err != nil {
			telemetry.Logger.Warn("Rejected gateway callback with invalid signature",
				zap.String("data_id", in.DataID),
				zap.String("request_id", in.RequestID),
			)
			return nil, err
		}
	}

	evt := &models.GatewayEvent{
		Source:     models.SourceCallback,
		Topic:      in.Topic,
		ProviderID: in.DataID,
		Payload:    in.Body,
		ReceivedAt: c.now(),
	}
	if err := c.store.RecordGatewayEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("log gateway callback: %w", err)
	}

	result := &CallbackResult{GatewayEventID: evt.ID}
	if in.Topic != paymentTopic || in.DataID == "" {
		telemetry.Logger.Info("Ignoring gateway callback",
			zap.String("topic", in.Topic),
			zap.String("gateway_event_id", evt.ID),
		)
		result.Ignored = true
		return result, nil
	}

	paymentID, effect, err := c.process(ctx, in.DataID)
	result.PaymentID = paymentID
	result.Effect = effect
	if err != nil {
		span.RecordError(err)
		result.ProcessingError = err
		c.reconcile(ctx, evt, paymentID, err)
	}
	return result, nil
}

func (c *CallbackProcessor) process(ctx context.Context, chargeID string) (string, Effect, error) {
	charge, err := c.gateway.FetchCharge(ctx, chargeID)
	if err != nil {
		return "", "", fmt.Errorf("fetch charge %s: %w", chargeID, err)
	}

	fetched := &models.GatewayEvent{
		Source:     models.SourceFetch,
		Topic:      paymentTopic,
		ProviderID: charge.ProviderChargeID,
		PaymentID:  charge.ExternalReference,
		Payload:    charge.Raw,
		ReceivedAt: c.now(),
	}
	if err := c.store.RecordGatewayEvent(ctx, fetched); err != nil {
		telemetry.Logger.Error("Failed to record fetched charge",
			zap.String("provider_charge_id", charge.ProviderChargeID),
			zap.Error(err),
		)
	}

	if charge.ExternalReference == "" {
		return "", "", fmt.Errorf("charge %s: %w", chargeID, errNoExternalReference)
	}

	conf, err := c.engine.Apply(ctx, ConfirmationInput{PaymentID: charge.ExternalReference, Charge: *charge})
	var effect Effect
	if conf != nil {
		effect = conf.Effect
	}
	return charge.ExternalReference, effect, err
}

// reconcile appends the failure to the audit log and hands it to the
// reconciliation queue.
func (c *CallbackProcessor) reconcile(ctx context.Context, evt *models.GatewayEvent, paymentID string, cause error) {
	telemetry.Logger.Error("Gateway callback processing failed",
		zap.String("gateway_event_id", evt.ID),
		zap.String("provider_id", evt.ProviderID),
		zap.String("payment_id", paymentID),
		zap.Error(cause),
	)

	failed := &models.GatewayEvent{
		Source:     models.SourceCallback,
		Topic:      evt.Topic,
		ProviderID: evt.ProviderID,
		PaymentID:  paymentID,
		Payload:    evt.Payload,
		Error:      cause.Error(),
		ReceivedAt: c.now(),
	}
	if err := c.store.RecordGatewayEvent(ctx, failed); err != nil {
		telemetry.Logger.Error("Failed to record callback failure", zap.Error(err))
	}

	if c.queue == nil {
		return
	}
	item := models.ReconciliationItem{
		GatewayEventID: evt.ID,
		ProviderID:     evt.ProviderID,
		PaymentID:      paymentID,
		Error:          cause.Error(),
		QueuedAt:       c.now(),
	}
	if err := c.queue.Enqueue(ctx, item); err != nil {
		telemetry.Logger.Error("Failed to queue callback for reconciliation",
			zap.String("gateway_event_id", evt.ID),
			zap.Error(err),
		)
	}
}
