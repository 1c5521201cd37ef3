package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

// LogPublisher stands in for Kafka when no brokers are configured.
type LogPublisher struct{}

func (LogPublisher) PublishStateChange(_ context.Context, evt models.StateChangeEvent) error {
	telemetry.Logger.Debug("State change",
		zap.String("payment_id", evt.PaymentID),
		zap.String("state", string(evt.State)),
	)
	return nil
}

// LogQueue stands in for NATS when no server is configured.
type LogQueue struct{}

func (LogQueue) Enqueue(_ context.Context, item models.ReconciliationItem) error {
	telemetry.Logger.Warn("Reconciliation required",
		zap.String("gateway_event_id", item.GatewayEventID),
		zap.String("payment_id", item.PaymentID),
		zap.String("error", item.Error),
	)
	return nil
}
