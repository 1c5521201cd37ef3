package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

const ReconciliationSubject = "payments.reconciliation"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSReconciliationQueue hands failed gateway callbacks to whoever
// reconciles them offline.
type NATSReconciliationQueue struct {
	conn    publisher
	subject string
}

var _ interfaces.ReconciliationQueue = (*NATSReconciliationQueue)(nil)

func NewNATSReconciliationQueue(nc *nats.Conn) *NATSReconciliationQueue {
	return &NATSReconciliationQueue{conn: nc, subject: ReconciliationSubject}
}

func (q *NATSReconciliationQueue) Enqueue(_ context.Context, item models.ReconciliationItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal reconciliation item: %w", err)
	}
	if err := q.conn.Publish(q.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", q.subject, err)
	}
	return nil
}
