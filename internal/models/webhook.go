package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventPaymentConfirmed EventType = "payment.confirmed"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentExpired   EventType = "payment.expired"
)

// Webhook is a merchant-owned subscription.
type Webhook struct {
	ID         string      `json:"id"`
	MerchantID string      `json:"merchant_id"`
	URL        string      `json:"url"`
	Secret     string      `json:"-"`
	Events     []EventType `json:"events"`
	Active     bool        `json:"active"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (w Webhook) Subscribes(t EventType) bool {
	for _, e := range w.Events {
		if e == t {
			return true
		}
	}
	return false
}

// WebhookDelivery is the record of sending one event to one subscription.
// DeliveredAt is set only after a 2xx response.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	EventID        string          `json:"event_id"`
	EventType      EventType       `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	ResponseStatus int             `json:"response_status"`
	ResponseBody   string          `json:"response_body"`
	AttemptCount   int             `json:"attempt_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (d WebhookDelivery) Delivered() bool {
	return d.DeliveredAt != nil
}

// WebhookEvent is the envelope serialized as the body of a merchant webhook.
type WebhookEvent struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	CreatedAt time.Time    `json:"created_at"`
	Data      PaymentEvent `json:"data"`
}

// PaymentEvent is the self-contained payment snapshot carried by a webhook.
type PaymentEvent struct {
	PaymentID          string           `json:"payment_id"`
	OrderID            string           `json:"order_id,omitempty"`
	MerchantID         string           `json:"merchant_id"`
	Amount             decimal.Decimal  `json:"amount"`
	Currency           string           `json:"currency"`
	Status             PaymentStatus    `json:"status"`
	ProviderChargeID   string           `json:"provider_charge_id,omitempty"`
	ConfirmedAt        *time.Time       `json:"confirmed_at,omitempty"`
	NetAmount          *decimal.Decimal `json:"net_amount,omitempty"`
	SettlementCurrency string           `json:"settlement_currency,omitempty"`
	Reason             string           `json:"reason,omitempty"`
}

// NewPaymentEvent snapshots p for a webhook payload.
func NewPaymentEvent(p *Payment) PaymentEvent {
	evt := PaymentEvent{
		PaymentID:        p.ID,
		OrderID:          p.OrderID,
		MerchantID:       p.MerchantID,
		Amount:           p.Amount,
		Currency:         p.Currency,
		Status:           p.Status,
		ProviderChargeID: p.ProviderChargeID,
		Reason:           p.FailureReason,
	}
	if p.Settlement != nil {
		confirmedAt := p.Settlement.ConfirmedAt
		net := p.Settlement.Net
		evt.ConfirmedAt = &confirmedAt
		evt.NetAmount = &net
		evt.SettlementCurrency = p.Settlement.Currency
	}
	return evt
}
