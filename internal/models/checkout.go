package models

import "github.com/shopspring/decimal"

type CreatePaymentRequest struct {
	MerchantID     string          `json:"merchant_id" binding:"required"`
	ProductID      string          `json:"product_id"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Currency       string          `json:"currency" binding:"required,len=3"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type CreateOrderRequest struct {
	CreatePaymentRequest
	CustomerEmail string `json:"customer_email" binding:"required,email"`
	CustomerName  string `json:"customer_name"`
	ShippingInfo  string `json:"shipping_info"`
}

// PaymentStateInfo is the read model behind the payment state endpoint.
type PaymentStateInfo struct {
	Payment *Payment `json:"payment"`
	Order   *Order   `json:"order,omitempty"`
}
