package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

// CheckoutService opens payments. The amount and currency captured here are
// the snapshot every later charge is checked against.
type CheckoutService struct {
	store interfaces.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewCheckoutService(store interfaces.Store, ttl time.Duration) *CheckoutService {
	return &CheckoutService{
		store: store,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreatePayment opens a standalone payment. A repeated idempotency key
// returns the payment created the first time with created set to false.
func (s *CheckoutService) CreatePayment(ctx context.Context, req models.CreatePaymentRequest) (*models.Payment, bool, error) {
	p, err := s.newPayment(req)
	if err != nil {
		return nil, false, err
	}
	stored, created, err := s.store.CreatePayment(ctx, p, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create payment: %w", err)
	}
	if !created {
		if err := checkReplay(stored, p); err != nil {
			return nil, false, err
		}
	}
	if created {
		telemetry.Logger.Info("Payment created",
			zap.String("payment_id", stored.ID),
			zap.String("merchant_id", stored.MerchantID),
			zap.String("amount", stored.Amount.String()),
			zap.String("currency", stored.Currency),
		)
	}
	return stored, created, nil
}

// CreateOrder opens an order together with its first payment attempt.
func (s *CheckoutService) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, *models.Payment, bool, error) {
	p, err := s.newPayment(req.CreatePaymentRequest)
	if err != nil {
		return nil, nil, false, err
	}
	order := &models.Order{
		ID:            uuid.NewString(),
		MerchantID:    p.MerchantID,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		ShippingInfo:  req.ShippingInfo,
		Status:        models.OrderPendingPayment,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.CreatedAt,
	}
	p.OrderID = order.ID

	stored, created, err := s.store.CreatePayment(ctx, p, order)
	if err != nil {
		return nil, nil, false, fmt.Errorf("create order: %w", err)
	}
	if !created {
		if err := checkReplay(stored, p); err != nil {
			return nil, nil, false, err
		}
		if stored.OrderID == "" {
			return nil, nil, false, fmt.Errorf("idempotency key belongs to a standalone payment: %w", ErrInvalidRequest)
		}
		existing, err := s.store.GetOrder(ctx, stored.OrderID)
		if err != nil {
			return nil, nil, false, fmt.Errorf("load order %s: %w", stored.OrderID, err)
		}
		return existing, stored, false, nil
	}

	telemetry.Logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("payment_id", stored.ID),
		zap.String("merchant_id", order.MerchantID),
	)
	return order, stored, true, nil
}

// checkReplay rejects an idempotency key reused for a different payment.
func checkReplay(stored, req *models.Payment) error {
	if stored.MerchantID != req.MerchantID || stored.Currency != req.Currency || !stored.Amount.Equal(req.Amount) {
		return fmt.Errorf("idempotency key %q was used for a different payment: %w", req.IdempotencyKey, ErrInvalidRequest)
	}
	return nil
}

func (s *CheckoutService) newPayment(req models.CreatePaymentRequest) (*models.Payment, error) {
	if req.MerchantID == "" {
		return nil, fmt.Errorf("merchant id is required: %w", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive: %w", ErrInvalidRequest)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("currency must be an ISO 4217 code: %w", ErrInvalidRequest)
	}
	if !req.Amount.Equal(req.Amount.Truncate(MinorUnits(currency))) {
		return nil, fmt.Errorf("amount has more decimals than %s allows: %w", currency, ErrInvalidRequest)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	now := s.now()
	return &models.Payment{
		ID:             uuid.NewString(),
		ProductID:      req.ProductID,
		MerchantID:     req.MerchantID,
		Amount:         req.Amount,
		Currency:       currency,
		Description:    req.Description,
		Status:         models.PaymentCreated,
		IdempotencyKey: key,
		ExpiresAt:      now.Add(s.ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
