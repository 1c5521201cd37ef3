package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

// ExpiredStatus is the status reported to payers for anything past its
// expiry.
const ExpiredStatus = "expired"

// PreferenceIssuer hands out the hosted-checkout preference for a payment,
// creating it at the gateway at most once.
type PreferenceIssuer struct {
	store   interfaces.Store
	gateway interfaces.GatewayClient
	sandbox bool
	now     func() time.Time
}

func NewPreferenceIssuer(store interfaces.Store, gateway interfaces.GatewayClient, sandbox bool) *PreferenceIssuer {
	return &PreferenceIssuer{
		store:   store,
		gateway: gateway,
		sandbox: sandbox,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Issue returns the payment's preference. Expired payments and orders get an
// unsuccessful response with status "expired" and no error. Gateway errors
// are returned unchanged.
func (i *PreferenceIssuer) Issue(ctx context.Context, paymentID string) (*models.PreferenceResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "preference.issue", attribute.String("payment_id", paymentID))
	defer span.End()

	p, err := i.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", paymentID, err)
	}

	if expired, err := i.expired(ctx, p); err != nil {
		return nil, err
	} else if expired {
		return &models.PreferenceResponse{Success: false, Status: ExpiredStatus}, nil
	}
	if p.Status != models.PaymentPending && p.Status != models.PaymentCreated {
		return nil, fmt.Errorf("payment %s is %s: %w", p.ID, p.Status, ErrInvalidState)
	}

	pref, err := i.gateway.CreatePreference(ctx, p)
	if err != nil {
		telemetry.Logger.Error("Failed to create preference",
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
		return nil, err
	}

	stored, err := i.store.SetPreference(ctx, p.ID, pref.PreferenceID, pref.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("store preference: %w", err)
	}
	if stored.PreferenceID != pref.PreferenceID {
		// A concurrent request stored its preference first; hand out that one.
		pref = &models.Preference{PreferenceID: stored.PreferenceID, RedirectURL: stored.RedirectURL}
	}

	if stored.Status == models.PaymentCreated {
		if err := i.open(ctx, stored.ID); err != nil {
			return nil, err
		}
	}

	telemetry.Logger.Info("Preference issued",
		zap.String("payment_id", p.ID),
		zap.String("preference_id", pref.PreferenceID),
	)

	resp := &models.PreferenceResponse{
		Success:      true,
		Status:       string(models.PaymentPending),
		PreferenceID: pref.PreferenceID,
		RedirectURL:  pref.RedirectURL,
	}
	if i.sandbox {
		resp.SandboxRedirectURL = pref.SandboxRedirectURL
	}
	return resp, nil
}

func (i *PreferenceIssuer) expired(ctx context.Context, p *models.Payment) (bool, error) {
	if p.Status == models.PaymentExpired || (!p.Status.Terminal() && p.ExpiredAt(i.now())) {
		return true, nil
	}
	if p.OrderID == "" {
		return false, nil
	}
	order, err := i.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		return false, fmt.Errorf("load order %s: %w", p.OrderID, err)
	}
	return order.Status == models.OrderExpired, nil
}

// open moves a freshly created payment to pending now that the payer has
// somewhere to pay.
func (i *PreferenceIssuer) open(ctx context.Context, paymentID string) error {
	return i.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		_, err := tx.TransitionPayment(ctx, paymentID, []models.PaymentStatus{models.PaymentCreated}, models.PaymentUpdate{
			Status: models.PaymentPending,
		})
		if err != nil {
			return fmt.Errorf("open payment: %w", err)
		}
		return nil
	})
}
