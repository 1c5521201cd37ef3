package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/metrics"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

const maxErrorBody = 4 << 10

type Options struct {
	BaseURL     string
	AccessToken string
	// NotificationURL is where the gateway posts asynchronous callbacks.
	NotificationURL string
	Timeout         time.Duration
	Sandbox         bool
	HTTPClient      *http.Client
}

// Client talks to the payment gateway's REST API. It does not persist
// anything.
type Client struct {
	baseURL         string
	accessToken     string
	notificationURL string
	sandbox         bool
	httpClient      *http.Client
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		accessToken:     opts.AccessToken,
		notificationURL: opts.NotificationURL,
		sandbox:         opts.Sandbox,
		httpClient:      httpClient,
	}
}

type preferenceItem struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id"`
}

type preferenceRequest struct {
	Items             []preferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	NotificationURL   string           `json:"notification_url,omitempty"`
	Expires           bool             `json:"expires"`
	ExpirationDateTo  *time.Time       `json:"expiration_date_to,omitempty"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// CreatePreference creates a hosted checkout session for p. A payment that
// already carries a preference id gets it back without a remote call.
func (c *Client) CreatePreference(ctx context.Context, p *models.Payment) (*models.Preference, error) {
	if p.PreferenceID != "" {
		return &models.Preference{PreferenceID: p.PreferenceID, RedirectURL: p.RedirectURL}, nil
	}

	title := p.Description
	if title == "" {
		title = "Payment " + p.ID
	}
	req := preferenceRequest{
		Items: []preferenceItem{{
			ID:         firstNonEmpty(p.ProductID, p.ID),
			Title:      title,
			Quantity:   1,
			UnitPrice:  json.Number(p.Amount.String()),
			CurrencyID: p.Currency,
		}},
		ExternalReference: p.ID,
		NotificationURL:   c.notificationURL,
	}
	if !p.ExpiresAt.IsZero() {
		expires := p.ExpiresAt.UTC()
		req.Expires = true
		req.ExpirationDateTo = &expires
	}

	var resp preferenceResponse
	if err := c.do(ctx, "create_preference", http.MethodPost, "/checkout/preferences", "preference-"+p.ID, req, &resp); err != nil {
		return nil, err
	}

	pref := &models.Preference{
		PreferenceID:       resp.ID,
		RedirectURL:        resp.InitPoint,
		SandboxRedirectURL: resp.SandboxInitPoint,
	}
	if c.sandbox && resp.SandboxInitPoint != "" {
		pref.RedirectURL = resp.SandboxInitPoint
	}
	return pref, nil
}

type chargeRequest struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	Token             string      `json:"token"`
	Description       string      `json:"description,omitempty"`
	Installments      int         `json:"installments"`
	PaymentMethodID   string      `json:"payment_method_id"`
	IssuerID          string      `json:"issuer_id,omitempty"`
	Payer             chargePayer `json:"payer"`
	ExternalReference string      `json:"external_reference"`
	NotificationURL   string      `json:"notification_url,omitempty"`
}

type chargePayer struct {
	Email          string                 `json:"email"`
	Identification *models.Identification `json:"identification,omitempty"`
}

type chargeResponse struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	ExternalReference string          `json:"external_reference"`
}

// SubmitCharge charges a tokenized card for p's snapshot amount. The
// request's idempotency key is forwarded so the gateway collapses retries.
func (c *Client) SubmitCharge(ctx context.Context, p *models.Payment, req models.ChargeRequest) (*models.ChargeResult, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("submit charge: idempotency key is required")
	}
	body := chargeRequest{
		TransactionAmount: json.Number(p.Amount.String()),
		Token:             req.Token,
		Description:       p.Description,
		Installments:      req.Installments,
		PaymentMethodID:   req.PaymentMethodID,
		IssuerID:          req.IssuerID,
		Payer: chargePayer{
			Email:          req.Payer.Email,
			Identification: req.Payer.Identification,
		},
		ExternalReference: p.ID,
		NotificationURL:   c.notificationURL,
	}

	var raw json.RawMessage
	if err := c.do(ctx, "submit_charge", http.MethodPost, "/v1/payments", req.IdempotencyKey, body, &raw); err != nil {
		return nil, err
	}
	return parseCharge("submit_charge", raw)
}

// FetchCharge reads the authoritative state of a charge.
func (c *Client) FetchCharge(ctx context.Context, providerChargeID string) (*models.ChargeResult, error) {
	if providerChargeID == "" {
		return nil, fmt.Errorf("fetch charge: empty charge id")
	}
	var raw json.RawMessage
	if err := c.do(ctx, "fetch_charge", http.MethodGet, "/v1/payments/"+url.PathEscape(providerChargeID), "", nil, &raw); err != nil {
		return nil, err
	}
	return parseCharge("fetch_charge", raw)
}

func parseCharge(op string, raw json.RawMessage) (*models.ChargeResult, error) {
	var resp chargeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Operation: op, Kind: ErrGatewayUnavailable, Cause: fmt.Errorf("decode charge: %w", err)}
	}
	return &models.ChargeResult{
		ProviderChargeID:  resp.ID.String(),
		Status:            models.ChargeStatus(resp.Status),
		StatusDetail:      resp.StatusDetail,
		Amount:            resp.TransactionAmount,
		Currency:          resp.CurrencyID,
		ExternalReference: resp.ExternalReference,
		Raw:               raw,
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, in, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway."+op, attribute.String("http.method", method))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.GatewayRequests.WithLabelValues(op, result).Inc()
	}()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Operation: op, Kind: ErrGatewayUnavailable, Cause: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		kind := ErrGatewayRejected
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = ErrGatewayUnavailable
		}
		telemetry.Logger.Warn("Gateway request failed",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", errBody),
		)
		return &Error{Operation: op, StatusCode: resp.StatusCode, Body: string(errBody), Kind: kind}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Operation: op, StatusCode: resp.StatusCode, Kind: ErrGatewayUnavailable, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
