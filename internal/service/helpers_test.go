package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/repository/memory"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type staticRates struct {
	rate  interfaces.Rate
	err   error
	calls int
	mu    sync.Mutex
}

func (s *staticRates) Rate(context.Context, string, string) (interfaces.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.rate, s.err
}

func unitRate() *staticRates {
	return &staticRates{rate: interfaces.Rate{Value: decimal.NewFromInt(1), Source: "test"}}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.StateChangeEvent
}

func (p *recordingPublisher) PublishStateChange(_ context.Context, evt models.StateChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) States() []models.PaymentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.PaymentStatus
	for _, e := range p.events {
		out = append(out, e.State)
	}
	return out
}

type recordingQueue struct {
	mu    sync.Mutex
	items []models.ReconciliationItem
}

func (q *recordingQueue) Enqueue(_ context.Context, item models.ReconciliationItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

type fakeGateway struct {
	mu         sync.Mutex
	charge     *models.ChargeResult
	chargeErr  error
	charges    map[string]*models.ChargeResult
	fetchErr   error
	prefErr    error
	prefCalls  int
	chargeReqs []models.ChargeRequest
}

func (g *fakeGateway) CreatePreference(_ context.Context, p *models.Payment) (*models.Preference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.PreferenceID != "" {
		return &models.Preference{PreferenceID: p.PreferenceID, RedirectURL: p.RedirectURL}, nil
	}
	if g.prefErr != nil {
		return nil, g.prefErr
	}
	g.prefCalls++
	return &models.Preference{
		PreferenceID:       "pref_" + p.ID,
		RedirectURL:        "https://gw.test/checkout/" + p.ID,
		SandboxRedirectURL: "https://sandbox.gw.test/checkout/" + p.ID,
	}, nil
}

func (g *fakeGateway) SubmitCharge(_ context.Context, p *models.Payment, req models.ChargeRequest) (*models.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeReqs = append(g.chargeReqs, req)
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	res := *g.charge
	res.ExternalReference = p.ID
	return &res, nil
}

func (g *fakeGateway) FetchCharge(_ context.Context, id string) (*models.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	res, ok := g.charges[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return res, nil
}

func approved(id string, amount string) models.ChargeResult {
	return models.ChargeResult{
		ProviderChargeID: id,
		Status:           models.ChargeApproved,
		StatusDetail:     "accredited",
		Amount:           decimal.RequireFromString(amount),
		Currency:         "ARS",
		Raw:              []byte(`{"id":"` + id + `","status":"approved"}`),
	}
}

// merchantEndpoint is a merchant webhook receiver answering with status.
type merchantEndpoint struct {
	*httptest.Server
	mu      sync.Mutex
	status  int
	bodies  [][]byte
	headers []http.Header
}

func newMerchantEndpoint(t *testing.T, status int) *merchantEndpoint {
	t.Helper()
	e := &merchantEndpoint{status: status}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.bodies = append(e.bodies, body)
		e.headers = append(e.headers, r.Header.Clone())
		status := e.status
		e.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, http.StatusText(status))
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *merchantEndpoint) SetStatus(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
}

func (e *merchantEndpoint) Requests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bodies)
}

// harness wires the services against the in-memory stores.
type harness struct {
	store      *memory.Store
	webhooks   *memory.WebhookStore
	dispatcher *WebhookDispatcher
	engine     *ConfirmationEngine
	rates      *staticRates
	events     *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewStore(),
		webhooks: memory.NewWebhookStore(),
		rates:    unitRate(),
		events:   &recordingPublisher{},
	}
	h.dispatcher = NewWebhookDispatcher(h.webhooks, DispatcherOptions{
		PlatformName: "Platform",
		Timeout:      2 * time.Second,
		MaxAttempts:  3,
		Now:          fixedNow,
	})
	h.engine = NewConfirmationEngine(h.store, h.rates, h.dispatcher, h.events, EngineOptions{
		SettlementCurrency: "ARS",
		FeeRate:            decimal.RequireFromString("0.05"),
		Now:                fixedNow,
	})
	return h
}

func (h *harness) subscribe(t *testing.T, merchantID, url string, events ...models.EventType) models.Webhook {
	t.Helper()
	return h.webhooks.AddWebhook(models.Webhook{
		MerchantID: merchantID,
		URL:        url,
		Secret:     "whsec_" + uuid.NewString(),
		Events:     events,
		Active:     true,
	})
}

func (h *harness) seedPayment(t *testing.T, id string, amount string, status models.PaymentStatus) *models.Payment {
	t.Helper()
	p := &models.Payment{
		ID:             id,
		MerchantID:     "m_1",
		Amount:         decimal.RequireFromString(amount),
		Currency:       "ARS",
		Status:         status,
		IdempotencyKey: "key-" + id,
		ExpiresAt:      testNow.Add(30 * time.Minute),
		CreatedAt:      testNow.Add(-time.Minute),
		UpdatedAt:      testNow.Add(-time.Minute),
	}
	stored, created, err := h.store.CreatePayment(context.Background(), p, nil)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func (h *harness) seedOrder(t *testing.T, orderID, paymentID, amount string) (*models.Order, *models.Payment) {
	t.Helper()
	o := &models.Order{
		ID:            orderID,
		MerchantID:    "m_1",
		CustomerEmail: "buyer@example.com",
		Status:        models.OrderPendingPayment,
		CreatedAt:     testNow.Add(-time.Minute),
		UpdatedAt:     testNow.Add(-time.Minute),
	}
	p := &models.Payment{
		ID:             paymentID,
		OrderID:        orderID,
		MerchantID:     "m_1",
		Amount:         decimal.RequireFromString(amount),
		Currency:       "ARS",
		Status:         models.PaymentPending,
		IdempotencyKey: "key-" + paymentID,
		ExpiresAt:      testNow.Add(30 * time.Minute),
		CreatedAt:      testNow.Add(-time.Minute),
		UpdatedAt:      testNow.Add(-time.Minute),
	}
	stored, _, err := h.store.CreatePayment(context.Background(), p, o)
	require.NoError(t, err)
	return o, stored
}

func (h *harness) payment(t *testing.T, id string) *models.Payment {
	t.Helper()
	p, err := h.store.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) ledger(t *testing.T) []models.LedgerEntry {
	t.Helper()
	entries, err := h.store.ListLedgerEntries(context.Background(), "m_1")
	require.NoError(t, err)
	return entries
}

func (e *merchantEndpoint) request(i int) ([]byte, http.Header) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bodies[i], e.headers[i]
}
