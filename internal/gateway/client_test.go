package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

func testPayment() *models.Payment {
	return &models.Payment{
		ID:         "pay_1",
		MerchantID: "m_1",
		Amount:     decimal.RequireFromString("1000.00"),
		Currency:   "ARS",
		Status:     models.PaymentPending,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func TestCreatePreference_ReturnsRedirect(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody preferenceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/checkout/preferences", r.URL.Path)
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, `{"id":"pref_123","init_point":"https://gw/checkout/pref_123","sandbox_init_point":"https://sandbox.gw/checkout/pref_123"}`)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, AccessToken: "tok", NotificationURL: "https://platform/webhooks/gateway"})
	pref, err := client.CreatePreference(context.Background(), testPayment())
	require.NoError(t, err)

	require.Equal(t, "pref_123", pref.PreferenceID)
	require.Equal(t, "https://gw/checkout/pref_123", pref.RedirectURL)
	require.Equal(t, "https://sandbox.gw/checkout/pref_123", pref.SandboxRedirectURL)
	require.Equal(t, "preference-pay_1", gotKey)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "pay_1", gotBody.ExternalReference)
	require.Equal(t, "https://platform/webhooks/gateway", gotBody.NotificationURL)
	require.Equal(t, json.Number("1000"), gotBody.Items[0].UnitPrice)
	require.True(t, gotBody.Expires)
}

func TestCreatePreference_ReusesStoredPreference(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	p := testPayment()
	p.PreferenceID = "pref_existing"
	p.RedirectURL = "https://gw/checkout/pref_existing"

	client := NewClient(Options{BaseURL: srv.URL})
	pref, err := client.CreatePreference(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "pref_existing", pref.PreferenceID)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestSubmitCharge_ParsesNumericID(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments", r.URL.Path)
		gotKey = r.Header.Get("X-Idempotency-Key")
		_, _ = io.WriteString(w, `{"id":987654321,"status":"approved","status_detail":"accredited","transaction_amount":1000,"currency_id":"ARS","external_reference":"pay_1"}`)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})
	res, err := client.SubmitCharge(context.Background(), testPayment(), models.ChargeRequest{
		Token:           "card_tok",
		PaymentMethodID: "visa",
		Installments:    1,
		Payer:           models.PayerInfo{Email: "buyer@example.com"},
		IdempotencyKey:  "charge-key-1",
	})
	require.NoError(t, err)
	require.Equal(t, "charge-key-1", gotKey)
	require.Equal(t, "987654321", res.ProviderChargeID)
	require.Equal(t, models.ChargeApproved, res.Status)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(1000)))
	require.Equal(t, "pay_1", res.ExternalReference)
	require.NotEmpty(t, res.Raw)
}

func TestSubmitCharge_RequiresIdempotencyKey(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://127.0.0.1:0"})
	_, err := client.SubmitCharge(context.Background(), testPayment(), models.ChargeRequest{Token: "t"})
	require.Error(t, err)
}

func TestDo_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "server error", status: http.StatusBadGateway, want: ErrGatewayUnavailable},
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrGatewayUnavailable},
		{name: "bad request", status: http.StatusBadRequest, want: ErrGatewayRejected},
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrGatewayRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"message":"invalid token","cause":[{"code":"2006"}]}`)
			}))
			defer srv.Close()

			client := NewClient(Options{BaseURL: srv.URL})
			_, err := client.FetchCharge(context.Background(), "123")
			require.ErrorIs(t, err, tt.want)

			var gwErr *Error
			require.True(t, errors.As(err, &gwErr))
			require.Equal(t, tt.status, gwErr.StatusCode)
			require.Contains(t, ProviderBody(err), "invalid token")
		})
	}
}

func TestDo_NetworkFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(Options{BaseURL: url, Timeout: time.Second})
	_, err := client.FetchCharge(context.Background(), "123")
	require.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestFetchCharge_EscapesChargeID(t *testing.T) {
	var gotURI, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"id":1,"status":"pending","transaction_amount":1000,"currency_id":"ARS"}`)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})
	_, err := client.FetchCharge(context.Background(), "../../users/me?x=")
	require.NoError(t, err)
	require.Equal(t, "/v1/payments/..%2F..%2Fusers%2Fme%3Fx=", gotURI)
	require.Empty(t, gotQuery)
}

func TestDescribeStatusDetail(t *testing.T) {
	require.Equal(t, "The card has insufficient funds.", DescribeStatusDetail("cc_rejected_insufficient_amount"))
	require.Equal(t, "cc_rejected_something_new", DescribeStatusDetail("cc_rejected_something_new"))
}
