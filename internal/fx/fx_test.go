package fx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
)

type stubSource struct {
	rate  interfaces.Rate
	err   error
	calls int
}

func (s *stubSource) Fetch(context.Context, string, string) (interfaces.Rate, error) {
	s.calls++
	return s.rate, s.err
}

type mapCache map[string]interfaces.Rate

func (c mapCache) Get(_ context.Context, from, to string) (interfaces.Rate, bool, error) {
	r, ok := c[from+":"+to]
	return r, ok, nil
}

func (c mapCache) Set(_ context.Context, from, to string, rate interfaces.Rate) error {
	c[from+":"+to] = rate
	return nil
}

func TestProvider_SameCurrencyIsIdentity(t *testing.T) {
	p := NewProvider(nil, nil, nil)
	rate, err := p.Rate(context.Background(), "usd", "USD")
	require.NoError(t, err)
	require.True(t, rate.Value.Equal(decimal.NewFromInt(1)))
	require.Equal(t, SourceIdentity, rate.Source)
}

func TestProvider_CachesLiveRate(t *testing.T) {
	src := &stubSource{rate: interfaces.Rate{Value: decimal.RequireFromString("0.00102"), Source: "rates.test"}}
	cache := mapCache{}
	p := NewProvider(src, cache, nil)

	for i := 0; i < 2; i++ {
		rate, err := p.Rate(context.Background(), "ARS", "USD")
		require.NoError(t, err)
		require.Equal(t, "0.00102", rate.Value.String())
	}
	require.Equal(t, 1, src.calls)
	require.Contains(t, cache, "ARS:USD")
}

func TestProvider_RejectsWithoutFallback(t *testing.T) {
	src := &stubSource{err: errors.New("connection refused")}
	p := NewProvider(src, nil, nil)

	_, err := p.Rate(context.Background(), "ARS", "USD")
	require.ErrorIs(t, err, ErrRateUnavailable)
}

func TestProvider_UsesConfiguredFallbackOnly(t *testing.T) {
	src := &stubSource{err: errors.New("connection refused")}
	p := NewProvider(src, nil, map[string]decimal.Decimal{"ARS:USD": decimal.RequireFromString("0.001")})

	rate, err := p.Rate(context.Background(), "ARS", "USD")
	require.NoError(t, err)
	require.Equal(t, SourceFallback, rate.Source)
	require.Equal(t, "0.001", rate.Value.String())

	_, err = p.Rate(context.Background(), "BRL", "USD")
	require.ErrorIs(t, err, ErrRateUnavailable)
}

func TestHTTPSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/latest", r.URL.Path)
		require.Equal(t, "ARS", r.URL.Query().Get("base"))
		require.Equal(t, "USD", r.URL.Query().Get("symbols"))
		_, _ = io.WriteString(w, `{"base":"ARS","rates":{"USD":0.00102}}`)
	}))
	defer srv.Close()

	rate, err := NewHTTPSource(srv.URL, time.Second).Fetch(context.Background(), "ARS", "USD")
	require.NoError(t, err)
	require.Equal(t, "0.00102", rate.Value.String())
	require.NotEmpty(t, rate.Source)
}

func TestHTTPSource_MissingPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"base":"ARS","rates":{}}`)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, time.Second).Fetch(context.Background(), "ARS", "USD")
	require.Error(t, err)
}
