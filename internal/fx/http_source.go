package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
)

// HTTPSource reads rates from an endpoint answering
// GET <base>/latest?base=ARS&symbols=USD with {"base":"ARS","rates":{"USD":0.001}}.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type latestResponse struct {
	Base  string                 `json:"base"`
	Rates map[string]json.Number `json:"rates"`
}

func (s *HTTPSource) Fetch(ctx context.Context, from, to string) (interfaces.Rate, error) {
	q := url.Values{}
	q.Set("base", from)
	q.Set("symbols", to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/latest?"+q.Encode(), nil)
	if err != nil {
		return interfaces.Rate{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return interfaces.Rate{}, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return interfaces.Rate{}, fmt.Errorf("fetch rate: status %d", resp.StatusCode)
	}

	var body latestResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return interfaces.Rate{}, fmt.Errorf("decode rate: %w", err)
	}
	raw, ok := body.Rates[to]
	if !ok {
		return interfaces.Rate{}, fmt.Errorf("rate %s:%s missing from response", from, to)
	}
	value, err := decimal.NewFromString(raw.String())
	if err != nil || !value.IsPositive() {
		return interfaces.Rate{}, fmt.Errorf("invalid rate %q for %s:%s", raw, from, to)
	}
	return interfaces.Rate{Value: value, Source: req.URL.Host}, nil
}
