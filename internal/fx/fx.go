// Package fx resolves settlement exchange rates. A failed lookup is an
// explicit ErrRateUnavailable unless a fallback rate was configured for the
// pair.
package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

var ErrRateUnavailable = errors.New("exchange rate unavailable")

const (
	SourceIdentity = "identity"
	SourceFallback = "fallback"
)

// Source fetches a live rate.
type Source interface {
	Fetch(ctx context.Context, from, to string) (interfaces.Rate, error)
}

type Cache interface {
	Get(ctx context.Context, from, to string) (interfaces.Rate, bool, error)
	Set(ctx context.Context, from, to string, rate interfaces.Rate) error
}

// Provider resolves rates from the cache, then the live source, then the
// configured fallback table.
type Provider struct {
	source   Source
	cache    Cache
	fallback map[string]decimal.Decimal
}

var _ interfaces.RateProvider = (*Provider)(nil)

// NewProvider builds a Provider. source and cache may be nil. fallback is
// keyed "FROM:TO"; an empty table means failed lookups are rejected.
func NewProvider(source Source, cache Cache, fallback map[string]decimal.Decimal) *Provider {
	return &Provider{source: source, cache: cache, fallback: fallback}
}

func (p *Provider) Rate(ctx context.Context, from, to string) (interfaces.Rate, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return interfaces.Rate{Value: decimal.NewFromInt(1), Source: SourceIdentity}, nil
	}

	if p.cache != nil {
		rate, ok, err := p.cache.Get(ctx, from, to)
		if err != nil {
			telemetry.Logger.Warn("FX cache read failed", zap.String("pair", pair(from, to)), zap.Error(err))
		} else if ok {
			return rate, nil
		}
	}

	var lookupErr error
	if p.source != nil {
		rate, err := p.source.Fetch(ctx, from, to)
		if err == nil {
			if p.cache != nil {
				if err := p.cache.Set(ctx, from, to, rate); err != nil {
					telemetry.Logger.Warn("FX cache write failed", zap.String("pair", pair(from, to)), zap.Error(err))
				}
			}
			return rate, nil
		}
		lookupErr = err
	} else {
		lookupErr = errors.New("no rate source configured")
	}

	if value, ok := p.fallback[pair(from, to)]; ok {
		telemetry.Logger.Warn("Using configured fallback FX rate",
			zap.String("pair", pair(from, to)),
			zap.String("rate", value.String()),
			zap.NamedError("lookup_error", lookupErr),
		)
		return interfaces.Rate{Value: value, Source: SourceFallback}, nil
	}
	return interfaces.Rate{}, fmt.Errorf("%w: %s: %v", ErrRateUnavailable, pair(from, to), lookupErr)
}

func pair(from, to string) string {
	return from + ":" + to
}
