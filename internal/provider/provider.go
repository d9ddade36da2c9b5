// Package provider defines the contract every market data vendor adapter implements
// and the typed error taxonomy those adapters report.
package provider

//go:generate mockgen -destination=providermock/provider.go -package=providermock github.com/yourorg/marketdata-router/internal/provider Provider

import (
	"context"
	"time"

	"github.com/yourorg/marketdata-router/internal/model"
)

// Provider is a market data source such as a vendor REST API.
//
// Every method either returns the typed result or a *Error. Adapters must not panic;
// the router recovers panics anyway and reports them as Malformed.
type Provider interface {
	// Name is the unique identifier used in logs, metrics and configuration
	Name() string

	// Priority is the static priority hint; lower values are preferred
	Priority() int

	// Capabilities declares which requests the provider can serve
	Capabilities() Capabilities

	// HealthCheck is a cheap check (ping or minimal fetch) used by the health monitor
	HealthCheck(ctx context.Context) error

	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Candle, error)
	FetchStockInfo(ctx context.Context, symbol string) (model.StockInfo, error)
	FetchFinancials(ctx context.Context, symbol, period string) (model.FinancialStatementData, error)
	FetchValuation(ctx context.Context, symbol string) (model.ValuationMetrics, error)
}

// Timeouter is implemented by providers that declare their own per-call timeout.
type Timeouter interface {
	CallTimeout() time.Duration
}

// IndexProvider is implemented by providers with a dedicated index endpoint.
type IndexProvider interface {
	FetchIndexDaily(ctx context.Context, symbol string, r model.DateRange) ([]model.Candle, error)
}

// BatchValuer is implemented by providers that return valuations for many symbols in
// one call.
type BatchValuer interface {
	FetchValuations(ctx context.Context, symbols []string) ([]model.ValuationMetrics, error)
}

// FetchIndexDaily asks p for daily index candles, falling back to its daily candles.
func FetchIndexDaily(ctx context.Context, p Provider, symbol string, r model.DateRange) ([]model.Candle, error) {
	if ip, ok := p.(IndexProvider); ok {
		return ip.FetchIndexDaily(ctx, symbol, r)
	}
	return p.FetchCandles(ctx, symbol, model.Daily, r)
}

// FetchValuations asks p for the valuations of symbols, one call per symbol unless p
// is a BatchValuer. The first failing symbol fails the batch.
func FetchValuations(ctx context.Context, p Provider, symbols []string) ([]model.ValuationMetrics, error) {
	if bv, ok := p.(BatchValuer); ok {
		return bv.FetchValuations(ctx, symbols)
	}
	out := make([]model.ValuationMetrics, 0, len(symbols))
	for _, s := range symbols {
		v, err := p.FetchValuation(ctx, s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Info is the static descriptor of a registered provider.
type Info struct {
	Name         string       `json:"name"`
	Priority     int          `json:"priority"`
	Capabilities Capabilities `json:"capabilities"`
}

// Describe builds the Info for p, using priority when it is non-nil instead of the
// provider's own hint.
func Describe(p Provider, priority *int) Info {
	info := Info{
		Name:         p.Name(),
		Priority:     p.Priority(),
		Capabilities: p.Capabilities(),
	}
	if priority != nil {
		info.Priority = *priority
	}
	return info
}
