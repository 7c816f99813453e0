// Package providers defines the pluggable market-data provider contract
// and the static registry that selects a concrete implementation by
// configured name. Providers share one capability surface: price
// performance and ticker fundamentals. There is no runtime discovery;
// every provider is enumerated here at compile time.
package providers

import (
	"context"
	"fmt"
	"sort"
)

// Performance is price context for one ticker. Nil fields mean the figure
// could not be computed from available history.
type Performance struct {
	CurrentPrice float64  `json:"current_price"`
	Return1W     *float64 `json:"return_1w,omitempty"`
	Return1M     *float64 `json:"return_1m,omitempty"`
	ReturnYTD    *float64 `json:"return_ytd,omitempty"`
	Return1Y     *float64 `json:"return_1y,omitempty"`
}

// TickerInfo is fundamental data for one ticker.
type TickerInfo struct {
	Sector            string  `json:"sector,omitempty"`
	Industry          string  `json:"industry,omitempty"`
	MarketCap         float64 `json:"market_cap,omitempty"`
	SharesOutstanding int64   `json:"shares_outstanding,omitempty"`
	FloatShares       int64   `json:"float_shares,omitempty"`
}

// Provider is the fixed capability contract every market data source
// implements. Failures are per-ticker: a provider returns what it could
// fetch and the caller degrades gracefully for the rest.
type Provider interface {
	// Name identifies the provider in logs and configuration.
	Name() string

	// PricePerformance fetches current price and period returns for the
	// given tickers. Tickers with no data are absent from the result.
	PricePerformance(ctx context.Context, tickers []string) (map[string]Performance, error)

	// Info fetches fundamentals for one ticker.
	Info(ctx context.Context, ticker string) (*TickerInfo, error)
}

// Constructor builds a provider from its configuration.
type Constructor func() Provider

// registry statically enumerates every available provider.
var registry = map[string]Constructor{
	"yahoo": func() Provider { return NewYahooProvider() },
	"noop":  func() Provider { return NoopProvider{} },
}

// New resolves a provider by configured name, once at startup.
func New(name string) (Provider, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q (available: %v)", name, Available())
	}
	return ctor(), nil
}

// Available lists the registered provider names.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NoopProvider returns no data. Used when price context is disabled;
// findings still compose, just without performance tags.
type NoopProvider struct{}

// Name implements Provider.
func (NoopProvider) Name() string { return "noop" }

// PricePerformance implements Provider.
func (NoopProvider) PricePerformance(ctx context.Context, tickers []string) (map[string]Performance, error) {
	return map[string]Performance{}, nil
}

// Info implements Provider.
func (NoopProvider) Info(ctx context.Context, ticker string) (*TickerInfo, error) {
	return &TickerInfo{}, nil
}
