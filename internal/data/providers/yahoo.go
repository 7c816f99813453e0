package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const defaultYahooBaseURL = "https://query1.finance.yahoo.com"

// YahooProvider fetches daily bars from the Yahoo Finance chart API and
// derives period returns from the close series.
type YahooProvider struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	baseURL    string
	now        func() time.Time
}

// YahooOption customizes the provider.
type YahooOption func(*YahooProvider)

// WithYahooBaseURL overrides the API endpoint, for tests.
func WithYahooBaseURL(u string) YahooOption {
	return func(p *YahooProvider) { p.baseURL = u }
}

// WithYahooClock overrides the clock, for tests.
func WithYahooClock(now func() time.Time) YahooOption {
	return func(p *YahooProvider) { p.now = now }
}

// NewYahooProvider creates the Yahoo Finance provider.
func NewYahooProvider(opts ...YahooOption) *YahooProvider {
	st := gobreaker.Settings{Name: "yahoo"}
	st.Interval = 60 * time.Second
	st.Timeout = 2 * time.Minute
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 4
	}

	p := &YahooProvider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 1),
		breaker:    gobreaker.NewCircuitBreaker(st),
		baseURL:    defaultYahooBaseURL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Provider.
func (p *YahooProvider) Name() string { return "yahoo" }

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// PricePerformance implements Provider. Per-ticker failures are logged and
// skipped; one bad symbol never fails the batch.
func (p *YahooProvider) PricePerformance(ctx context.Context, tickers []string) (map[string]Performance, error) {
	out := make(map[string]Performance, len(tickers))
	for _, ticker := range tickers {
		perf, err := p.fetchOne(ctx, ticker)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			log.Warn().Str("ticker", ticker).Err(err).Msg("yahoo price fetch failed")
			continue
		}
		out[ticker] = *perf
	}
	return out, nil
}

func (p *YahooProvider) fetchOne(ctx context.Context, ticker string) (*Performance, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=1y&interval=1d", p.baseURL, url.PathEscape(ticker))
	body, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doGet(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	var chart chartResponse
	if err := json.Unmarshal(body.([]byte), &chart); err != nil {
		return nil, fmt.Errorf("failed to decode chart response: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo error: %s", chart.Chart.Error.Code)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("no chart data for %s", ticker)
	}

	res := chart.Chart.Result[0]
	closes := res.Indicators.Quote[0].Close
	return derivePerformance(res.Timestamp, closes, p.now())
}

func (p *YahooProvider) doGet(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (fundtrack)")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// derivePerformance computes period returns from a daily close series.
func derivePerformance(timestamps []int64, closes []*float64, now time.Time) (*Performance, error) {
	type bar struct {
		ts    time.Time
		close float64
	}
	bars := make([]bar, 0, len(timestamps))
	for i, ts := range timestamps {
		if i < len(closes) && closes[i] != nil {
			bars = append(bars, bar{ts: time.Unix(ts, 0).UTC(), close: *closes[i]})
		}
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no usable bars")
	}

	current := bars[len(bars)-1].close
	perf := &Performance{CurrentPrice: current}

	closeAtOrBefore := func(cutoff time.Time) *float64 {
		for i := len(bars) - 1; i >= 0; i-- {
			if !bars[i].ts.After(cutoff) {
				c := bars[i].close
				return &c
			}
		}
		return nil
	}
	ret := func(hist *float64) *float64 {
		if hist == nil || *hist <= 0 {
			return nil
		}
		r := (current - *hist) / *hist
		return &r
	}

	perf.Return1W = ret(closeAtOrBefore(now.AddDate(0, 0, -7)))
	perf.Return1M = ret(closeAtOrBefore(now.AddDate(0, -1, 0)))
	perf.ReturnYTD = ret(closeAtOrBefore(time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)))
	perf.Return1Y = ret(closeAtOrBefore(now.AddDate(-1, 0, 0)))

	return perf, nil
}

// quoteSummaryResponse mirrors the quoteSummary payload for the modules
// the provider requests. Every module is optional per symbol.
type quoteSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			AssetProfile *struct {
				Sector   string `json:"sector"`
				Industry string `json:"industry"`
			} `json:"assetProfile"`
			Price *struct {
				MarketCap struct {
					Raw float64 `json:"raw"`
				} `json:"marketCap"`
			} `json:"price"`
			DefaultKeyStatistics *struct {
				SharesOutstanding struct {
					Raw int64 `json:"raw"`
				} `json:"sharesOutstanding"`
				FloatShares struct {
					Raw int64 `json:"raw"`
				} `json:"floatShares"`
			} `json:"defaultKeyStatistics"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteSummary"`
}

// Info implements Provider via the quoteSummary API. Missing modules on a
// symbol degrade to zero-valued fields, not errors.
func (p *YahooProvider) Info(ctx context.Context, ticker string) (*TickerInfo, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=assetProfile%%2CdefaultKeyStatistics%%2Cprice",
		p.baseURL, url.PathEscape(ticker))
	body, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doGet(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	var qs quoteSummaryResponse
	if err := json.Unmarshal(body.([]byte), &qs); err != nil {
		return nil, fmt.Errorf("failed to decode quote summary: %w", err)
	}
	if qs.QuoteSummary.Error != nil {
		return nil, fmt.Errorf("yahoo error: %s", qs.QuoteSummary.Error.Code)
	}
	if len(qs.QuoteSummary.Result) == 0 {
		return nil, fmt.Errorf("no quote summary for %s", ticker)
	}

	res := qs.QuoteSummary.Result[0]
	info := &TickerInfo{}
	if res.AssetProfile != nil {
		info.Sector = res.AssetProfile.Sector
		info.Industry = res.AssetProfile.Industry
	}
	if res.Price != nil {
		info.MarketCap = res.Price.MarketCap.Raw
	}
	if res.DefaultKeyStatistics != nil {
		info.SharesOutstanding = res.DefaultKeyStatistics.SharesOutstanding.Raw
		info.FloatShares = res.DefaultKeyStatistics.FloatShares.Raw
	}
	return info, nil
}
