// Package figi resolves CUSIPs to display tickers via the OpenFIGI mapping
// API. Resolution results never change, so the caller-supplied cache is
// consulted first and written permanently.
package figi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const defaultMappingURL = "https://api.openfigi.com/v3/mapping"

// OpenFIGI free tier: 10 items per request, 5 requests per minute.
// A keyed account raises both substantially.
const (
	batchSizeFree  = 10
	batchSizeKeyed = 100
)

// CacheRead returns the cached ticker for a CUSIP, with ok=false on miss.
// A cached empty ticker is a negative result and still a hit.
type CacheRead func(cusip string) (ticker string, ok bool)

// CacheWrite stores a resolution result.
type CacheWrite func(cusip, ticker, name, exchange string)

// Resolver maps CUSIPs to tickers.
type Resolver struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	mappingURL string
	batchSize  int
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithMappingURL overrides the OpenFIGI endpoint, for tests.
func WithMappingURL(url string) Option {
	return func(r *Resolver) { r.mappingURL = url }
}

// NewResolver creates a resolver. An empty apiKey uses the free tier's
// batch size and request rate.
func NewResolver(apiKey string, opts ...Option) *Resolver {
	r := &Resolver{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		mappingURL: defaultMappingURL,
	}
	if apiKey == "" {
		r.batchSize = batchSizeFree
		r.limiter = rate.NewLimiter(rate.Every(12*time.Second), 1)
	} else {
		r.batchSize = batchSizeKeyed
		r.limiter = rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type mappingRequest struct {
	IDType  string `json:"idType"`
	IDValue string `json:"idValue"`
}

type mappingResult struct {
	Data []struct {
		Ticker       string `json:"ticker"`
		Name         string `json:"name"`
		ExchCode     string `json:"exchCode"`
		MarketSector string `json:"marketSector"`
	} `json:"data"`
	Error string `json:"error"`
}

// Resolve maps CUSIPs to tickers, reading the cache first and calling
// OpenFIGI only for unknowns. Unresolvable CUSIPs are cached negatively
// and omitted from the result.
func (r *Resolver) Resolve(ctx context.Context, cusips []string, read CacheRead, write CacheWrite) (map[string]string, error) {
	unique := dedupe(cusips)

	result := make(map[string]string)
	var unknown []string
	for _, cusip := range unique {
		if ticker, ok := read(cusip); ok {
			if ticker != "" {
				result[cusip] = ticker
			}
			continue
		}
		unknown = append(unknown, cusip)
	}

	if len(unknown) == 0 {
		return result, nil
	}
	log.Info().Int("count", len(unknown)).Msg("resolving unknown CUSIPs via OpenFIGI")

	for start := 0; start < len(unknown); start += r.batchSize {
		end := min(start+r.batchSize, len(unknown))
		batch := unknown[start:end]

		if err := r.limiter.Wait(ctx); err != nil {
			return result, err
		}
		results, err := r.mapBatch(ctx, batch)
		if err != nil {
			// Partial results are still useful; the rest resolves on the
			// next run.
			return result, fmt.Errorf("figi: batch starting at %d: %w", start, err)
		}
		for i, cusip := range batch {
			res := results[i]
			if res.Error != "" || len(res.Data) == 0 {
				write(cusip, "", "", "")
				continue
			}
			d := res.Data[0]
			write(cusip, d.Ticker, d.Name, d.ExchCode)
			if d.Ticker != "" {
				result[cusip] = d.Ticker
			}
		}
	}

	return result, nil
}

func (r *Resolver) mapBatch(ctx context.Context, cusips []string) ([]mappingResult, error) {
	reqs := make([]mappingRequest, len(cusips))
	for i, cusip := range cusips {
		reqs[i] = mappingRequest{IDType: "ID_CUSIP", IDValue: cusip}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.mappingURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-OPENFIGI-APIKEY", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openfigi status %d", resp.StatusCode)
	}

	var results []mappingResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode openfigi response: %w", err)
	}
	if len(results) != len(cusips) {
		return nil, fmt.Errorf("openfigi returned %d results for %d cusips", len(results), len(cusips))
	}
	return results, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
