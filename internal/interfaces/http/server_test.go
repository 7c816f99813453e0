package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/findings"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
	"github.com/fundtrack/fundtrack/internal/metrics"
	"github.com/fundtrack/fundtrack/internal/persistence"
)

var testPeriod = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

type fakeHoldingsRepo struct {
	quarters map[string][]time.Time
}

func (f *fakeHoldingsRepo) SaveSnapshot(ctx context.Context, snap *holdings.FundHoldings) error {
	return nil
}

func (f *fakeHoldingsRepo) GetSnapshot(ctx context.Context, cik string, quarterEnd time.Time) (*holdings.FundHoldings, error) {
	return nil, nil
}

func (f *fakeHoldingsRepo) ListQuarters(ctx context.Context, cik string) ([]time.Time, error) {
	return f.quarters[cik], nil
}

func (f *fakeHoldingsRepo) ListFunds(ctx context.Context) ([]string, error) {
	ciks := make([]string, 0, len(f.quarters))
	for cik := range f.quarters {
		ciks = append(ciks, cik)
	}
	sort.Strings(ciks)
	return ciks, nil
}

type fakeResultsRepo struct {
	diffs    map[string]*diff.FundDiff // key cik|period
	signals  map[string]*aggregate.Signals
	findings map[string][]findings.Finding
	err      error
}

func resultKey(cik string, period time.Time) string {
	return cik + "|" + period.Format(periodLayout)
}

func (f *fakeResultsRepo) SaveFundDiff(ctx context.Context, runID string, fd *diff.FundDiff) error {
	f.diffs[resultKey(fd.Fund.CIK, fd.Period)] = fd
	return nil
}

func (f *fakeResultsRepo) GetFundDiff(ctx context.Context, cik string, period time.Time) (*diff.FundDiff, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.diffs[resultKey(cik, period)], nil
}

func (f *fakeResultsRepo) SaveSignals(ctx context.Context, runID string, s *aggregate.Signals) error {
	f.signals[s.Period.Format(periodLayout)] = s
	return nil
}

func (f *fakeResultsRepo) GetSignals(ctx context.Context, period time.Time) (*aggregate.Signals, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.signals[period.Format(periodLayout)], nil
}

func (f *fakeResultsRepo) SaveFindings(ctx context.Context, runID string, period time.Time, fs []findings.Finding) error {
	f.findings[period.Format(periodLayout)] = fs
	return nil
}

func (f *fakeResultsRepo) GetFindings(ctx context.Context, period time.Time) ([]findings.Finding, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.findings[period.Format(periodLayout)], nil
}

func testServer(t *testing.T) (*Server, *fakeResultsRepo) {
	t.Helper()

	results := &fakeResultsRepo{
		diffs:    make(map[string]*diff.FundDiff),
		signals:  make(map[string]*aggregate.Signals),
		findings: make(map[string][]findings.Finding),
	}
	results.diffs[resultKey("1423053", testPeriod)] = &diff.FundDiff{
		Fund:                holdings.FundInfo{CIK: "1423053", Name: "Citadel Advisors", Tier: holdings.TierA},
		Period:              testPeriod,
		CurrentAUMThousands: 500_000_000,
	}
	results.signals[testPeriod.Format(periodLayout)] = &aggregate.Signals{
		Period:        testPeriod,
		FundsAnalyzed: 2,
		CrowdedTrades: []aggregate.CrowdedTrade{{
			SecurityID: "67066G104", Ticker: "NVDA",
			Direction: aggregate.DirectionBuy, ConsensusCount: 3,
			BuyerFundIDs: []string{"100", "200", "300"},
		}},
		Overlap: &aggregate.OverlapMatrix{
			Period:  testPeriod,
			FundIDs: []string{"100", "200"},
			Scores:  [][]float64{{1, 0.4}, {0.4, 1}},
		},
	}

	results.findings[testPeriod.Format(periodLayout)] = []findings.Finding{{
		Category: findings.CategoryCrowdedBuy,
		Headline: "NVDA: 3 funds buying, none selling",
		Detail:   "Pure consensus.",
		Score:    9.0,
		Ticker:   "NVDA",
	}}

	repo := persistence.Repository{
		Holdings: &fakeHoldingsRepo{quarters: map[string][]time.Time{
			"1423053": {time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), testPeriod},
		}},
		Results: results,
	}

	srv, err := NewServer(ServerConfig{
		Listen:       "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  5 * time.Second,
	}, repo, nil, metrics.NewRegistry())
	require.NoError(t, err)
	return srv, results
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestServer_Health(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Funds(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/funds")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body struct {
		Funds []string `json:"funds"`
	}
	decode(t, rec, &body)
	assert.Equal(t, []string{"1423053"}, body.Funds)
}

func TestServer_FundQuarters(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/funds/1423053/quarters")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		CIK      string   `json:"cik"`
		Quarters []string `json:"quarters"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "1423053", body.CIK)
	assert.Equal(t, []string{"2025-03-31", "2025-06-30"}, body.Quarters)
}

func TestServer_FundDiff(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/funds/1423053/diff/2025-06-30")

	require.Equal(t, http.StatusOK, rec.Code)
	var fd diff.FundDiff
	decode(t, rec, &fd)
	assert.Equal(t, "Citadel Advisors", fd.Fund.Name)
	assert.Equal(t, int64(500_000_000), fd.CurrentAUMThousands)
}

func TestServer_FundDiff_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/funds/999/diff/2025-06-30")

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Contains(t, body.Error, "no diff")
}

func TestServer_FundDiff_BadPeriod(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/funds/1423053/diff/not-a-date")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Contains(t, body.Error, "invalid period")
}

func TestServer_Signals(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/signals/2025-06-30")

	require.Equal(t, http.StatusOK, rec.Code)
	var sig aggregate.Signals
	decode(t, rec, &sig)
	assert.Equal(t, 2, sig.FundsAnalyzed)
	require.Len(t, sig.CrowdedTrades, 1)
	assert.Equal(t, "NVDA", sig.CrowdedTrades[0].Ticker)
}

func TestServer_Signals_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/signals/2020-03-31")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SignalsSubResources(t *testing.T) {
	srv, _ := testServer(t)

	rec := get(t, srv, "/v1/signals/2025-06-30/crowded")
	require.Equal(t, http.StatusOK, rec.Code)
	var crowded struct {
		Period        string                   `json:"period"`
		CrowdedTrades []aggregate.CrowdedTrade `json:"crowded_trades"`
	}
	decode(t, rec, &crowded)
	assert.Equal(t, "2025-06-30", crowded.Period)
	assert.Len(t, crowded.CrowdedTrades, 1)

	rec = get(t, srv, "/v1/signals/2025-06-30/divergences")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, srv, "/v1/signals/2025-06-30/overlap")
	require.Equal(t, http.StatusOK, rec.Code)
	var overlap aggregate.OverlapMatrix
	decode(t, rec, &overlap)
	assert.Equal(t, []string{"100", "200"}, overlap.FundIDs)
}

func TestServer_Findings(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/signals/2025-06-30/findings")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Period   string             `json:"period"`
		Findings []findings.Finding `json:"findings"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "2025-06-30", body.Period)
	require.Len(t, body.Findings, 1)
	assert.Equal(t, "NVDA: 3 funds buying, none selling", body.Findings[0].Headline)
	assert.Equal(t, findings.CategoryCrowdedBuy, body.Findings[0].Category)
}

func TestServer_Findings_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/signals/2020-03-31/findings")

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Contains(t, body.Error, "no findings")
}

func TestServer_Findings_BadPeriod(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/signals/not-a-date/findings")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StorageErrorIs500(t *testing.T) {
	srv, results := testServer(t)
	results.err = fmt.Errorf("connection refused")

	rec := get(t, srv, "/v1/signals/2025-06-30")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "storage error", body.Error)
}

func TestServer_Report(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/report/2025-06-30")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	body := rec.Body.String()
	assert.Contains(t, body, "# 13F Fund Tracker Report: Q2 2025")
	assert.Contains(t, body, "Citadel Advisors")
	assert.Contains(t, body, "### Top Findings")
	assert.Contains(t, body, "NVDA: 3 funds buying, none selling")
}

func TestServer_UnknownRouteIs404JSON(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv, "/v1/nope")

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "not found", body.Error)
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := testServer(t)
	get(t, srv, "/health")

	rec := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fundtrack_http_requests_total")
}
