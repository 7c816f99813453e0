package application

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundtrack/fundtrack/internal/config"
	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/findings"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
	"github.com/fundtrack/fundtrack/internal/metrics"
	"github.com/fundtrack/fundtrack/internal/persistence"
)

const dateLayout = "2006-01-02"

// memHoldingsRepo is an in-memory HoldingsRepo for pipeline tests.
type memHoldingsRepo struct {
	snapshots map[string]map[string]*holdings.FundHoldings // cik -> quarter -> snapshot
	listErr   error
}

func newMemHoldingsRepo() *memHoldingsRepo {
	return &memHoldingsRepo{snapshots: make(map[string]map[string]*holdings.FundHoldings)}
}

func (m *memHoldingsRepo) SaveSnapshot(ctx context.Context, snap *holdings.FundHoldings) error {
	cik := snap.Fund.CIK
	if m.snapshots[cik] == nil {
		m.snapshots[cik] = make(map[string]*holdings.FundHoldings)
	}
	m.snapshots[cik][snap.QuarterEnd.Format(dateLayout)] = snap
	return nil
}

func (m *memHoldingsRepo) GetSnapshot(ctx context.Context, cik string, quarterEnd time.Time) (*holdings.FundHoldings, error) {
	return m.snapshots[cik][quarterEnd.Format(dateLayout)], nil
}

func (m *memHoldingsRepo) ListQuarters(ctx context.Context, cik string) ([]time.Time, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []time.Time
	for key := range m.snapshots[cik] {
		q, _ := time.Parse(dateLayout, key)
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *memHoldingsRepo) ListFunds(ctx context.Context) ([]string, error) {
	var out []string
	for cik := range m.snapshots {
		out = append(out, cik)
	}
	sort.Strings(out)
	return out, nil
}

// memResultsRepo records what the pipeline persisted.
type memResultsRepo struct {
	savedDiffs    map[string]*diff.FundDiff
	savedSignals  *aggregate.Signals
	savedFindings []findings.Finding
	runIDs        map[string]bool
	saveErr       error
}

func newMemResultsRepo() *memResultsRepo {
	return &memResultsRepo{savedDiffs: make(map[string]*diff.FundDiff), runIDs: make(map[string]bool)}
}

func (m *memResultsRepo) SaveFundDiff(ctx context.Context, runID string, fd *diff.FundDiff) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedDiffs[fd.Fund.CIK] = fd
	m.runIDs[runID] = true
	return nil
}

func (m *memResultsRepo) GetFundDiff(ctx context.Context, cik string, period time.Time) (*diff.FundDiff, error) {
	return m.savedDiffs[cik], nil
}

func (m *memResultsRepo) SaveSignals(ctx context.Context, runID string, s *aggregate.Signals) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedSignals = s
	m.runIDs[runID] = true
	return nil
}

func (m *memResultsRepo) GetSignals(ctx context.Context, period time.Time) (*aggregate.Signals, error) {
	return m.savedSignals, nil
}

func (m *memResultsRepo) SaveFindings(ctx context.Context, runID string, period time.Time, fs []findings.Finding) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedFindings = fs
	m.runIDs[runID] = true
	return nil
}

func (m *memResultsRepo) GetFindings(ctx context.Context, period time.Time) ([]findings.Finding, error) {
	return m.savedFindings, nil
}

// quarters returns n consecutive quarter ends finishing at 2025-06-30,
// oldest first.
func quarters(n int) []time.Time {
	endDay := map[time.Month]int{time.March: 31, time.June: 30, time.September: 30, time.December: 31}
	ends := make([]time.Time, n)
	year, month := 2025, time.June
	for i := n - 1; i >= 0; i-- {
		ends[i] = time.Date(year, month, endDay[month], 0, 0, 0, 0, time.UTC)
		month -= 3
		if month < time.March {
			month = time.December
			year--
		}
	}
	return ends
}

// seedFund stores n quarterly snapshots whose position count changes
// every quarter so diffs always carry activity.
func seedFund(repo *memHoldingsRepo, fund holdings.FundInfo, n int) {
	for i, q := range quarters(n) {
		hs := []holdings.Holding{
			{CUSIP: "AAA000001", IssuerName: "ALPHA CORP", Shares: int64(1000 + 100*i), ValueThousands: int64(5000 + 500*i)},
			{CUSIP: "BBB000002", IssuerName: "BETA INC", Shares: 2000, ValueThousands: 8000},
		}
		if i%2 == 0 {
			hs = append(hs, holdings.Holding{
				CUSIP: fmt.Sprintf("CCC%06d", i), IssuerName: "ROTATOR", Shares: 500, ValueThousands: 1000,
			})
		}
		repo.SaveSnapshot(context.Background(), &holdings.FundHoldings{
			Fund:       fund,
			QuarterEnd: q,
			FilingDate: q.AddDate(0, 0, 44),
			ReportDate: q,
			Holdings:   hs,
		})
	}
}

func testPipeline(t *testing.T, hrepo *memHoldingsRepo, rrepo *memResultsRepo, funds ...holdings.FundInfo) *Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Analysis.Workers = 2
	return NewPipeline(&cfg, &config.Watchlist{Funds: funds}, nil,
		persistence.Repository{Holdings: hrepo, Results: rrepo},
		nil, metrics.NewRegistry(), nil)
}

func TestPipeline_AnalyzeQuarter(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	rrepo := newMemResultsRepo()

	alpha := holdings.FundInfo{CIK: "100", Name: "Alpha Capital", Tier: holdings.TierA}
	beta := holdings.FundInfo{CIK: "200", Name: "Beta Partners", Tier: holdings.TierB}
	seedFund(hrepo, alpha, 8)
	seedFund(hrepo, beta, 8)

	p := testPipeline(t, hrepo, rrepo, alpha, beta)
	period := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

	res, err := p.AnalyzeQuarter(context.Background(), period)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.True(t, res.Period.Equal(period))
	require.Len(t, res.Diffs, 2)
	assert.Equal(t, "100", res.Diffs[0].Fund.CIK, "diffs come back in CIK order")
	assert.Equal(t, "200", res.Diffs[1].Fund.CIK)
	assert.Equal(t, 2, res.Signals.FundsAnalyzed)
	assert.NotEmpty(t, res.Signals.Ranked, "seeded books rotate a position every quarter")

	// Both diffs and the signal set landed in the store under one run id.
	assert.Len(t, rrepo.savedDiffs, 2)
	require.NotNil(t, rrepo.savedSignals)
	assert.Len(t, rrepo.runIDs, 1)
}

func TestPipeline_AnalyzeQuarter_PersistsFindings(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	rrepo := newMemResultsRepo()

	funds := []holdings.FundInfo{
		{CIK: "100", Name: "Alpha", Tier: holdings.TierA},
		{CIK: "200", Name: "Beta", Tier: holdings.TierB},
		{CIK: "300", Name: "Gamma", Tier: holdings.TierC},
	}
	for _, f := range funds {
		seedFund(hrepo, f, 8)
	}

	p := testPipeline(t, hrepo, rrepo, funds...)
	res, err := p.AnalyzeQuarter(context.Background(), time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// Three funds moving in lockstep guarantees consensus headlines, and
	// the stored list is exactly what the run returned, under one run id.
	require.NotEmpty(t, res.Findings)
	assert.Equal(t, res.Findings, rrepo.savedFindings)
	assert.Len(t, rrepo.runIDs, 1)
}

func TestPipeline_AnalyzeQuarter_TracksConvictionStreaks(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	rrepo := newMemResultsRepo()

	fund := holdings.FundInfo{CIK: "100", Name: "Alpha Capital", Tier: holdings.TierA}
	seedFund(hrepo, fund, 8) // ALPHA CORP gains shares every quarter

	p := testPipeline(t, hrepo, rrepo, fund)
	res, err := p.AnalyzeQuarter(context.Background(), time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, res.Diffs, 1)
	var alpha *holdings.ConvictionTrack
	for i := range res.Diffs[0].Convictions {
		if res.Diffs[0].Convictions[i].SecurityID == "AAA000001" {
			alpha = &res.Diffs[0].Convictions[i]
		}
	}
	require.NotNil(t, alpha, "a position added every quarter carries a streak")
	assert.Equal(t, 8, alpha.QuartersHeld)
	assert.Equal(t, 7, alpha.ConsecutiveAdds)
	assert.Zero(t, alpha.ConsecutiveTrims)
}

func TestPipeline_AnalyzeQuarter_TagsThemes(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	rrepo := newMemResultsRepo()

	fund := holdings.FundInfo{CIK: "100", Name: "Alpha Capital", Tier: holdings.TierA}
	for i, q := range quarters(2) {
		hrepo.SaveSnapshot(context.Background(), &holdings.FundHoldings{
			Fund:       fund,
			QuarterEnd: q,
			FilingDate: q.AddDate(0, 0, 44),
			ReportDate: q,
			Holdings: []holdings.Holding{
				{CUSIP: "67066G104", Ticker: "NVDA", IssuerName: "NVIDIA CORP", Shares: int64(1000 + 500*i), ValueThousands: int64(120000 + 10000*i)},
				{CUSIP: "88160R101", Ticker: "TSLA", IssuerName: "TESLA INC", Shares: 2000, ValueThousands: 80000},
			},
		})
	}

	themes := &config.Themes{}
	themes.Themes = append(themes.Themes, struct {
		Name    string   `yaml:"name"`
		Tickers []string `yaml:"tickers"`
	}{Name: "AI Infrastructure", Tickers: []string{"nvda"}})

	cfg := config.Default()
	cfg.Analysis.Workers = 1
	p := NewPipeline(&cfg, &config.Watchlist{Funds: []holdings.FundInfo{fund}}, themes,
		persistence.Repository{Holdings: hrepo, Results: rrepo},
		nil, metrics.NewRegistry(), nil)

	res, err := p.AnalyzeQuarter(context.Background(), time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, res.Diffs, 1)

	for _, d := range res.Diffs[0].Diffs {
		switch d.Ticker {
		case "NVDA":
			assert.Equal(t, []string{"AI Infrastructure"}, d.Themes, "ticker match ignores case")
		case "TSLA":
			assert.Empty(t, d.Themes)
		}
	}
}

func TestPipeline_AnalyzeQuarter_FundWithoutHistorySitsOut(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	rrepo := newMemResultsRepo()

	veteran := holdings.FundInfo{CIK: "100", Name: "Veteran Fund", Tier: holdings.TierA}
	newcomer := holdings.FundInfo{CIK: "200", Name: "Newcomer Fund", Tier: holdings.TierD}
	seedFund(hrepo, veteran, 4)
	seedFund(hrepo, newcomer, 1) // current quarter only, nothing to diff against

	p := testPipeline(t, hrepo, rrepo, veteran, newcomer)
	period := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

	res, err := p.AnalyzeQuarter(context.Background(), period)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Signals.FundsAnalyzed)
	assert.Contains(t, res.Signals.InsufficientHistory, "200")
	assert.NotContains(t, rrepo.savedDiffs, "200")
}

func TestPipeline_AnalyzeQuarter_UntrackedPeriod(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	rrepo := newMemResultsRepo()

	fund := holdings.FundInfo{CIK: "100", Name: "Alpha Capital", Tier: holdings.TierA}
	seedFund(hrepo, fund, 4)

	p := testPipeline(t, hrepo, rrepo, fund)

	// No fund filed for this ancient period; the run still completes with
	// everyone on the insufficient-history list.
	res, err := p.AnalyzeQuarter(context.Background(), time.Date(2019, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, res.Signals.FundsAnalyzed)
	assert.Equal(t, []string{"100"}, res.Signals.InsufficientHistory)
}

func TestPipeline_AnalyzeQuarter_SufficientHistoryYieldsBaselines(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	rrepo := newMemResultsRepo()

	fund := holdings.FundInfo{CIK: "100", Name: "Alpha Capital", Tier: holdings.TierA}
	seedFund(hrepo, fund, 8) // seven diffable pairs, above the min window of four

	p := testPipeline(t, hrepo, rrepo, fund)
	res, err := p.AnalyzeQuarter(context.Background(), time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// The fund is either surprise-scored or flagged as unscorable when its
	// trailing metrics are flat; it never silently vanishes.
	scored := len(res.Signals.Surprises) == 1
	flagged := len(res.Signals.InsufficientHistory) == 1
	assert.True(t, scored || flagged)
	assert.Equal(t, 1, res.Signals.FundsAnalyzed)
}

func TestPipeline_AnalyzeQuarter_StorageErrorFailsRun(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	hrepo.listErr = fmt.Errorf("connection refused")
	rrepo := newMemResultsRepo()

	fund := holdings.FundInfo{CIK: "100", Name: "Alpha Capital", Tier: holdings.TierA}
	p := testPipeline(t, hrepo, rrepo, fund)

	_, err := p.AnalyzeQuarter(context.Background(), time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.ErrorContains(t, err, "fund 100")
}

func TestPipeline_AnalyzeQuarter_PersistErrorFailsRun(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	rrepo := newMemResultsRepo()
	rrepo.saveErr = fmt.Errorf("disk full")

	fund := holdings.FundInfo{CIK: "100", Name: "Alpha Capital", Tier: holdings.TierA}
	seedFund(hrepo, fund, 4)

	p := testPipeline(t, hrepo, rrepo, fund)
	_, err := p.AnalyzeQuarter(context.Background(), time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC))
	assert.ErrorContains(t, err, "disk full")
}

func TestPipeline_AnalyzeQuarter_Deterministic(t *testing.T) {
	hrepo := newMemHoldingsRepo()
	funds := []holdings.FundInfo{
		{CIK: "100", Name: "Alpha", Tier: holdings.TierA},
		{CIK: "200", Name: "Beta", Tier: holdings.TierB},
		{CIK: "300", Name: "Gamma", Tier: holdings.TierC},
	}
	for _, f := range funds {
		seedFund(hrepo, f, 6)
	}
	period := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

	p1 := testPipeline(t, hrepo, newMemResultsRepo(), funds...)
	p2 := testPipeline(t, hrepo, newMemResultsRepo(), funds...)

	a, err := p1.AnalyzeQuarter(context.Background(), period)
	require.NoError(t, err)
	b, err := p2.AnalyzeQuarter(context.Background(), period)
	require.NoError(t, err)

	// Worker scheduling must not leak into the output.
	assert.Equal(t, a.Signals.Ranked, b.Signals.Ranked)
	assert.Equal(t, a.Signals.CrowdedTrades, b.Signals.CrowdedTrades)
	assert.Equal(t, a.Signals.Overlap.FundIDs, b.Signals.Overlap.FundIDs)
}
