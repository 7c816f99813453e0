package findings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/baseline"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

var period = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

func emptySignals() *aggregate.Signals {
	return &aggregate.Signals{Period: period}
}

func oneDiff(changes ...diff.PositionDiff) []*diff.FundDiff {
	return []*diff.FundDiff{{
		Fund:   holdings.FundInfo{CIK: "100", Name: "Alpha Capital", Tier: holdings.TierB},
		Period: period,
		Diffs:  changes,
	}}
}

func findByCategory(fs []Finding, c Category) (Finding, bool) {
	for _, f := range fs {
		if f.Category == c {
			return f, true
		}
	}
	return Finding{}, false
}

func TestCompose_EmptyInputs(t *testing.T) {
	assert.Nil(t, Compose(nil, emptySignals(), nil, DefaultConfig()))
	assert.Nil(t, Compose(oneDiff(), nil, nil, DefaultConfig()))
}

func TestCompose_CrowdedBuyOutranksDivergence(t *testing.T) {
	signals := emptySignals()
	signals.CrowdedTrades = []aggregate.CrowdedTrade{{
		SecurityID: "AAA", Ticker: "NVDA", Direction: aggregate.DirectionBuy,
		ConsensusCount: 4,
	}}
	signals.Divergences = []aggregate.Divergence{{
		SecurityID: "BBB", Ticker: "TSLA",
		BuyerFundIDs: []string{"1", "2"}, SellerFundIDs: []string{"3"},
	}}

	out := Compose(oneDiff(diff.PositionDiff{SecurityID: "AAA", Category: diff.ChangeIncrease}),
		signals, nil, DefaultConfig())

	require.NotEmpty(t, out)
	assert.Equal(t, CategoryCrowdedBuy, out[0].Category)
	assert.Contains(t, out[0].Headline, "NVDA")
	assert.Contains(t, out[0].Headline, "4 funds buying")

	dv, ok := findByCategory(out, CategoryDivergence)
	require.True(t, ok)
	assert.Greater(t, out[0].Score, dv.Score)
}

func TestCompose_SurpriseBelowTwoSigmaSuppressed(t *testing.T) {
	signals := emptySignals()
	signals.Surprises = []aggregate.FundSurprise{
		{FundID: "100", FundName: "Quiet Fund", Score: 1.5},
		{FundID: "200", FundName: "Loud Fund", Score: 3.2,
			Baselines: []baseline.FundBaseline{
				{Metric: "activity_count", ZScore: 3.2, SufficientData: true},
			}},
	}

	out := Compose(oneDiff(diff.PositionDiff{SecurityID: "X", Category: diff.ChangeExit}),
		signals, nil, DefaultConfig())

	surprise, ok := findByCategory(out, CategorySurprise)
	require.True(t, ok)
	assert.Contains(t, surprise.Headline, "Loud Fund")
	assert.Contains(t, surprise.Detail, "activity_count z=3.2")

	for _, f := range out {
		assert.NotContains(t, f.Headline, "Quiet Fund")
	}
}

func TestCompose_NewPositionNeedsMinimumWeight(t *testing.T) {
	tiny := oneDiff(diff.PositionDiff{
		SecurityID: "AAA", Category: diff.ChangeNew, CurrentWeight: 0.005,
	})
	out := Compose(tiny, emptySignals(), nil, DefaultConfig())
	_, ok := findByCategory(out, CategoryNewPosition)
	assert.False(t, ok, "0.5% of book is below the 1% floor")

	sized := oneDiff(diff.PositionDiff{
		SecurityID: "AAA", Ticker: "ANET", Category: diff.ChangeNew, CurrentWeight: 0.08,
	})
	out = Compose(sized, emptySignals(), nil, DefaultConfig())
	np, ok := findByCategory(out, CategoryNewPosition)
	require.True(t, ok)
	assert.Contains(t, np.Headline, "ANET")
	assert.Contains(t, np.Headline, "8.0% of book")
}

func TestCompose_ConcentrationShift(t *testing.T) {
	diffs := oneDiff(diff.PositionDiff{SecurityID: "AAA", Category: diff.ChangeIncrease})
	diffs[0].HHIChange = -0.02
	diffs[0].PriorTopNWeight = 0.60
	diffs[0].CurrentTopNWeight = 0.48

	out := Compose(diffs, emptySignals(), nil, DefaultConfig())

	cc, ok := findByCategory(out, CategoryConcentration)
	require.True(t, ok)
	assert.Contains(t, cc.Headline, "diversifying")
	assert.Contains(t, cc.Detail, "-200 bps")
}

func TestCompose_PerformanceTagAttachedByTicker(t *testing.T) {
	signals := emptySignals()
	signals.CrowdedTrades = []aggregate.CrowdedTrade{{
		SecurityID: "AAA", Ticker: "NVDA", Direction: aggregate.DirectionBuy,
		ConsensusCount: 3,
	}}
	r1m := 0.125
	perf := map[string]Performance{"NVDA": {Return1M: &r1m}}

	out := Compose(oneDiff(diff.PositionDiff{SecurityID: "AAA", Category: diff.ChangeIncrease}),
		signals, perf, DefaultConfig())

	cb, ok := findByCategory(out, CategoryCrowdedBuy)
	require.True(t, ok)
	require.NotNil(t, cb.Performance)
	assert.Equal(t, r1m, *cb.Performance.Return1M)
	assert.Contains(t, cb.Detail, "1m +12.5%")
}

func TestCompose_MissingPerformanceDegrades(t *testing.T) {
	signals := emptySignals()
	signals.CrowdedTrades = []aggregate.CrowdedTrade{{
		SecurityID: "AAA", Ticker: "NVDA", Direction: aggregate.DirectionBuy,
		ConsensusCount: 3,
	}}

	out := Compose(oneDiff(diff.PositionDiff{SecurityID: "AAA", Category: diff.ChangeIncrease}),
		signals, nil, DefaultConfig())

	cb, ok := findByCategory(out, CategoryCrowdedBuy)
	require.True(t, ok)
	assert.Nil(t, cb.Performance, "a finding survives without price context")
}

func TestCompose_LimitCapsOutput(t *testing.T) {
	signals := emptySignals()
	for i := 0; i < 30; i++ {
		signals.Divergences = append(signals.Divergences, aggregate.Divergence{
			SecurityID:   string(rune('A' + i)),
			BuyerFundIDs: []string{"1"}, SellerFundIDs: []string{"2"},
		})
	}

	out := Compose(oneDiff(diff.PositionDiff{SecurityID: "X", Category: diff.ChangeExit}),
		signals, nil, Config{Limit: 5, MinNewWeight: 0.01, MinHHIShift: 0.005})

	assert.Len(t, out, 5)
}
