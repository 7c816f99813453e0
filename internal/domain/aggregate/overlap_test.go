package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

func book(positions map[string]int64) *holdings.FundHoldings {
	fh := &holdings.FundHoldings{QuarterEnd: period}
	for cusip, value := range positions {
		fh.Holdings = append(fh.Holdings, holdings.Holding{CUSIP: cusip, ValueThousands: value})
	}
	return fh
}

func TestComputeOverlap_IdenticalBooksScoreOne(t *testing.T) {
	snapshots := map[string]*holdings.FundHoldings{
		"100": book(map[string]int64{"AAA": 60, "BBB": 40}),
		"200": book(map[string]int64{"AAA": 600, "BBB": 400}),
	}

	m := ComputeOverlap(snapshots, period, 10)

	score, ok := m.Score("100", "200")
	require.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-9, "weights match even though notionals differ")
}

func TestComputeOverlap_DisjointBooksScoreZero(t *testing.T) {
	snapshots := map[string]*holdings.FundHoldings{
		"100": book(map[string]int64{"AAA": 100}),
		"200": book(map[string]int64{"BBB": 100}),
	}

	m := ComputeOverlap(snapshots, period, 10)

	score, ok := m.Score("100", "200")
	require.True(t, ok)
	assert.Zero(t, score)
}

func TestComputeOverlap_PartialOverlap(t *testing.T) {
	// Fund 100: AAA 0.5, BBB 0.5. Fund 200: AAA 0.5, CCC 0.5.
	// min sum = 0.5, max sum = 0.5 + 0.5 + 0.5 = 1.5 so the score is 1/3.
	snapshots := map[string]*holdings.FundHoldings{
		"100": book(map[string]int64{"AAA": 50, "BBB": 50}),
		"200": book(map[string]int64{"AAA": 50, "CCC": 50}),
	}

	m := ComputeOverlap(snapshots, period, 10)

	score, ok := m.Score("100", "200")
	require.True(t, ok)
	assert.InDelta(t, 1.0/3.0, score, 1e-9)

	require.Len(t, m.Entries, 1)
	assert.Equal(t, []string{"AAA"}, m.Entries[0].SharedSecurityIDs)
}

func TestComputeOverlap_MatrixSymmetryAndDiagonal(t *testing.T) {
	snapshots := map[string]*holdings.FundHoldings{
		"100": book(map[string]int64{"AAA": 70, "BBB": 30}),
		"200": book(map[string]int64{"AAA": 20, "CCC": 80}),
		"300": book(map[string]int64{"BBB": 100}),
	}

	m := ComputeOverlap(snapshots, period, 10)

	require.Equal(t, []string{"100", "200", "300"}, m.FundIDs)
	for i := range m.Scores {
		assert.Equal(t, 1.0, m.Scores[i][i])
		for j := range m.Scores[i] {
			assert.Equal(t, m.Scores[i][j], m.Scores[j][i])
		}
	}

	a, _ := m.Score("100", "200")
	b, _ := m.Score("200", "100")
	assert.Equal(t, a, b, "score lookup works in either order")
}

func TestComputeOverlap_OptionsExcluded(t *testing.T) {
	withPut := book(map[string]int64{"AAA": 100})
	withPut.Holdings = append(withPut.Holdings, holdings.Holding{
		CUSIP: "BBB", ValueThousands: 900, PutCall: holdings.OptionPut,
	})
	snapshots := map[string]*holdings.FundHoldings{
		"100": withPut,
		"200": book(map[string]int64{"AAA": 100}),
	}

	m := ComputeOverlap(snapshots, period, 10)

	score, ok := m.Score("100", "200")
	require.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-9, "the put notional must not dilute the equity book")
}

func TestComputeOverlap_SharedHoldingsCappedAtTopK(t *testing.T) {
	a := map[string]int64{"AAA": 50, "BBB": 30, "CCC": 15, "DDD": 5}
	snapshots := map[string]*holdings.FundHoldings{
		"100": book(a),
		"200": book(a),
	}

	m := ComputeOverlap(snapshots, period, 2)

	require.Len(t, m.Entries, 1)
	assert.Equal(t, []string{"AAA", "BBB"}, m.Entries[0].SharedSecurityIDs,
		"largest combined weights kept")
}

func TestComputeOverlap_EmptyInput(t *testing.T) {
	m := ComputeOverlap(nil, period, 10)
	assert.Empty(t, m.FundIDs)
	assert.Empty(t, m.Entries)

	_, ok := m.Score("100", "200")
	assert.False(t, ok)
}

func TestComputeOverlap_UnknownFundLookup(t *testing.T) {
	snapshots := map[string]*holdings.FundHoldings{
		"100": book(map[string]int64{"AAA": 100}),
	}
	m := ComputeOverlap(snapshots, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), 10)

	_, ok := m.Score("100", "999")
	assert.False(t, ok)
}
