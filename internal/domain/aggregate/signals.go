// Package aggregate joins per-fund diffs and baseline scores for one period
// across the whole fleet into ranked signal lists, consensus and divergence
// groupings, and fund-to-fund overlap data. Aggregation is a single
// deterministic pass: output order never depends on input order or on the
// order parallel diff workers completed.
package aggregate

import (
	"sort"
	"time"

	"github.com/fundtrack/fundtrack/internal/domain/baseline"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

// Config holds the cross-fund signal thresholds.
type Config struct {
	// ConsensusThreshold is the minimum number of same-direction funds,
	// with zero opposing funds, for a crowded trade.
	ConsensusThreshold int `yaml:"consensus_threshold"`
	// SharedHoldingsTopK caps the per-pair shared-holdings detail kept on
	// overlap entries.
	SharedHoldingsTopK int `yaml:"shared_holdings_top_k"`
	// WidelyHeldTopN caps the most-widely-held ranking.
	WidelyHeldTopN int `yaml:"widely_held_top_n"`
	// SurpriseAggregation selects the baseline fold (default max |z|).
	SurpriseAggregation baseline.Aggregation `yaml:"surprise_aggregation"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ConsensusThreshold:  3,
		SharedHoldingsTopK:  10,
		WidelyHeldTopN:      20,
		SurpriseAggregation: baseline.AggMaxAbs,
	}
}

// Direction is the consensus side of a crowded trade.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// RankedSignal is one entry of the fleet-wide ranked change list.
type RankedSignal struct {
	diff.PositionDiff

	FundName string        `json:"fund_name"`
	Tier     holdings.Tier `json:"tier"`
}

// CrowdedTrade is a security that at least ConsensusThreshold funds moved
// on in one direction with no fund on the other side. A non-empty opposing
// set disqualifies consensus and surfaces as a Divergence instead.
type CrowdedTrade struct {
	SecurityID     string    `json:"security_id"`
	Ticker         string    `json:"ticker,omitempty"`
	IssuerName     string    `json:"issuer_name"`
	Period         time.Time `json:"period"`
	BuyerFundIDs   []string  `json:"buyer_fund_ids"`
	SellerFundIDs  []string  `json:"seller_fund_ids"`
	ConsensusCount int       `json:"consensus_count"`
	Direction      Direction `json:"direction"`
}

// Divergence is a security with funds on both sides in the same period.
// Qualitatively different from consensus: smart money disagrees.
type Divergence struct {
	SecurityID    string    `json:"security_id"`
	Ticker        string    `json:"ticker,omitempty"`
	IssuerName    string    `json:"issuer_name"`
	Period        time.Time `json:"period"`
	BuyerFundIDs  []string  `json:"buyer_fund_ids"`
	SellerFundIDs []string  `json:"seller_fund_ids"`
}

// FundSurprise is one fund's folded surprise score for the period.
type FundSurprise struct {
	FundID    string                  `json:"fund_id"`
	FundName  string                  `json:"fund_name"`
	Score     float64                 `json:"score"`
	Baselines []baseline.FundBaseline `json:"baselines"`
}

// Signals is the aggregator's complete output for one period.
type Signals struct {
	Period        time.Time `json:"period"`
	FundsAnalyzed int       `json:"funds_analyzed"`

	Ranked        []RankedSignal `json:"ranked"`
	CrowdedTrades []CrowdedTrade `json:"crowded_trades"`
	Divergences   []Divergence   `json:"divergences"`
	Overlap       *OverlapMatrix `json:"overlap,omitempty"`

	// SectorFlows counts funds rotating into and out of each sector.
	SectorFlows []SectorFlow `json:"sector_flows,omitempty"`

	// WidelyHeld ranks equity securities by tracked-fund holder count.
	WidelyHeld []WidelyHeld `json:"widely_held,omitempty"`

	// Surprises lists funds with sufficient baseline history, ranked by
	// surprise score. Funds without enough history are absent here and
	// listed under InsufficientHistory instead.
	Surprises []FundSurprise `json:"surprises"`

	// InsufficientHistory names funds that contributed no diff this period
	// (missing prior snapshot) or had no scorable baseline metric. Their
	// absence is informational, never an aggregation error.
	InsufficientHistory []string `json:"insufficient_history,omitempty"`
}

// Input carries everything the aggregator consumes for one period.
type Input struct {
	Period time.Time
	// Diffs holds one FundDiff per fund that had a consecutive prior
	// period. Funds with a missing prior contribute nothing here and are
	// named in MissingHistory.
	Diffs []*diff.FundDiff
	// Baselines maps fund id to the fund's baselines for this period.
	Baselines map[string][]baseline.FundBaseline
	// Snapshots maps fund id to the current-period snapshot, used for the
	// overlap matrix.
	Snapshots map[string]*holdings.FundHoldings
	// MissingHistory names funds skipped upstream for lack of a prior
	// period snapshot.
	MissingHistory []string
}

// Aggregate runs the single deterministic join over all per-fund results.
func Aggregate(in Input, cfg Config) *Signals {
	out := &Signals{
		Period:        in.Period,
		FundsAnalyzed: len(in.Diffs),
	}

	// Work over a copy sorted by fund id so that nothing downstream can
	// observe worker completion order.
	diffs := make([]*diff.FundDiff, len(in.Diffs))
	copy(diffs, in.Diffs)
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Fund.CIK < diffs[j].Fund.CIK })

	out.Ranked = rankSignals(diffs)
	out.CrowdedTrades, out.Divergences = groupBySecurity(diffs, in.Period, cfg.ConsensusThreshold)
	out.Overlap = ComputeOverlap(in.Snapshots, in.Period, cfg.SharedHoldingsTopK)
	out.SectorFlows = computeSectorFlows(diffs)
	out.WidelyHeld = computeWidelyHeld(in.Snapshots, cfg.WidelyHeldTopN)
	out.Surprises, out.InsufficientHistory = rankSurprises(diffs, in.Baselines, cfg.SurpriseAggregation)

	missing := append([]string(nil), in.MissingHistory...)
	sort.Strings(missing)
	out.InsufficientHistory = mergeSorted(out.InsufficientHistory, missing)

	return out
}

// rankSignals flattens every changed position across the fleet and sorts it
// by signal strength under a total order: NEW/EXIT above all finite
// percentages, then |pct change|, |share delta|, tier ordinal (A before E),
// ticker, and finally security and fund id so the order is always total.
func rankSignals(diffs []*diff.FundDiff) []RankedSignal {
	var ranked []RankedSignal
	for _, fd := range diffs {
		for _, d := range fd.Changed() {
			ranked = append(ranked, RankedSignal{
				PositionDiff: d,
				FundName:     fd.Fund.Name,
				Tier:         fd.Fund.Tier,
			})
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Unbounded != b.Unbounded {
			return a.Unbounded
		}
		if !a.Unbounded && a.SignalStrength != b.SignalStrength {
			return a.SignalStrength > b.SignalStrength
		}
		da, db := abs64(a.SharesDelta), abs64(b.SharesDelta)
		if da != db {
			return da > db
		}
		if a.Tier.Ordinal() != b.Tier.Ordinal() {
			return a.Tier.Ordinal() < b.Tier.Ordinal()
		}
		if a.Ticker != b.Ticker {
			return a.Ticker < b.Ticker
		}
		if a.SecurityID != b.SecurityID {
			return a.SecurityID < b.SecurityID
		}
		return a.FundID < b.FundID
	})

	return ranked
}

// securityMeta keeps display fields from any diff seen for a security.
type securityMeta struct {
	ticker string
	issuer string
}

// groupBySecurity classifies every traded security as pure consensus,
// divergence, or neither.
func groupBySecurity(diffs []*diff.FundDiff, period time.Time, threshold int) ([]CrowdedTrade, []Divergence) {
	buyers := make(map[string][]string)
	sellers := make(map[string][]string)
	meta := make(map[string]securityMeta)

	for _, fd := range diffs {
		for _, d := range fd.Changed() {
			if m, ok := meta[d.SecurityID]; !ok || (m.ticker == "" && d.Ticker != "") {
				meta[d.SecurityID] = securityMeta{ticker: d.Ticker, issuer: d.IssuerName}
			}
			switch d.Category {
			case diff.ChangeNew, diff.ChangeIncrease:
				buyers[d.SecurityID] = append(buyers[d.SecurityID], fd.Fund.CIK)
			case diff.ChangeExit, diff.ChangeDecrease:
				sellers[d.SecurityID] = append(sellers[d.SecurityID], fd.Fund.CIK)
			}
		}
	}

	ids := make([]string, 0, len(meta))
	for id := range meta {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var crowded []CrowdedTrade
	var diverged []Divergence
	for _, id := range ids {
		buy := dedupeSorted(buyers[id])
		sell := dedupeSorted(sellers[id])
		m := meta[id]

		switch {
		case len(buy) > 0 && len(sell) > 0:
			diverged = append(diverged, Divergence{
				SecurityID:    id,
				Ticker:        m.ticker,
				IssuerName:    m.issuer,
				Period:        period,
				BuyerFundIDs:  buy,
				SellerFundIDs: sell,
			})
		case len(buy) >= threshold:
			crowded = append(crowded, CrowdedTrade{
				SecurityID:     id,
				Ticker:         m.ticker,
				IssuerName:     m.issuer,
				Period:         period,
				BuyerFundIDs:   buy,
				SellerFundIDs:  sell,
				ConsensusCount: len(buy),
				Direction:      DirectionBuy,
			})
		case len(sell) >= threshold:
			crowded = append(crowded, CrowdedTrade{
				SecurityID:     id,
				Ticker:         m.ticker,
				IssuerName:     m.issuer,
				Period:         period,
				BuyerFundIDs:   buy,
				SellerFundIDs:  sell,
				ConsensusCount: len(sell),
				Direction:      DirectionSell,
			})
		}
	}

	sort.Slice(crowded, func(i, j int) bool {
		if crowded[i].ConsensusCount != crowded[j].ConsensusCount {
			return crowded[i].ConsensusCount > crowded[j].ConsensusCount
		}
		return crowded[i].SecurityID < crowded[j].SecurityID
	})
	sort.Slice(diverged, func(i, j int) bool {
		ni := len(diverged[i].BuyerFundIDs) + len(diverged[i].SellerFundIDs)
		nj := len(diverged[j].BuyerFundIDs) + len(diverged[j].SellerFundIDs)
		if ni != nj {
			return ni > nj
		}
		return diverged[i].SecurityID < diverged[j].SecurityID
	})

	return crowded, diverged
}

// rankSurprises folds each fund's baselines into a surprise score and ranks
// the scorable funds. Funds with no sufficient metric are reported as
// lacking history, never with a fabricated zero score.
func rankSurprises(diffs []*diff.FundDiff, baselines map[string][]baseline.FundBaseline, agg baseline.Aggregation) ([]FundSurprise, []string) {
	var ranked []FundSurprise
	var insufficient []string

	for _, fd := range diffs {
		bl := baselines[fd.Fund.CIK]
		score, ok := baseline.Surprise(bl, agg)
		if !ok {
			insufficient = append(insufficient, fd.Fund.CIK)
			continue
		}
		ranked = append(ranked, FundSurprise{
			FundID:    fd.Fund.CIK,
			FundName:  fd.Fund.Name,
			Score:     score,
			Baselines: bl,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].FundID < ranked[j].FundID
	})
	sort.Strings(insufficient)

	return ranked, insufficient
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func mergeSorted(a, b []string) []string {
	out := append(append([]string(nil), a...), b...)
	return dedupeSorted(out)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
