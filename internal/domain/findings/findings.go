// Package findings composes the aggregator's output with externally
// supplied context into a bounded, explained top-findings list. Compose is
// a pure function of its inputs; there is no ranking state anywhere else.
package findings

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
)

// Category labels a finding for presentation grouping.
type Category string

const (
	CategoryCrowdedBuy    Category = "crowded_buy"
	CategoryCrowdedSell   Category = "crowded_sell"
	CategoryDivergence    Category = "divergence"
	CategoryNewPosition   Category = "new_position"
	CategoryExit          Category = "exit"
	CategoryActivity      Category = "activity"
	CategoryConcentration Category = "concentration"
	CategorySurprise      Category = "surprise"
)

// Performance is externally supplied price context keyed by ticker.
// Nil pointer fields mean the figure was unavailable.
type Performance struct {
	Return1W  *float64 `json:"return_1w,omitempty"`
	Return1M  *float64 `json:"return_1m,omitempty"`
	ReturnYTD *float64 `json:"return_ytd,omitempty"`
	Return1Y  *float64 `json:"return_1y,omitempty"`
}

// Finding is one explained headline signal.
type Finding struct {
	Category Category `json:"category"`
	Headline string   `json:"headline"`
	Detail   string   `json:"detail"`
	Score    float64  `json:"score"`

	SecurityID string `json:"security_id,omitempty"`
	Ticker     string `json:"ticker,omitempty"`
	FundID     string `json:"fund_id,omitempty"`

	// Performance is attached when price context was supplied for the
	// finding's ticker; absent performance degrades to a finding without
	// the tag, never to a dropped finding.
	Performance *Performance `json:"performance,omitempty"`
}

// Config bounds the findings list.
type Config struct {
	// Limit caps the ranked output.
	Limit int `yaml:"top_findings"`
	// MinNewWeight is the portfolio-weight floor for a single new
	// position to qualify as a headline (fraction).
	MinNewWeight float64 `yaml:"min_new_weight"`
	// MinHHIShift is the minimum absolute HHI change worth surfacing.
	MinHHIShift float64 `yaml:"min_hhi_shift"`
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{Limit: 20, MinNewWeight: 0.01, MinHHIShift: 0.005}
}

// Compose merges the period's diffs, aggregated signals, and optional
// price performance into the bounded top-findings list. perf may be nil.
func Compose(diffs []*diff.FundDiff, signals *aggregate.Signals, perf map[string]Performance, cfg Config) []Finding {
	if len(diffs) == 0 || signals == nil {
		return nil
	}
	if cfg.Limit <= 0 {
		cfg = DefaultConfig()
	}

	surpriseByFund := make(map[string]float64, len(signals.Surprises))
	for _, s := range signals.Surprises {
		surpriseByFund[s.FundID] = s.Score
	}

	var out []Finding
	out = append(out, crowdedFindings(signals)...)
	out = append(out, divergenceFindings(signals)...)
	out = append(out, surpriseFindings(signals)...)
	out = append(out, fundFindings(diffs, surpriseByFund, cfg)...)

	for i := range out {
		if out[i].Ticker == "" {
			continue
		}
		if p, ok := perf[out[i].Ticker]; ok {
			tagged := p
			out[i].Performance = &tagged
			if tag := performanceClause(p); tag != "" {
				out[i].Detail += " " + tag
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Headline < out[j].Headline
	})
	if len(out) > cfg.Limit {
		out = out[:cfg.Limit]
	}
	return out
}

func crowdedFindings(signals *aggregate.Signals) []Finding {
	var out []Finding
	for _, ct := range signals.CrowdedTrades {
		label := securityLabel(ct.Ticker, ct.IssuerName)
		switch ct.Direction {
		case aggregate.DirectionBuy:
			out = append(out, Finding{
				Category:   CategoryCrowdedBuy,
				Headline:   fmt.Sprintf("%s: %d funds buying, none selling", label, ct.ConsensusCount),
				Detail:     fmt.Sprintf("Pure consensus buy across %d funds with no fund on the other side.", ct.ConsensusCount),
				Score:      100 + float64(ct.ConsensusCount)*10,
				SecurityID: ct.SecurityID,
				Ticker:     ct.Ticker,
			})
		case aggregate.DirectionSell:
			out = append(out, Finding{
				Category:   CategoryCrowdedSell,
				Headline:   fmt.Sprintf("%s: %d funds selling, none buying", label, ct.ConsensusCount),
				Detail:     fmt.Sprintf("Pure consensus sell across %d funds with no fund on the other side.", ct.ConsensusCount),
				Score:      95 + float64(ct.ConsensusCount)*10,
				SecurityID: ct.SecurityID,
				Ticker:     ct.Ticker,
			})
		}
	}
	return out
}

func divergenceFindings(signals *aggregate.Signals) []Finding {
	var out []Finding
	for _, dv := range signals.Divergences {
		label := securityLabel(dv.Ticker, dv.IssuerName)
		total := len(dv.BuyerFundIDs) + len(dv.SellerFundIDs)
		out = append(out, Finding{
			Category: CategoryDivergence,
			Headline: fmt.Sprintf("%s: funds disagree", label),
			Detail: fmt.Sprintf("%d funds buying against %d selling in the same period.",
				len(dv.BuyerFundIDs), len(dv.SellerFundIDs)),
			Score:      75 + float64(total),
			SecurityID: dv.SecurityID,
			Ticker:     dv.Ticker,
		})
	}
	return out
}

func surpriseFindings(signals *aggregate.Signals) []Finding {
	var out []Finding
	for _, s := range signals.Surprises {
		if s.Score < 2.0 {
			// Within two standard deviations of the fund's own history
			// is routine churn, not a headline.
			continue
		}
		var metrics []string
		for _, b := range s.Baselines {
			if b.SufficientData && (b.ZScore >= 2.0 || b.ZScore <= -2.0) {
				metrics = append(metrics, fmt.Sprintf("%s z=%.1f", b.Metric, b.ZScore))
			}
		}
		out = append(out, Finding{
			Category: CategorySurprise,
			Headline: fmt.Sprintf("%s: unusual activity vs own history", s.FundName),
			Detail: fmt.Sprintf("Surprise score %.1f standard deviations (%s).",
				s.Score, strings.Join(metrics, ", ")),
			Score:  70 + s.Score*5,
			FundID: s.FundID,
		})
	}
	return out
}

func fundFindings(diffs []*diff.FundDiff, surprise map[string]float64, cfg Config) []Finding {
	var out []Finding

	// Most active fund, weighted up when the activity is also surprising
	// against the fund's own baseline.
	var busiest *diff.FundDiff
	var busiestMoves int
	for _, fd := range diffs {
		moves := len(fd.Changed())
		if moves > busiestMoves || (moves == busiestMoves && busiest != nil && fd.Fund.CIK < busiest.Fund.CIK) {
			busiest = fd
			busiestMoves = moves
		}
	}
	if busiest != nil && busiestMoves > 0 {
		score := 40 + float64(min(busiestMoves, 20))
		detail := fmt.Sprintf("%d position changes this period.", busiestMoves)
		if z, ok := surprise[busiest.Fund.CIK]; ok && z >= 2.0 {
			score += z * 2
			detail += fmt.Sprintf(" Activity is %.1f standard deviations above this fund's norm.", z)
		}
		out = append(out, Finding{
			Category: CategoryActivity,
			Headline: fmt.Sprintf("%s most active (%d moves)", busiest.Fund.Name, busiestMoves),
			Detail:   detail,
			Score:    score,
			FundID:   busiest.Fund.CIK,
		})
	}

	// Biggest single new position by portfolio weight.
	var bestFund *diff.FundDiff
	var bestNew diff.PositionDiff
	var bestWeight float64
	for _, fd := range diffs {
		for _, d := range fd.ByCategory(diff.ChangeNew) {
			if d.CurrentWeight > bestWeight {
				bestWeight = d.CurrentWeight
				bestNew = d
				bestFund = fd
			}
		}
	}
	if bestFund != nil && bestWeight >= cfg.MinNewWeight {
		out = append(out, Finding{
			Category: CategoryNewPosition,
			Headline: fmt.Sprintf("%s initiated %s at %.1f%% of book",
				bestFund.Fund.Name, bestNew.DisplayLabel(), bestWeight*100),
			Detail: fmt.Sprintf("New position sized at %.1f%% of the portfolio: conviction sizing.",
				bestWeight*100),
			Score:      55 + bestWeight*500,
			SecurityID: bestNew.SecurityID,
			Ticker:     bestNew.Ticker,
			FundID:     bestFund.Fund.CIK,
		})
	}

	// Biggest concentration shift.
	var shifted *diff.FundDiff
	for _, fd := range diffs {
		if shifted == nil || absFloat(fd.HHIChange) > absFloat(shifted.HHIChange) {
			shifted = fd
		}
	}
	if shifted != nil && absFloat(shifted.HHIChange) > cfg.MinHHIShift {
		direction := "concentrating"
		if shifted.HHIChange < 0 {
			direction = "diversifying"
		}
		out = append(out, Finding{
			Category: CategoryConcentration,
			Headline: fmt.Sprintf("%s %s", shifted.Fund.Name, direction),
			Detail: fmt.Sprintf("Top-%d weight moved %.1f%% to %.1f%%; HHI shifted %+.0f bps.",
				10, shifted.PriorTopNWeight*100, shifted.CurrentTopNWeight*100, shifted.HHIChange*10000),
			Score:  35 + min(absFloat(shifted.HHIChange)*5000, 20),
			FundID: shifted.Fund.CIK,
		})
	}

	return out
}

func performanceClause(p Performance) string {
	var parts []string
	if p.Return1M != nil {
		parts = append(parts, fmt.Sprintf("1m %+.1f%%", *p.Return1M*100))
	}
	if p.ReturnYTD != nil {
		parts = append(parts, fmt.Sprintf("YTD %+.1f%%", *p.ReturnYTD*100))
	}
	if p.Return1Y != nil {
		parts = append(parts, fmt.Sprintf("1y %+.1f%%", *p.Return1Y*100))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("Since then: %s.", strings.Join(parts, ", "))
}

func securityLabel(ticker, issuer string) string {
	if ticker != "" {
		return ticker
	}
	if issuer != "" {
		return issuer
	}
	return "unknown security"
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
