// Package diff implements the quarter-over-quarter position diff engine.
// It compares two snapshots of the same fund across consecutive reporting
// periods and classifies every position change. The engine is stateless
// and pure: identical inputs always produce an identical diff set.
package diff

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

// ChangeType classifies how a position moved quarter-over-quarter.
type ChangeType string

const (
	ChangeNew       ChangeType = "NEW"
	ChangeExit      ChangeType = "EXIT"
	ChangeIncrease  ChangeType = "INCREASE"
	ChangeDecrease  ChangeType = "DECREASE"
	ChangeUnchanged ChangeType = "UNCHANGED"
)

// Config holds diff engine thresholds.
type Config struct {
	// AddThreshold marks INCREASE diffs as concentrated adds when the
	// share change exceeds it (fraction, 0.50 = +50%).
	AddThreshold float64 `yaml:"add_threshold"`
	// TrimThreshold marks DECREASE diffs as heavy trims when the share
	// change falls below its negation (fraction, 0.60 = -60%).
	TrimThreshold float64 `yaml:"trim_threshold"`
	// TopN controls the top-N concentration metric.
	TopN int `yaml:"top_n_concentration"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{AddThreshold: 0.50, TrimThreshold: 0.60, TopN: 10}
}

// PositionDiff is the change record for one security across two periods.
// Derived and recomputable; never hand-edited.
type PositionDiff struct {
	FundID      string    `json:"fund_id" db:"fund_id"`
	Period      time.Time `json:"period" db:"period"`
	PriorPeriod time.Time `json:"prior_period" db:"prior_period"`
	SecurityID  string    `json:"security_id" db:"security_id"`
	Ticker      string    `json:"ticker,omitempty" db:"ticker"`
	IssuerName  string    `json:"issuer_name" db:"issuer_name"`
	Sector      string    `json:"sector,omitempty" db:"sector"`

	PriorShares   int64 `json:"prior_shares" db:"prior_shares"`
	CurrentShares int64 `json:"current_shares" db:"current_shares"`
	SharesDelta   int64 `json:"shares_delta" db:"shares_delta"`

	PriorValueThousands   int64 `json:"prior_value_thousands" db:"prior_value_thousands"`
	CurrentValueThousands int64 `json:"current_value_thousands" db:"current_value_thousands"`

	PriorWeight   float64 `json:"prior_weight" db:"prior_weight"`
	CurrentWeight float64 `json:"current_weight" db:"current_weight"`

	// PctChange is the share change as a fraction of prior shares.
	// Meaningless for NEW positions: PctValid is false there and PctChange
	// holds zero. EXIT is always exactly -1.0.
	PctChange float64 `json:"pct_change" db:"pct_change"`
	PctValid  bool    `json:"pct_valid" db:"pct_valid"`

	Category ChangeType `json:"category" db:"category"`

	// SignalStrength is |PctChange| for bounded changes. NEW and EXIT
	// carry Unbounded=true instead and rank above every finite value.
	SignalStrength float64 `json:"signal_strength" db:"signal_strength"`
	Unbounded      bool    `json:"unbounded" db:"unbounded"`

	ConcentratedAdd bool `json:"concentrated_add" db:"concentrated_add"`
	HeavyTrim       bool `json:"heavy_trim" db:"heavy_trim"`

	// OptionDecision is set on option positions only: FLAG or INCLUDE.
	// EXCLUDE-decided options never appear in the diff set at all.
	OptionDecision OptionDecision `json:"option_decision,omitempty" db:"option_decision"`

	// Themes lists the configured thematic labels matching this security's
	// ticker. Presentation only; tagged after the diff is computed.
	Themes []string `json:"themes,omitempty" db:"themes"`

	// QualityWarning is set when the input was implausible and the diff
	// was classified conservatively (e.g. negative share counts).
	QualityWarning string `json:"quality_warning,omitempty" db:"quality_warning"`
}

// IsOption reports whether the diff covers a PUT or CALL position.
func (d PositionDiff) IsOption() bool {
	return strings.Contains(d.SecurityID, ":")
}

// DisplayLabel mirrors holdings.Holding naming for presentation, with a
// [PUT]/[CALL] suffix on option positions.
func (d PositionDiff) DisplayLabel() string {
	base := d.Ticker
	if base == "" {
		base = holdings.ShortenIssuer(d.IssuerName)
	}
	if i := strings.Index(d.SecurityID, ":"); i >= 0 {
		return fmt.Sprintf("%s [%s]", base, d.SecurityID[i+1:])
	}
	return base
}

// FundDiff is the complete quarter-over-quarter diff for one fund,
// together with the per-period summary metrics the baseline model tracks.
type FundDiff struct {
	Fund        holdings.FundInfo `json:"fund"`
	Period      time.Time         `json:"period"`
	PriorPeriod time.Time         `json:"prior_period"`
	FilingDate  time.Time         `json:"filing_date"`
	FilingLag   int               `json:"filing_lag_days"`

	CurrentAUMThousands int64   `json:"current_aum_thousands"`
	PriorAUMThousands   int64   `json:"prior_aum_thousands"`
	AUMChangePct        float64 `json:"aum_change_pct"`

	Diffs []PositionDiff `json:"diffs"`

	// Convictions tracks multi-quarter holding streaks for the fund's
	// changed positions. Filled by the pipeline, which has the snapshot
	// history a two-period diff cannot see.
	Convictions []holdings.ConvictionTrack `json:"convictions,omitempty"`

	CurrentTopNWeight float64 `json:"current_top_n_weight"`
	PriorTopNWeight   float64 `json:"prior_top_n_weight"`
	CurrentHHI        float64 `json:"current_hhi"`
	PriorHHI          float64 `json:"prior_hhi"`
	HHIChange         float64 `json:"hhi_change"`
}

// Changed returns all diffs with a non-UNCHANGED category.
func (fd *FundDiff) Changed() []PositionDiff {
	out := make([]PositionDiff, 0, len(fd.Diffs))
	for _, d := range fd.Diffs {
		if d.Category != ChangeUnchanged {
			out = append(out, d)
		}
	}
	return out
}

// ByCategory returns the diffs with the given category, in security-id order.
func (fd *FundDiff) ByCategory(c ChangeType) []PositionDiff {
	var out []PositionDiff
	for _, d := range fd.Diffs {
		if d.Category == c {
			out = append(out, d)
		}
	}
	return out
}

// IsStale reports whether the filing landed unusually late.
func (fd *FundDiff) IsStale(staleDays int) bool {
	return fd.FilingLag >= staleDays
}

// Metrics is the per-period summary consumed by the baseline model.
type Metrics struct {
	// ActivityCount is the number of non-UNCHANGED diffs.
	ActivityCount float64
	// Concentration is the current top-N portfolio weight.
	Concentration float64
	// AvgTradeSize is the mean |share change fraction| across bounded
	// changes and exits (exits count as 1.0; NEW has no prior base and
	// is excluded).
	AvgTradeSize float64
}

// MetricActivity, MetricConcentration and MetricTradeSize name the tracked
// baseline metrics.
const (
	MetricActivity      = "activity_count"
	MetricConcentration = "concentration"
	MetricTradeSize     = "avg_trade_size"
)

// Summary computes the baseline input metrics for this fund-period.
func (fd *FundDiff) Summary() Metrics {
	m := Metrics{Concentration: fd.CurrentTopNWeight}
	var sizeSum float64
	var sizeN int
	for _, d := range fd.Diffs {
		if d.Category == ChangeUnchanged {
			continue
		}
		m.ActivityCount++
		if d.PctValid {
			sizeSum += math.Abs(d.PctChange)
			sizeN++
		}
	}
	if sizeN > 0 {
		m.AvgTradeSize = sizeSum / float64(sizeN)
	}
	return m
}

// Compute diffs two snapshots of the same fund. prior must precede current;
// the caller is responsible for handing in temporally consecutive periods
// for that fund's available data (gaps are the caller's to surface).
//
// Every security in the union of both snapshots produces exactly one
// PositionDiff. Output is ordered by security id, so repeated runs over the
// same inputs are byte-identical.
func Compute(prior, current *holdings.FundHoldings, cfg Config) (*FundDiff, error) {
	if prior == nil || current == nil {
		return nil, fmt.Errorf("diff: both snapshots are required")
	}
	if prior.Fund.CIK != current.Fund.CIK {
		return nil, fmt.Errorf("diff: snapshots belong to different funds: %s vs %s",
			prior.Fund.CIK, current.Fund.CIK)
	}
	if !prior.QuarterEnd.Before(current.QuarterEnd) {
		return nil, fmt.Errorf("diff: prior period %s does not precede current %s",
			prior.QuarterEnd.Format("2006-01-02"), current.QuarterEnd.Format("2006-01-02"))
	}

	priorByID := prior.ByID()
	currentByID := current.ByID()

	ids := make([]string, 0, len(priorByID)+len(currentByID))
	for id := range priorByID {
		ids = append(ids, id)
	}
	for id := range currentByID {
		if _, seen := priorByID[id]; !seen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	currentAUM := current.TotalValueThousands()
	priorAUM := prior.TotalValueThousands()

	fd := &FundDiff{
		Fund:                current.Fund,
		Period:              current.QuarterEnd,
		PriorPeriod:         prior.QuarterEnd,
		FilingDate:          current.FilingDate,
		FilingLag:           current.FilingLagDays(),
		CurrentAUMThousands: currentAUM,
		PriorAUMThousands:   priorAUM,
		CurrentTopNWeight:   current.TopNWeight(cfg.TopN),
		PriorTopNWeight:     prior.TopNWeight(cfg.TopN),
		CurrentHHI:          current.HHI(),
		PriorHHI:            prior.HHI(),
		Diffs:               make([]PositionDiff, 0, len(ids)),
	}
	fd.HHIChange = fd.CurrentHHI - fd.PriorHHI
	if priorAUM > 0 {
		fd.AUMChangePct = float64(currentAUM-priorAUM) / float64(priorAUM)
	}

	for _, id := range ids {
		prev, hadPrev := priorByID[id]
		curr, hasCurr := currentByID[id]
		d := buildPositionDiff(id, prev, hadPrev, curr, hasCurr, prior, current, cfg)
		d.FundID = current.Fund.CIK
		d.Period = current.QuarterEnd
		d.PriorPeriod = prior.QuarterEnd

		if d.IsOption() {
			decision := classifyOption(d, prev, hadPrev, curr, hasCurr, prior, current)
			if decision == OptionExclude {
				continue
			}
			d.OptionDecision = decision
		}
		fd.Diffs = append(fd.Diffs, d)
	}

	return fd, nil
}

func buildPositionDiff(
	id string,
	prev holdings.Holding, hadPrev bool,
	curr holdings.Holding, hasCurr bool,
	prior, current *holdings.FundHoldings,
	cfg Config,
) PositionDiff {
	d := PositionDiff{SecurityID: id}

	if hasCurr {
		d.Ticker = curr.Ticker
		d.IssuerName = curr.IssuerName
		d.Sector = curr.Sector
		d.CurrentShares = curr.Shares
		d.CurrentValueThousands = curr.ValueThousands
		d.CurrentWeight = current.Weight(curr)
	}
	if hadPrev {
		if d.IssuerName == "" {
			d.IssuerName = prev.IssuerName
		}
		if d.Ticker == "" {
			d.Ticker = prev.Ticker
		}
		if d.Sector == "" {
			d.Sector = prev.Sector
		}
		d.PriorShares = prev.Shares
		d.PriorValueThousands = prev.ValueThousands
		d.PriorWeight = prior.Weight(prev)
	}
	d.SharesDelta = d.CurrentShares - d.PriorShares

	// Negative share counts cannot come out of a well-formed filing.
	// Treat them as a liquidation rather than propagating a malformed
	// percentage downstream. This wins over every other classification,
	// including the no-prior case: a position that never existed and
	// reports negative shares is still not a NEW position.
	if d.CurrentShares < 0 {
		d.QualityWarning = fmt.Sprintf("negative current share count %d treated as exit", d.CurrentShares)
		d.CurrentShares = 0
		d.SharesDelta = -d.PriorShares
		d.Category = ChangeExit
		d.PctChange = -1.0
		d.PctValid = true
		d.Unbounded = true
		d.SignalStrength = 1.0
		return d
	}

	switch {
	case !hadPrev || d.PriorShares == 0:
		// Zero prior shares routes here before any division: the
		// pct-change branch below can never divide by zero.
		d.Category = ChangeNew
		d.PctValid = false
		d.Unbounded = true
	case !hasCurr || d.CurrentShares == 0:
		d.Category = ChangeExit
		d.PctChange = -1.0
		d.PctValid = true
		d.Unbounded = true
		d.SignalStrength = 1.0
	default:
		d.PctChange = float64(d.SharesDelta) / float64(d.PriorShares)
		d.PctValid = true
		d.SignalStrength = math.Abs(d.PctChange)
		switch {
		case d.CurrentShares > d.PriorShares:
			d.Category = ChangeIncrease
			d.ConcentratedAdd = d.PctChange > cfg.AddThreshold
		case d.CurrentShares < d.PriorShares:
			d.Category = ChangeDecrease
			d.HeavyTrim = d.PctChange < -cfg.TrimThreshold
		default:
			d.Category = ChangeUnchanged
		}
	}

	return d
}
