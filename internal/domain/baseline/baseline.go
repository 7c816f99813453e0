// Package baseline maintains rolling per-fund statistics over trailing
// periods and scores the current period against the fund's own history.
// A z-score only exists once enough history has accrued; insufficient
// baselines are flagged rather than reported as a misleading zero.
package baseline

import (
	"math"
	"sort"
	"time"
)

// Config holds the baseline window parameters.
type Config struct {
	// WindowSize is the maximum number of trailing periods, excluding the
	// current one, that feed the rolling statistics.
	WindowSize int `yaml:"window_size"`
	// MinWindow is the minimum trailing periods required before a metric
	// is considered to have sufficient data.
	MinWindow int `yaml:"min_window"`
}

// DefaultConfig returns the standard window: stats over up to eight
// trailing quarters, requiring at least four.
func DefaultConfig() Config {
	return Config{WindowSize: 8, MinWindow: 4}
}

// Observation is one period's value for one tracked metric.
type Observation struct {
	Period time.Time `json:"period"`
	Value  float64   `json:"value"`
}

// FundBaseline is the rolling statistic for one fund, metric and period.
// Recomputed in full from the trailing window every time: window sizes are
// small, and full recomputation cannot drift the way incremental updates can.
type FundBaseline struct {
	FundID     string    `json:"fund_id" db:"fund_id"`
	Period     time.Time `json:"period" db:"period"`
	Metric     string    `json:"metric" db:"metric"`
	WindowSize int       `json:"window_size" db:"window_size"`

	Mean         float64 `json:"mean" db:"mean"`
	StdDev       float64 `json:"stddev" db:"stddev"`
	CurrentValue float64 `json:"current_value" db:"current_value"`

	// ZScore is only meaningful when SufficientData is true.
	ZScore         float64 `json:"z_score" db:"z_score"`
	SufficientData bool    `json:"sufficient_data" db:"sufficient_data"`
}

// Compute builds the baseline for the latest observation in history.
// history must be ordered oldest to newest and its last element is the
// current period; everything before it is the trailing window candidate set.
//
// The metric is marked insufficient when fewer than cfg.MinWindow trailing
// periods exist or the trailing standard deviation is zero.
func Compute(fundID, metric string, history []Observation, cfg Config) FundBaseline {
	b := FundBaseline{FundID: fundID, Metric: metric, WindowSize: cfg.WindowSize}
	if len(history) == 0 {
		return b
	}

	current := history[len(history)-1]
	b.Period = current.Period
	b.CurrentValue = current.Value

	trailing := history[:len(history)-1]
	if len(trailing) > cfg.WindowSize {
		trailing = trailing[len(trailing)-cfg.WindowSize:]
	}
	if len(trailing) < cfg.MinWindow {
		return b
	}

	var sum float64
	for _, o := range trailing {
		sum += o.Value
	}
	mean := sum / float64(len(trailing))

	var sq float64
	for _, o := range trailing {
		d := o.Value - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(trailing)))

	b.Mean = mean
	b.StdDev = std
	if std == 0 {
		// A flat history gives no scale to score against.
		return b
	}

	b.ZScore = (current.Value - mean) / std
	b.SufficientData = true
	return b
}

// ComputeAll builds baselines for every tracked metric of one fund-period.
// metrics maps metric name to its ordered history (current period last).
// Results are ordered by metric name for reproducibility.
func ComputeAll(fundID string, metrics map[string][]Observation, cfg Config) []FundBaseline {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]FundBaseline, 0, len(names))
	for _, name := range names {
		out = append(out, Compute(fundID, name, metrics[name], cfg))
	}
	return out
}

// Aggregation selects how per-metric z-scores fold into one surprise score.
type Aggregation string

const (
	// AggMaxAbs surfaces a fund when any single metric is sharply
	// anomalous; metrics do not need to move together.
	AggMaxAbs Aggregation = "max_abs"
	// AggMeanAbs requires broader movement across metrics.
	AggMeanAbs Aggregation = "mean_abs"
)

// Surprise folds a fund-period's baselines into a single surprise score.
// Only metrics with sufficient data contribute; the second return is false
// when no metric qualifies, and such funds must be absent from any ranking
// that depends on surprise.
func Surprise(baselines []FundBaseline, agg Aggregation) (float64, bool) {
	var score float64
	var n int
	for _, b := range baselines {
		if !b.SufficientData {
			continue
		}
		abs := math.Abs(b.ZScore)
		switch agg {
		case AggMeanAbs:
			score += abs
		default:
			if abs > score {
				score = abs
			}
		}
		n++
	}
	if n == 0 {
		return 0, false
	}
	if agg == AggMeanAbs {
		score /= float64(n)
	}
	return score, true
}
