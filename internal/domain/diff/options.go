package diff

import (
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

// OptionDecision is the diff engine's verdict on an option position.
// Most 13F option rows are hedges or market-making inventory; the filter
// keeps the few that look like directional bets, annotates the ambiguous
// rest, and drops the noise entirely.
type OptionDecision string

const (
	OptionInclude OptionDecision = "INCLUDE"
	OptionExclude OptionDecision = "EXCLUDE"
	OptionFlag    OptionDecision = "FLAG"
)

const (
	// optionAUMThreshold is the minimum portfolio weight for an option to
	// count as a meaningful directional position on its own.
	optionAUMThreshold = 0.005
	// hedgeValueRatio: an option worth less than this fraction of the same
	// issuer's equity position is treated as a hedge on that position.
	hedgeValueRatio = 0.10
	// noiseOptionCount and noiseWeight detect market-making books: many
	// tiny option rows, none individually meaningful.
	noiseOptionCount = 20
	noiseWeight      = 0.002
	// topNByValue admits options large enough to rank among the book's
	// biggest positions outright.
	topNByValue    = 10
	minBookForTopN = 10
	// valueSwingRatio flags options whose notional moved sharply QoQ.
	valueSwingRatio = 0.50
	// bigNewValueThousands admits any new option position of real size
	// ($10M reported value).
	bigNewValueThousands = 10_000
)

// classifyOption decides whether an option diff is a signal, noise, or
// merely worth annotating. Exited options are judged against the prior
// book, live ones against the current book.
func classifyOption(
	d PositionDiff,
	prev holdings.Holding, hadPrev bool,
	curr holdings.Holding, hasCurr bool,
	prior, current *holdings.FundHoldings,
) OptionDecision {
	h, book := curr, current
	if !hasCurr {
		h, book = prev, prior
	}

	prefix := issuerPrefix(h.CUSIP)
	weight := book.Weight(h)

	// A new put with no equity stake in the issuer is an outright short
	// bet, not downside protection.
	if d.Category == ChangeNew && h.PutCall == holdings.OptionPut && !hasEquityInIssuer(book, prefix) {
		return OptionInclude
	}
	// A new call of real size is a leveraged long.
	if d.Category == ChangeNew && h.PutCall == holdings.OptionCall && weight >= optionAUMThreshold {
		return OptionInclude
	}

	// Hedge check runs before the weight threshold: a large put against a
	// much larger equity position is still protection, not a bet.
	if equity := equityValueForIssuer(book, prefix); equity > 0 &&
		float64(h.ValueThousands) < float64(equity)*hedgeValueRatio {
		return OptionExclude
	}

	if weight >= optionAUMThreshold {
		return OptionInclude
	}

	if countSmallOptions(book) >= noiseOptionCount {
		return OptionExclude
	}

	if len(book.Holdings) >= minBookForTopN && inTopNByValue(book, h, topNByValue) {
		return OptionInclude
	}

	if hadPrev && hasCurr && prev.ValueThousands > 0 {
		swing := float64(curr.ValueThousands-prev.ValueThousands) / float64(prev.ValueThousands)
		if swing >= valueSwingRatio || swing <= -valueSwingRatio {
			return OptionInclude
		}
	}

	if d.Category == ChangeNew && h.ValueThousands >= bigNewValueThousands {
		return OptionInclude
	}

	return OptionFlag
}

// issuerPrefix is the 6-character CUSIP issuer stem shared by all of an
// issuer's securities.
func issuerPrefix(cusip string) string {
	if len(cusip) > 6 {
		return cusip[:6]
	}
	return cusip
}

func hasEquityInIssuer(book *holdings.FundHoldings, prefix string) bool {
	for _, h := range book.Holdings {
		if !h.IsOption() && issuerPrefix(h.CUSIP) == prefix {
			return true
		}
	}
	return false
}

func equityValueForIssuer(book *holdings.FundHoldings, prefix string) int64 {
	var total int64
	for _, h := range book.Holdings {
		if !h.IsOption() && issuerPrefix(h.CUSIP) == prefix {
			total += h.ValueThousands
		}
	}
	return total
}

func countSmallOptions(book *holdings.FundHoldings) int {
	var n int
	for _, h := range book.Holdings {
		if h.IsOption() && book.Weight(h) < noiseWeight {
			n++
		}
	}
	return n
}

func inTopNByValue(book *holdings.FundHoldings, h holdings.Holding, n int) bool {
	larger := 0
	id := h.SecurityID()
	for _, other := range book.Holdings {
		if other.SecurityID() == id {
			continue
		}
		if other.ValueThousands > h.ValueThousands {
			larger++
		}
	}
	return larger < n
}
