// Package report renders quarterly analysis results as markdown. No UI
// dependencies; the CLI writes the output to a file and the HTTP API can
// serve it directly.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/findings"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

// Options controls report composition.
type Options struct {
	IncludeFundDetails bool
	MaxRowsPerSection  int
	StaleFilingDays    int
	// ConsensusThreshold is the crowded-trade fund count used in captions.
	// It must match the aggregation config the signals were computed with.
	ConsensusThreshold int
}

// DefaultOptions returns the standard report shape.
func DefaultOptions() Options {
	return Options{
		IncludeFundDetails: true,
		MaxRowsPerSection:  15,
		StaleFilingDays:    50,
		ConsensusThreshold: 3,
	}
}

// Quarterly renders the full report for one quarter.
//
// Sections:
//  1. Executive summary
//  2. Top findings
//  3. Cross-fund signals (ranked moves, crowded trades, divergences)
//  4. Portfolio overlap
//  5. Individual fund summaries (optional)
//  6. Data quality notes
func Quarterly(fundDiffs []*diff.FundDiff, signals *aggregate.Signals, topFindings []findings.Finding, now time.Time, opts Options) string {
	var b strings.Builder

	qLabel := quarterLabel(signals.Period)
	fmt.Fprintf(&b, "# 13F Fund Tracker Report: %s\n\n", qLabel)
	fmt.Fprintf(&b, "*Generated %s*\n\n", now.Format("2006-01-02 15:04"))

	b.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&b, "- **Quarter**: %s (ending %s)\n", qLabel, signals.Period.Format("2006-01-02"))
	fmt.Fprintf(&b, "- **Funds Analyzed**: %d\n", signals.FundsAnalyzed)
	if stale := staleDiffs(fundDiffs, opts.StaleFilingDays); len(stale) > 0 {
		fmt.Fprintf(&b, "- **Stale Filings**: %d filed %d+ days after quarter end\n", len(stale), opts.StaleFilingDays)
	}
	fmt.Fprintf(&b, "- **Crowded Trades**: %d\n", len(signals.CrowdedTrades))
	fmt.Fprintf(&b, "- **Divergences**: %d\n", len(signals.Divergences))
	if len(signals.InsufficientHistory) > 0 {
		fmt.Fprintf(&b, "- **Funds Without Baseline History**: %d\n", len(signals.InsufficientHistory))
	}
	b.WriteString("\n")

	if len(topFindings) > 0 {
		b.WriteString("### Top Findings\n\n")
		for i, f := range topFindings {
			fmt.Fprintf(&b, "%d. **%s**", i+1, f.Headline)
			if f.Detail != "" {
				fmt.Fprintf(&b, " %s", f.Detail)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n\n## Cross-Fund Signals\n\n")
	writeCrowdedTrades(&b, signals, opts)
	writeDivergences(&b, signals, opts.MaxRowsPerSection)
	writeRankedMoves(&b, signals, opts.MaxRowsPerSection)
	writeSectorFlows(&b, signals)
	writeWidelyHeld(&b, signals, opts.MaxRowsPerSection)
	writeOverlap(&b, signals, opts.MaxRowsPerSection)

	if opts.IncludeFundDetails && len(fundDiffs) > 0 {
		b.WriteString("---\n\n## Individual Fund Summaries\n\n")
		sorted := make([]*diff.FundDiff, len(fundDiffs))
		copy(sorted, fundDiffs)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Fund.Name < sorted[j].Fund.Name })
		for _, fd := range sorted {
			writeFundSummary(&b, fd, opts)
		}
	}

	if stale := staleDiffs(fundDiffs, opts.StaleFilingDays); len(stale) > 0 {
		b.WriteString("## Data Quality Notes\n\n")
		fmt.Fprintf(&b, "**Stale Filings (%d+ days after quarter end):**\n\n", opts.StaleFilingDays)
		for _, fd := range stale {
			fmt.Fprintf(&b, "- %s: filed %d days late (filed %s)\n",
				fd.Fund.Name, fd.FilingLag, fd.FilingDate.Format("2006-01-02"))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writeCrowdedTrades(b *strings.Builder, signals *aggregate.Signals, opts Options) {
	if len(signals.CrowdedTrades) == 0 {
		return
	}
	b.WriteString("### Crowded Trades\n\n")
	fmt.Fprintf(b, "Securities moved in the same direction by %d+ funds with nobody on the other side.\n\n",
		opts.ConsensusThreshold)
	b.WriteString("| Stock | Direction | Funds | Buyers | Sellers |\n")
	b.WriteString("|-------|-----------|-------|--------|--------|\n")
	for _, ct := range capCrowded(signals.CrowdedTrades, opts.MaxRowsPerSection) {
		fmt.Fprintf(b, "| **%s** | %s | %d | %s | %s |\n",
			label(ct.Ticker, ct.IssuerName), ct.Direction, ct.ConsensusCount,
			joinCapped(ct.BuyerFundIDs, 5), joinCapped(ct.SellerFundIDs, 5))
	}
	b.WriteString("\n")
}

func writeDivergences(b *strings.Builder, signals *aggregate.Signals, maxRows int) {
	if len(signals.Divergences) == 0 {
		return
	}
	b.WriteString("### Divergences (Funds On Both Sides)\n\n")
	b.WriteString("| Stock | Buyers | Sellers |\n")
	b.WriteString("|-------|--------|--------|\n")
	for _, dv := range capDivergences(signals.Divergences, maxRows) {
		fmt.Fprintf(b, "| **%s** | %s | %s |\n",
			label(dv.Ticker, dv.IssuerName), joinCapped(dv.BuyerFundIDs, 3), joinCapped(dv.SellerFundIDs, 3))
	}
	b.WriteString("\n")
}

func writeRankedMoves(b *strings.Builder, signals *aggregate.Signals, maxRows int) {
	if len(signals.Ranked) == 0 {
		return
	}
	b.WriteString("### Strongest Position Changes\n\n")
	b.WriteString("| Stock | Fund | Change | Share Delta | Pct |\n")
	b.WriteString("|-------|------|--------|-------------|-----|\n")
	n := min(maxRows, len(signals.Ranked))
	for _, rs := range signals.Ranked[:n] {
		pct := "n/a"
		if rs.PctValid {
			pct = fmt.Sprintf("%+.1f%%", rs.PctChange*100)
		}
		fmt.Fprintf(b, "| **%s** | %s | %s | %+d | %s |\n",
			rs.DisplayLabel(), rs.FundName, rs.Category, rs.SharesDelta, pct)
	}
	b.WriteString("\n")
}

func writeSectorFlows(b *strings.Builder, signals *aggregate.Signals) {
	if len(signals.SectorFlows) == 0 {
		return
	}
	b.WriteString("### Sector Flows\n\n")
	b.WriteString("Funds rotating into and out of each sector this quarter.\n\n")
	b.WriteString("| Sector | Funds Buying | Funds Selling | Net |\n")
	b.WriteString("|--------|--------------|---------------|-----|\n")
	for _, sf := range signals.SectorFlows {
		fmt.Fprintf(b, "| %s | %d | %d | %+d |\n", sf.Sector, sf.Buying, sf.Selling, sf.Net)
	}
	b.WriteString("\n")
}

func writeWidelyHeld(b *strings.Builder, signals *aggregate.Signals, maxRows int) {
	if len(signals.WidelyHeld) == 0 {
		return
	}
	b.WriteString("### Most Widely Held\n\n")
	b.WriteString("| Stock | Funds | Total Value | Largest Stake |\n")
	b.WriteString("|-------|-------|-------------|---------------|\n")
	n := min(maxRows, len(signals.WidelyHeld))
	for _, wh := range signals.WidelyHeld[:n] {
		largest := "-"
		if len(wh.Holders) > 0 {
			largest = fmt.Sprintf("%s (%.1f%%)", wh.Holders[0].FundName, wh.Holders[0].WeightPct)
		}
		fmt.Fprintf(b, "| **%s** | %d | %s | %s |\n",
			label(wh.Ticker, wh.IssuerName), wh.FundCount, fmtValue(wh.TotalValueThousands), largest)
	}
	b.WriteString("\n")
}

func writeOverlap(b *strings.Builder, signals *aggregate.Signals, maxRows int) {
	if signals.Overlap == nil || len(signals.Overlap.Entries) == 0 {
		return
	}
	b.WriteString("### Portfolio Overlap\n\n")
	b.WriteString("Most similar fund pairs by weighted holdings overlap.\n\n")
	b.WriteString("| Fund A | Fund B | Similarity |\n")
	b.WriteString("|--------|--------|-----------|\n")
	n := min(maxRows, len(signals.Overlap.Entries))
	for _, e := range signals.Overlap.Entries[:n] {
		fmt.Fprintf(b, "| %s | %s | %.1f%% |\n", e.FundA, e.FundB, e.SimilarityScore*100)
	}
	b.WriteString("\n")
}

func writeFundSummary(b *strings.Builder, fd *diff.FundDiff, opts Options) {
	fmt.Fprintf(b, "### %s (%s)\n\n", fd.Fund.Name, fd.Fund.Tier)
	fmt.Fprintf(b, "- **AUM**: %s", fmtValue(fd.CurrentAUMThousands))
	if fd.PriorAUMThousands > 0 {
		fmt.Fprintf(b, " (%+.1f%% QoQ)", fd.AUMChangePct*100)
	}
	b.WriteString("\n")
	fmt.Fprintf(b, "- **Filing Lag**: %d days", fd.FilingLag)
	if fd.IsStale(opts.StaleFilingDays) {
		b.WriteString(" (STALE)")
	}
	b.WriteString("\n")
	fmt.Fprintf(b, "- **Top-10 Concentration**: %.1f%% (was %.1f%%)\n",
		fd.CurrentTopNWeight*100, fd.PriorTopNWeight*100)

	newPos := fd.ByCategory(diff.ChangeNew)
	exits := fd.ByCategory(diff.ChangeExit)
	adds := fd.ByCategory(diff.ChangeIncrease)
	trims := fd.ByCategory(diff.ChangeDecrease)
	fmt.Fprintf(b, "- **Positions**: %d new, %d exited, %d added, %d trimmed\n\n",
		len(newPos), len(exits), len(adds), len(trims))

	writePositionList(b, "New Positions", newPos, func(d diff.PositionDiff) string {
		return fmt.Sprintf("%s (%.1f%% of AUM)", fmtValue(d.CurrentValueThousands), d.CurrentWeight*100)
	})
	writePositionList(b, "Exited Positions", exits, func(d diff.PositionDiff) string {
		return fmt.Sprintf("was %s (%.1f%% of AUM)", fmtValue(d.PriorValueThousands), d.PriorWeight*100)
	})
	writePositionList(b, "Concentrated Adds", filterConcentrated(adds), func(d diff.PositionDiff) string {
		return fmt.Sprintf("%+.1f%% shares (%s to %s)", d.PctChange*100,
			fmtValue(d.PriorValueThousands), fmtValue(d.CurrentValueThousands))
	})
	writePositionList(b, "Heavy Trims", filterHeavyTrims(trims), func(d diff.PositionDiff) string {
		return fmt.Sprintf("%+.1f%% shares (%s to %s)", d.PctChange*100,
			fmtValue(d.PriorValueThousands), fmtValue(d.CurrentValueThousands))
	})
	writeConvictions(b, fd)

	b.WriteString("---\n\n")
}

// writeConvictions lists the fund's active multi-quarter building or
// unwinding streaks.
func writeConvictions(b *strings.Builder, fd *diff.FundDiff) {
	var streaks []holdings.ConvictionTrack
	for _, tr := range fd.Convictions {
		if tr.ConsecutiveAdds >= 2 || tr.ConsecutiveTrims >= 2 {
			streaks = append(streaks, tr)
		}
	}
	if len(streaks) == 0 {
		return
	}
	b.WriteString("**Conviction Streaks:**\n\n")
	n := min(5, len(streaks))
	for _, tr := range streaks[:n] {
		name := tr.Ticker
		if name == "" {
			name = holdings.ShortenIssuer(tr.IssuerName)
		}
		verb, count := "consecutive adds", tr.ConsecutiveAdds
		if tr.ConsecutiveTrims > tr.ConsecutiveAdds {
			verb, count = "consecutive trims", tr.ConsecutiveTrims
		}
		fmt.Fprintf(b, "- %s: held %d quarters, %d %s\n", name, tr.QuartersHeld, count, verb)
	}
	b.WriteString("\n")
}

// SingleFund renders one fund's quarter analysis.
func SingleFund(fd *diff.FundDiff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n\n", fd.Fund.Name, quarterLabel(fd.Period))
	fmt.Fprintf(&b, "**AUM**: %s\n", fmtValue(fd.CurrentAUMThousands))
	fmt.Fprintf(&b, "**Filing Date**: %s (%d days after quarter end)\n",
		fd.FilingDate.Format("2006-01-02"), fd.FilingLag)
	fmt.Fprintf(&b, "**Top-10 Weight**: %.1f%%\n\n", fd.CurrentTopNWeight*100)

	sections := []struct {
		title    string
		category diff.ChangeType
	}{
		{"New Positions", diff.ChangeNew},
		{"Exited Positions", diff.ChangeExit},
		{"Added Positions", diff.ChangeIncrease},
		{"Trimmed Positions", diff.ChangeDecrease},
	}
	for _, sec := range sections {
		positions := fd.ByCategory(sec.category)
		if len(positions) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", sec.title)
		b.WriteString("| Stock | Value | Weight | Share Delta | Pct |\n")
		b.WriteString("|-------|-------|--------|-------------|-----|\n")
		n := min(20, len(positions))
		for _, d := range positions[:n] {
			val := d.CurrentValueThousands
			if val == 0 {
				val = d.PriorValueThousands
			}
			pct := "n/a"
			if d.PctValid {
				pct = fmt.Sprintf("%+.1f%%", d.PctChange*100)
			}
			fmt.Fprintf(&b, "| %s | %s | %.1f%% | %+d | %s |\n",
				d.DisplayLabel(), fmtValue(val), d.CurrentWeight*100, d.SharesDelta, pct)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writePositionList(b *strings.Builder, title string, positions []diff.PositionDiff, describe func(diff.PositionDiff) string) {
	if len(positions) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s:**\n\n", title)
	n := min(10, len(positions))
	for _, d := range positions[:n] {
		fmt.Fprintf(b, "- %s: %s", d.DisplayLabel(), describe(d))
		if len(d.Themes) > 0 {
			fmt.Fprintf(b, " [%s]", strings.Join(d.Themes, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func filterConcentrated(in []diff.PositionDiff) []diff.PositionDiff {
	var out []diff.PositionDiff
	for _, d := range in {
		if d.ConcentratedAdd {
			out = append(out, d)
		}
	}
	return out
}

func filterHeavyTrims(in []diff.PositionDiff) []diff.PositionDiff {
	var out []diff.PositionDiff
	for _, d := range in {
		if d.HeavyTrim {
			out = append(out, d)
		}
	}
	return out
}

func staleDiffs(fundDiffs []*diff.FundDiff, staleDays int) []*diff.FundDiff {
	var out []*diff.FundDiff
	for _, fd := range fundDiffs {
		if fd.IsStale(staleDays) {
			out = append(out, fd)
		}
	}
	return out
}

func capCrowded(in []aggregate.CrowdedTrade, n int) []aggregate.CrowdedTrade {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func capDivergences(in []aggregate.Divergence, n int) []aggregate.Divergence {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func joinCapped(ids []string, n int) string {
	if len(ids) == 0 {
		return "-"
	}
	if len(ids) <= n {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s +%d", strings.Join(ids[:n], ", "), len(ids)-n)
}

func label(ticker, issuer string) string {
	if ticker != "" {
		return ticker
	}
	return issuer
}

// fmtValue formats $thousands as $1.2B, $345.6M, $12K.
func fmtValue(thousands int64) string {
	dollars := float64(thousands) * 1000
	abs := dollars
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e9:
		return fmt.Sprintf("$%.1fB", dollars/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("$%.1fM", dollars/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("$%.0fK", dollars/1e3)
	default:
		return fmt.Sprintf("$%.0f", dollars)
	}
}

// quarterLabel formats a quarter end as "Q4 2025".
func quarterLabel(d time.Time) string {
	q := (int(d.Month())-1)/3 + 1
	return fmt.Sprintf("Q%d %d", q, d.Year())
}
