package aggregate

import (
	"sort"

	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

// SectorFlow counts the funds buying into and selling out of one sector
// this period. Each fund counts at most once per side no matter how many
// positions it moved in the sector.
type SectorFlow struct {
	Sector  string `json:"sector"`
	Buying  int    `json:"buying"`
	Selling int    `json:"selling"`
	Net     int    `json:"net"`
}

// unknownSector labels positions with no sector enrichment.
const unknownSector = "Unknown"

// computeSectorFlows folds per-fund diffs into sector-level fund counts.
// NEW and INCREASE are buying; EXIT and DECREASE are selling. Output is
// ordered by |net| descending, then sector name.
func computeSectorFlows(diffs []*diff.FundDiff) []SectorFlow {
	type tally struct{ buying, selling int }
	flows := make(map[string]*tally)

	for _, fd := range diffs {
		bought := make(map[string]bool)
		sold := make(map[string]bool)
		for _, d := range fd.Changed() {
			sector := d.Sector
			if sector == "" {
				sector = unknownSector
			}
			switch d.Category {
			case diff.ChangeNew, diff.ChangeIncrease:
				bought[sector] = true
			case diff.ChangeExit, diff.ChangeDecrease:
				sold[sector] = true
			}
		}
		for sector := range bought {
			if flows[sector] == nil {
				flows[sector] = &tally{}
			}
			flows[sector].buying++
		}
		for sector := range sold {
			if flows[sector] == nil {
				flows[sector] = &tally{}
			}
			flows[sector].selling++
		}
	}

	out := make([]SectorFlow, 0, len(flows))
	for sector, t := range flows {
		out = append(out, SectorFlow{
			Sector:  sector,
			Buying:  t.buying,
			Selling: t.selling,
			Net:     t.buying - t.selling,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := absInt(out[i].Net), absInt(out[j].Net)
		if ni != nj {
			return ni > nj
		}
		return out[i].Sector < out[j].Sector
	})
	return out
}

// HolderStake is one fund's position in a widely held security.
type HolderStake struct {
	FundID         string  `json:"fund_id"`
	FundName       string  `json:"fund_name"`
	WeightPct      float64 `json:"weight_pct"`
	ValueThousands int64   `json:"value_thousands"`
}

// WidelyHeld is a security ranked by how many tracked funds hold it.
// Options are excluded; a put and the equity are not the same exposure.
type WidelyHeld struct {
	SecurityID          string        `json:"security_id"`
	Ticker              string        `json:"ticker,omitempty"`
	IssuerName          string        `json:"issuer_name"`
	FundCount           int           `json:"fund_count"`
	TotalValueThousands int64         `json:"total_value_thousands"`
	Holders             []HolderStake `json:"holders"`
}

// computeWidelyHeld ranks equity securities by holder count across the
// current-period snapshots and keeps the top n.
func computeWidelyHeld(snapshots map[string]*holdings.FundHoldings, topN int) []WidelyHeld {
	if topN <= 0 {
		return nil
	}

	ciks := make([]string, 0, len(snapshots))
	for cik := range snapshots {
		ciks = append(ciks, cik)
	}
	sort.Strings(ciks)

	bySecurity := make(map[string]*WidelyHeld)
	for _, cik := range ciks {
		snap := snapshots[cik]
		for id, h := range snap.ByID() {
			if h.IsOption() {
				continue
			}
			entry := bySecurity[id]
			if entry == nil {
				entry = &WidelyHeld{SecurityID: id, IssuerName: h.IssuerName}
				bySecurity[id] = entry
			}
			if entry.Ticker == "" && h.Ticker != "" {
				entry.Ticker = h.Ticker
			}
			entry.FundCount++
			entry.TotalValueThousands += h.ValueThousands
			entry.Holders = append(entry.Holders, HolderStake{
				FundID:         cik,
				FundName:       snap.Fund.Name,
				WeightPct:      snap.Weight(h) * 100,
				ValueThousands: h.ValueThousands,
			})
		}
	}

	out := make([]WidelyHeld, 0, len(bySecurity))
	for _, entry := range bySecurity {
		sort.Slice(entry.Holders, func(i, j int) bool {
			if entry.Holders[i].WeightPct != entry.Holders[j].WeightPct {
				return entry.Holders[i].WeightPct > entry.Holders[j].WeightPct
			}
			return entry.Holders[i].FundID < entry.Holders[j].FundID
		})
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FundCount != out[j].FundCount {
			return out[i].FundCount > out[j].FundCount
		}
		if out[i].TotalValueThousands != out[j].TotalValueThousands {
			return out[i].TotalValueThousands > out[j].TotalValueThousands
		}
		return out[i].SecurityID < out[j].SecurityID
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
