// Package holdings defines the snapshot model for 13F filings: one fund's
// positions at one quarter end. Snapshots are produced by the filing
// acquisition layer and are immutable once built; the diff and aggregation
// engines only read them.
package holdings

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Tier classifies a fund for presentation grouping and ranking tie-breaks.
// It never participates in signal computation.
type Tier string

const (
	TierA Tier = "A" // Multi-strat
	TierB Tier = "B" // Stock pickers
	TierC Tier = "C" // Event-driven / activist
	TierD Tier = "D" // Emerging
	TierE Tier = "E" // Sector specialists
)

// Ordinal returns the tier's sort position (A before E).
func (t Tier) Ordinal() int {
	switch t {
	case TierA:
		return 0
	case TierB:
		return 1
	case TierC:
		return 2
	case TierD:
		return 3
	case TierE:
		return 4
	default:
		return 5
	}
}

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	return t.Ordinal() < 5
}

// FundInfo is static fund metadata from the watchlist.
type FundInfo struct {
	Name    string   `yaml:"name" json:"name"`
	CIK     string   `yaml:"cik" json:"cik"`
	Tier    Tier     `yaml:"tier" json:"tier"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// PaddedCIK returns the 10-digit zero-padded CIK used in EDGAR URLs.
func (f FundInfo) PaddedCIK() string {
	cik := f.CIK
	for len(cik) < 10 {
		cik = "0" + cik
	}
	return cik
}

// PutCall marks an options position. Empty string means plain equity.
type PutCall string

const (
	OptionNone PutCall = ""
	OptionPut  PutCall = "PUT"
	OptionCall PutCall = "CALL"
)

// Holding is a single position from a 13F information table.
//
// The CUSIP is the canonical identity used for matching across periods;
// the ticker is display-only enrichment populated by the identifier
// resolution layer.
type Holding struct {
	CUSIP          string  `json:"cusip" db:"cusip"`
	IssuerName     string  `json:"issuer_name" db:"issuer_name"`
	TitleOfClass   string  `json:"title_of_class" db:"title_of_class"`
	ValueThousands int64   `json:"value_thousands" db:"value_thousands"`
	Shares         int64   `json:"shares" db:"shares"`
	ShPrnType      string  `json:"sh_prn_type" db:"sh_prn_type"`
	PutCall        PutCall `json:"put_call,omitempty" db:"put_call"`

	// Enrichment, populated after parsing.
	Ticker string `json:"ticker,omitempty" db:"ticker"`
	Sector string `json:"sector,omitempty" db:"sector"`
}

// SecurityID returns the canonical matching key for this position. Options
// on the same underlying are distinct positions from the equity, so the
// put/call marker is folded into the key.
func (h Holding) SecurityID() string {
	if h.PutCall != OptionNone {
		return h.CUSIP + ":" + string(h.PutCall)
	}
	return h.CUSIP
}

// IsOption reports whether this is a PUT or CALL position.
func (h Holding) IsOption() bool {
	return h.PutCall != OptionNone
}

// DisplayLabel is the human-readable name: ticker when resolved, otherwise
// the shortened issuer name, with a [PUT]/[CALL] suffix for options.
func (h Holding) DisplayLabel() string {
	base := h.Ticker
	if base == "" {
		base = ShortenIssuer(h.IssuerName)
	}
	if h.PutCall != OptionNone {
		return fmt.Sprintf("%s [%s]", base, h.PutCall)
	}
	return base
}

// FundHoldings is one fund's complete snapshot for one reporting period.
type FundHoldings struct {
	Fund       FundInfo  `json:"fund"`
	QuarterEnd time.Time `json:"quarter_end"`
	FilingDate time.Time `json:"filing_date"`
	ReportDate time.Time `json:"report_date"`
	Holdings   []Holding `json:"holdings"`
}

// TotalValueThousands sums the reported market value across all positions.
func (fh *FundHoldings) TotalValueThousands() int64 {
	var total int64
	for _, h := range fh.Holdings {
		total += h.ValueThousands
	}
	return total
}

// FilingLagDays is the elapsed days between quarter end and filing date.
// Attached to presentation only; classification never consumes it.
func (fh *FundHoldings) FilingLagDays() int {
	return int(fh.FilingDate.Sub(fh.QuarterEnd).Hours() / 24)
}

// PositionCount returns the number of positions in the snapshot.
func (fh *FundHoldings) PositionCount() int {
	return len(fh.Holdings)
}

// Weight returns a position's portfolio weight as a fraction of total
// reported value, in [0, 1].
func (fh *FundHoldings) Weight(h Holding) float64 {
	total := fh.TotalValueThousands()
	if total == 0 {
		return 0
	}
	return float64(h.ValueThousands) / float64(total)
}

// WeightVector returns security id → portfolio weight for all equity
// positions. Options are excluded: overlap and concentration compare
// directional equity books, and option notionals distort weights.
func (fh *FundHoldings) WeightVector() map[string]float64 {
	var total int64
	for _, h := range fh.Holdings {
		if !h.IsOption() {
			total += h.ValueThousands
		}
	}
	weights := make(map[string]float64)
	if total == 0 {
		return weights
	}
	for _, h := range fh.Holdings {
		if h.IsOption() {
			continue
		}
		weights[h.SecurityID()] += float64(h.ValueThousands) / float64(total)
	}
	return weights
}

// TopNWeight returns the summed weight of the N largest positions.
func (fh *FundHoldings) TopNWeight(n int) float64 {
	total := fh.TotalValueThousands()
	if total == 0 || n <= 0 {
		return 0
	}
	weights := make([]float64, 0, len(fh.Holdings))
	for _, h := range fh.Holdings {
		weights = append(weights, float64(h.ValueThousands)/float64(total))
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(weights)))
	if n > len(weights) {
		n = len(weights)
	}
	var sum float64
	for _, w := range weights[:n] {
		sum += w
	}
	return sum
}

// HHI returns the Herfindahl-Hirschman index of the portfolio: the sum of
// squared position weights, in (0, 1]. Higher is more concentrated.
func (fh *FundHoldings) HHI() float64 {
	total := fh.TotalValueThousands()
	if total == 0 {
		return 0
	}
	var hhi float64
	for _, h := range fh.Holdings {
		w := float64(h.ValueThousands) / float64(total)
		hhi += w * w
	}
	return hhi
}

// ByID returns the snapshot's positions keyed by security id. Duplicate ids
// within one snapshot are merged by summing shares and value; filings
// occasionally split one position across rows by voting authority.
func (fh *FundHoldings) ByID() map[string]Holding {
	out := make(map[string]Holding, len(fh.Holdings))
	for _, h := range fh.Holdings {
		id := h.SecurityID()
		if prev, ok := out[id]; ok {
			prev.Shares += h.Shares
			prev.ValueThousands += h.ValueThousands
			out[id] = prev
		} else {
			out[id] = h
		}
	}
	return out
}

var issuerSuffixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bFORMERLY\b.*$`),
	regexp.MustCompile(`(?i)\bHOLDINGS?\b`),
	regexp.MustCompile(`(?i)\bHLDGS?\b`),
	regexp.MustCompile(`(?i)\bGROUP\b`),
	regexp.MustCompile(`(?i)\bINCORPORATED\b`),
	regexp.MustCompile(`(?i)\bCORPORATION\b`),
	regexp.MustCompile(`(?i)\bINC\.?\b`),
	regexp.MustCompile(`(?i)\bCORP\.?\b`),
	regexp.MustCompile(`(?i)\bLTD\.?\b`),
	regexp.MustCompile(`(?i)\bLLC\.?\b`),
	regexp.MustCompile(`(?i)\bL\.?P\.?\b`),
	regexp.MustCompile(`(?i)\bPLC\.?\b`),
	regexp.MustCompile(`(?i)\bCO\.?\b`),
	regexp.MustCompile(`(?i)\bTECHNOLOGIES\b`),
	regexp.MustCompile(`(?i)\bINTERNATIONAL\b`),
	regexp.MustCompile(`(?i)\bINTL\b`),
	regexp.MustCompile(`(?i)\bSYSTEMS?\b`),
	regexp.MustCompile(`(?i)\bSERVICES?\b`),
	regexp.MustCompile(`(?i)\bCL [A-Z]$`),
	regexp.MustCompile(`(?i)\bCLASS [A-Z]$`),
	regexp.MustCompile(`(?i)\bSHS\b`),
	regexp.MustCompile(`(?i)\bCOM\b`),
	regexp.MustCompile(`(?i)\bNEW\b`),
	regexp.MustCompile(`[/-]+\s*$`),
}

var multiSpace = regexp.MustCompile(`\s{2,}`)

// ShortenIssuer strips common corporate suffixes from SEC issuer names:
// "NVIDIA CORP" becomes "NVIDIA". Falls back to the original name when
// stripping would leave nothing.
func ShortenIssuer(name string) string {
	result := strings.TrimSpace(name)
	for _, re := range issuerSuffixes {
		result = strings.TrimSpace(re.ReplaceAllString(result, ""))
	}
	result = multiSpace.ReplaceAllString(result, " ")
	result = strings.TrimRight(result, " .,;:-/")
	if result == "" {
		return strings.TrimSpace(name)
	}
	return result
}
