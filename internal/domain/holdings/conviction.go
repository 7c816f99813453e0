package holdings

// ConvictionTrack summarizes one security's multi-quarter history inside
// a single fund's book: how long it has been held and whether the fund
// has been steadily building or unwinding it.
type ConvictionTrack struct {
	FundID     string `json:"fund_id"`
	SecurityID string `json:"security_id"`
	Ticker     string `json:"ticker,omitempty"`
	IssuerName string `json:"issuer_name"`

	// QuartersHeld counts the snapshots in which the position appears.
	QuartersHeld int `json:"quarters_held"`

	// ConsecutiveAdds and ConsecutiveTrims count the current streak of
	// quarter-over-quarter share increases or decreases, ending at the
	// newest snapshot. An add resets the trim streak and vice versa; an
	// unchanged quarter resets neither. A quarter out of the book resets
	// both.
	ConsecutiveAdds  int `json:"consecutive_adds"`
	ConsecutiveTrims int `json:"consecutive_trims"`

	// WeightHistory and SharesHistory carry one entry per held quarter,
	// oldest first. Weights are portfolio fractions.
	WeightHistory []float64 `json:"weight_history"`
	SharesHistory []int64   `json:"shares_history"`
}

// BuildConvictionTrack walks a fund's snapshot history, oldest first, and
// assembles the track for one security. Returns nil when the security
// never appears.
func BuildConvictionTrack(history []*FundHoldings, securityID string) *ConvictionTrack {
	if len(history) == 0 {
		return nil
	}
	track := &ConvictionTrack{
		FundID:     history[len(history)-1].Fund.CIK,
		SecurityID: securityID,
	}

	var prevShares int64
	var held bool
	for _, snap := range history {
		h, ok := snap.ByID()[securityID]
		if !ok {
			prevShares, held = 0, false
			track.ConsecutiveAdds = 0
			track.ConsecutiveTrims = 0
			continue
		}
		track.QuartersHeld++
		track.WeightHistory = append(track.WeightHistory, snap.Weight(h))
		track.SharesHistory = append(track.SharesHistory, h.Shares)
		if h.Ticker != "" {
			track.Ticker = h.Ticker
		}
		if h.IssuerName != "" {
			track.IssuerName = h.IssuerName
		}

		if held {
			switch {
			case h.Shares > prevShares:
				track.ConsecutiveAdds++
				track.ConsecutiveTrims = 0
			case h.Shares < prevShares:
				track.ConsecutiveTrims++
				track.ConsecutiveAdds = 0
			}
		}
		prevShares, held = h.Shares, true
	}

	if track.QuartersHeld == 0 {
		return nil
	}
	return track
}
