package aggregate

import (
	"sort"
	"time"

	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

// OverlapEntry is the similarity record for one fund pair. Entries are
// stored once per unordered pair with FundA < FundB; the relation is
// symmetric by construction.
type OverlapEntry struct {
	FundA             string    `json:"fund_a"`
	FundB             string    `json:"fund_b"`
	Period            time.Time `json:"period"`
	SimilarityScore   float64   `json:"similarity_score"`
	SharedSecurityIDs []string  `json:"shared_security_ids,omitempty"`
}

// OverlapMatrix is the full pairwise similarity matrix for the period.
// Scores[i][j] == Scores[j][i] and the diagonal is fixed at 1.0.
type OverlapMatrix struct {
	Period  time.Time      `json:"period"`
	FundIDs []string       `json:"fund_ids"`
	Scores  [][]float64    `json:"scores"`
	Entries []OverlapEntry `json:"entries"`
}

// Score returns the similarity for a fund pair, in either order.
func (m *OverlapMatrix) Score(a, b string) (float64, bool) {
	ia, ib := -1, -1
	for i, id := range m.FundIDs {
		if id == a {
			ia = i
		}
		if id == b {
			ib = i
		}
	}
	if ia < 0 || ib < 0 {
		return 0, false
	}
	return m.Scores[ia][ib], true
}

// ComputeOverlap builds the pairwise similarity matrix over each fund's
// equity weight vector.
//
// Similarity is weighted Jaccard: sum of min(wa, wb) over the union of
// security ids divided by sum of max(wa, wb). Identical books score 1.0,
// disjoint books 0.0, and large shared positions dominate small ones.
// Per-pair shared-holdings detail keeps the topK ids by combined weight.
func ComputeOverlap(snapshots map[string]*holdings.FundHoldings, period time.Time, topK int) *OverlapMatrix {
	fundIDs := make([]string, 0, len(snapshots))
	for id := range snapshots {
		fundIDs = append(fundIDs, id)
	}
	sort.Strings(fundIDs)

	if len(fundIDs) == 0 {
		return &OverlapMatrix{Period: period}
	}

	vectors := make([]map[string]float64, len(fundIDs))
	for i, id := range fundIDs {
		vectors[i] = snapshots[id].WeightVector()
	}

	m := &OverlapMatrix{
		Period:  period,
		FundIDs: fundIDs,
		Scores:  make([][]float64, len(fundIDs)),
	}
	for i := range m.Scores {
		m.Scores[i] = make([]float64, len(fundIDs))
		m.Scores[i][i] = 1.0
	}

	for i := 0; i < len(fundIDs); i++ {
		for j := i + 1; j < len(fundIDs); j++ {
			score, shared := weightedJaccard(vectors[i], vectors[j], topK)
			m.Scores[i][j] = score
			m.Scores[j][i] = score
			m.Entries = append(m.Entries, OverlapEntry{
				FundA:             fundIDs[i],
				FundB:             fundIDs[j],
				Period:            period,
				SimilarityScore:   score,
				SharedSecurityIDs: shared,
			})
		}
	}

	sort.Slice(m.Entries, func(i, j int) bool {
		if m.Entries[i].SimilarityScore != m.Entries[j].SimilarityScore {
			return m.Entries[i].SimilarityScore > m.Entries[j].SimilarityScore
		}
		if m.Entries[i].FundA != m.Entries[j].FundA {
			return m.Entries[i].FundA < m.Entries[j].FundA
		}
		return m.Entries[i].FundB < m.Entries[j].FundB
	})

	return m
}

type sharedWeight struct {
	id       string
	combined float64
}

func weightedJaccard(a, b map[string]float64, topK int) (float64, []string) {
	var minSum, maxSum float64
	var shared []sharedWeight

	for id, wa := range a {
		wb, ok := b[id]
		if ok {
			minSum += min(wa, wb)
			maxSum += max(wa, wb)
			shared = append(shared, sharedWeight{id: id, combined: wa + wb})
		} else {
			maxSum += wa
		}
	}
	for id, wb := range b {
		if _, ok := a[id]; !ok {
			maxSum += wb
		}
	}

	if maxSum == 0 {
		return 0, nil
	}

	sort.Slice(shared, func(i, j int) bool {
		if shared[i].combined != shared[j].combined {
			return shared[i].combined > shared[j].combined
		}
		return shared[i].id < shared[j].id
	})
	if topK > 0 && len(shared) > topK {
		shared = shared[:topK]
	}
	ids := make([]string, len(shared))
	for i, s := range shared {
		ids[i] = s.id
	}

	return minSum / maxSum, ids
}
