// Package application orchestrates the ingest and analysis flows across
// the data clients, domain engines, persistence and cache.
package application

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fundtrack/fundtrack/internal/cache"
	"github.com/fundtrack/fundtrack/internal/config"
	"github.com/fundtrack/fundtrack/internal/data/providers"
	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/baseline"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/findings"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
	"github.com/fundtrack/fundtrack/internal/metrics"
	"github.com/fundtrack/fundtrack/internal/persistence"
)

// Pipeline runs the quarterly analysis: per-fund diffs and baselines in
// parallel, one deterministic aggregation pass, findings composition,
// then persistence and cache write-back.
type Pipeline struct {
	cfg       *config.Config
	watchlist *config.Watchlist
	themes    map[string][]string
	repo      persistence.Repository
	cache     *cache.Cache
	metrics   *metrics.Registry
	provider  providers.Provider
}

// NewPipeline wires the analysis pipeline. themes, cache and provider may
// be nil; the pipeline then skips theme tagging, cache write-back and
// performance tagging respectively.
func NewPipeline(cfg *config.Config, watchlist *config.Watchlist, themes *config.Themes, repo persistence.Repository, resultCache *cache.Cache, reg *metrics.Registry, provider providers.Provider) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		watchlist: watchlist,
		repo:      repo,
		cache:     resultCache,
		metrics:   reg,
		provider:  provider,
	}
	if themes != nil {
		p.themes = make(map[string][]string)
		for ticker, names := range themes.ByTicker() {
			p.themes[strings.ToUpper(ticker)] = names
		}
	}
	return p
}

// AnalysisResult is the full output of one pipeline run.
type AnalysisResult struct {
	RunID    string
	Period   time.Time
	Diffs    []*diff.FundDiff
	Signals  *aggregate.Signals
	Findings []findings.Finding
}

// fundResult is one worker's output for one fund.
type fundResult struct {
	cik       string
	fd        *diff.FundDiff
	baselines []baseline.FundBaseline
	snapshot  *holdings.FundHoldings
	missing   bool
	err       error
}

// AnalyzeQuarter runs the whole pipeline for one reporting period.
// Fund-level gaps (no snapshot, no prior quarter) degrade to the
// insufficient-history list; storage errors fail the run.
func (p *Pipeline) AnalyzeQuarter(ctx context.Context, period time.Time) (*AnalysisResult, error) {
	runID := uuid.New().String()
	log.Info().Str("run_id", runID).Time("period", period).
		Int("funds", len(p.watchlist.Funds)).Msg("starting quarterly analysis")

	p.metrics.FundsTracked.Set(float64(len(p.watchlist.Funds)))

	timer := p.metrics.StartStage("diff_fanout")
	results, err := p.computeFundResults(ctx, period)
	if err != nil {
		timer.Stop("error")
		return nil, err
	}
	timer.Stop("success")

	// Deterministic join: assemble aggregator input in CIK order no
	// matter which worker finished first.
	sort.Slice(results, func(i, j int) bool { return results[i].cik < results[j].cik })

	input := aggregate.Input{
		Period:    period,
		Baselines: make(map[string][]baseline.FundBaseline),
		Snapshots: make(map[string]*holdings.FundHoldings),
	}
	for _, r := range results {
		if r.missing {
			input.MissingHistory = append(input.MissingHistory, r.cik)
			continue
		}
		p.tagThemes(r.fd)
		input.Diffs = append(input.Diffs, r.fd)
		input.Baselines[r.cik] = r.baselines
		if r.snapshot != nil {
			input.Snapshots[r.cik] = r.snapshot
		}
	}
	p.metrics.DiffsComputed.Add(float64(len(input.Diffs)))

	timer = p.metrics.StartStage("aggregate")
	signals := aggregate.Aggregate(input, aggregate.Config{
		ConsensusThreshold:  p.cfg.Analysis.ConsensusThreshold,
		SharedHoldingsTopK:  p.cfg.Analysis.SharedHoldingsTopK,
		WidelyHeldTopN:      p.cfg.Analysis.WidelyHeldTopN,
		SurpriseAggregation: baseline.Aggregation(p.cfg.Analysis.SurpriseAggregation),
	})
	timer.Stop("success")

	perf := p.fetchPerformance(ctx, signals)
	topFindings := findings.Compose(input.Diffs, signals, perf, findings.Config{
		Limit:        p.cfg.Analysis.TopFindings,
		MinNewWeight: findings.DefaultConfig().MinNewWeight,
		MinHHIShift:  findings.DefaultConfig().MinHHIShift,
	})

	if err := p.persist(ctx, runID, input.Diffs, signals, topFindings); err != nil {
		return nil, err
	}

	log.Info().Str("run_id", runID).
		Int("funds_analyzed", signals.FundsAnalyzed).
		Int("ranked", len(signals.Ranked)).
		Int("crowded", len(signals.CrowdedTrades)).
		Int("divergences", len(signals.Divergences)).
		Int("findings", len(topFindings)).
		Msg("quarterly analysis complete")

	return &AnalysisResult{
		RunID:    runID,
		Period:   period,
		Diffs:    input.Diffs,
		Signals:  signals,
		Findings: topFindings,
	}, nil
}

// computeFundResults fans the per-fund work out over a bounded worker
// pool and collects every fund's result.
func (p *Pipeline) computeFundResults(ctx context.Context, period time.Time) ([]fundResult, error) {
	jobs := make(chan holdings.FundInfo)
	out := make(chan fundResult, len(p.watchlist.Funds))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Analysis.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fund := range jobs {
				out <- p.analyzeFund(ctx, fund, period)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, fund := range p.watchlist.Funds {
			select {
			case jobs <- fund:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(out)

	var results []fundResult
	for r := range out {
		if r.err != nil {
			return nil, fmt.Errorf("fund %s: %w", r.cik, r.err)
		}
		results = append(results, r)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// analyzeFund computes the current diff and the baseline history for one
// fund. The stored quarters are walked pairwise oldest to newest, so the
// metric history feeding the baselines is exactly the sequence of past
// diffs for that fund.
func (p *Pipeline) analyzeFund(ctx context.Context, fund holdings.FundInfo, period time.Time) fundResult {
	res := fundResult{cik: fund.CIK}

	quarters, err := p.repo.Holdings.ListQuarters(ctx, fund.CIK)
	if err != nil {
		res.err = err
		return res
	}

	// Index of the requested period among the fund's stored quarters.
	idx := -1
	for i, q := range quarters {
		if q.Equal(period) {
			idx = i
			break
		}
	}
	if idx <= 0 {
		// No snapshot for this period, or nothing before it to diff
		// against. Either way the fund sits this period out.
		log.Debug().Str("fund", fund.Name).Time("period", period).Msg("fund lacks diffable history")
		res.missing = true
		return res
	}

	diffCfg := diff.Config{
		AddThreshold:  p.cfg.Analysis.AddThreshold,
		TrimThreshold: p.cfg.Analysis.TrimThreshold,
		TopN:          p.cfg.Analysis.TopNConcentration,
	}

	// Keep only the pairs that can feed the trailing window plus the
	// current diff, rather than replaying the fund's whole record.
	first := max(1, idx-p.cfg.Analysis.WindowSize)

	history := map[string][]baseline.Observation{
		diff.MetricActivity:      nil,
		diff.MetricConcentration: nil,
		diff.MetricTradeSize:     nil,
	}

	prev, err := p.loadSnapshot(ctx, fund, quarters[first-1])
	if err != nil {
		res.err = err
		return res
	}
	snapshots := []*holdings.FundHoldings{prev}
	for i := first; i <= idx; i++ {
		curr, err := p.loadSnapshot(ctx, fund, quarters[i])
		if err != nil {
			res.err = err
			return res
		}
		snapshots = append(snapshots, curr)
		fd, err := diff.Compute(prev, curr, diffCfg)
		if err != nil {
			res.err = err
			return res
		}
		m := fd.Summary()
		history[diff.MetricActivity] = append(history[diff.MetricActivity], baseline.Observation{Period: quarters[i], Value: m.ActivityCount})
		history[diff.MetricConcentration] = append(history[diff.MetricConcentration], baseline.Observation{Period: quarters[i], Value: m.Concentration})
		history[diff.MetricTradeSize] = append(history[diff.MetricTradeSize], baseline.Observation{Period: quarters[i], Value: m.AvgTradeSize})

		if i == idx {
			res.fd = fd
			res.snapshot = curr
		}
		prev = curr
	}

	// Holding streaks for every position the fund touched this quarter.
	// Changed() is already in security-id order, so the tracks are too.
	for _, d := range res.fd.Changed() {
		if track := holdings.BuildConvictionTrack(snapshots, d.SecurityID); track != nil {
			res.fd.Convictions = append(res.fd.Convictions, *track)
		}
	}

	res.baselines = baseline.ComputeAll(fund.CIK, history, baseline.Config{
		WindowSize: p.cfg.Analysis.WindowSize,
		MinWindow:  p.cfg.Analysis.MinWindow,
	})
	return res
}

func (p *Pipeline) loadSnapshot(ctx context.Context, fund holdings.FundInfo, quarter time.Time) (*holdings.FundHoldings, error) {
	snap, err := p.repo.Holdings.GetSnapshot(ctx, fund.CIK, quarter)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot %s missing for listed quarter %s",
			fund.CIK, quarter.Format("2006-01-02"))
	}
	// The watchlist is authoritative for name and tier; the stored row
	// may predate a watchlist edit.
	snap.Fund = fund
	return snap, nil
}

// tagThemes stamps configured theme labels onto diffs by ticker.
func (p *Pipeline) tagThemes(fd *diff.FundDiff) {
	if len(p.themes) == 0 {
		return
	}
	for i := range fd.Diffs {
		ticker := strings.ToUpper(fd.Diffs[i].Ticker)
		if ticker == "" {
			continue
		}
		if names, ok := p.themes[ticker]; ok {
			fd.Diffs[i].Themes = names
		}
	}
}

// fetchPerformance tags findings-bound tickers with price context. Any
// provider failure degrades to untagged findings.
func (p *Pipeline) fetchPerformance(ctx context.Context, signals *aggregate.Signals) map[string]findings.Performance {
	if p.provider == nil {
		return nil
	}

	seen := make(map[string]bool)
	var tickers []string
	add := func(ticker string) {
		if ticker != "" && !seen[ticker] {
			seen[ticker] = true
			tickers = append(tickers, ticker)
		}
	}
	for _, ct := range signals.CrowdedTrades {
		add(ct.Ticker)
	}
	for _, dv := range signals.Divergences {
		add(dv.Ticker)
	}
	n := min(p.cfg.Analysis.TopFindings, len(signals.Ranked))
	for _, rs := range signals.Ranked[:n] {
		add(rs.Ticker)
	}
	if len(tickers) == 0 {
		return nil
	}
	sort.Strings(tickers)

	timer := p.metrics.StartStage("performance")
	raw, err := p.provider.PricePerformance(ctx, tickers)
	if err != nil {
		timer.Stop("error")
		log.Warn().Err(err).Msg("price performance unavailable, findings will be untagged")
		return nil
	}
	timer.Stop("success")

	out := make(map[string]findings.Performance, len(raw))
	for ticker, perf := range raw {
		out[ticker] = findings.Performance{
			Return1W:  perf.Return1W,
			Return1M:  perf.Return1M,
			ReturnYTD: perf.ReturnYTD,
			Return1Y:  perf.Return1Y,
		}
	}
	return out
}

// persist writes diffs, signals and findings to the store and refreshes
// the cache. Cache failures are logged, never fatal.
func (p *Pipeline) persist(ctx context.Context, runID string, diffs []*diff.FundDiff, signals *aggregate.Signals, topFindings []findings.Finding) error {
	timer := p.metrics.StartStage("persist")
	for _, fd := range diffs {
		if err := p.repo.Results.SaveFundDiff(ctx, runID, fd); err != nil {
			timer.Stop("error")
			return fmt.Errorf("save diff for %s: %w", fd.Fund.CIK, err)
		}
	}
	if err := p.repo.Results.SaveSignals(ctx, runID, signals); err != nil {
		timer.Stop("error")
		return fmt.Errorf("save signals: %w", err)
	}
	if err := p.repo.Results.SaveFindings(ctx, runID, signals.Period, topFindings); err != nil {
		timer.Stop("error")
		return fmt.Errorf("save findings: %w", err)
	}
	timer.Stop("success")

	if p.cache != nil {
		for _, fd := range diffs {
			if err := p.cache.SetFundDiff(ctx, fd); err != nil {
				log.Warn().Err(err).Str("cik", fd.Fund.CIK).Msg("diff cache write failed")
			}
		}
		if err := p.cache.SetSignals(ctx, signals); err != nil {
			log.Warn().Err(err).Msg("signals cache write failed")
		}
	}
	return nil
}
