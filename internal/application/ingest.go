package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fundtrack/fundtrack/internal/cache"
	"github.com/fundtrack/fundtrack/internal/config"
	"github.com/fundtrack/fundtrack/internal/data/edgar"
	"github.com/fundtrack/fundtrack/internal/data/figi"
	"github.com/fundtrack/fundtrack/internal/data/providers"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
	"github.com/fundtrack/fundtrack/internal/metrics"
	"github.com/fundtrack/fundtrack/internal/persistence"
)

// Ingestor pulls 13F filings from EDGAR, parses and enriches them, and
// stores snapshots. Funds are fetched sequentially: the SEC rate limit
// is the bottleneck, so parallelism would only reorder the same wait.
type Ingestor struct {
	edgar    *edgar.Client
	figi     *figi.Resolver
	provider providers.Provider
	repo     persistence.Repository
	cache    *cache.Cache
	metrics  *metrics.Registry
}

// NewIngestor wires the ingest flow. provider and cache may be nil; the
// ingestor then skips sector enrichment and cache invalidation.
func NewIngestor(edgarClient *edgar.Client, resolver *figi.Resolver, provider providers.Provider, repo persistence.Repository, resultCache *cache.Cache, reg *metrics.Registry) *Ingestor {
	return &Ingestor{
		edgar:    edgarClient,
		figi:     resolver,
		provider: provider,
		repo:     repo,
		cache:    resultCache,
		metrics:  reg,
	}
}

// FetchFilings ingests up to nQuarters recent 13F filings per watchlist
// fund. Already-ingested filings are skipped unless force is set. One
// fund's failure is logged and the rest proceed; the error count comes
// back to the caller.
func (ing *Ingestor) FetchFilings(ctx context.Context, watchlist *config.Watchlist, nQuarters int, force bool) error {
	timer := ing.metrics.StartStage("fetch")
	var failed int
	for _, fund := range watchlist.Funds {
		if err := ctx.Err(); err != nil {
			timer.Stop("error")
			return err
		}
		if err := ing.fetchFund(ctx, fund, nQuarters, force); err != nil {
			log.Error().Str("fund", fund.Name).Err(err).Msg("fund ingest failed")
			failed++
		}
	}
	if failed > 0 {
		timer.Stop("error")
		return fmt.Errorf("ingest failed for %d of %d funds", failed, len(watchlist.Funds))
	}
	timer.Stop("success")
	return nil
}

func (ing *Ingestor) fetchFund(ctx context.Context, fund holdings.FundInfo, nQuarters int, force bool) error {
	filings, err := ing.edgar.Find13FFilings(ctx, fund.CIK, nQuarters)
	if err != nil {
		return fmt.Errorf("find filings: %w", err)
	}

	for _, filing := range filings {
		if !force {
			done, err := ing.repo.Filings.IsIngested(ctx, filing.AccessionNumber)
			if err != nil {
				return fmt.Errorf("check filing index: %w", err)
			}
			if done {
				continue
			}
		}
		if err := ing.ingestFiling(ctx, fund, filing); err != nil {
			return fmt.Errorf("filing %s: %w", filing.AccessionNumber, err)
		}
	}
	return nil
}

func (ing *Ingestor) ingestFiling(ctx context.Context, fund holdings.FundInfo, filing edgar.FilingReference) error {
	quarterEnd, err := filing.QuarterEnd()
	if err != nil {
		return err
	}
	filingDate, err := time.Parse("2006-01-02", filing.FilingDate)
	if err != nil {
		return fmt.Errorf("invalid filing date %q: %w", filing.FilingDate, err)
	}
	reportDate, err := time.Parse("2006-01-02", filing.ReportDate)
	if err != nil {
		return fmt.Errorf("invalid report date %q: %w", filing.ReportDate, err)
	}

	xmlText, err := ing.edgar.FetchInfoTable(ctx, filing)
	if err != nil {
		return fmt.Errorf("fetch info table: %w", err)
	}

	snap, err := edgar.ParseInfoTable(xmlText, fund, quarterEnd, filingDate, reportDate)
	if err != nil {
		return err
	}

	if err := ing.EnrichTickers(ctx, snap); err != nil {
		// Tickers are display-only; an unresolved batch never blocks the
		// snapshot itself.
		log.Warn().Str("fund", fund.Name).Err(err).Msg("ticker enrichment incomplete")
	}
	ing.EnrichSectors(ctx, snap)

	if err := ing.repo.Holdings.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := ing.repo.Filings.MarkIngested(ctx, persistence.FilingRecord{
		AccessionNumber: filing.AccessionNumber,
		CIK:             fund.CIK,
		FormType:        filing.FormType,
		FilingDate:      filingDate,
		ReportDate:      reportDate,
		QuarterEnd:      quarterEnd,
	}); err != nil {
		return fmt.Errorf("mark ingested: %w", err)
	}

	if ing.cache != nil {
		if err := ing.cache.InvalidateFund(ctx, fund.CIK); err != nil {
			log.Warn().Str("cik", fund.CIK).Err(err).Msg("cache invalidation failed")
		}
	}

	ing.metrics.FilingsIngested.Inc()
	log.Info().
		Str("fund", fund.Name).
		Str("form", filing.FormType).
		Time("quarter", quarterEnd).
		Int("holdings", len(snap.Holdings)).
		Msg("filing ingested")
	return nil
}

// EnrichTickers resolves the snapshot's CUSIPs through the stored map
// and OpenFIGI, then fills in the display tickers in place.
func (ing *Ingestor) EnrichTickers(ctx context.Context, snap *holdings.FundHoldings) error {
	if ing.figi == nil {
		return nil
	}

	cusips := make([]string, 0, len(snap.Holdings))
	for _, h := range snap.Holdings {
		cusips = append(cusips, h.CUSIP)
	}

	read := func(cusip string) (string, bool) {
		m, err := ing.repo.Cusips.Get(ctx, cusip)
		if err != nil {
			log.Warn().Str("cusip", cusip).Err(err).Msg("cusip map read failed")
			return "", false
		}
		if m == nil {
			ing.metrics.CusipResolutions.WithLabelValues("miss").Inc()
			return "", false
		}
		ing.metrics.CusipResolutions.WithLabelValues("cache_hit").Inc()
		return m.Ticker, true
	}

	var pending []persistence.CusipMapping
	write := func(cusip, ticker, name, exchange string) {
		outcome := "resolved"
		if ticker == "" {
			outcome = "unresolved"
		}
		ing.metrics.CusipResolutions.WithLabelValues(outcome).Inc()
		pending = append(pending, persistence.CusipMapping{
			CUSIP: cusip, Ticker: ticker, Name: name, Exchange: exchange,
		})
	}

	tickers, resolveErr := ing.figi.Resolve(ctx, cusips, read, write)

	if len(pending) > 0 {
		if err := ing.repo.Cusips.PutBatch(ctx, pending); err != nil {
			log.Warn().Err(err).Int("count", len(pending)).Msg("cusip map write failed")
		}
	}
	for i := range snap.Holdings {
		if t, ok := tickers[snap.Holdings[i].CUSIP]; ok {
			snap.Holdings[i].Ticker = t
		}
	}
	return resolveErr
}

// EnrichSectors fills the sector for every holding with a resolved ticker
// via the market data provider. Sector is classification context for the
// aggregation layer; a failed lookup leaves the holding unclassified and
// never blocks the snapshot.
func (ing *Ingestor) EnrichSectors(ctx context.Context, snap *holdings.FundHoldings) {
	if ing.provider == nil {
		return
	}

	sectors := make(map[string]string)
	for i := range snap.Holdings {
		ticker := snap.Holdings[i].Ticker
		if ticker == "" || snap.Holdings[i].Sector != "" {
			continue
		}
		sector, seen := sectors[ticker]
		if !seen {
			info, err := ing.provider.Info(ctx, ticker)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Debug().Str("ticker", ticker).Err(err).Msg("sector lookup failed")
				sectors[ticker] = ""
				continue
			}
			sector = info.Sector
			sectors[ticker] = sector
		}
		snap.Holdings[i].Sector = sector
	}
}
