package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fundtrack/fundtrack/internal/application"
	"github.com/fundtrack/fundtrack/internal/cache"
	"github.com/fundtrack/fundtrack/internal/config"
	"github.com/fundtrack/fundtrack/internal/data/edgar"
	"github.com/fundtrack/fundtrack/internal/data/figi"
	"github.com/fundtrack/fundtrack/internal/data/providers"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	httpapi "github.com/fundtrack/fundtrack/internal/interfaces/http"
	"github.com/fundtrack/fundtrack/internal/metrics"
	"github.com/fundtrack/fundtrack/internal/persistence"
	"github.com/fundtrack/fundtrack/internal/persistence/postgres"
	"github.com/fundtrack/fundtrack/internal/report"
)

const (
	appName = "fundtrack"
	version = "v1.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "13F institutional holdings tracker",
		Version: version,
		Long: `fundtrack ingests quarterly 13F-HR filings from SEC EDGAR for a
watchlist of funds, diffs holdings quarter-over-quarter, and aggregates
cross-fund signals: crowded trades, divergences, portfolio overlap and
per-fund surprise versus each fund's own history.`,
	}
	rootCmd.PersistentFlags().String("config", "config/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and ingest 13F filings from EDGAR",
		Long:  "Pulls recent 13F-HR filings for every watchlist fund, parses the information tables, resolves tickers and stores snapshots",
		RunE:  runFetch,
	}
	fetchCmd.Flags().Int("quarters", 10, "Number of recent quarters to fetch per fund")
	fetchCmd.Flags().Bool("force", false, "Re-ingest filings already in the index")

	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the quarterly diff and signal pipeline",
		Long:  "Computes quarter-over-quarter diffs, fund baselines and cross-fund signals for one reporting period, then persists the results",
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().String("period", "", "Quarter end date (YYYY-MM-DD, required)")
	analyzeCmd.MarkFlagRequired("period")

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render the quarterly markdown report",
		Long:  "Renders the markdown report for a period from stored analysis results",
		RunE:  runReport,
	}
	reportCmd.Flags().String("period", "", "Quarter end date (YYYY-MM-DD, required)")
	reportCmd.Flags().String("out", "", "Output path (default stdout)")
	reportCmd.Flags().Bool("fund-details", true, "Include per-fund summary sections")
	reportCmd.MarkFlagRequired("period")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only JSON API",
		Long:  "Starts the HTTP server exposing stored signals, diffs, overlap matrices and the Prometheus scrape endpoint",
		RunE:  runServe,
	}

	rootCmd.AddCommand(fetchCmd, analyzeCmd, reportCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// env assembles the shared runtime dependencies a command needs.
type env struct {
	cfg       *config.Config
	watchlist *config.Watchlist
	db        interface{ Close() error }
	repo      persistence.Repository
	cache     *cache.Cache
	metrics   *metrics.Registry
}

func (e *env) close() {
	if e.cache != nil {
		e.cache.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}

func setup(cmd *cobra.Command, needWatchlist bool) (*env, error) {
	level, _ := cmd.Flags().GetString("log-level")
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, metrics: metrics.NewRegistry()}

	if needWatchlist {
		e.watchlist, err = config.LoadWatchlist(cfg.WatchlistPath)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	e.db = db
	e.repo = postgres.NewRepository(db, cfg.Database.Timeout())

	// The cache is an accelerator. Redis being down degrades to direct
	// repository reads.
	if cfg.Redis.Addr != "" {
		resultCache, err := cache.New(ctx, cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.TTL())
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, running without result cache")
		} else {
			e.cache = resultCache
		}
	}

	return e, nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.close()

	quarters, _ := cmd.Flags().GetInt("quarters")
	force, _ := cmd.Flags().GetBool("force")

	edgarClient, err := edgar.NewClient(edgar.Config{
		UserAgent:    e.cfg.Edgar.UserAgent,
		RateLimitRPS: e.cfg.Edgar.RateLimitRPS,
		MaxRetries:   e.cfg.Edgar.MaxRetries,
		OnRequest: func(endpoint, outcome string) {
			e.metrics.EdgarRequests.WithLabelValues(endpoint, outcome).Inc()
		},
	})
	if err != nil {
		return err
	}
	resolver := figi.NewResolver(e.cfg.Figi.APIKey)
	provider, err := providers.New(e.cfg.Provider.Name)
	if err != nil {
		return err
	}

	ing := application.NewIngestor(edgarClient, resolver, provider, e.repo, e.cache, e.metrics)
	return ing.FetchFilings(cmd.Context(), e.watchlist, quarters, force)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.close()

	period, err := parsePeriodFlag(cmd)
	if err != nil {
		return err
	}

	provider, err := providers.New(e.cfg.Provider.Name)
	if err != nil {
		return err
	}
	themes, err := config.LoadThemes(e.cfg.ThemesPath)
	if err != nil {
		return err
	}

	pipeline := application.NewPipeline(e.cfg, e.watchlist, themes, e.repo, e.cache, e.metrics, provider)
	result, err := pipeline.AnalyzeQuarter(cmd.Context(), period)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s: %d funds analyzed, %d ranked signals, %d crowded trades, %d divergences\n",
		result.RunID, result.Signals.FundsAnalyzed, len(result.Signals.Ranked),
		len(result.Signals.CrowdedTrades), len(result.Signals.Divergences))
	for i, f := range result.Findings {
		fmt.Printf("%2d. %s\n", i+1, f.Headline)
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.close()

	period, err := parsePeriodFlag(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	signals, err := e.repo.Results.GetSignals(ctx, period)
	if err != nil {
		return err
	}
	if signals == nil {
		return fmt.Errorf("no stored signals for %s, run analyze first", period.Format("2006-01-02"))
	}

	ciks, err := e.repo.Holdings.ListFunds(ctx)
	if err != nil {
		return err
	}
	fundDiffs, err := loadAllDiffs(ctx, e.repo, ciks, period)
	if err != nil {
		return err
	}

	topFindings, err := e.repo.Results.GetFindings(ctx, period)
	if err != nil {
		return err
	}

	opts := report.DefaultOptions()
	opts.IncludeFundDetails, _ = cmd.Flags().GetBool("fund-details")
	opts.StaleFilingDays = e.cfg.Analysis.StaleFilingDays
	opts.ConsensusThreshold = e.cfg.Analysis.ConsensusThreshold
	md := report.Quarterly(fundDiffs, signals, topFindings, time.Now(), opts)

	outPath, _ := cmd.Flags().GetString("out")
	if outPath == "" {
		fmt.Print(md)
		return nil
	}
	if err := os.WriteFile(outPath, []byte(md), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	log.Info().Str("path", outPath).Msg("report written")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.close()

	serverCfg := httpapi.DefaultServerConfig()
	if e.cfg.HTTP.Listen != "" {
		serverCfg.Listen = e.cfg.HTTP.Listen
	}
	server, err := httpapi.NewServer(serverCfg, e.repo, e.cache, e.metrics)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

func loadAllDiffs(ctx context.Context, repo persistence.Repository, ciks []string, period time.Time) ([]*diff.FundDiff, error) {
	var out []*diff.FundDiff
	for _, cik := range ciks {
		fd, err := repo.Results.GetFundDiff(ctx, cik, period)
		if err != nil {
			return nil, err
		}
		if fd != nil {
			out = append(out, fd)
		}
	}
	return out, nil
}

func parsePeriodFlag(cmd *cobra.Command) (time.Time, error) {
	raw, _ := cmd.Flags().GetString("period")
	period, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --period %q, want YYYY-MM-DD", raw)
	}
	return period, nil
}
