// Package metrics holds the Prometheus instrumentation for the analysis
// pipeline and the HTTP API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics. Everything registers on a
// private registry so tests can gather without global state.
type Registry struct {
	registry *prometheus.Registry

	// Pipeline metrics
	StageDuration *prometheus.HistogramVec
	StageErrors   *prometheus.CounterVec
	FundsTracked  prometheus.Gauge
	DiffsComputed prometheus.Counter

	// Ingest metrics
	EdgarRequests    *prometheus.CounterVec
	FilingsIngested  prometheus.Counter
	CusipResolutions *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// API metrics
	HTTPRequests *prometheus.CounterVec
}

// NewRegistry creates and registers all metrics.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fundtrack_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"stage", "result"},
		),

		StageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundtrack_stage_errors_total",
				Help: "Total pipeline stage errors by stage",
			},
			[]string{"stage"},
		),

		FundsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fundtrack_funds_tracked",
				Help: "Number of funds on the active watchlist",
			},
		),

		DiffsComputed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fundtrack_diffs_computed_total",
				Help: "Total fund-quarter diffs computed",
			},
		),

		EdgarRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundtrack_edgar_requests_total",
				Help: "Total EDGAR requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		FilingsIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fundtrack_filings_ingested_total",
				Help: "Total 13F filings parsed and stored",
			},
		),

		CusipResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundtrack_cusip_resolutions_total",
				Help: "Total CUSIP resolution outcomes",
			},
			[]string{"outcome"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundtrack_cache_hits_total",
				Help: "Total result cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundtrack_cache_misses_total",
				Help: "Total result cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundtrack_http_requests_total",
				Help: "Total API requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
	}

	r.registry.MustRegister(
		r.StageDuration,
		r.StageErrors,
		r.FundsTracked,
		r.DiffsComputed,
		r.EdgarRequests,
		r.FilingsIngested,
		r.CusipResolutions,
		r.CacheHits,
		r.CacheMisses,
		r.HTTPRequests,
	)

	return r
}

// Gatherer exposes the underlying registry for scrape handlers and tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

// Handler returns the Prometheus scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// StageTimer tracks execution time for one pipeline stage.
type StageTimer struct {
	metrics *Registry
	stage   string
	start   time.Time
}

// StartStage begins timing a pipeline stage.
func (r *Registry) StartStage(stage string) *StageTimer {
	return &StageTimer{metrics: r, stage: stage, start: time.Now()}
}

// Stop completes the timing and records the observation.
func (st *StageTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StageDuration.WithLabelValues(st.stage, result).Observe(duration.Seconds())
	if result == "error" {
		st.metrics.StageErrors.WithLabelValues(st.stage).Inc()
	}

	log.Debug().
		Str("stage", st.stage).
		Str("result", result).
		Dur("duration", duration).
		Msg("pipeline stage completed")
}

// RecordCacheHit records a result cache hit.
func (r *Registry) RecordCacheHit(cacheType string) {
	r.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a result cache miss.
func (r *Registry) RecordCacheMiss(cacheType string) {
	r.CacheMisses.WithLabelValues(cacheType).Inc()
}
