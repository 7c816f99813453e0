// Package persistence defines the repository contracts for holdings
// snapshots, CUSIP resolution, filing bookkeeping and computed analysis
// results. Implementations live in subpackages; callers depend only on
// these interfaces.
package persistence

import (
	"context"
	"time"

	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/findings"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
)

// CusipMapping is one resolved CUSIP. An empty Ticker is a negative
// result: the CUSIP was looked up and has no listed ticker.
type CusipMapping struct {
	CUSIP      string    `json:"cusip" db:"cusip"`
	Ticker     string    `json:"ticker" db:"ticker"`
	Name       string    `json:"name" db:"name"`
	Exchange   string    `json:"exchange" db:"exchange"`
	ResolvedAt time.Time `json:"resolved_at" db:"resolved_at"`
}

// FilingRecord marks one ingested filing, keyed by accession number.
// Amendments replace the original record for the same quarter.
type FilingRecord struct {
	AccessionNumber string    `json:"accession_number" db:"accession_number"`
	CIK             string    `json:"cik" db:"cik"`
	FormType        string    `json:"form_type" db:"form_type"`
	FilingDate      time.Time `json:"filing_date" db:"filing_date"`
	ReportDate      time.Time `json:"report_date" db:"report_date"`
	QuarterEnd      time.Time `json:"quarter_end" db:"quarter_end"`
}

// HoldingsRepo persists quarterly holdings snapshots.
type HoldingsRepo interface {
	// SaveSnapshot upserts a full snapshot, replacing any prior rows for
	// the same fund and quarter. Re-ingesting an amendment is an overwrite.
	SaveSnapshot(ctx context.Context, snap *holdings.FundHoldings) error

	// GetSnapshot loads one fund-quarter. Returns nil, nil when absent.
	GetSnapshot(ctx context.Context, cik string, quarterEnd time.Time) (*holdings.FundHoldings, error)

	// ListQuarters returns the quarter ends stored for a fund, oldest first.
	ListQuarters(ctx context.Context, cik string) ([]time.Time, error)

	// ListFunds returns the CIKs with at least one stored snapshot.
	ListFunds(ctx context.Context) ([]string, error)
}

// CusipRepo persists the permanent CUSIP-to-ticker map.
type CusipRepo interface {
	// Get returns the mapping for a CUSIP, or nil, nil on a miss.
	Get(ctx context.Context, cusip string) (*CusipMapping, error)

	// GetAll loads the whole map for bulk enrichment.
	GetAll(ctx context.Context) (map[string]CusipMapping, error)

	// PutBatch upserts resolution results.
	PutBatch(ctx context.Context, mappings []CusipMapping) error
}

// FilingRepo tracks which filings have already been ingested so fetch
// runs are idempotent.
type FilingRepo interface {
	// MarkIngested records a processed filing.
	MarkIngested(ctx context.Context, rec FilingRecord) error

	// IsIngested reports whether an accession number was processed.
	IsIngested(ctx context.Context, accessionNumber string) (bool, error)
}

// ResultsRepo persists computed diffs and quarterly signal sets. Payloads
// are stored whole; results are derived data and recomputable, so the
// store is a cache of record rather than a source of truth.
type ResultsRepo interface {
	// SaveFundDiff upserts the diff for one fund-period.
	SaveFundDiff(ctx context.Context, runID string, fd *diff.FundDiff) error

	// GetFundDiff loads the diff for one fund-period. Returns nil, nil
	// when absent.
	GetFundDiff(ctx context.Context, cik string, period time.Time) (*diff.FundDiff, error)

	// SaveSignals upserts the cross-fund signal set for a period.
	SaveSignals(ctx context.Context, runID string, s *aggregate.Signals) error

	// GetSignals loads the signal set for a period. Returns nil, nil when
	// absent.
	GetSignals(ctx context.Context, period time.Time) (*aggregate.Signals, error)

	// SaveFindings upserts the composed top findings for a period.
	SaveFindings(ctx context.Context, runID string, period time.Time, fs []findings.Finding) error

	// GetFindings loads the findings for a period. Returns nil, nil when
	// absent.
	GetFindings(ctx context.Context, period time.Time) ([]findings.Finding, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Holdings HoldingsRepo
	Cusips   CusipRepo
	Filings  FilingRepo
	Results  ResultsRepo
}
