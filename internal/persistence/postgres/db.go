// Package postgres implements the persistence interfaces on PostgreSQL
// via sqlx. Every query runs under the configured statement timeout.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/fundtrack/fundtrack/internal/persistence"
)

// Connect opens and pings a PostgreSQL pool.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS funds (
		cik        TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		tier       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS holdings (
		id              BIGSERIAL PRIMARY KEY,
		cik             TEXT NOT NULL,
		quarter_end     DATE NOT NULL,
		filing_date     DATE NOT NULL,
		report_date     DATE NOT NULL,
		security_id     TEXT NOT NULL,
		cusip           TEXT NOT NULL,
		issuer_name     TEXT NOT NULL,
		title_of_class  TEXT NOT NULL DEFAULT '',
		value_thousands BIGINT NOT NULL,
		shares          BIGINT NOT NULL,
		sh_prn_type     TEXT NOT NULL DEFAULT 'SH',
		put_call        TEXT NOT NULL DEFAULT '',
		ticker          TEXT NOT NULL DEFAULT '',
		sector          TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (cik, quarter_end, security_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_holdings_cik_quarter ON holdings (cik, quarter_end)`,
	`CREATE TABLE IF NOT EXISTS cusip_map (
		cusip       TEXT PRIMARY KEY,
		ticker      TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL DEFAULT '',
		exchange    TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS filing_index (
		accession_number TEXT PRIMARY KEY,
		cik              TEXT NOT NULL,
		form_type        TEXT NOT NULL,
		filing_date      DATE NOT NULL,
		report_date      DATE NOT NULL,
		quarter_end      DATE NOT NULL,
		ingested_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS fund_diffs (
		cik        TEXT NOT NULL,
		period     DATE NOT NULL,
		run_id     TEXT NOT NULL,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (cik, period)
	)`,
	`CREATE TABLE IF NOT EXISTS quarter_signals (
		period     DATE PRIMARY KEY,
		run_id     TEXT NOT NULL,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS quarter_findings (
		period     DATE PRIMARY KEY,
		run_id     TEXT NOT NULL,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the tables if they do not exist. Idempotent.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// NewRepository wires all PostgreSQL repositories onto one pool.
func NewRepository(db *sqlx.DB, timeout time.Duration) persistence.Repository {
	return persistence.Repository{
		Holdings: NewHoldingsRepo(db, timeout),
		Cusips:   NewCusipRepo(db, timeout),
		Filings:  NewFilingRepo(db, timeout),
		Results:  NewResultsRepo(db, timeout),
	}
}
