package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fundtrack/fundtrack/internal/domain/holdings"
	"github.com/fundtrack/fundtrack/internal/persistence"
)

// holdingsRepo implements HoldingsRepo for PostgreSQL
type holdingsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewHoldingsRepo creates a PostgreSQL holdings repository
func NewHoldingsRepo(db *sqlx.DB, timeout time.Duration) persistence.HoldingsRepo {
	return &holdingsRepo{db: db, timeout: timeout}
}

// SaveSnapshot upserts a full snapshot, replacing any prior rows for the
// same fund and quarter so amendment re-ingestion is a clean overwrite.
func (r *holdingsRepo) SaveSnapshot(ctx context.Context, snap *holdings.FundHoldings) error {
	if snap == nil || snap.Fund.CIK == "" {
		return fmt.Errorf("snapshot requires a fund CIK")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(snap.Holdings)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO funds (cik, name, tier)
		VALUES ($1, $2, $3)
		ON CONFLICT (cik) DO UPDATE SET name = EXCLUDED.name, tier = EXCLUDED.tier`,
		snap.Fund.CIK, snap.Fund.Name, string(snap.Fund.Tier))
	if err != nil {
		return fmt.Errorf("failed to upsert fund: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM holdings WHERE cik = $1 AND quarter_end = $2`,
		snap.Fund.CIK, snap.QuarterEnd)
	if err != nil {
		return fmt.Errorf("failed to clear prior snapshot rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO holdings (cik, quarter_end, filing_date, report_date, security_id,
			cusip, issuer_name, title_of_class, value_thousands, shares,
			sh_prn_type, put_call, ticker, sector)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, h := range snap.Holdings {
		_, err = stmt.ExecContext(ctx,
			snap.Fund.CIK, snap.QuarterEnd, snap.FilingDate, snap.ReportDate, h.SecurityID(),
			h.CUSIP, h.IssuerName, h.TitleOfClass, h.ValueThousands, h.Shares,
			h.ShPrnType, string(h.PutCall), h.Ticker, h.Sector)
		if err != nil {
			return fmt.Errorf("failed to insert holding %s: %w", h.SecurityID(), err)
		}
	}

	return tx.Commit()
}

// GetSnapshot loads one fund-quarter. Returns nil, nil when absent.
func (r *holdingsRepo) GetSnapshot(ctx context.Context, cik string, quarterEnd time.Time) (*holdings.FundHoldings, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var fund struct {
		Name string `db:"name"`
		Tier string `db:"tier"`
	}
	err := r.db.GetContext(ctx, &fund, `SELECT name, tier FROM funds WHERE cik = $1`, cik)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load fund %s: %w", cik, err)
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT filing_date, report_date, cusip, issuer_name, title_of_class,
			value_thousands, shares, sh_prn_type, put_call, ticker, sector
		FROM holdings
		WHERE cik = $1 AND quarter_end = $2
		ORDER BY security_id`, cik, quarterEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	snap := &holdings.FundHoldings{
		Fund:       holdings.FundInfo{CIK: cik, Name: fund.Name, Tier: holdings.Tier(fund.Tier)},
		QuarterEnd: quarterEnd,
	}
	for rows.Next() {
		var h holdings.Holding
		var putCall string
		err := rows.Scan(&snap.FilingDate, &snap.ReportDate, &h.CUSIP, &h.IssuerName, &h.TitleOfClass,
			&h.ValueThousands, &h.Shares, &h.ShPrnType, &putCall, &h.Ticker, &h.Sector)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		h.PutCall = holdings.PutCall(putCall)
		snap.Holdings = append(snap.Holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	if len(snap.Holdings) == 0 {
		return nil, nil
	}
	return snap, nil
}

// ListQuarters returns the quarter ends stored for a fund, oldest first.
func (r *holdingsRepo) ListQuarters(ctx context.Context, cik string) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var quarters []time.Time
	err := r.db.SelectContext(ctx, &quarters, `
		SELECT DISTINCT quarter_end FROM holdings
		WHERE cik = $1
		ORDER BY quarter_end`, cik)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarters: %w", err)
	}
	return quarters, nil
}

// ListFunds returns the CIKs with at least one stored snapshot.
func (r *holdingsRepo) ListFunds(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ciks []string
	err := r.db.SelectContext(ctx, &ciks, `
		SELECT DISTINCT cik FROM holdings ORDER BY cik`)
	if err != nil {
		return nil, fmt.Errorf("failed to list funds: %w", err)
	}
	return ciks, nil
}
