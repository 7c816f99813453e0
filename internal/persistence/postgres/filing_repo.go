package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fundtrack/fundtrack/internal/persistence"
)

// filingRepo implements FilingRepo for PostgreSQL
type filingRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFilingRepo creates a PostgreSQL filing index repository
func NewFilingRepo(db *sqlx.DB, timeout time.Duration) persistence.FilingRepo {
	return &filingRepo{db: db, timeout: timeout}
}

// MarkIngested records a processed filing.
func (r *filingRepo) MarkIngested(ctx context.Context, rec persistence.FilingRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO filing_index (accession_number, cik, form_type, filing_date, report_date, quarter_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (accession_number) DO UPDATE SET ingested_at = now()`,
		rec.AccessionNumber, rec.CIK, rec.FormType, rec.FilingDate, rec.ReportDate, rec.QuarterEnd)
	if err != nil {
		return fmt.Errorf("failed to mark filing ingested: %w", err)
	}
	return nil
}

// IsIngested reports whether an accession number was processed.
func (r *filingRepo) IsIngested(ctx context.Context, accessionNumber string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM filing_index WHERE accession_number = $1`, accessionNumber)
	if err != nil {
		return false, fmt.Errorf("failed to check filing index: %w", err)
	}
	return count > 0, nil
}
