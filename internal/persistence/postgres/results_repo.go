package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/findings"
	"github.com/fundtrack/fundtrack/internal/persistence"
)

// resultsRepo implements ResultsRepo for PostgreSQL. Diffs and signal
// sets are stored as whole JSONB payloads keyed by their period; they
// are derived data, so row-level queryability buys nothing.
type resultsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewResultsRepo creates a PostgreSQL results repository
func NewResultsRepo(db *sqlx.DB, timeout time.Duration) persistence.ResultsRepo {
	return &resultsRepo{db: db, timeout: timeout}
}

// SaveFundDiff upserts the diff for one fund-period.
func (r *resultsRepo) SaveFundDiff(ctx context.Context, runID string, fd *diff.FundDiff) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(fd)
	if err != nil {
		return fmt.Errorf("failed to marshal fund diff: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fund_diffs (cik, period, run_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cik, period) DO UPDATE SET
			run_id = EXCLUDED.run_id, payload = EXCLUDED.payload, created_at = now()`,
		fd.Fund.CIK, fd.Period, runID, payload)
	if err != nil {
		return fmt.Errorf("failed to save fund diff: %w", err)
	}
	return nil
}

// GetFundDiff loads the diff for one fund-period. Returns nil, nil when absent.
func (r *resultsRepo) GetFundDiff(ctx context.Context, cik string, period time.Time) (*diff.FundDiff, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var payload []byte
	err := r.db.GetContext(ctx, &payload, `
		SELECT payload FROM fund_diffs WHERE cik = $1 AND period = $2`, cik, period)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load fund diff: %w", err)
	}

	var fd diff.FundDiff
	if err := json.Unmarshal(payload, &fd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fund diff: %w", err)
	}
	return &fd, nil
}

// SaveSignals upserts the cross-fund signal set for a period.
func (r *resultsRepo) SaveSignals(ctx context.Context, runID string, s *aggregate.Signals) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO quarter_signals (period, run_id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (period) DO UPDATE SET
			run_id = EXCLUDED.run_id, payload = EXCLUDED.payload, created_at = now()`,
		s.Period, runID, payload)
	if err != nil {
		return fmt.Errorf("failed to save signals: %w", err)
	}
	return nil
}

// GetSignals loads the signal set for a period. Returns nil, nil when absent.
func (r *resultsRepo) GetSignals(ctx context.Context, period time.Time) (*aggregate.Signals, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var payload []byte
	err := r.db.GetContext(ctx, &payload, `
		SELECT payload FROM quarter_signals WHERE period = $1`, period)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load signals: %w", err)
	}

	var s aggregate.Signals
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signals: %w", err)
	}
	return &s, nil
}

// SaveFindings upserts the composed top findings for a period.
func (r *resultsRepo) SaveFindings(ctx context.Context, runID string, period time.Time, fs []findings.Finding) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO quarter_findings (period, run_id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (period) DO UPDATE SET
			run_id = EXCLUDED.run_id, payload = EXCLUDED.payload, created_at = now()`,
		period, runID, payload)
	if err != nil {
		return fmt.Errorf("failed to save findings: %w", err)
	}
	return nil
}

// GetFindings loads the findings for a period. Returns nil, nil when absent.
func (r *resultsRepo) GetFindings(ctx context.Context, period time.Time) ([]findings.Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var payload []byte
	err := r.db.GetContext(ctx, &payload, `
		SELECT payload FROM quarter_findings WHERE period = $1`, period)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}

	var fs []findings.Finding
	if err := json.Unmarshal(payload, &fs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal findings: %w", err)
	}
	return fs, nil
}
