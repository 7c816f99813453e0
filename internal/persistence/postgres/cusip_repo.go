package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fundtrack/fundtrack/internal/persistence"
)

// cusipRepo implements CusipRepo for PostgreSQL
type cusipRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCusipRepo creates a PostgreSQL CUSIP map repository
func NewCusipRepo(db *sqlx.DB, timeout time.Duration) persistence.CusipRepo {
	return &cusipRepo{db: db, timeout: timeout}
}

// Get returns the mapping for a CUSIP, or nil, nil on a miss.
func (r *cusipRepo) Get(ctx context.Context, cusip string) (*persistence.CusipMapping, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var m persistence.CusipMapping
	err := r.db.GetContext(ctx, &m, `
		SELECT cusip, ticker, name, exchange, resolved_at
		FROM cusip_map WHERE cusip = $1`, cusip)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cusip mapping: %w", err)
	}
	return &m, nil
}

// GetAll loads the whole map for bulk enrichment.
func (r *cusipRepo) GetAll(ctx context.Context) (map[string]persistence.CusipMapping, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var all []persistence.CusipMapping
	err := r.db.SelectContext(ctx, &all, `
		SELECT cusip, ticker, name, exchange, resolved_at FROM cusip_map`)
	if err != nil {
		return nil, fmt.Errorf("failed to load cusip map: %w", err)
	}

	out := make(map[string]persistence.CusipMapping, len(all))
	for _, m := range all {
		out[m.CUSIP] = m
	}
	return out, nil
}

// PutBatch upserts resolution results.
func (r *cusipRepo) PutBatch(ctx context.Context, mappings []persistence.CusipMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cusip_map (cusip, ticker, name, exchange, resolved_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (cusip) DO UPDATE SET
			ticker = EXCLUDED.ticker, name = EXCLUDED.name,
			exchange = EXCLUDED.exchange, resolved_at = now()`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range mappings {
		if m.CUSIP == "" {
			return fmt.Errorf("cusip mapping with empty cusip")
		}
		if _, err := stmt.ExecContext(ctx, m.CUSIP, m.Ticker, m.Name, m.Exchange); err != nil {
			return fmt.Errorf("failed to upsert cusip %s: %w", m.CUSIP, err)
		}
	}

	return tx.Commit()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
