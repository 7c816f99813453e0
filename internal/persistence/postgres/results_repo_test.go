package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
	"github.com/fundtrack/fundtrack/internal/domain/findings"
	"github.com/fundtrack/fundtrack/internal/domain/holdings"
	"github.com/fundtrack/fundtrack/internal/persistence"
)

func TestResultsRepo_SaveFundDiff(t *testing.T) {
	db, mock := testDB(t)
	repo := NewResultsRepo(db, 5*time.Second)

	fd := &diff.FundDiff{
		Fund:   holdings.FundInfo{CIK: "1423053", Name: "Citadel Advisors", Tier: holdings.TierA},
		Period: quarterEnd,
	}

	mock.ExpectExec(`INSERT INTO fund_diffs`).
		WithArgs("1423053", quarterEnd, "run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.SaveFundDiff(context.Background(), "run-1", fd))
}

func TestResultsRepo_GetFundDiff(t *testing.T) {
	db, mock := testDB(t)
	repo := NewResultsRepo(db, 5*time.Second)

	stored := &diff.FundDiff{
		Fund:                holdings.FundInfo{CIK: "1423053", Name: "Citadel Advisors", Tier: holdings.TierA},
		Period:              quarterEnd,
		CurrentAUMThousands: 500_000_000,
	}
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT payload FROM fund_diffs`).
		WithArgs("1423053", quarterEnd).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	got, err := repo.GetFundDiff(context.Background(), "1423053", quarterEnd)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stored.CurrentAUMThousands, got.CurrentAUMThousands)
	assert.True(t, got.Period.Equal(quarterEnd))
}

func TestResultsRepo_GetFundDiff_MissIsNilNil(t *testing.T) {
	db, mock := testDB(t)
	repo := NewResultsRepo(db, 5*time.Second)

	mock.ExpectQuery(`SELECT payload FROM fund_diffs`).
		WithArgs("999", quarterEnd).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	got, err := repo.GetFundDiff(context.Background(), "999", quarterEnd)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResultsRepo_SignalsRoundTrip(t *testing.T) {
	db, mock := testDB(t)
	repo := NewResultsRepo(db, 5*time.Second)

	s := &aggregate.Signals{Period: quarterEnd, FundsAnalyzed: 9}
	payload, err := json.Marshal(s)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO quarter_signals`).
		WithArgs(quarterEnd, "run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT payload FROM quarter_signals`).
		WithArgs(quarterEnd).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	require.NoError(t, repo.SaveSignals(context.Background(), "run-1", s))

	got, err := repo.GetSignals(context.Background(), quarterEnd)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 9, got.FundsAnalyzed)
}

func TestResultsRepo_GetSignals_MissIsNilNil(t *testing.T) {
	db, mock := testDB(t)
	repo := NewResultsRepo(db, 5*time.Second)

	mock.ExpectQuery(`SELECT payload FROM quarter_signals`).
		WithArgs(quarterEnd).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	got, err := repo.GetSignals(context.Background(), quarterEnd)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResultsRepo_FindingsRoundTrip(t *testing.T) {
	db, mock := testDB(t)
	repo := NewResultsRepo(db, 5*time.Second)

	fs := []findings.Finding{{
		Category: findings.CategoryCrowdedBuy,
		Headline: "NVDA: 3 funds buying, none selling",
		Detail:   "Pure consensus.",
		Score:    9.0,
		Ticker:   "NVDA",
	}}
	payload, err := json.Marshal(fs)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO quarter_findings`).
		WithArgs(quarterEnd, "run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT payload FROM quarter_findings`).
		WithArgs(quarterEnd).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	require.NoError(t, repo.SaveFindings(context.Background(), "run-1", quarterEnd, fs))

	got, err := repo.GetFindings(context.Background(), quarterEnd)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "NVDA: 3 funds buying, none selling", got[0].Headline)
	assert.Equal(t, findings.CategoryCrowdedBuy, got[0].Category)
}

func TestResultsRepo_GetFindings_MissIsNilNil(t *testing.T) {
	db, mock := testDB(t)
	repo := NewResultsRepo(db, 5*time.Second)

	mock.ExpectQuery(`SELECT payload FROM quarter_findings`).
		WithArgs(quarterEnd).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	got, err := repo.GetFindings(context.Background(), quarterEnd)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFilingRepo_MarkIngested(t *testing.T) {
	db, mock := testDB(t)
	repo := NewFilingRepo(db, 5*time.Second)

	rec := persistence.FilingRecord{
		AccessionNumber: "0001-25-000004",
		CIK:             "1423053",
		FormType:        "13F-HR",
		FilingDate:      time.Date(2025, 8, 14, 0, 0, 0, 0, time.UTC),
		ReportDate:      quarterEnd,
		QuarterEnd:      quarterEnd,
	}

	mock.ExpectExec(`INSERT INTO filing_index`).
		WithArgs(rec.AccessionNumber, rec.CIK, rec.FormType, rec.FilingDate, rec.ReportDate, rec.QuarterEnd).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkIngested(context.Background(), rec))
}

func TestFilingRepo_IsIngested(t *testing.T) {
	db, mock := testDB(t)
	repo := NewFilingRepo(db, 5*time.Second)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM filing_index`).
		WithArgs("0001-25-000004").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM filing_index`).
		WithArgs("0001-25-999999").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ok, err := repo.IsIngested(context.Background(), "0001-25-000004")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsIngested(context.Background(), "0001-25-999999")
	require.NoError(t, err)
	assert.False(t, ok)
}
