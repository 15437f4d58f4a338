package accounting

import (
	"testing"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/chartofaccounts"
	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/stretchr/testify/require"
)

// TestFiscalYearSequencerClosesMonthsThenYear covers spec.md §4.6's
// "sequence of monthly periods followed by an annual close": close_month
// is rejected out of sequence, accepted in order, and the year only
// finalizes once every month has closed, at which point it posts the
// closing transaction and opens the next year.
func TestFiscalYearSequencerClosesMonthsThenYear(t *testing.T) {
	_, tree, db, journal := setupChart(t)

	years, err := NewFiscalYears(db, tree)
	require.NoError(t, err)

	var chartId primitives.ChartId
	require.NoError(t, db.View(func(tx *storage.Tx) error {
		node, _, err := tree.FindNodeByCode(tx, "1")
		if err != nil {
			return err
		}
		chartId = node.Id
		return nil
	}))

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		_, outcome, err := years.OpenFiscalYearInTx(tx, chartId, journal.Id, 2026)
		require.NoError(t, err)
		require.Equal(t, chartofaccounts.Applied, outcome)
		return nil
	}))

	// Re-opening is idempotent.
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		_, outcome, err := years.OpenFiscalYearInTx(tx, chartId, journal.Id, 2026)
		require.NoError(t, err)
		require.Equal(t, chartofaccounts.AlreadyApplied, outcome)
		return nil
	}))

	// Closing out of sequence is rejected.
	require.Error(t, db.WithinTx(func(tx *storage.Tx) error {
		_, err := years.CloseMonthInTx(tx, chartId, 2026, 3)
		return err
	}))

	closingCodes := chartofaccounts.ClosingCodes{
		Revenue: "4", CostOfRevenue: "5", Expenses: "6", RetainedEarnings: "3.9",
	}
	periodStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	// Closing the year before every month has closed is rejected.
	require.Error(t, db.WithinTx(func(tx *storage.Tx) error {
		_, _, err := years.CloseFiscalYearInTx(tx, chartId, 2026, closingCodes, periodStart, periodEnd, "year close")
		return err
	}))

	for month := 1; month <= 12; month++ {
		month := month
		require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
			outcome, err := years.CloseMonthInTx(tx, chartId, 2026, month)
			require.NoError(t, err)
			require.Equal(t, chartofaccounts.Applied, outcome)
			return nil
		}))
	}

	// Re-closing an already-closed month is idempotent.
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		outcome, err := years.CloseMonthInTx(tx, chartId, 2026, 1)
		require.NoError(t, err)
		require.Equal(t, chartofaccounts.AlreadyApplied, outcome)
		return nil
	}))

	var closingTxn *ledger.Transaction
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		txn, outcome, err := years.CloseFiscalYearInTx(tx, chartId, 2026, closingCodes, periodStart, periodEnd, "year close")
		require.NoError(t, err)
		require.Equal(t, chartofaccounts.Applied, outcome)
		closingTxn = txn
		return nil
	}))
	require.Nil(t, closingTxn) // no P&L activity this period, so nothing to post

	fy2026, err := years.Get(chartId, 2026)
	require.NoError(t, err)
	require.Equal(t, FiscalYearClosed, fy2026.Status)

	fy2027, err := years.Get(chartId, 2027)
	require.NoError(t, err)
	require.Equal(t, FiscalYearOpen, fy2027.Status)
	require.Equal(t, 1, fy2027.CurrentMonth)

	// Re-closing an already-closed year is idempotent.
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		_, outcome, err := years.CloseFiscalYearInTx(tx, chartId, 2026, closingCodes, periodStart, periodEnd, "year close")
		require.NoError(t, err)
		require.Equal(t, chartofaccounts.AlreadyApplied, outcome)
		return nil
	}))
}
