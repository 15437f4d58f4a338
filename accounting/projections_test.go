package accounting

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/chartofaccounts"
	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/stretchr/testify/require"
)

func setupChart(t *testing.T) (*ledger.Engine, *chartofaccounts.Tree, *storage.DB, ledger.Journal) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "accounting.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	led, err := ledger.New(db)
	require.NoError(t, err)
	tree, err := chartofaccounts.New(db, led)
	require.NoError(t, err)

	var journal *ledger.Journal
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		journal, err = led.CreateJournalInTx(tx, "general")
		if err != nil {
			return err
		}
		roots := []struct{ code, name string }{
			{"1", "Assets"}, {"2", "Liabilities"}, {"3", "Equity"},
			{"4", "Revenue"}, {"5", "Cost of Revenue"}, {"6", "Expenses"},
		}
		for _, r := range roots {
			if _, _, _, err := tree.CreateRootNode(tx, journal.Id, "main", r.code, r.name); err != nil {
				return err
			}
		}
		_, _, err = tree.CreateChildNode(tx, "", journal.Id, "3", "3.9", "Retained Earnings")
		return err
	}))

	return led, tree, db, *journal
}

// TestCloseFiscalYearPostsNetIncomeToRetainedEarnings covers spec.md's
// fiscal-year-close scenario: Revenue=5000cr, Expenses=1500dr, CoR=500dr,
// net income 3000cr posted to retained earnings, zeroing the P&L accounts.
func TestCloseFiscalYearPostsNetIncomeToRetainedEarnings(t *testing.T) {
	led, tree, db, journal := setupChart(t)

	periodStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)
	mid := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		revenueAcc, err := tree.ManualTransactionAccount(tx, journal.Id, "4")
		if err != nil {
			return err
		}
		corAcc, err := tree.ManualTransactionAccount(tx, journal.Id, "5")
		if err != nil {
			return err
		}
		expensesAcc, err := tree.ManualTransactionAccount(tx, journal.Id, "6")
		if err != nil {
			return err
		}
		cashAcc, err := tree.ManualTransactionAccount(tx, journal.Id, "1")
		if err != nil {
			return err
		}

		if _, err := led.PostTransactionInOp(tx, &ledger.Transaction{
			JournalId: journal.Id, EffectiveDate: mid,
			Entries: []ledger.Entry{
				{AccountId: cashAcc, Currency: "USD", Amount: 500000, Direction: ledger.Debit},
				{AccountId: revenueAcc, Currency: "USD", Amount: 500000, Direction: ledger.Credit},
			},
		}); err != nil {
			return err
		}
		if _, err := led.PostTransactionInOp(tx, &ledger.Transaction{
			JournalId: journal.Id, EffectiveDate: mid,
			Entries: []ledger.Entry{
				{AccountId: corAcc, Currency: "USD", Amount: 50000, Direction: ledger.Debit},
				{AccountId: cashAcc, Currency: "USD", Amount: 50000, Direction: ledger.Credit},
			},
		}); err != nil {
			return err
		}
		_, err = led.PostTransactionInOp(tx, &ledger.Transaction{
			JournalId: journal.Id, EffectiveDate: mid,
			Entries: []ledger.Entry{
				{AccountId: expensesAcc, Currency: "USD", Amount: 150000, Direction: ledger.Debit},
				{AccountId: cashAcc, Currency: "USD", Amount: 150000, Direction: ledger.Credit},
			},
		})
		return err
	}))

	projections := New(led, tree, ChartOfAccountsRefs{
		Assets: "1", Liabilities: "2", Equity: "3",
		Revenue: "4", CostOfRevenue: "5", Expenses: "6", TrialBalance: "1",
	})

	var equityBeforeClose int64
	require.NoError(t, db.View(func(tx *storage.Tx) error {
		sheet, err := projections.BalanceSheet(tx, journal.Id, periodEnd)
		if err != nil {
			return err
		}
		equityBeforeClose = sheet.Equity.Range.CloseSettled()
		require.EqualValues(t, 300000, sheet.NetIncome)
		return nil
	}))

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		_, err := tree.PostClosingTransaction(tx, "", journal.Id, chartofaccounts.ClosingCodes{
			Revenue: "4", CostOfRevenue: "5", Expenses: "6", RetainedEarnings: "3.9",
		}, periodStart, periodEnd, "close January 2026")
		return err
	}))

	require.NoError(t, db.View(func(tx *storage.Tx) error {
		sheet, err := projections.BalanceSheet(tx, journal.Id, periodEnd.Add(time.Second))
		if err != nil {
			return err
		}
		require.Greater(t, sheet.Equity.Range.CloseSettled(), equityBeforeClose)
		require.EqualValues(t, equityBeforeClose+300000, sheet.Equity.Range.CloseSettled())

		pnlAfterClose, err := projections.ProfitAndLoss(tx, journal.Id, periodEnd.Add(time.Second), periodEnd.Add(time.Hour))
		if err != nil {
			return err
		}
		require.EqualValues(t, 0, pnlAfterClose.NetIncome)
		return nil
	}))
}
