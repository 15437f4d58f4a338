package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	e, err := New(db)
	require.NoError(t, err)
	return e
}

// TestBalancedPostingUpdatesBothAccounts covers the balanced-posting scenario:
// posting 100 USD debit to A / credit to B and querying the balance range
// over the posting date yields close.settled=100 and period=100 on both
// accounts (on their own normal sides).
func TestBalancedPostingUpdatesBothAccounts(t *testing.T) {
	e := openTestEngine(t)
	var journal *Journal
	var a, b *Account

	require.NoError(t, e.db.WithinTx(func(tx *storage.Tx) error {
		var err error
		journal, err = e.CreateJournalInTx(tx, "general")
		if err != nil {
			return err
		}
		a, err = e.CreateAccountInTx(tx, "acct-a", "Account A", "", Debit, nil)
		if err != nil {
			return err
		}
		b, err = e.CreateAccountInTx(tx, "acct-b", "Account B", "", Credit, nil)
		return err
	}))

	postedAt := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, e.db.WithinTx(func(tx *storage.Tx) error {
		_, err := e.PostTransactionInOp(tx, &Transaction{
			JournalId:     journal.Id,
			EffectiveDate: postedAt,
			Entries: []Entry{
				{AccountId: a.Id, Currency: "USD", Amount: 10000, Direction: Debit},
				{AccountId: b.Id, Currency: "USD", Amount: 10000, Direction: Credit},
			},
		})
		return err
	}))

	from := postedAt.Add(-time.Hour)
	until := postedAt.Add(time.Hour)

	rangeA, err := e.FindBalancesInRangeView(journal.Id, string(a.Id), "USD", Debit, from, until)
	require.NoError(t, err)
	require.EqualValues(t, 0, rangeA.OpenSettled())
	require.EqualValues(t, 10000, rangeA.CloseSettled())
	require.EqualValues(t, 10000, rangeA.PeriodSettled())

	rangeB, err := e.FindBalancesInRangeView(journal.Id, string(b.Id), "USD", Credit, from, until)
	require.NoError(t, err)
	require.EqualValues(t, 0, rangeB.OpenSettled())
	require.EqualValues(t, 10000, rangeB.CloseSettled())
	require.EqualValues(t, 10000, rangeB.PeriodSettled())
}

func TestPostTransactionRejectsUnbalancedEntries(t *testing.T) {
	e := openTestEngine(t)
	var journal *Journal
	var a, b *Account
	require.NoError(t, e.db.WithinTx(func(tx *storage.Tx) error {
		var err error
		journal, err = e.CreateJournalInTx(tx, "general")
		if err != nil {
			return err
		}
		a, err = e.CreateAccountInTx(tx, "", "A", "", Debit, nil)
		if err != nil {
			return err
		}
		b, err = e.CreateAccountInTx(tx, "", "B", "", Credit, nil)
		return err
	}))

	err := e.db.WithinTx(func(tx *storage.Tx) error {
		_, err := e.PostTransactionInOp(tx, &Transaction{
			JournalId:     journal.Id,
			EffectiveDate: time.Now(),
			Entries: []Entry{
				{AccountId: a.Id, Currency: "USD", Amount: 500, Direction: Debit},
				{AccountId: b.Id, Currency: "USD", Amount: 400, Direction: Credit},
			},
		})
		return err
	})
	require.ErrorIs(t, err, ErrUnbalancedCurrency)
}

func TestAccountSetAggregatesMemberBalances(t *testing.T) {
	e := openTestEngine(t)
	var journal *Journal
	var assets *AccountSet
	var cash, receivables *Account

	require.NoError(t, e.db.WithinTx(func(tx *storage.Tx) error {
		var err error
		journal, err = e.CreateJournalInTx(tx, "general")
		if err != nil {
			return err
		}
		assets, err = e.CreateAccountSetInTx(tx, journal.Id, "Assets", Debit, "assets")
		if err != nil {
			return err
		}
		cash, err = e.CreateAccountInTx(tx, "cash", "Cash", "", Debit, nil)
		if err != nil {
			return err
		}
		receivables, err = e.CreateAccountInTx(tx, "receivables", "Receivables", "", Debit, nil)
		if err != nil {
			return err
		}
		if err := e.AddMemberInOp(tx, assets.Id, MemberAccount, string(cash.Id)); err != nil {
			return err
		}
		return e.AddMemberInOp(tx, assets.Id, MemberAccount, string(receivables.Id))
	}))

	equityAccountErr := e.db.WithinTx(func(tx *storage.Tx) error {
		equity, err := e.CreateAccountInTx(tx, "equity", "Equity", "", Credit, nil)
		if err != nil {
			return err
		}
		_, err = e.PostTransactionInOp(tx, &Transaction{
			JournalId:     journal.Id,
			EffectiveDate: time.Now(),
			Entries: []Entry{
				{AccountId: cash.Id, Currency: "USD", Amount: 6000, Direction: Debit},
				{AccountId: equity.Id, Currency: "USD", Amount: 6000, Direction: Credit},
			},
		})
		return err
	})
	require.NoError(t, equityAccountErr)

	require.NoError(t, e.db.WithinTx(func(tx *storage.Tx) error {
		var equityFund *Account
		var err error
		equityFund, err = e.CreateAccountInTx(tx, "equity2", "Equity2", "", Credit, nil)
		if err != nil {
			return err
		}
		_, err = e.PostTransactionInOp(tx, &Transaction{
			JournalId:     journal.Id,
			EffectiveDate: time.Now(),
			Entries: []Entry{
				{AccountId: receivables.Id, Currency: "USD", Amount: 2500, Direction: Debit},
				{AccountId: equityFund.Id, Currency: "USD", Amount: 2500, Direction: Credit},
			},
		})
		return err
	}))

	now := time.Now().Add(time.Hour)
	from := time.Now().Add(-time.Hour)

	assetsRange, err := e.FindBalancesInRangeView(journal.Id, string(assets.Id), "USD", Debit, from, now)
	require.NoError(t, err)
	require.EqualValues(t, 8500, assetsRange.CloseSettled())
}
