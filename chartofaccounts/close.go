package chartofaccounts

import (
	"fmt"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
)

// CloseAsOf monotonically advances chartId's closed-as-of marker
// (spec.md §4.5 "close_as_of"). A regression is rejected outright; postings
// with an effective date at or before the marker are rejected by
// CheckNotClosed, which PostClosingTransaction and callers posting through
// this chart are expected to call first.
func (t *Tree) CloseAsOf(tx *storage.Tx, chartId primitives.ChartId, asOf time.Time) error {
	current, ok, err := t.closedAsOf(tx, chartId)
	if err != nil {
		return err
	}
	if ok && !asOf.After(current) {
		return ErrClosedAsOfRegressed
	}
	data, err := asOf.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketClosedAt).Put([]byte(chartId), data)
}

func (t *Tree) closedAsOf(tx *storage.Tx, chartId primitives.ChartId) (time.Time, bool, error) {
	data := tx.Bucket(bucketClosedAt).Get([]byte(chartId))
	if data == nil {
		return time.Time{}, false, nil
	}
	var at time.Time
	if err := at.UnmarshalBinary(data); err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// CheckNotClosed rejects effectiveDate at or before chartId's closed-as-of
// marker.
func (t *Tree) CheckNotClosed(tx *storage.Tx, chartId primitives.ChartId, effectiveDate time.Time) error {
	current, ok, err := t.closedAsOf(tx, chartId)
	if err != nil {
		return err
	}
	if ok && !effectiveDate.After(current) {
		return ErrPeriodAlreadyClosed
	}
	return nil
}

// ClosingCodes names the chart-of-accounts roots PostClosingTransaction
// nets against each other.
type ClosingCodes struct {
	Revenue            string
	CostOfRevenue      string
	Expenses           string
	RetainedEarnings   string
}

// PostClosingTransaction computes net income for the period ending
// periodEnd from the P&L roots' settled balances and posts one combined
// offset transaction zeroing revenue/expense/cost-of-revenue against
// retained earnings, routed to gain (credit) when net income is
// non-negative or loss (debit) otherwise (spec.md §4.5/§4.8
// "post_closing_transaction"; netting combined into one transaction per
// the resolved open question, see DESIGN.md).
func (t *Tree) PostClosingTransaction(tx *storage.Tx, chartId primitives.ChartId, journalId primitives.JournalId, codes ClosingCodes, periodStart, periodEnd time.Time, details string) (*ledger.Transaction, error) {
	if err := requireEquityDescendant(codes.RetainedEarnings); err != nil {
		return nil, err
	}
	if err := t.CheckNotClosed(tx, chartId, periodEnd); err != nil {
		return nil, err
	}

	revenue, err := t.nodeBalance(tx, journalId, codes.Revenue, ledger.Credit, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	cor, err := t.nodeBalance(tx, journalId, codes.CostOfRevenue, ledger.Debit, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	expenses, err := t.nodeBalance(tx, journalId, codes.Expenses, ledger.Debit, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	netIncome := revenue.PeriodSettled() - cor.PeriodSettled() - expenses.PeriodSettled()

	retainedAccount, err := t.ManualTransactionAccount(tx, journalId, codes.RetainedEarnings)
	if err != nil {
		return nil, err
	}
	revenueAccount, err := t.ManualTransactionAccount(tx, journalId, codes.Revenue)
	if err != nil {
		return nil, err
	}
	corAccount, err := t.ManualTransactionAccount(tx, journalId, codes.CostOfRevenue)
	if err != nil {
		return nil, err
	}
	expensesAccount, err := t.ManualTransactionAccount(tx, journalId, codes.Expenses)
	if err != nil {
		return nil, err
	}

	amount := netIncome
	if amount < 0 {
		amount = -amount
	}

	// The closing template's entry list varies with which P&L roots moved
	// this period, so it is assembled here rather than declared as a
	// package-level literal; it is still resolved through
	// ledger.Template.Resolve like every other posting path (spec.md §4.4).
	template := ledger.Template{Code: "post_closing_transaction"}
	params := ledger.Params{
		Accounts:   map[string]primitives.AccountId{},
		Currencies: map[string]string{"usd": "USD"},
		Amounts:    map[string]primitives.UsdCents{},
	}
	if revenue.PeriodSettled() != 0 {
		template.Entries = append(template.Entries, ledger.EntrySpec{AccountParam: "revenue", CurrencyParam: "usd", AmountParam: "revenue_amt", Direction: ledger.Debit, Description: "close revenue"})
		params.Accounts["revenue"] = revenueAccount
		params.Amounts["revenue_amt"] = primitives.UsdCents(revenue.PeriodSettled())
	}
	if cor.PeriodSettled() != 0 {
		template.Entries = append(template.Entries, ledger.EntrySpec{AccountParam: "cor", CurrencyParam: "usd", AmountParam: "cor_amt", Direction: ledger.Credit, Description: "close cost of revenue"})
		params.Accounts["cor"] = corAccount
		params.Amounts["cor_amt"] = primitives.UsdCents(cor.PeriodSettled())
	}
	if expenses.PeriodSettled() != 0 {
		template.Entries = append(template.Entries, ledger.EntrySpec{AccountParam: "expenses", CurrencyParam: "usd", AmountParam: "expenses_amt", Direction: ledger.Credit, Description: "close expenses"})
		params.Accounts["expenses"] = expensesAccount
		params.Amounts["expenses_amt"] = primitives.UsdCents(expenses.PeriodSettled())
	}
	if amount != 0 {
		direction := ledger.Credit
		if netIncome < 0 {
			direction = ledger.Debit
		}
		template.Entries = append(template.Entries, ledger.EntrySpec{AccountParam: "retained", CurrencyParam: "usd", AmountParam: "retained_amt", Direction: direction, Description: details})
		params.Accounts["retained"] = retainedAccount
		params.Amounts["retained_amt"] = primitives.UsdCents(amount)
	}
	if len(template.Entries) == 0 {
		return nil, nil
	}

	txn, err := template.Resolve(journalId, periodEnd, "", params)
	if err != nil {
		return nil, err
	}
	return t.ledger.PostTransactionInOp(tx, txn)
}

// requireEquityDescendant enforces spec.md §3's constraint that
// retained-earnings gain/loss codes must descend from the Equity top-level
// category.
func requireEquityDescendant(code string) error {
	accCode, err := primitives.ParseAccountCode(code)
	if err != nil {
		return err
	}
	if accCode.TopLevelCategory() != primitives.CategoryEquity {
		return fmt.Errorf("%w: %s", primitives.ErrRetainedEarningsCodeNotChildOfEquity, code)
	}
	return nil
}

func (t *Tree) nodeBalance(tx *storage.Tx, journalId primitives.JournalId, code string, side ledger.Side, from, until time.Time) (ledger.BalanceRange, error) {
	node, ok, err := t.findNodeByCode(tx, code)
	if err != nil {
		return ledger.BalanceRange{}, err
	}
	if !ok {
		return ledger.BalanceRange{}, fmt.Errorf("%w: %s", ErrParentNotFound, code)
	}
	return t.ledger.FindBalancesInRange(tx, journalId, string(node.SetId), "USD", side, from, until)
}
