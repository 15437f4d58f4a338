// Package accounting holds the reporting projections over the ledger:
// trial balance, balance sheet, profit & loss, and the fiscal-year close
// cycle (spec.md §4.6). Grounded on the teacher's ReportingService and its
// FinancialStatement/FinancialLineItem shapes (reporting.go), generalized
// from a single hard-coded AccountType switch into lookups keyed by the
// chart-of-accounts reference names a deployment wires up (spec.md §4.6
// "by reference name").
package accounting

import (
	"fmt"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/chartofaccounts"
	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
)

// ChartOfAccountsRefs names the chart codes each statement reads, since
// spec.md leaves account numbering to the deployment.
type ChartOfAccountsRefs struct {
	Assets        string
	Liabilities   string
	Equity        string
	Revenue       string
	CostOfRevenue string
	Expenses      string
	TrialBalance  string // the root whose descendant sets make up the trial balance
}

// LineItem is one row of a statement: a reference name and its settled
// balance range over the query period.
type LineItem struct {
	Name  string              `json:"name"`
	Range ledger.BalanceRange `json:"range"`
}

// BalanceSheet is spec.md §4.6's balance-sheet projection: Assets,
// Liabilities, Equity, with Equity carrying a synthetic Net-Income line that
// aggregates Revenue - CostOfRevenue - Expenses rather than a stored set.
type BalanceSheet struct {
	AsOf        time.Time `json:"as_of"`
	Assets      LineItem  `json:"assets"`
	Liabilities LineItem  `json:"liabilities"`
	Equity      LineItem  `json:"equity"`
	NetIncome   int64     `json:"net_income"`
}

// ProfitAndLoss is spec.md §4.6's P&L projection.
type ProfitAndLoss struct {
	From          time.Time `json:"from"`
	Until         time.Time `json:"until"`
	Revenue       LineItem  `json:"revenue"`
	CostOfRevenue LineItem  `json:"cost_of_revenue"`
	Expenses      LineItem  `json:"expenses"`
	NetIncome     int64     `json:"net_income"`
}

// Projections computes the reporting views over a chart of accounts.
type Projections struct {
	ledger *ledger.Engine
	chart  *chartofaccounts.Tree
	refs   ChartOfAccountsRefs
}

func New(led *ledger.Engine, chart *chartofaccounts.Tree, refs ChartOfAccountsRefs) *Projections {
	return &Projections{ledger: led, chart: chart, refs: refs}
}

func (p *Projections) lineItem(tx *storage.Tx, journalId primitives.JournalId, code string, side ledger.Side, from, until time.Time) (LineItem, error) {
	node, ok, err := p.chart.FindNodeByCode(tx, code)
	if err != nil {
		return LineItem{}, err
	}
	if !ok {
		return LineItem{}, fmt.Errorf("chart code %s not found", code)
	}
	r, err := p.ledger.FindBalancesInRange(tx, journalId, string(node.SetId), "USD", side, from, until)
	if err != nil {
		return LineItem{}, err
	}
	return LineItem{Name: code, Range: r}, nil
}

// TrialBalance returns the balance range of the trial-balance root followed
// by that of every account set below it, direct or indirect, for the given
// date range (spec.md §4.6 "Trial balance").
func (p *Projections) TrialBalance(tx *storage.Tx, journalId primitives.JournalId, from, until time.Time) ([]LineItem, error) {
	root, ok, err := p.chart.FindNodeByCode(tx, p.refs.TrialBalance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("trial balance root %s not found", p.refs.TrialBalance)
	}
	children, err := p.chart.ChildCodes(tx, p.refs.TrialBalance)
	if err != nil {
		return nil, err
	}
	out := make([]LineItem, 0, len(children)+1)
	rootRange, err := p.ledger.FindBalancesInRange(tx, journalId, string(root.SetId), "USD", ledger.Debit, from, until)
	if err != nil {
		return nil, err
	}
	out = append(out, LineItem{Name: p.refs.TrialBalance, Range: rootRange})
	for _, code := range children {
		node, _, err := p.chart.FindNodeByCode(tx, code)
		if err != nil {
			return nil, err
		}
		r, err := p.ledger.FindBalancesInRange(tx, journalId, string(node.SetId), "USD", ledger.Debit, from, until)
		if err != nil {
			return nil, err
		}
		out = append(out, LineItem{Name: code, Range: r})
	}
	return out, nil
}

// BalanceSheet computes spec.md §4.6's balance-sheet projection as of asOf.
func (p *Projections) BalanceSheet(tx *storage.Tx, journalId primitives.JournalId, asOf time.Time) (*BalanceSheet, error) {
	epoch := time.Unix(0, 0).UTC()
	assets, err := p.lineItem(tx, journalId, p.refs.Assets, ledger.Debit, epoch, asOf)
	if err != nil {
		return nil, err
	}
	liabs, err := p.lineItem(tx, journalId, p.refs.Liabilities, ledger.Credit, epoch, asOf)
	if err != nil {
		return nil, err
	}
	equity, err := p.lineItem(tx, journalId, p.refs.Equity, ledger.Credit, epoch, asOf)
	if err != nil {
		return nil, err
	}
	pnl, err := p.ProfitAndLoss(tx, journalId, epoch, asOf)
	if err != nil {
		return nil, err
	}
	return &BalanceSheet{
		AsOf:        asOf,
		Assets:      assets,
		Liabilities: liabs,
		Equity:      equity,
		NetIncome:   pnl.NetIncome,
	}, nil
}

// ProfitAndLoss computes spec.md §4.6's P&L projection over [from, until].
func (p *Projections) ProfitAndLoss(tx *storage.Tx, journalId primitives.JournalId, from, until time.Time) (*ProfitAndLoss, error) {
	revenue, err := p.lineItem(tx, journalId, p.refs.Revenue, ledger.Credit, from, until)
	if err != nil {
		return nil, err
	}
	cor, err := p.lineItem(tx, journalId, p.refs.CostOfRevenue, ledger.Debit, from, until)
	if err != nil {
		return nil, err
	}
	expenses, err := p.lineItem(tx, journalId, p.refs.Expenses, ledger.Debit, from, until)
	if err != nil {
		return nil, err
	}
	net := revenue.Range.PeriodSettled() - cor.Range.PeriodSettled() - expenses.Range.PeriodSettled()
	return &ProfitAndLoss{
		From: from, Until: until,
		Revenue: revenue, CostOfRevenue: cor, Expenses: expenses,
		NetIncome: net,
	}, nil
}
