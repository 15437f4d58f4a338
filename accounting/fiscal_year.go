package accounting

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/chartofaccounts"
	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
)

var bucketFiscalYears = []byte("accounting_fiscal_years")

// FiscalYearStatus is the fiscal year's closed set of lifecycle states.
type FiscalYearStatus string

const (
	FiscalYearOpen   FiscalYearStatus = "OPEN"
	FiscalYearClosed FiscalYearStatus = "CLOSED"
)

var (
	ErrFiscalYearNotFound    = errors.New("fiscal year not found")
	ErrInvalidMonth          = errors.New("month must be between 1 and 12")
	ErrMonthOutOfSequence    = errors.New("month does not match the fiscal year's current cursor")
	ErrFiscalYearNotComplete = errors.New("fiscal year has months still open")
)

// FiscalYear is the monthly-period cursor and annual-close state for one
// chart/journal (spec.md §4.6 "Fiscal year": a sequence of monthly periods
// followed by an annual close).
type FiscalYear struct {
	Id           primitives.FiscalYearId `json:"id"`
	ChartId      primitives.ChartId      `json:"chart_id"`
	JournalId    primitives.JournalId    `json:"journal_id"`
	Year         int                     `json:"year"`
	CurrentMonth int                     `json:"current_month"` // 1-12, the next month close_month will accept; 13 once December has closed
	Status       FiscalYearStatus        `json:"status"`
}

func fiscalYearKey(chartId primitives.ChartId, year int) []byte {
	return []byte(fmt.Sprintf("%s|%04d", chartId, year))
}

// FiscalYears is the fiscal-year sequencer: a per-(chart, year) month cursor
// plus the annual open/close cycle, layered over
// chartofaccounts.PostClosingTransaction, which computes and posts one
// period's net-income offset. Grounded on chartofaccounts.Tree's own
// code->state bbolt records (chart.go) rather than event sourcing, since a
// fiscal year is a single mutable cursor, not a replayable history.
type FiscalYears struct {
	db    *storage.DB
	chart *chartofaccounts.Tree
}

func NewFiscalYears(db *storage.DB, chart *chartofaccounts.Tree) (*FiscalYears, error) {
	if err := db.EnsureBuckets(bucketFiscalYears); err != nil {
		return nil, err
	}
	return &FiscalYears{db: db, chart: chart}, nil
}

// OpenFiscalYearInTx opens (or, on replay, returns) chartId's fiscal year
// for year, starting its month cursor at January (spec.md §4.6 "a sequence
// of monthly periods"). Idempotent per (chart, year).
func (f *FiscalYears) OpenFiscalYearInTx(tx *storage.Tx, chartId primitives.ChartId, journalId primitives.JournalId, year int) (*FiscalYear, chartofaccounts.Outcome, error) {
	existing, ok, err := f.getInTx(tx, chartId, year)
	if err != nil {
		return nil, "", err
	}
	if ok {
		return existing, chartofaccounts.AlreadyApplied, nil
	}
	fy := &FiscalYear{
		Id:           primitives.NewFiscalYearId(),
		ChartId:      chartId,
		JournalId:    journalId,
		Year:         year,
		CurrentMonth: 1,
		Status:       FiscalYearOpen,
	}
	return fy, chartofaccounts.Applied, f.putInTx(tx, fy)
}

// CloseMonthInTx advances chartId's year fiscal year cursor past month.
// Spec.md §4.6 assigns "posts any automatic period entries" to this step;
// this kernel defines none (accruals and payment allocations already post
// through their own aggregates as they occur during the month, see
// DESIGN.md), so closing a month is the cursor advance alone. Idempotent
// per (fiscal_year_id, period): closing an already-closed month is a no-op;
// closing out of sequence is rejected.
func (f *FiscalYears) CloseMonthInTx(tx *storage.Tx, chartId primitives.ChartId, year, month int) (chartofaccounts.Outcome, error) {
	if month < 1 || month > 12 {
		return "", fmt.Errorf("%w: %d", ErrInvalidMonth, month)
	}
	fy, ok, err := f.getInTx(tx, chartId, year)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: chart %s year %d", ErrFiscalYearNotFound, chartId, year)
	}
	if month < fy.CurrentMonth {
		return chartofaccounts.AlreadyApplied, nil
	}
	if month != fy.CurrentMonth {
		return "", fmt.Errorf("%w: got %d, expected %d", ErrMonthOutOfSequence, month, fy.CurrentMonth)
	}
	fy.CurrentMonth++
	return chartofaccounts.Applied, f.putInTx(tx, fy)
}

// CloseFiscalYearInTx finalizes chartId's year once every month has closed:
// it posts the year's net-income offset via
// chartofaccounts.PostClosingTransaction, advances the chart's closed-as-of
// marker, marks the year Closed, and opens year+1 at month 1 (spec.md §4.6
// "close opens the next fiscal year; close finalizes"). Idempotent per
// fiscal year: re-closing an already-closed year is a no-op.
func (f *FiscalYears) CloseFiscalYearInTx(tx *storage.Tx, chartId primitives.ChartId, year int, codes chartofaccounts.ClosingCodes, periodStart, periodEnd time.Time, details string) (*ledger.Transaction, chartofaccounts.Outcome, error) {
	fy, ok, err := f.getInTx(tx, chartId, year)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: chart %s year %d", ErrFiscalYearNotFound, chartId, year)
	}
	if fy.Status == FiscalYearClosed {
		return nil, chartofaccounts.AlreadyApplied, nil
	}
	if fy.CurrentMonth <= 12 {
		return nil, "", fmt.Errorf("%w: chart %s year %d at month %d", ErrFiscalYearNotComplete, chartId, year, fy.CurrentMonth)
	}

	txn, err := f.chart.PostClosingTransaction(tx, chartId, fy.JournalId, codes, periodStart, periodEnd, details)
	if err != nil {
		return nil, "", err
	}
	if err := f.chart.CloseAsOf(tx, chartId, periodEnd); err != nil {
		return nil, "", err
	}

	fy.Status = FiscalYearClosed
	if err := f.putInTx(tx, fy); err != nil {
		return nil, "", err
	}
	if _, _, err := f.OpenFiscalYearInTx(tx, chartId, fy.JournalId, year+1); err != nil {
		return nil, "", err
	}
	return txn, chartofaccounts.Applied, nil
}

// Get loads chartId's fiscal year for year outside any write transaction.
func (f *FiscalYears) Get(chartId primitives.ChartId, year int) (*FiscalYear, error) {
	var fy *FiscalYear
	err := f.db.View(func(tx *storage.Tx) error {
		got, ok, err := f.getInTx(tx, chartId, year)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: chart %s year %d", ErrFiscalYearNotFound, chartId, year)
		}
		fy = got
		return nil
	})
	return fy, err
}

func (f *FiscalYears) getInTx(tx *storage.Tx, chartId primitives.ChartId, year int) (*FiscalYear, bool, error) {
	data := tx.Bucket(bucketFiscalYears).Get(fiscalYearKey(chartId, year))
	if data == nil {
		return nil, false, nil
	}
	var fy FiscalYear
	if err := json.Unmarshal(data, &fy); err != nil {
		return nil, false, err
	}
	return &fy, true, nil
}

func (f *FiscalYears) putInTx(tx *storage.Tx, fy *FiscalYear) error {
	data, err := json.Marshal(fy)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketFiscalYears).Put(fiscalYearKey(fy.ChartId, fy.Year), data)
}
