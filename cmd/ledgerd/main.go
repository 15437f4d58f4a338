// Command ledgerd wires the ledger, chart of accounts, accounting
// projections, obligation, and credit facility packages together end to
// end against a scratch bbolt database: it opens a facility, posts its
// initial disbursal, accrues interest, reports a balance sheet, and closes
// the fiscal year. It replaces the teacher's flat accounting.Engine demo
// with one exercising this kernel's full servicing lifecycle.
package main

import (
	"os"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/accounting"
	"github.com/GaloyMoney/lana-bank-sub002/chartofaccounts"
	"github.com/GaloyMoney/lana-bank-sub002/creditfacility"
	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/obligation"
	"github.com/GaloyMoney/lana-bank-sub002/outbox"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	dbFile := "ledgerd_demo.db"
	os.Remove(dbFile)
	db, err := storage.Open(dbFile)
	if err != nil {
		log.WithError(err).Fatal("open storage")
	}
	defer db.Close()
	defer os.Remove(dbFile)

	led, err := ledger.New(db)
	if err != nil {
		log.WithError(err).Fatal("open ledger engine")
	}
	chart, err := chartofaccounts.New(db, led)
	if err != nil {
		log.WithError(err).Fatal("open chart of accounts")
	}
	ob, err := outbox.New(db)
	if err != nil {
		log.WithError(err).Fatal("open outbox")
	}
	oblEngine, err := obligation.New(db, ob, led)
	if err != nil {
		log.WithError(err).Fatal("open obligation engine")
	}
	facilityEngine, err := creditfacility.New(db, ob, led, oblEngine)
	if err != nil {
		log.WithError(err).Fatal("open credit facility engine")
	}

	var journalId primitives.JournalId
	var chartId primitives.ChartId
	refs := chartofaccounts.ClosingCodes{
		Revenue:          "4",
		CostOfRevenue:    "5",
		Expenses:         "6",
		RetainedEarnings: "3.9",
	}
	projRefs := accounting.ChartOfAccountsRefs{
		Assets: "1", Liabilities: "2", Equity: "3",
		Revenue: "4", CostOfRevenue: "5", Expenses: "6",
	}

	if err := db.WithinTx(func(tx *storage.Tx) error {
		j, err := led.CreateJournalInTx(tx, "primary")
		if err != nil {
			return err
		}
		journalId = j.Id

		roots := []struct{ code, name string }{
			{"1", "Assets"}, {"2", "Liabilities"}, {"3", "Equity"},
			{"4", "Revenue"}, {"5", "Cost of Revenue"}, {"6", "Expenses"},
		}
		for i, r := range roots {
			c, _, _, err := chart.CreateRootNode(tx, journalId, "default", r.code, r.name)
			if err != nil {
				return err
			}
			if i == 0 {
				chartId = c.Id
			}
		}
		if _, _, err := chart.CreateChildNode(tx, chartId, journalId, "3", "3.9", "Retained Earnings"); err != nil {
			return err
		}
		return nil
	}); err != nil {
		log.WithError(err).Fatal("seed chart of accounts")
	}
	log.Info("chart of accounts seeded")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	terms := creditfacility.Terms{
		AnnualRatePercent: 12,
		AccrualInterval:   24 * time.Hour,
		InitialCvl:        140,
		MarginCallCvl:     125,
		LiquidationCvl:    105,
		DueAfter:          30 * 24 * time.Hour,
		OverdueAfter:      45 * 24 * time.Hour,
		DefaultedAfter:    90 * 24 * time.Hour,
	}

	var facility *creditfacility.Facility
	principal := primitives.UsdCents(1_000_000) // $10,000
	collateral := primitives.Satoshis(280_000)
	price := primitives.PriceOfOneBTC{UsdCents: 500_000_000} // yields a 140% CVL at this collateral/principal
	if err := db.WithinTx(func(tx *storage.Tx) error {
		f, err := facilityEngine.ProposeInTx(tx, primitives.NewCustomerId(), terms, principal)
		if err != nil {
			return err
		}
		facility = f
		return facilityEngine.ApproveInTx(tx, facility.Id)
	}); err != nil {
		log.WithError(err).Fatal("propose and approve facility")
	}

	if err := db.WithinTx(func(tx *storage.Tx) error {
		disbursal, err := chart.ManualTransactionAccount(tx, journalId, "1")
		if err != nil {
			return err
		}
		facilityAccount, err := chart.ManualTransactionAccount(tx, journalId, "2")
		if err != nil {
			return err
		}
		return facilityEngine.PostCollateralInTx(tx, facility.Id, collateral, price, now, creditfacility.ActivationPosting{
			JournalId:        journalId,
			DisbursalAccount: disbursal,
			FacilityAccount:  facilityAccount,
			Currency:         "USD",
		})
	}); err != nil {
		log.WithError(err).Fatal("post collateral and activate facility")
	}
	log.WithField("facility_id", facility.Id).Info("facility activated with initial disbursal posted")

	var interest *obligation.Obligation
	if err := db.WithinTx(func(tx *storage.Tx) error {
		var err error
		interest, err = facilityEngine.AccrueInterestPeriodInTx(tx, facility.Id, principal, 1, now.Add(24*time.Hour), outbox.NewTraceID())
		return err
	}); err != nil {
		log.WithError(err).Fatal("accrue interest")
	}
	log.WithFields(logrus.Fields{"obligation_id": interest.Id, "amount_cents": interest.Initial}).Info("interest obligation posted")

	proj := accounting.New(led, chart, projRefs)
	var sheet *accounting.BalanceSheet
	if err := db.WithinTx(func(tx *storage.Tx) error {
		var err error
		sheet, err = proj.BalanceSheet(tx, journalId, now.Add(24*time.Hour))
		return err
	}); err != nil {
		log.WithError(err).Fatal("generate balance sheet")
	}
	log.WithFields(logrus.Fields{
		"assets":      sheet.Assets.Range.CloseSettled(),
		"liabilities": sheet.Liabilities.Range.CloseSettled(),
		"equity":      sheet.Equity.Range.CloseSettled(),
	}).Info("balance sheet as of day 1")

	periodStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := now.Add(24 * time.Hour)
	if err := db.WithinTx(func(tx *storage.Tx) error {
		_, err := chart.PostClosingTransaction(tx, chartId, journalId, refs, periodStart, periodEnd, "fiscal year close")
		return err
	}); err != nil {
		log.WithError(err).Fatal("close fiscal year")
	}
	log.Info("fiscal year closed")

	log.Info("ledgerd demo complete")
}
