package creditfacility

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/obligation"
	"github.com/GaloyMoney/lana-bank-sub002/outbox"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) (*Engine, *outbox.Outbox, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "facility.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ob, err := outbox.New(db)
	require.NoError(t, err)
	led, err := ledger.New(db)
	require.NoError(t, err)
	obl, err := obligation.New(db, ob, led)
	require.NoError(t, err)
	e, err := New(db, ob, led, obl)
	require.NoError(t, err)
	return e, ob, db
}

func testTerms() Terms {
	return Terms{
		AnnualRatePercent: 12,
		AccrualInterval:   24 * time.Hour,
		InitialCvl:        140,
		MarginCallCvl:     125,
		LiquidationCvl:    105,
		DueAfter:          24 * time.Hour,
		OverdueAfter:      48 * time.Hour,
		DefaultedAfter:    96 * time.Hour,
	}
}

// priceForCvl returns the BTC price that yields the given CVL percent for a
// fixed collateral/outstanding pair, inverting primitives.CvlPercent.
func priceForCvl(cvlPercent float64, collateral primitives.Satoshis, outstanding primitives.UsdCents) primitives.PriceOfOneBTC {
	cents := cvlPercent * float64(outstanding) * 1e8 / (100 * float64(collateral))
	return primitives.PriceOfOneBTC{UsdCents: primitives.UsdCents(cents)}
}

func activateFacility(t *testing.T, e *Engine, db *storage.DB, customerId primitives.CustomerId, terms Terms, principal primitives.UsdCents, collateral primitives.Satoshis, price primitives.PriceOfOneBTC, now time.Time) *Facility {
	t.Helper()
	var facility *Facility
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		facility, err = e.ProposeInTx(tx, customerId, terms, principal)
		return err
	}))
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.ApproveInTx(tx, facility.Id)
	}))
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.PostCollateralInTx(tx, facility.Id, collateral, price, now, ActivationPosting{})
	}))
	reloaded, err := e.Get(facility.Id)
	require.NoError(t, err)
	return reloaded
}

// TestInterestAccrualMatchesSpecExample covers spec.md §8 scenario 4:
// principal 10000 USD, 12% annual, daily accrual => ceil(10000*0.12/365*100)=329 cents.
func TestInterestAccrualMatchesSpecExample(t *testing.T) {
	e, _, db := openTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	outstanding := primitives.UsdCents(1_000_000)
	collateral := primitives.Satoshis(280_000)
	price := priceForCvl(140, collateral, outstanding)
	facility := activateFacility(t, e, db, primitives.NewCustomerId(), testTerms(), outstanding, collateral, price, now)
	require.Equal(t, StatusActive, facility.Status)

	var obl *obligation.Obligation
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		obl, err = e.AccrueInterestPeriodInTx(tx, facility.Id, outstanding, 1, now.Add(24*time.Hour), "")
		return err
	}))
	require.EqualValues(t, 329, obl.Initial)
}

func TestPostCollateralRejectsInsufficientCvl(t *testing.T) {
	e, _, db := openTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	outstanding := primitives.UsdCents(1_000_000)
	collateral := primitives.Satoshis(280_000)
	price := priceForCvl(100, collateral, outstanding) // below InitialCvl (140)

	var facility *Facility
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		facility, err = e.ProposeInTx(tx, primitives.NewCustomerId(), testTerms(), outstanding)
		return err
	}))
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.ApproveInTx(tx, facility.Id)
	}))
	err := db.WithinTx(func(tx *storage.Tx) error {
		return e.PostCollateralInTx(tx, facility.Id, collateral, price, now, ActivationPosting{})
	})
	require.ErrorIs(t, err, ErrCollateralInsufficient)

	reloaded, err := e.Get(facility.Id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, reloaded.Status)
}

// TestCvlHysteresisMatchesSpecExample covers spec.md §8 scenario 5: a CVL
// recovery only upgrades the collateralization state once it clears the
// current threshold by the upgrade buffer, not merely the raw boundary.
func TestCvlHysteresisMatchesSpecExample(t *testing.T) {
	e, ob, db := openTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	terms := testTerms()
	terms.InitialCvl = 128 // close enough to MarginCallCvl (125) that the buffer is load-bearing
	outstanding := primitives.UsdCents(1_000_000)
	collateral := primitives.Satoshis(280_000)

	facility := activateFacility(t, e, db, primitives.NewCustomerId(), terms, outstanding, collateral, priceForCvl(140, collateral, outstanding), now)
	require.Equal(t, FullyCollateralized, facility.CollateralizationState)

	// Price drops to CVL=126: below InitialCvl(128) but still above
	// MarginCallCvl(125) -> downgrades to UnderMarginCallThreshold.
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.OnPriceUpdated(tx, facility.Id, priceForCvl(126, collateral, outstanding), outstanding, "")
	}))
	reloaded, err := e.Get(facility.Id)
	require.NoError(t, err)
	require.Equal(t, UnderMarginCallThreshold, reloaded.CollateralizationState)

	msgs, err := ob.Poll("margin-call-watcher", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, KindMarginCallNotification, msgs[0].Kind)

	// Price rise to CVL=129 clears InitialCvl(128) but not
	// MarginCallCvl(125)+UpgradeBuffer(5)=130 -> no upgrade yet.
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.OnPriceUpdated(tx, facility.Id, priceForCvl(129, collateral, outstanding), outstanding, "")
	}))
	afterSmallRise, err := e.Get(facility.Id)
	require.NoError(t, err)
	require.Equal(t, UnderMarginCallThreshold, afterSmallRise.CollateralizationState)

	// Price rise to CVL=131 clears 130 -> upgrades back to FullyCollateralized.
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.OnPriceUpdated(tx, facility.Id, priceForCvl(131, collateral, outstanding), outstanding, "")
	}))
	afterUpgrade, err := e.Get(facility.Id)
	require.NoError(t, err)
	require.Equal(t, FullyCollateralized, afterUpgrade.CollateralizationState)
}

func TestLiquidationTriggersBelowLiquidationCvl(t *testing.T) {
	e, ob, db := openTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	outstanding := primitives.UsdCents(1_000_000)
	collateral := primitives.Satoshis(280_000)
	facility := activateFacility(t, e, db, primitives.NewCustomerId(), testTerms(), outstanding, collateral, priceForCvl(140, collateral, outstanding), now)

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.OnPriceUpdated(tx, facility.Id, priceForCvl(90, collateral, outstanding), outstanding, "")
	}))

	reloaded, err := e.Get(facility.Id)
	require.NoError(t, err)
	require.Equal(t, Liquidating, reloaded.CollateralizationState)
	require.NotEmpty(t, reloaded.LiquidationId)

	msgs, err := ob.Poll("liquidation-watcher", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, KindLiquidationInitiated, msgs[0].Kind)
}

func TestLiquidationProceedsAllocateAndCompleteObligation(t *testing.T) {
	e, _, db := openTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	outstanding := primitives.UsdCents(1_000_000)
	collateral := primitives.Satoshis(280_000)
	facility := activateFacility(t, e, db, primitives.NewCustomerId(), testTerms(), outstanding, collateral, priceForCvl(140, collateral, outstanding), now)

	var interestObl *obligation.Obligation
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		interestObl, err = e.AccrueInterestPeriodInTx(tx, facility.Id, outstanding, 1, now, "")
		return err
	}))

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.OnPriceUpdated(tx, facility.Id, priceForCvl(90, collateral, outstanding), outstanding, "")
	}))

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.OnLiquidationProceedsReceived(tx, facility.Id, interestObl.Initial, true, now.Add(time.Hour), PaymentSourceAccount{}, "")
	}))

	reloadedObl, err := e.obligation.Get(interestObl.Id)
	require.NoError(t, err)
	require.Equal(t, obligation.StatusCompleted, reloadedObl.Status)
}
