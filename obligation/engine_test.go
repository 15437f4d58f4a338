package obligation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/outbox"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) (*Engine, *outbox.Outbox, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "obligation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ob, err := outbox.New(db)
	require.NoError(t, err)
	led, err := ledger.New(db)
	require.NoError(t, err)
	e, err := New(db, ob, led)
	require.NoError(t, err)
	return e, ob, db
}

// TestDueThenOverdueEmitsOutboxInOrder covers spec.md §8 scenario 2.
func TestDueThenOverdueEmitsOutboxInOrder(t *testing.T) {
	e, ob, db := openTestEngine(t)
	facilityId := primitives.NewFacilityId()
	today := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	dueDate := today.Add(-24 * time.Hour)
	overdueDate := today

	var obl *Obligation
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		obl, err = e.CreateInTx(tx, facilityId, 100000, dueDate, overdueDate, overdueDate.Add(48*time.Hour), today)
		return err
	}))

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.RecordDueInTx(tx, obl.Id, dueDate, "")
	}))
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.RecordOverdueInTx(tx, obl.Id, overdueDate, "")
	}))

	msgs, err := ob.Poll("scenario2", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, KindObligationDue, msgs[0].Kind)
	require.Equal(t, KindObligationOverdue, msgs[1].Kind)

	reloaded, err := e.Get(obl.Id)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, reloaded.Status)
	require.EqualValues(t, 100000, reloaded.Outstanding)

	// Idempotent: calling RecordDue again after Overdue is a no-op.
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.RecordDueInTx(tx, obl.Id, dueDate, "")
	}))
	msgsAfter, err := ob.Poll("scenario2", 10)
	require.NoError(t, err)
	require.Len(t, msgsAfter, 2)
}

func TestRecordDefaultedRequiresOverdueFirst(t *testing.T) {
	e, _, db := openTestEngine(t)
	facilityId := primitives.NewFacilityId()
	now := time.Now()

	var obl *Obligation
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		obl, err = e.CreateInTx(tx, facilityId, 5000, now, now.Add(time.Hour), now.Add(2*time.Hour), now)
		return err
	}))

	err := db.WithinTx(func(tx *storage.Tx) error {
		return e.RecordDefaultedInTx(tx, obl.Id, now, "")
	})
	require.ErrorIs(t, err, ErrDefaultedBeforeOverdue)
}

// TestPaymentCompletesObligation covers spec.md §8 scenario 3.
func TestPaymentCompletesObligation(t *testing.T) {
	e, ob, db := openTestEngine(t)
	facilityId := primitives.NewFacilityId()
	now := time.Now()

	var obl *Obligation
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		obl, err = e.CreateInTx(tx, facilityId, 100000, now, now.Add(time.Hour), now.Add(2*time.Hour), now)
		return err
	}))

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.AllocatePaymentInTx(tx, facilityId, 100000, now, "", nil)
	}))

	msgs, err := ob.Poll("scenario3", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, KindPaymentAllocation, msgs[0].Kind)
	require.Equal(t, KindObligationCompleted, msgs[1].Kind)

	reloaded, err := e.Get(obl.Id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, reloaded.Status)
	require.EqualValues(t, 0, reloaded.Outstanding)
}

func TestAllocatePaymentSpansMultipleObligationsInCreationOrder(t *testing.T) {
	e, _, db := openTestEngine(t)
	facilityId := primitives.NewFacilityId()
	now := time.Now()

	var first, second *Obligation
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		first, err = e.CreateInTx(tx, facilityId, 6000, now, now.Add(time.Hour), now.Add(2*time.Hour), now)
		return err
	}))
	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		var err error
		second, err = e.CreateInTx(tx, facilityId, 9000, now, now.Add(time.Hour), now.Add(2*time.Hour), now.Add(time.Minute))
		return err
	}))

	require.NoError(t, db.WithinTx(func(tx *storage.Tx) error {
		return e.AllocatePaymentInTx(tx, facilityId, 10000, now, "", nil)
	}))

	reloadedFirst, err := e.Get(first.Id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, reloadedFirst.Status)
	require.EqualValues(t, 0, reloadedFirst.Outstanding)

	reloadedSecond, err := e.Get(second.Id)
	require.NoError(t, err)
	require.EqualValues(t, 5000, reloadedSecond.Outstanding)
}
